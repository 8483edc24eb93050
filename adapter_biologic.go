package instrument

import (
	"fmt"
	"time"
)

// PotentiostatDriver is the narrow surface of the vendor potentiostat
// bindings. The bindings themselves live outside this package; the adapter
// only translates command types onto these calls so the potentiostat shares
// the same dispatcher as every other instrument.
type PotentiostatDriver interface {
	Connect() error
	Disconnect() error
	StartTechnique(channel int, technique string) error
	StopTechnique(channel int) error
	ReadChannel(channel int) (ChannelData, error)
}

// BioLogicConfig configures the potentiostat adapter.
type BioLogicConfig struct {
	Name     string
	Channels int           // number of usable channels
	Settle   time.Duration // pause after technique control commands
}

// BioLogicAdapter maps command types onto an injected PotentiostatDriver.
type BioLogicAdapter struct {
	cfg    BioLogicConfig
	driver PotentiostatDriver
}

// NewBioLogicAdapter creates a potentiostat adapter around the given driver.
func NewBioLogicAdapter(cfg BioLogicConfig, driver PotentiostatDriver) (*BioLogicAdapter, error) {
	if driver == nil {
		return nil, &ValidationError{Field: "driver", Reason: "must not be nil"}
	}
	if cfg.Name == "" {
		cfg.Name = "biologic"
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 100 * time.Millisecond
	}
	return &BioLogicAdapter{cfg: cfg, driver: driver}, nil
}

// Name implements Adapter.
func (a *BioLogicAdapter) Name() string { return a.cfg.Name }

// Connect implements Adapter.
func (a *BioLogicAdapter) Connect() error { return a.driver.Connect() }

// Disconnect implements Adapter.
func (a *BioLogicAdapter) Disconnect() error { return a.driver.Disconnect() }

// Validate implements Adapter.
func (a *BioLogicAdapter) Validate(t CommandType, p Params) error {
	switch t {
	case CmdStartTechnique:
		tp, ok := p.(TechniqueParams)
		if !ok {
			return &ValidationError{Field: t.String(), Reason: "requires TechniqueParams"}
		}
		if tp.Technique == "" {
			return &ValidationError{Field: "technique", Reason: "must not be empty"}
		}
		return a.validateChannel(tp.Channel)
	case CmdStopTechnique, CmdReadChannel:
		cp, ok := p.(ChannelParams)
		if !ok {
			return &ValidationError{Field: t.String(), Reason: "requires ChannelParams"}
		}
		return a.validateChannel(cp.Channel)
	default:
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("%s not supported by potentiostat", t)}
	}
}

func (a *BioLogicAdapter) validateChannel(ch int) error {
	if ch < 0 || ch >= a.cfg.Channels {
		return &ValidationError{Field: "channel",
			Reason: fmt.Sprintf("%d outside [0, %d)", ch, a.cfg.Channels)}
	}
	return nil
}

// Execute implements Adapter.
func (a *BioLogicAdapter) Execute(t CommandType, p Params) Result {
	switch t {
	case CmdStartTechnique:
		tp := p.(TechniqueParams)
		return Result{Err: a.driver.StartTechnique(tp.Channel, tp.Technique)}
	case CmdStopTechnique:
		return Result{Err: a.driver.StopTechnique(p.(ChannelParams).Channel)}
	case CmdReadChannel:
		data, err := a.driver.ReadChannel(p.(ChannelParams).Channel)
		return Result{Channel: data, Err: err}
	default:
		return Result{Err: &ValidationError{Field: "type", Reason: t.String()}}
	}
}

// SettleDelay implements Adapter. Reads need no pause.
func (a *BioLogicAdapter) SettleDelay(t CommandType) time.Duration {
	if t == CmdReadChannel {
		return 0
	}
	return a.cfg.Settle
}
