package instrument

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeDriver records potentiostat calls.
type fakeDriver struct {
	mu        sync.Mutex
	connected bool
	running   map[int]string
	data      ChannelData
	err       error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{running: make(map[int]string)}
}

func (d *fakeDriver) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.connected = true
	return nil
}

func (d *fakeDriver) Disconnect() error {
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) StartTechnique(channel int, technique string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.running[channel] = technique
	return nil
}

func (d *fakeDriver) StopTechnique(channel int) error {
	d.mu.Lock()
	delete(d.running, channel)
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) ReadChannel(channel int) (ChannelData, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return ChannelData{}, d.err
	}
	data := d.data
	data.Running = d.running[channel] != ""
	return data, nil
}

func (d *fakeDriver) technique(channel int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running[channel]
}

func TestBioLogicTechniqueLifecycle(t *testing.T) {
	driver := newFakeDriver()
	driver.data = ChannelData{Ewe: 1.234, Current: -0.005}
	adapter, err := NewBioLogicAdapter(BioLogicConfig{Channels: 4, Settle: time.Millisecond}, driver)
	if err != nil {
		t.Fatalf("NewBioLogicAdapter failed: %v", err)
	}
	mgr := fastManager(t, adapter)

	if _, err := mgr.SubmitBlocking(CmdStartTechnique,
		TechniqueParams{Channel: 2, Technique: "OCV"}, PriorityNormal, time.Second); err != nil {
		t.Fatalf("StartTechnique failed: %v", err)
	}
	if got := driver.technique(2); got != "OCV" {
		t.Errorf("channel 2 runs %q, want OCV", got)
	}

	res, err := mgr.SubmitBlocking(CmdReadChannel, ChannelParams{Channel: 2}, PriorityLow, time.Second)
	if err != nil {
		t.Fatalf("ReadChannel failed: %v", err)
	}
	if !res.Channel.Running || res.Channel.Ewe != 1.234 {
		t.Errorf("channel data %+v, want running with Ewe 1.234", res.Channel)
	}

	if _, err := mgr.SubmitBlocking(CmdStopTechnique, ChannelParams{Channel: 2}, PriorityNormal, time.Second); err != nil {
		t.Fatalf("StopTechnique failed: %v", err)
	}
	if got := driver.technique(2); got != "" {
		t.Errorf("channel 2 still runs %q after stop", got)
	}
}

func TestBioLogicValidate(t *testing.T) {
	adapter, err := NewBioLogicAdapter(BioLogicConfig{Channels: 4}, newFakeDriver())
	if err != nil {
		t.Fatalf("NewBioLogicAdapter failed: %v", err)
	}

	var ve *ValidationError
	if err := adapter.Validate(CmdStartTechnique, TechniqueParams{Channel: 4, Technique: "CV"}); !errors.As(err, &ve) {
		t.Errorf("out-of-range channel got %v, want ValidationError", err)
	}
	if err := adapter.Validate(CmdStartTechnique, TechniqueParams{Channel: 0}); !errors.As(err, &ve) {
		t.Errorf("empty technique got %v, want ValidationError", err)
	}
	if err := adapter.Validate(CmdSetVoltage, ScalarParams{Value: 1}); !errors.As(err, &ve) {
		t.Errorf("voltage command on potentiostat got %v, want ValidationError", err)
	}
	if err := adapter.Validate(CmdReadChannel, ChannelParams{Channel: 3}); err != nil {
		t.Errorf("valid channel rejected: %v", err)
	}
}

func TestBioLogicNilDriver(t *testing.T) {
	if _, err := NewBioLogicAdapter(BioLogicConfig{}, nil); err == nil {
		t.Error("nil driver accepted")
	}
}
