// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

package instrument

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Engine owns every queue manager in the process. It is the one explicitly
// initialized context object the orchestration and UI layers thread through
// their calls; there is no package-level instance.
type Engine struct {
	log      *logrus.Logger
	metrics  *Metrics
	pub      *StatusPublisher
	managers map[string]*Manager
}

// EngineOptions carries the collaborators NewEngine cannot build from
// configuration alone.
type EngineOptions struct {
	// Logger for all managers. Nil builds one at the configured level.
	Logger *logrus.Logger

	// Registerer for Prometheus collectors. Nil disables metrics.
	Registerer prometheus.Registerer

	// Potentiostats maps instrument names to their vendor driver bindings.
	// Required for every "biologic" entry in the config.
	Potentiostats map[string]PotentiostatDriver
}

// NewEngine builds one Manager per configured instrument and starts their
// workers. On error, managers already started are shut down again.
func NewEngine(cfg *Config, opts EngineOptions) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
			logger.SetLevel(level)
		}
	}

	e := &Engine{
		log:      logger,
		managers: make(map[string]*Manager),
	}
	if opts.Registerer != nil {
		e.metrics = NewMetrics(opts.Registerer)
	}
	if cfg.Telemetry.Enabled {
		pub, err := NewStatusPublisher(cfg.Telemetry, logger)
		if err != nil {
			return nil, err
		}
		e.pub = pub
	}

	for i := range cfg.Instruments {
		inst := &cfg.Instruments[i]
		adapter, err := e.buildAdapter(inst, opts)
		if err != nil {
			e.Shutdown()
			return nil, err
		}
		mgr, err := NewManager(ManagerConfig{
			Name:         inst.Name,
			Adapter:      adapter,
			IdleInterval: inst.IdleInterval(),
			Backoff:      inst.Backoff,
			Logger:       logger,
			Metrics:      e.metrics,
		})
		if err != nil {
			e.Shutdown()
			return nil, err
		}
		e.managers[inst.Name] = mgr
	}
	return e, nil
}

func (e *Engine) buildAdapter(inst *InstrumentConfig, opts EngineOptions) (Adapter, error) {
	switch inst.Driver {
	case "psu":
		dial, err := inst.NewDialer()
		if err != nil {
			return nil, err
		}
		cfg := PSUConfig{
			Name:         inst.Name,
			SlaveID:      inst.SlaveID,
			Nominals:     inst.Nominals,
			Timeout:      inst.Link.Timeout(),
			SettleWrite:  inst.Settle.write(),
			SettleOutput: inst.Settle.output(),
			SettleRead:   inst.Settle.read(),
		}
		if inst.Link.Kind == "tcp" {
			return NewPSUAdapterTCP(cfg, dial)
		}
		return NewPSUAdapter(cfg, dial)
	case "tny":
		dial, err := inst.NewDialer()
		if err != nil {
			return nil, err
		}
		cfg := TNYConfig{
			Name:    inst.Name,
			Timeout: inst.Link.Timeout(),
			Settle:  inst.Settle.pin(),
			MaxPin:  inst.MaxPin,
		}
		if inst.Prefix != "" {
			cfg.Prefix = inst.Prefix[0]
		}
		return NewTNYAdapter(cfg, dial)
	case "biologic":
		driver := opts.Potentiostats[inst.Name]
		if driver == nil {
			return nil, fmt.Errorf("config: instrument %q: no potentiostat driver supplied", inst.Name)
		}
		return NewBioLogicAdapter(BioLogicConfig{Name: inst.Name}, driver)
	default:
		return nil, fmt.Errorf("config: instrument %q: unknown driver %q", inst.Name, inst.Driver)
	}
}

// Manager returns the queue manager for the named instrument, nil when
// unknown.
func (e *Engine) Manager(name string) *Manager {
	return e.managers[name]
}

// Publisher returns the telemetry publisher, nil when telemetry is disabled.
func (e *Engine) Publisher() *StatusPublisher {
	return e.pub
}

// Shutdown stops every manager and releases telemetry. One instrument's slow
// shutdown does not block the others; all run concurrently.
func (e *Engine) Shutdown() {
	done := make(chan struct{}, len(e.managers))
	for _, mgr := range e.managers {
		go func(m *Manager) {
			m.Shutdown()
			done <- struct{}{}
		}(mgr)
	}
	for range e.managers {
		<-done
	}
	if e.pub != nil {
		e.pub.Close()
		e.pub = nil
	}
}
