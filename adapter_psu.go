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
	"encoding/binary"
	"fmt"
	"time"
)

// Power supply holding register / coil map. Fixed by the instrument's
// documented register set.
const (
	psuRegRemote = 402 // coil: remote (host) control enable
	psuRegOutput = 405 // coil: DC output enable

	psuRegSetVoltage = 500 // setpoints, device units
	psuRegSetCurrent = 501
	psuRegSetPower   = 502

	psuRegStatus = 505 // status word
	psuRegActual = 507 // actual voltage, current, power: three registers
)

// Status word bits.
const (
	psuStatusRemote = 0x0001
	psuStatusOutput = 0x0080
)

// PSUConfig configures a power supply adapter.
type PSUConfig struct {
	Name     string
	SlaveID  uint8
	Nominals Nominals
	Timeout  time.Duration // per Modbus exchange

	// Settling delays per operation class. Zero fields take defaults.
	SettleWrite  time.Duration // setpoint register writes
	SettleOutput time.Duration // output / remote toggles
	SettleRead   time.Duration // register reads
}

func (c *PSUConfig) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = time.Second
	}
	if c.SettleWrite <= 0 {
		c.SettleWrite = 50 * time.Millisecond
	}
	if c.SettleOutput <= 0 {
		c.SettleOutput = 200 * time.Millisecond
	}
	if c.SettleRead <= 0 {
		c.SettleRead = 10 * time.Millisecond
	}
}

// PSUAdapter drives a programmable power supply over Modbus. The link may be
// RTU over a serial port or MBAP through a gateway; the adapter only sees
// RegisterClient.
type PSUAdapter struct {
	cfg    PSUConfig
	dial   Dialer
	useTCP bool
	client RegisterClient
}

// NewPSUAdapter creates a power supply adapter speaking Modbus RTU over the
// serial port the dialer opens.
func NewPSUAdapter(cfg PSUConfig, dial Dialer) (*PSUAdapter, error) {
	return newPSUAdapter(cfg, dial, false)
}

// NewPSUAdapterTCP creates a power supply adapter speaking Modbus TCP (MBAP)
// through a gateway the dialer connects to.
func NewPSUAdapterTCP(cfg PSUConfig, dial Dialer) (*PSUAdapter, error) {
	return newPSUAdapter(cfg, dial, true)
}

func newPSUAdapter(cfg PSUConfig, dial Dialer, useTCP bool) (*PSUAdapter, error) {
	if dial == nil {
		return nil, &ValidationError{Field: "dial", Reason: "must not be nil"}
	}
	if cfg.Nominals.Voltage <= 0 || cfg.Nominals.Current <= 0 || cfg.Nominals.Power <= 0 {
		return nil, &ValidationError{Field: "nominals", Reason: "must be positive"}
	}
	if cfg.Name == "" {
		cfg.Name = "psu"
	}
	cfg.applyDefaults()
	return &PSUAdapter{cfg: cfg, dial: dial, useTCP: useTCP}, nil
}

// Name implements Adapter.
func (a *PSUAdapter) Name() string { return a.cfg.Name }

// Connect opens the link and applies the setup sequence: remote control on,
// output forced off. The sequence runs identically on every reconnection.
func (a *PSUAdapter) Connect() error {
	if a.client != nil {
		a.client.Close()
		a.client = nil
	}
	port, err := a.dial()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrComm, err)
	}
	if a.useTCP {
		a.client = NewMBAPClient(port, a.cfg.SlaveID, a.cfg.Timeout)
	} else {
		a.client = NewRTUClient(port, a.cfg.SlaveID, a.cfg.Timeout)
	}
	if err := a.client.WriteSingleCoil(psuRegRemote, true); err != nil {
		a.dropLink()
		return err
	}
	if err := a.client.WriteSingleCoil(psuRegOutput, false); err != nil {
		a.dropLink()
		return err
	}
	return nil
}

// Disconnect forces the output off, releases remote control and closes the
// link. Output-off failures are ignored; the link may already be gone.
func (a *PSUAdapter) Disconnect() error {
	if a.client == nil {
		return nil
	}
	a.client.WriteSingleCoil(psuRegOutput, false)
	a.client.WriteSingleCoil(psuRegRemote, false)
	err := a.client.Close()
	a.client = nil
	return err
}

func (a *PSUAdapter) dropLink() {
	if a.client != nil {
		a.client.Close()
		a.client = nil
	}
}

// Validate implements Adapter. Setpoints must fit [0, 102 %] of nominal.
func (a *PSUAdapter) Validate(t CommandType, p Params) error {
	switch t {
	case CmdSetVoltage:
		return a.validateScalar(p, a.cfg.Nominals.Voltage, "voltage")
	case CmdSetCurrent:
		return a.validateScalar(p, a.cfg.Nominals.Current, "current")
	case CmdSetPower:
		return a.validateScalar(p, a.cfg.Nominals.Power, "power")
	case CmdSetOutput, CmdSetRemote:
		if _, ok := p.(SwitchParams); !ok {
			return &ValidationError{Field: t.String(), Reason: "requires SwitchParams"}
		}
		return nil
	case CmdGetStatus:
		return nil
	case CmdRaw:
		raw, ok := p.(RawParams)
		if !ok || len(raw.Payload) != 4 {
			return &ValidationError{Field: "raw", Reason: "requires a 4-byte address+value payload"}
		}
		return nil
	default:
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("%s not supported by power supply", t)}
	}
}

func (a *PSUAdapter) validateScalar(p Params, nominal float64, field string) error {
	sp, ok := p.(ScalarParams)
	if !ok {
		return &ValidationError{Field: field, Reason: "requires ScalarParams"}
	}
	if sp.Value < 0 || sp.Value > nominal*1.02 {
		return &ValidationError{Field: field,
			Reason: fmt.Sprintf("%g outside [0, %g]", sp.Value, nominal*1.02)}
	}
	return nil
}

// Execute implements Adapter.
func (a *PSUAdapter) Execute(t CommandType, p Params) Result {
	if a.client == nil {
		return Result{Err: ErrNotConnected}
	}
	switch t {
	case CmdSetVoltage:
		return a.setScalar(psuRegSetVoltage, p.(ScalarParams).Value, a.cfg.Nominals.Voltage)
	case CmdSetCurrent:
		return a.setScalar(psuRegSetCurrent, p.(ScalarParams).Value, a.cfg.Nominals.Current)
	case CmdSetPower:
		return a.setScalar(psuRegSetPower, p.(ScalarParams).Value, a.cfg.Nominals.Power)
	case CmdSetOutput:
		return Result{Err: a.client.WriteSingleCoil(psuRegOutput, p.(SwitchParams).On)}
	case CmdSetRemote:
		return Result{Err: a.client.WriteSingleCoil(psuRegRemote, p.(SwitchParams).On)}
	case CmdGetStatus:
		return a.getStatus()
	case CmdRaw:
		payload := p.(RawParams).Payload
		address := binary.BigEndian.Uint16(payload[0:2])
		value := binary.BigEndian.Uint16(payload[2:4])
		return Result{Err: a.client.WriteSingleRegister(address, value)}
	default:
		return Result{Err: &ValidationError{Field: "type", Reason: t.String()}}
	}
}

func (a *PSUAdapter) setScalar(register uint16, value, nominal float64) Result {
	code := ToDeviceUnits(value, nominal)
	if err := a.client.WriteSingleRegister(register, code); err != nil {
		return Result{Err: err}
	}
	return Result{Value: FromDeviceUnits(code, nominal)}
}

func (a *PSUAdapter) getStatus() Result {
	state, err := a.client.ReadHoldingRegisters(psuRegStatus, 1)
	if err != nil {
		return Result{Err: err}
	}
	actual, err := a.client.ReadHoldingRegisters(psuRegActual, 3)
	if err != nil {
		return Result{Err: err}
	}
	return Result{Status: Status{
		Voltage:  FromDeviceUnits(actual[0], a.cfg.Nominals.Voltage),
		Current:  FromDeviceUnits(actual[1], a.cfg.Nominals.Current),
		Power:    FromDeviceUnits(actual[2], a.cfg.Nominals.Power),
		RemoteOn: state[0]&psuStatusRemote != 0,
		OutputOn: state[0]&psuStatusOutput != 0,
	}}
}

// SettleDelay implements Adapter. Output toggles need the longest pause;
// reads the shortest.
func (a *PSUAdapter) SettleDelay(t CommandType) time.Duration {
	switch t {
	case CmdSetOutput, CmdSetRemote:
		return a.cfg.SettleOutput
	case CmdGetStatus:
		return a.cfg.SettleRead
	default:
		return a.cfg.SettleWrite
	}
}
