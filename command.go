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

import "time"

// Priority selects the dispatch lane of a command. High drains strictly
// before Normal, Normal strictly before Low; within a lane, FIFO. High is
// reserved for user-initiated actions and can starve Low indefinitely.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow

	numPriorities = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// CommandType tags the abstract operation a command requests. Each adapter
// understands a closed subset.
type CommandType int

const (
	// Power supply.
	CmdSetVoltage CommandType = iota
	CmdSetCurrent
	CmdSetPower
	CmdSetOutput
	CmdSetRemote
	CmdGetStatus
	CmdRaw

	// Microcontroller I/O bridge.
	CmdSetPin
	CmdGetPin

	// Potentiostat.
	CmdStartTechnique
	CmdStopTechnique
	CmdReadChannel
)

func (t CommandType) String() string {
	switch t {
	case CmdSetVoltage:
		return "set-voltage"
	case CmdSetCurrent:
		return "set-current"
	case CmdSetPower:
		return "set-power"
	case CmdSetOutput:
		return "set-output"
	case CmdSetRemote:
		return "set-remote"
	case CmdGetStatus:
		return "get-status"
	case CmdRaw:
		return "raw"
	case CmdSetPin:
		return "set-pin"
	case CmdGetPin:
		return "get-pin"
	case CmdStartTechnique:
		return "start-technique"
	case CmdStopTechnique:
		return "stop-technique"
	case CmdReadChannel:
		return "read-channel"
	default:
		return "unknown"
	}
}

// Params is the command parameter payload. One concrete type per parameter
// shape instead of a shared union, so a command can only ever carry the
// fields its type understands.
type Params interface {
	isParams()
}

// ScalarParams carries a single engineering value (volts, amps, watts).
type ScalarParams struct {
	Value float64
}

// SwitchParams carries an on/off request (output enable, remote control).
type SwitchParams struct {
	On bool
}

// PinParams addresses one digital pin of the I/O bridge.
type PinParams struct {
	Pin  int
	High bool
}

// RawParams is an uninterpreted pass-through payload.
type RawParams struct {
	Payload []byte
}

// TechniqueParams selects a potentiostat channel and technique.
type TechniqueParams struct {
	Channel   int
	Technique string
}

// ChannelParams addresses one potentiostat channel.
type ChannelParams struct {
	Channel int
}

func (ScalarParams) isParams()    {}
func (SwitchParams) isParams()    {}
func (PinParams) isParams()       {}
func (RawParams) isParams()       {}
func (TechniqueParams) isParams() {}
func (ChannelParams) isParams()   {}

// Status is an aggregate power supply reading.
type Status struct {
	Voltage  float64 `json:"voltage"`
	Current  float64 `json:"current"`
	Power    float64 `json:"power"`
	OutputOn bool    `json:"output_on"`
	RemoteOn bool    `json:"remote_on"`
}

// ChannelData is one potentiostat channel sample.
type ChannelData struct {
	Ewe     float64 `json:"ewe"`
	Current float64 `json:"current"`
	Running bool    `json:"running"`
}

// Result is what a command execution produced. Err is nil on success; the
// value fields are populated according to the command type.
type Result struct {
	Value   float64
	Status  Status
	Channel ChannelData
	Raw     []byte
	Err     error
}

// Callback receives the result of an asynchronous command. It runs on the
// dispatcher worker and must not block or submit back into the same manager
// synchronously.
type Callback func(id uint32, res Result, ctx any)

// Command is one pending operation. It is owned exclusively by the dispatcher
// from enqueue until its result has been delivered.
type Command struct {
	ID        uint32
	Type      CommandType
	Priority  Priority
	Params    Params
	CreatedAt time.Time

	// Completion: exactly one of done (blocking caller) or callback (async
	// caller) is set. done is buffered so the dispatcher's single send never
	// blocks, even when the caller has timed out and walked away.
	done     chan Result
	callback Callback
	cbCtx    any

	// txnID links the command to its owning transaction, 0 for none.
	txnID uint32
}
