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
	"errors"
	"fmt"
)

// Sentinel errors returned by the transport, codec and queue layers.
// Callers classify with errors.Is / errors.As.
var (
	ErrTimeout            = errors.New("instrument: timeout")
	ErrComm               = errors.New("instrument: communication error")
	ErrNotConnected       = errors.New("instrument: not connected")
	ErrBusy               = errors.New("instrument: device busy")
	ErrCRC                = errors.New("instrument: crc mismatch")
	ErrUnexpectedResponse = errors.New("instrument: unexpected response")
	ErrQueueFlushed       = errors.New("instrument: command dropped by queue flush")
	ErrShutdown           = errors.New("instrument: manager shut down")
)

// Transaction errors.
var (
	ErrTransactionCommitted = errors.New("instrument: transaction already committed")
	ErrTransactionFull      = errors.New("instrument: transaction member limit reached")
	ErrTransactionNotFound  = errors.New("instrument: unknown transaction")
)

// ExceptionError is a Modbus exception response from the device. The link
// itself is healthy; the device rejected the request.
type ExceptionError struct {
	Function uint8 // function code of the rejected request
	Code     uint8 // exception code from the device
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("instrument: modbus exception 0x%02X (%s) for function 0x%02X",
		e.Code, exceptionMessage(e.Code), e.Function)
}

// exceptionMessage returns a human-readable message for a Modbus exception code.
func exceptionMessage(code uint8) string {
	switch code {
	case 0x01:
		return "Illegal function"
	case 0x02:
		return "Illegal data address"
	case 0x03:
		return "Illegal data value"
	case 0x04:
		return "Slave device failure"
	case 0x05:
		return "Acknowledge"
	case 0x06:
		return "Slave device busy"
	case 0x08:
		return "Memory parity error"
	case 0x0A:
		return "Gateway path unavailable"
	case 0x0B:
		return "Gateway target device failed to respond"
	default:
		return "Unknown exception code"
	}
}

// ValidationError reports a command parameter rejected before any I/O.
// It never affects connection state.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("instrument: invalid parameter %s: %s", e.Field, e.Reason)
}

// VerifyError reports a pin-command echo that disagreed with the request.
// The link is presumed fine; the device answered, just not what was asked.
type VerifyError struct {
	WantPin   int
	WantState int
	GotPin    int
	GotState  int
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("instrument: pin verify failed: requested pin %d state %d, device echoed pin %d state %d",
		e.WantPin, e.WantState, e.GotPin, e.GotState)
}

// isLinkLoss reports whether err is a failure class that indicates the
// serial/USB link is gone and the dispatcher should enter the reconnect path.
// Exception, validation and verify errors are device-level answers and do not
// count.
func isLinkLoss(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrComm) ||
		errors.Is(err, ErrNotConnected)
}
