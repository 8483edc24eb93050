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

// Modbus function codes used by the power supply register map.
const (
	FuncReadHoldingRegisters = 0x03
	FuncWriteSingleCoil      = 0x05
	FuncWriteSingleRegister  = 0x06
)

const (
	// rtuRequestLength is the fixed size of every request this master sends:
	// slave (1) + function (1) + address (2) + value/quantity (2) + CRC (2).
	rtuRequestLength = 8

	// rtuExceptionLength is the fixed size of an exception response:
	// slave (1) + function|0x80 (1) + exception code (1) + CRC (2).
	rtuExceptionLength = 5

	exceptionBit = 0x80
)

// RegisterClient is the register-level surface the power supply adapter talks
// to. Both the RTU codec and the MBAP codec implement it, so the adapter does
// not care whether the link is a serial cable or a TCP gateway.
type RegisterClient interface {
	ReadHoldingRegisters(address, quantity uint16) ([]uint16, error)
	WriteSingleRegister(address, value uint16) error
	WriteSingleCoil(address uint16, on bool) error
	Close() error
}

// RTUClient is a single-slave Modbus RTU master over a BytePort. It builds
// frames, validates responses and returns typed errors; retry and reconnect
// policy belong to the dispatcher above it.
type RTUClient struct {
	port    BytePort
	slaveID uint8
	timeout time.Duration
}

// NewRTUClient creates an RTU master bound to one slave address. timeout is
// the per-exchange response deadline.
func NewRTUClient(port BytePort, slaveID uint8, timeout time.Duration) *RTUClient {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &RTUClient{port: port, slaveID: slaveID, timeout: timeout}
}

// Close closes the underlying port.
func (c *RTUClient) Close() error {
	return c.port.Close()
}

// buildRequest assembles the fixed 8-byte request frame with a trailing CRC16
// computed over the first six bytes, low byte first on the wire.
func (c *RTUClient) buildRequest(function uint8, address, value uint16) [rtuRequestLength]byte {
	var frame [rtuRequestLength]byte
	frame[0] = c.slaveID
	frame[1] = function
	binary.BigEndian.PutUint16(frame[2:4], address)
	binary.BigEndian.PutUint16(frame[4:6], value)
	binary.LittleEndian.PutUint16(frame[6:8], CRC16(frame[:6]))
	return frame
}

// expectedResponseLength returns the full frame length a non-exception
// response must have for the given function code.
func expectedResponseLength(function uint8, quantity uint16) int {
	switch function {
	case FuncReadHoldingRegisters:
		// slave + function + byte count + 2*quantity data + CRC
		return 5 + 2*int(quantity)
	default:
		// Write acknowledgements echo the request.
		return rtuRequestLength
	}
}

// exchange sends one request and reads and validates the response frame.
// It returns the full validated frame (CRC included).
//
// Validation order, first failure short-circuits: total length, slave
// address, exception bit, function code echo, read byte count, CRC.
func (c *RTUClient) exchange(function uint8, address, value, quantity uint16) ([]byte, error) {
	drainInput(c.port)

	req := c.buildRequest(function, address, value)
	if err := writeFull(c.port, req[:]); err != nil {
		return nil, err
	}

	expected := expectedResponseLength(function, quantity)
	resp := make([]byte, expected)
	deadline := time.Now().Add(c.timeout)

	// Five bytes are enough to see the exception bit and, for an exception
	// response, the whole frame.
	got, err := readAtLeast(c.port, resp, 0, rtuExceptionLength, deadline)
	if err != nil {
		return nil, err
	}

	if resp[1]&exceptionBit != 0 {
		if got != rtuExceptionLength {
			return nil, fmt.Errorf("%w: exception frame of %d bytes", ErrUnexpectedResponse, got)
		}
		if resp[0] != c.slaveID {
			return nil, fmt.Errorf("%w: slave address %d, want %d", ErrUnexpectedResponse, resp[0], c.slaveID)
		}
		return nil, &ExceptionError{Function: resp[1] &^ exceptionBit, Code: resp[2]}
	}

	if got, err = readAtLeast(c.port, resp, got, expected, deadline); err != nil {
		return nil, err
	}
	if got != expected {
		return nil, fmt.Errorf("%w: response length %d, want %d", ErrUnexpectedResponse, got, expected)
	}
	if resp[0] != c.slaveID {
		return nil, fmt.Errorf("%w: slave address %d, want %d", ErrUnexpectedResponse, resp[0], c.slaveID)
	}
	if resp[1] != function {
		// Either device confusion or a wiring error; distinct from a plain
		// malformed frame.
		return nil, fmt.Errorf("%w: function code 0x%02X echoed for request 0x%02X", ErrUnexpectedResponse, resp[1], function)
	}
	if function == FuncReadHoldingRegisters && int(resp[2]) != expected-5 {
		return nil, fmt.Errorf("%w: byte count %d, want %d", ErrUnexpectedResponse, resp[2], expected-5)
	}
	if CRC16(resp[:expected-2]) != binary.LittleEndian.Uint16(resp[expected-2:]) {
		return nil, ErrCRC
	}
	return resp, nil
}

// ReadHoldingRegisters reads quantity registers starting at address using
// function code 0x03.
func (c *RTUClient) ReadHoldingRegisters(address, quantity uint16) ([]uint16, error) {
	if quantity == 0 || quantity > 125 {
		return nil, &ValidationError{Field: "quantity", Reason: fmt.Sprintf("%d out of range 1..125", quantity)}
	}
	resp, err := c.exchange(FuncReadHoldingRegisters, address, quantity, quantity)
	if err != nil {
		return nil, err
	}
	values := make([]uint16, quantity)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(resp[3+2*i : 5+2*i])
	}
	return values, nil
}

// WriteSingleRegister writes one holding register using function code 0x06.
// The device must echo the request exactly.
func (c *RTUClient) WriteSingleRegister(address, value uint16) error {
	resp, err := c.exchange(FuncWriteSingleRegister, address, value, 0)
	if err != nil {
		return err
	}
	if binary.BigEndian.Uint16(resp[2:4]) != address || binary.BigEndian.Uint16(resp[4:6]) != value {
		return fmt.Errorf("%w: write register echo %X, want address %04X value %04X",
			ErrUnexpectedResponse, resp[2:6], address, value)
	}
	return nil
}

// WriteSingleCoil writes one coil using function code 0x05. Modbus encodes
// ON as 0xFF00 and OFF as 0x0000.
func (c *RTUClient) WriteSingleCoil(address uint16, on bool) error {
	var value uint16
	if on {
		value = 0xFF00
	}
	resp, err := c.exchange(FuncWriteSingleCoil, address, value, 0)
	if err != nil {
		return err
	}
	if binary.BigEndian.Uint16(resp[2:4]) != address || binary.BigEndian.Uint16(resp[4:6]) != value {
		return fmt.Errorf("%w: write coil echo %X, want address %04X value %04X",
			ErrUnexpectedResponse, resp[2:6], address, value)
	}
	return nil
}
