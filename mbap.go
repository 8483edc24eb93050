package instrument

import (
	"encoding/binary"
	"fmt"
	"time"
)

// mbapHeaderLength is the MBAP header size: transaction id (2) +
// protocol id (2) + length (2) + unit id (1).
const mbapHeaderLength = 7

// MBAPClient is the Modbus TCP counterpart of RTUClient, for power supplies
// reached through a serial-to-Ethernet gateway or an in-process simulator.
// The MBAP length field replaces the RTU CRC; everything else validates the
// same way.
type MBAPClient struct {
	port    BytePort
	unitID  uint8
	timeout time.Duration
	txnID   uint16
}

// NewMBAPClient creates a Modbus TCP master bound to one unit id.
func NewMBAPClient(port BytePort, unitID uint8, timeout time.Duration) *MBAPClient {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &MBAPClient{port: port, unitID: unitID, timeout: timeout}
}

// Close closes the underlying connection.
func (c *MBAPClient) Close() error {
	return c.port.Close()
}

// exchange sends one PDU and returns the validated response PDU.
func (c *MBAPClient) exchange(pdu []byte) ([]byte, error) {
	drainInput(c.port)

	c.txnID++
	frame := make([]byte, mbapHeaderLength+len(pdu))
	binary.BigEndian.PutUint16(frame[0:2], c.txnID)
	binary.BigEndian.PutUint16(frame[2:4], 0) // protocol id, always zero
	binary.BigEndian.PutUint16(frame[4:6], uint16(len(pdu)+1))
	frame[6] = c.unitID
	copy(frame[mbapHeaderLength:], pdu)

	if err := writeFull(c.port, frame); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.timeout)
	header := make([]byte, mbapHeaderLength)
	if _, err := readAtLeast(c.port, header, 0, mbapHeaderLength, deadline); err != nil {
		return nil, err
	}
	if binary.BigEndian.Uint16(header[0:2]) != c.txnID {
		return nil, fmt.Errorf("%w: transaction id %d, want %d",
			ErrUnexpectedResponse, binary.BigEndian.Uint16(header[0:2]), c.txnID)
	}
	if binary.BigEndian.Uint16(header[2:4]) != 0 {
		return nil, fmt.Errorf("%w: protocol id 0x%04X", ErrUnexpectedResponse, binary.BigEndian.Uint16(header[2:4]))
	}
	length := int(binary.BigEndian.Uint16(header[4:6]))
	if length < 2 || length > 254 {
		return nil, fmt.Errorf("%w: MBAP length %d", ErrUnexpectedResponse, length)
	}
	if header[6] != c.unitID {
		return nil, fmt.Errorf("%w: unit id %d, want %d", ErrUnexpectedResponse, header[6], c.unitID)
	}

	resp := make([]byte, length-1)
	if _, err := readAtLeast(c.port, resp, 0, len(resp), deadline); err != nil {
		return nil, err
	}
	if resp[0]&exceptionBit != 0 {
		if len(resp) < 2 {
			return nil, fmt.Errorf("%w: truncated exception response", ErrUnexpectedResponse)
		}
		return nil, &ExceptionError{Function: resp[0] &^ exceptionBit, Code: resp[1]}
	}
	if resp[0] != pdu[0] {
		return nil, fmt.Errorf("%w: function code 0x%02X echoed for request 0x%02X", ErrUnexpectedResponse, resp[0], pdu[0])
	}
	return resp, nil
}

// ReadHoldingRegisters reads quantity registers starting at address.
func (c *MBAPClient) ReadHoldingRegisters(address, quantity uint16) ([]uint16, error) {
	if quantity == 0 || quantity > 125 {
		return nil, &ValidationError{Field: "quantity", Reason: fmt.Sprintf("%d out of range 1..125", quantity)}
	}
	pdu := make([]byte, 5)
	pdu[0] = FuncReadHoldingRegisters
	binary.BigEndian.PutUint16(pdu[1:3], address)
	binary.BigEndian.PutUint16(pdu[3:5], quantity)

	resp, err := c.exchange(pdu)
	if err != nil {
		return nil, err
	}
	if len(resp) != 2+2*int(quantity) || int(resp[1]) != 2*int(quantity) {
		return nil, fmt.Errorf("%w: read response of %d bytes for %d registers", ErrUnexpectedResponse, len(resp), quantity)
	}
	values := make([]uint16, quantity)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(resp[2+2*i : 4+2*i])
	}
	return values, nil
}

// WriteSingleRegister writes one holding register.
func (c *MBAPClient) WriteSingleRegister(address, value uint16) error {
	pdu := make([]byte, 5)
	pdu[0] = FuncWriteSingleRegister
	binary.BigEndian.PutUint16(pdu[1:3], address)
	binary.BigEndian.PutUint16(pdu[3:5], value)

	resp, err := c.exchange(pdu)
	if err != nil {
		return err
	}
	if len(resp) != 5 || binary.BigEndian.Uint16(resp[1:3]) != address || binary.BigEndian.Uint16(resp[3:5]) != value {
		return fmt.Errorf("%w: write register echo % X", ErrUnexpectedResponse, resp)
	}
	return nil
}

// WriteSingleCoil writes one coil (0xFF00 for ON, 0x0000 for OFF).
func (c *MBAPClient) WriteSingleCoil(address uint16, on bool) error {
	var value uint16
	if on {
		value = 0xFF00
	}
	pdu := make([]byte, 5)
	pdu[0] = FuncWriteSingleCoil
	binary.BigEndian.PutUint16(pdu[1:3], address)
	binary.BigEndian.PutUint16(pdu[3:5], value)

	resp, err := c.exchange(pdu)
	if err != nil {
		return err
	}
	if len(resp) != 5 || binary.BigEndian.Uint16(resp[1:3]) != address || binary.BigEndian.Uint16(resp[3:5]) != value {
		return fmt.Errorf("%w: write coil echo % X", ErrUnexpectedResponse, resp)
	}
	return nil
}
