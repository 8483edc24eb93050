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
	"io"
	"net"
	"os"
	"time"

	serial "github.com/hootrhino/goserial"
)

// BytePort is the raw byte channel underneath a codec: a serial/USB port or a
// TCP connection to a gateway. Reads are expected to return promptly with
// whatever is available (possibly nothing); the codec layers poll with their
// own deadlines. Exactly one dispatcher worker ever touches a given port.
type BytePort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Dialer opens (or reopens) the byte channel for one instrument. The
// connection lifecycle manager calls it on every reconnection attempt.
type Dialer func() (BytePort, error)

// SerialLink describes a serial/USB port.
type SerialLink struct {
	Device   string // e.g. "/dev/ttyUSB0" or "COM6"
	BaudRate int
	DataBits int
	StopBits int
	Parity   string // "N", "E" or "O"
}

// serialPollTimeout is the port-level read timeout serial links are opened
// with. It must stay poll-scale: input drains and response polls block at most
// this long on a quiet line, while the per-exchange deadline lives in the
// codec, not the port.
const serialPollTimeout = 20 * time.Millisecond

// SerialDialer returns a Dialer that opens the given serial port.
func SerialDialer(link SerialLink) Dialer {
	return func() (BytePort, error) {
		port, err := serial.Open(&serial.Config{
			Address:  link.Device,
			BaudRate: link.BaudRate,
			DataBits: link.DataBits,
			StopBits: link.StopBits,
			Parity:   link.Parity,
			Timeout:  serialPollTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("open serial port %s: %w", link.Device, err)
		}
		return &serialPort{port: port}, nil
	}
}

// serialPort adapts a goserial port to the BytePort polling contract: a read
// that hits the port timeout reports no data rather than an error.
type serialPort struct {
	port io.ReadWriteCloser
}

func (p *serialPort) Read(b []byte) (int, error) {
	n, err := p.port.Read(b)
	if err != nil && (errors.Is(err, serial.ErrTimeout) || isTimeoutErr(err)) {
		return n, nil
	}
	return n, err
}

func (p *serialPort) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

func (p *serialPort) Close() error {
	return p.port.Close()
}

// TCPDialer returns a Dialer that connects to a Modbus TCP gateway or an
// in-process simulator. Each Read/Write carries the given deadline.
func TCPDialer(addr string, timeout time.Duration) Dialer {
	return func() (BytePort, error) {
		conn, err := net.DialTimeout("tcp", addr, timeout)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return &tcpPort{conn: conn, timeout: timeout}, nil
	}
}

// tcpPort adapts a net.Conn to the BytePort polling contract: a read that hits
// its deadline reports no data rather than an error.
type tcpPort struct {
	conn    net.Conn
	timeout time.Duration
}

func (p *tcpPort) Read(b []byte) (int, error) {
	if err := p.conn.SetReadDeadline(time.Now().Add(p.timeout)); err != nil {
		return 0, err
	}
	n, err := p.conn.Read(b)
	if err != nil && isTimeoutErr(err) {
		return n, nil
	}
	return n, err
}

func (p *tcpPort) Write(b []byte) (int, error) {
	if err := p.conn.SetWriteDeadline(time.Now().Add(p.timeout)); err != nil {
		return 0, err
	}
	return p.conn.Write(b)
}

func (p *tcpPort) Close() error {
	return p.conn.Close()
}

// isTimeoutErr reports whether err is a read/write deadline expiry rather than
// a broken link.
func isTimeoutErr(err error) bool {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return true
	}
	return os.IsTimeout(err)
}

// readPollInterval is the pause between polls while waiting for response
// bytes that have not arrived yet.
const readPollInterval = time.Millisecond

// readAtLeast reads from port until buf holds at least min bytes, starting at
// offset got (bytes already present from an earlier call). It returns the new
// total and ErrTimeout when the deadline expires first. Transport failures map
// to ErrComm.
func readAtLeast(port BytePort, buf []byte, got, min int, deadline time.Time) (int, error) {
	for got < min {
		n, err := port.Read(buf[got:])
		got += n
		if err != nil {
			if isTimeoutErr(err) {
				// Port-level read timeout: keep polling until our deadline.
			} else {
				return got, fmt.Errorf("%w: read: %v", ErrComm, err)
			}
		}
		if got >= min {
			break
		}
		if !time.Now().Before(deadline) {
			return got, ErrTimeout
		}
		if n == 0 {
			time.Sleep(readPollInterval)
		}
	}
	return got, nil
}

// writeFull writes all of data to port, mapping short writes and transport
// failures to ErrComm.
func writeFull(port BytePort, data []byte) error {
	written := 0
	for written < len(data) {
		n, err := port.Write(data[written:])
		if err != nil {
			return fmt.Errorf("%w: write after %d bytes: %v", ErrComm, written, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: write made no progress", ErrComm)
		}
		written += n
	}
	return nil
}

// drainInput discards any stale bytes waiting on the port so a fresh exchange
// cannot pair a new request with an old response.
func drainInput(port BytePort) {
	var scratch [64]byte
	for i := 0; i < 16; i++ {
		n, err := port.Read(scratch[:])
		if n == 0 || err != nil {
			return
		}
	}
}
