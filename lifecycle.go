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
	"sync"
	"time"
)

// ConnState is the connection state of one instrument link. Error means the
// last connection attempt failed; the worker retries it on the backoff
// schedule. Disconnected is the initial state and the state after link loss
// or shutdown.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Backoff parameters. Reconnection delay doubles per failed attempt from Base
// up to Max; the exponent is capped so the shift cannot overflow.
type BackoffConfig struct {
	Base        time.Duration `yaml:"base"`
	Max         time.Duration `yaml:"max"`
	CapExponent int           `yaml:"cap_exponent"`
}

// DefaultBackoff is used when a config omits backoff settings.
var DefaultBackoff = BackoffConfig{
	Base:        500 * time.Millisecond,
	Max:         30 * time.Second,
	CapExponent: 10,
}

func (b BackoffConfig) withDefaults() BackoffConfig {
	if b.Base <= 0 {
		b.Base = DefaultBackoff.Base
	}
	if b.Max <= 0 {
		b.Max = DefaultBackoff.Max
	}
	if b.CapExponent <= 0 {
		b.CapExponent = DefaultBackoff.CapExponent
	}
	return b
}

// delay returns the wait before reconnection attempt attempts+1, i.e. after
// `attempts` consecutive failures: min(base*2^min(attempts-1,cap), max).
func (b BackoffConfig) delay(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	exp := attempts - 1
	if exp > b.CapExponent {
		exp = b.CapExponent
	}
	d := b.Base << uint(exp)
	if d > b.Max || d <= 0 {
		d = b.Max
	}
	return d
}

// reconnector tracks reconnection attempts and timing for one instrument.
// It is only ever driven from the dispatcher worker; the mutex exists so
// Stats can read it from caller threads.
type reconnector struct {
	mu          sync.Mutex
	cfg         BackoffConfig
	attempts    int
	lastAttempt time.Time
	reconnects  uint64 // successful (re)connections
}

// due reports whether a reconnection attempt may run now. The first attempt
// is always due; later ones wait out the backoff delay.
func (r *reconnector) due(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attempts == 0 {
		return true
	}
	return now.Sub(r.lastAttempt) >= r.cfg.delay(r.attempts)
}

// failed records an unsuccessful attempt and stamps the backoff timer.
func (r *reconnector) failed(now time.Time) {
	r.mu.Lock()
	r.attempts++
	r.lastAttempt = now
	r.mu.Unlock()
}

// succeeded resets the attempt counter after a successful connection.
func (r *reconnector) succeeded() {
	r.mu.Lock()
	r.attempts = 0
	r.reconnects++
	r.mu.Unlock()
}

// linkLost stamps the reconnect timer when a command failure forces the
// connection down, so the first retry does not fire immediately under load.
func (r *reconnector) linkLost(now time.Time) {
	r.mu.Lock()
	if r.attempts == 0 {
		r.attempts = 1
		r.lastAttempt = now
	}
	r.mu.Unlock()
}

func (r *reconnector) stats() (attempts int, reconnects uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts, r.reconnects
}
