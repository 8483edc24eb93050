package instrument

import (
	"fmt"
	"strconv"
	"time"
)

// TNYConfig configures the microcontroller I/O bridge adapter.
type TNYConfig struct {
	Name string

	// Prefix is the command letter in front of the pin number, 'D' by default.
	Prefix byte

	// Timeout bounds one line exchange.
	Timeout time.Duration

	// Settle is the pause after every pin command.
	Settle time.Duration

	// MaxPin is the highest addressable pin number.
	MaxPin int
}

// TNYAdapter drives a microcontroller I/O bridge over a line-oriented serial
// protocol: `"<prefix><2-digit-pin><H|L>"` + LF sets a pin, `'?'` in place of
// the level queries it. The device answers `"<pin><0|1>"` + LF; the echo must
// match the request or the command fails with VerifyError.
type TNYAdapter struct {
	cfg  TNYConfig
	dial Dialer
	port BytePort
}

// NewTNYAdapter creates an I/O bridge adapter over the port the dialer opens.
func NewTNYAdapter(cfg TNYConfig, dial Dialer) (*TNYAdapter, error) {
	if dial == nil {
		return nil, &ValidationError{Field: "dial", Reason: "must not be nil"}
	}
	if cfg.Name == "" {
		cfg.Name = "tny"
	}
	if cfg.Prefix == 0 {
		cfg.Prefix = 'D'
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 500 * time.Millisecond
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 20 * time.Millisecond
	}
	if cfg.MaxPin <= 0 {
		cfg.MaxPin = 99
	}
	return &TNYAdapter{cfg: cfg, dial: dial}, nil
}

// Name implements Adapter.
func (a *TNYAdapter) Name() string { return a.cfg.Name }

// Connect opens the port and discards any stale input. The bridge needs no
// setup sequence.
func (a *TNYAdapter) Connect() error {
	if a.port != nil {
		a.port.Close()
		a.port = nil
	}
	port, err := a.dial()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrComm, err)
	}
	drainInput(port)
	a.port = port
	return nil
}

// Disconnect implements Adapter.
func (a *TNYAdapter) Disconnect() error {
	if a.port == nil {
		return nil
	}
	err := a.port.Close()
	a.port = nil
	return err
}

// Validate implements Adapter.
func (a *TNYAdapter) Validate(t CommandType, p Params) error {
	switch t {
	case CmdSetPin, CmdGetPin:
		pp, ok := p.(PinParams)
		if !ok {
			return &ValidationError{Field: t.String(), Reason: "requires PinParams"}
		}
		if pp.Pin < 0 || pp.Pin > a.cfg.MaxPin {
			return &ValidationError{Field: "pin",
				Reason: fmt.Sprintf("%d outside [0, %d]", pp.Pin, a.cfg.MaxPin)}
		}
		return nil
	default:
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("%s not supported by I/O bridge", t)}
	}
}

// Execute implements Adapter.
func (a *TNYAdapter) Execute(t CommandType, p Params) Result {
	if a.port == nil {
		return Result{Err: ErrNotConnected}
	}
	pp := p.(PinParams)
	switch t {
	case CmdSetPin:
		level := byte('L')
		if pp.High {
			level = 'H'
		}
		return a.pinExchange(pp.Pin, level, boolToState(pp.High))
	case CmdGetPin:
		return a.pinExchange(pp.Pin, '?', -1)
	default:
		return Result{Err: &ValidationError{Field: "type", Reason: t.String()}}
	}
}

// pinExchange sends one pin command and parses and verifies the echo.
// wantState < 0 skips state verification (queries).
func (a *TNYAdapter) pinExchange(pin int, level byte, wantState int) Result {
	drainInput(a.port)
	line := fmt.Sprintf("%c%02d%c\n", a.cfg.Prefix, pin, level)
	if err := writeFull(a.port, []byte(line)); err != nil {
		return Result{Err: err}
	}

	reply, err := a.readLine(time.Now().Add(a.cfg.Timeout))
	if err != nil {
		return Result{Err: err}
	}

	// Strip anything that is not a digit; the bridge answers 2-3 digits,
	// last one being the pin level.
	digits := reply[:0]
	for _, b := range reply {
		if b >= '0' && b <= '9' {
			digits = append(digits, b)
		}
	}
	if len(digits) < 2 || len(digits) > 3 {
		return Result{Err: fmt.Errorf("%w: pin reply %q", ErrUnexpectedResponse, reply)}
	}
	gotPin, err := strconv.Atoi(string(digits[:len(digits)-1]))
	if err != nil {
		return Result{Err: fmt.Errorf("%w: pin reply %q", ErrUnexpectedResponse, reply)}
	}
	gotState := int(digits[len(digits)-1] - '0')
	if gotState > 1 {
		return Result{Err: fmt.Errorf("%w: pin state %d", ErrUnexpectedResponse, gotState)}
	}

	if gotPin != pin || (wantState >= 0 && gotState != wantState) {
		return Result{Err: &VerifyError{
			WantPin: pin, WantState: wantState,
			GotPin: gotPin, GotState: gotState,
		}}
	}
	return Result{Value: float64(gotState)}
}

// readLine reads bytes until LF or deadline.
func (a *TNYAdapter) readLine(deadline time.Time) ([]byte, error) {
	var line []byte
	buf := make([]byte, 1)
	for {
		n, err := readAtLeast(a.port, buf, 0, 1, deadline)
		if err != nil {
			return nil, err
		}
		if n == 1 {
			if buf[0] == '\n' {
				return line, nil
			}
			line = append(line, buf[0])
		}
		if len(line) > 16 {
			return nil, fmt.Errorf("%w: unterminated pin reply %q", ErrUnexpectedResponse, line)
		}
	}
}

// SettleDelay implements Adapter.
func (a *TNYAdapter) SettleDelay(CommandType) time.Duration {
	return a.cfg.Settle
}

func boolToState(high bool) int {
	if high {
		return 1
	}
	return 0
}
