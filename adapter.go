package instrument

import "time"

// Adapter maps abstract command types onto one concrete instrument driver.
// Adapters own no queue logic: they translate, perform the I/O, and report.
// Adding an instrument means writing a new Adapter, not new dispatcher logic.
//
// All methods are called from the single dispatcher worker of the owning
// Manager, so adapters need no internal locking around their link handle.
type Adapter interface {
	// Name identifies the instrument in logs and metrics.
	Name() string

	// Connect opens the link and applies the instrument's initial setup
	// sequence. It is called again, identically, on every reconnection.
	Connect() error

	// Disconnect drives the instrument to a safe state where possible and
	// closes the link.
	Disconnect() error

	// Validate rejects unsupported types and out-of-range parameters before
	// any I/O happens. Submission fails immediately on a non-nil return.
	Validate(t CommandType, p Params) error

	// Execute performs one command against the instrument.
	Execute(t CommandType, p Params) Result

	// SettleDelay is the mandatory pause after a command of the given type
	// before the next command may be sent.
	SettleDelay(t CommandType) time.Duration
}
