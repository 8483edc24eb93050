package instrument

import "sync"

// maxTransactionCommands bounds how many commands one transaction may carry.
const maxTransactionCommands = 20

// TransactionCallback receives the aggregate outcome of a transaction:
// per-member success and failure counts, never a single error that hides
// sibling results. succeeded+failed always equals the member count.
type TransactionCallback func(id uint32, succeeded, failed int, ctx any)

// Transaction is an atomically-submitted batch of commands against one
// instrument. Members may be added only while uncommitted; Commit moves the
// transaction from the manager's pending map into the registry and enqueues
// every member at High priority in order, so the batch reaches the instrument
// without other callers' commands interleaved at that priority level.
// Transactions do not roll back: partial failure is reported through the
// counts.
type Transaction struct {
	id        uint32
	members   []*Command
	remaining int
	succeeded int
	failed    int
	callback  TransactionCallback
	cbCtx     any
}

// transactionRegistry tracks committed transactions until their last member
// completes. Its lock is never held while delivering a command result.
type transactionRegistry struct {
	mu     sync.Mutex
	active map[uint32]*Transaction
}

func newTransactionRegistry() *transactionRegistry {
	return &transactionRegistry{active: make(map[uint32]*Transaction)}
}

func (r *transactionRegistry) add(txn *Transaction) {
	r.mu.Lock()
	r.active[txn.id] = txn
	r.mu.Unlock()
}

// complete records one member outcome and, when it was the last, removes the
// transaction and returns it so the caller can fire the callback outside the
// lock. Returns nil while members remain.
func (r *transactionRegistry) complete(txnID uint32, ok bool) *Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	txn := r.active[txnID]
	if txn == nil {
		return nil
	}
	if ok {
		txn.succeeded++
	} else {
		txn.failed++
	}
	txn.remaining--
	if txn.remaining > 0 {
		return nil
	}
	delete(r.active, txnID)
	return txn
}

// contains reports whether a committed transaction still has members in
// flight.
func (r *transactionRegistry) contains(txnID uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[txnID] != nil
}

// drain removes and returns all active transactions. Used at shutdown.
func (r *transactionRegistry) drain() []*Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Transaction, 0, len(r.active))
	for _, txn := range r.active {
		out = append(out, txn)
	}
	r.active = make(map[uint32]*Transaction)
	return out
}
