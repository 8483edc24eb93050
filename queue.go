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
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// laneSet is the three internally-synchronized FIFO lanes of one manager.
type laneSet struct {
	mu    sync.Mutex
	lanes [numPriorities][]*Command
}

func (l *laneSet) push(cmd *Command) {
	l.mu.Lock()
	l.lanes[cmd.Priority] = append(l.lanes[cmd.Priority], cmd)
	l.mu.Unlock()
}

// pushBatch appends cmds to one lane back to back, so the batch cannot be
// interleaved with concurrent pushes to the same lane.
func (l *laneSet) pushBatch(prio Priority, cmds []*Command) {
	l.mu.Lock()
	l.lanes[prio] = append(l.lanes[prio], cmds...)
	l.mu.Unlock()
}

// pop removes the next command in strict priority order, nil when all lanes
// are empty.
func (l *laneSet) pop() *Command {
	l.mu.Lock()
	defer l.mu.Unlock()
	for p := range l.lanes {
		if len(l.lanes[p]) > 0 {
			cmd := l.lanes[p][0]
			l.lanes[p][0] = nil
			l.lanes[p] = l.lanes[p][1:]
			return cmd
		}
	}
	return nil
}

// drain empties every lane and returns the removed commands in priority order.
func (l *laneSet) drain() []*Command {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*Command
	for p := range l.lanes {
		out = append(out, l.lanes[p]...)
		l.lanes[p] = nil
	}
	return out
}

func (l *laneSet) depths() [numPriorities]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	var d [numPriorities]int
	for p := range l.lanes {
		d[p] = len(l.lanes[p])
	}
	return d
}

// Stats is a point-in-time snapshot of one manager.
type Stats struct {
	HighDepth        int
	NormalDepth      int
	LowDepth         int
	Processed        uint64
	Errored          uint64
	Reconnects       uint64
	ReconnectPending int
	State            ConnState
	Running          bool
}

// Connected is a convenience for State == StateConnected.
func (s Stats) Connected() bool {
	return s.State == StateConnected
}

// ManagerConfig configures one instrument queue manager.
type ManagerConfig struct {
	// Name identifies the instrument in logs, metrics and telemetry.
	Name string

	// Adapter is the instrument-specific command executor.
	Adapter Adapter

	// IdleInterval is how long the worker sleeps when every lane is empty,
	// and between reconnect checks while disconnected.
	IdleInterval time.Duration

	// Backoff controls reconnection pacing. Zero fields take defaults.
	Backoff BackoffConfig

	// Logger receives per-instrument structured logs. Nil means discard.
	Logger *logrus.Logger

	// Metrics, when non-nil, receives counter/gauge updates.
	Metrics *Metrics
}

const defaultIdleInterval = 5 * time.Millisecond

// Manager is the per-instrument command queue: three priority lanes drained
// in strict order by one dedicated worker goroutine which owns the adapter
// and its link exclusively. Exactly one Manager exists per physical
// instrument for the process lifetime.
type Manager struct {
	name    string
	adapter Adapter
	lanes   laneSet
	idle    time.Duration
	log     *logrus.Entry
	metrics *Metrics

	nextCmdID atomic.Uint32
	nextTxnID atomic.Uint32
	state     atomic.Int32
	processed atomic.Uint64
	errored   atomic.Uint64

	recon reconnector
	txns  *transactionRegistry

	// pending holds transactions that are being built and have not been
	// committed yet.
	pendingMu sync.Mutex
	pending   map[uint32]*Transaction

	stop     chan struct{}
	done     chan struct{}
	running  atomic.Bool
	shutdown sync.Once
}

// NewManager creates the queue manager for one instrument and starts its
// worker. The worker begins disconnected and connects on its first loop
// iteration; submission is accepted immediately and simply waits.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Adapter == nil {
		return nil, &ValidationError{Field: "Adapter", Reason: "must not be nil"}
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Adapter.Name()
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = defaultIdleInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}

	m := &Manager{
		name:    cfg.Name,
		adapter: cfg.Adapter,
		idle:    cfg.IdleInterval,
		log:     logger.WithField("instrument", cfg.Name),
		metrics: cfg.Metrics,
		txns:    newTransactionRegistry(),
		pending: make(map[uint32]*Transaction),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	m.recon.cfg = cfg.Backoff.withDefaults()
	m.state.Store(int32(StateDisconnected))
	m.running.Store(true)

	go m.worker()
	return m, nil
}

// State returns the current connection state.
func (m *Manager) State() ConnState {
	return ConnState(m.state.Load())
}

func (m *Manager) setState(s ConnState) {
	m.state.Store(int32(s))
	if m.metrics != nil {
		m.metrics.setConnected(m.name, s == StateConnected)
	}
}

// Stats returns queue depths, running totals and connection state.
func (m *Manager) Stats() Stats {
	d := m.lanes.depths()
	attempts, reconnects := m.recon.stats()
	return Stats{
		HighDepth:        d[PriorityHigh],
		NormalDepth:      d[PriorityNormal],
		LowDepth:         d[PriorityLow],
		Processed:        m.processed.Load(),
		Errored:          m.errored.Load(),
		Reconnects:       reconnects,
		ReconnectPending: attempts,
		State:            m.State(),
		Running:          m.running.Load(),
	}
}

// SubmitBlocking enqueues a command and waits for its result or for timeout.
// On timeout the command stays queued and will still execute; its result is
// delivered into the abandoned channel and dropped. Validation failures are
// returned immediately without touching the queue.
func (m *Manager) SubmitBlocking(t CommandType, p Params, prio Priority, timeout time.Duration) (Result, error) {
	cmd, err := m.newCommand(t, p, prio)
	if err != nil {
		return Result{}, err
	}
	cmd.done = make(chan Result, 1)
	m.enqueue(cmd)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-cmd.done:
		return res, res.Err
	case <-timer.C:
		return Result{Err: ErrTimeout}, ErrTimeout
	}
}

// SubmitAsync enqueues a command and returns its id. cb runs on the worker
// after execution with the supplied opaque ctx; it must not block.
func (m *Manager) SubmitAsync(t CommandType, p Params, prio Priority, cb Callback, ctx any) (uint32, error) {
	cmd, err := m.newCommand(t, p, prio)
	if err != nil {
		return 0, err
	}
	cmd.callback = cb
	cmd.cbCtx = ctx
	m.enqueue(cmd)
	return cmd.ID, nil
}

func (m *Manager) newCommand(t CommandType, p Params, prio Priority) (*Command, error) {
	if !m.running.Load() {
		return nil, ErrShutdown
	}
	if prio < PriorityHigh || prio > PriorityLow {
		return nil, &ValidationError{Field: "priority", Reason: "unknown lane"}
	}
	if err := m.adapter.Validate(t, p); err != nil {
		return nil, err
	}
	return &Command{
		ID:        m.nextCmdID.Add(1),
		Type:      t,
		Priority:  prio,
		Params:    p,
		CreatedAt: time.Now(),
	}, nil
}

func (m *Manager) enqueue(cmd *Command) {
	m.lanes.push(cmd)
	if m.metrics != nil {
		m.metrics.setDepths(m.name, m.lanes.depths())
	}
}

// BeginTransaction opens a new uncommitted transaction and returns its id.
func (m *Manager) BeginTransaction(cb TransactionCallback, ctx any) (uint32, error) {
	if !m.running.Load() {
		return 0, ErrShutdown
	}
	txn := &Transaction{
		id:       m.nextTxnID.Add(1),
		callback: cb,
		cbCtx:    ctx,
	}
	m.pendingMu.Lock()
	m.pending[txn.id] = txn
	m.pendingMu.Unlock()
	return txn.id, nil
}

// AddToTransaction appends a command to an uncommitted transaction. Members
// are validated here, before any of them reaches the queue.
func (m *Manager) AddToTransaction(txnID uint32, t CommandType, p Params) error {
	if err := m.adapter.Validate(t, p); err != nil {
		return err
	}
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	txn := m.pending[txnID]
	if txn == nil {
		if m.txns.contains(txnID) {
			return ErrTransactionCommitted
		}
		return ErrTransactionNotFound
	}
	if len(txn.members) >= maxTransactionCommands {
		return ErrTransactionFull
	}
	txn.members = append(txn.members, &Command{
		ID:        m.nextCmdID.Add(1),
		Type:      t,
		Priority:  PriorityHigh,
		Params:    p,
		CreatedAt: time.Now(),
		txnID:     txnID,
	})
	return nil
}

// CommitTransaction seals the transaction and enqueues every member at High
// priority, back to back, so no other caller's command lands between them in
// that lane. The transaction callback fires once all members have completed.
func (m *Manager) CommitTransaction(txnID uint32) error {
	if !m.running.Load() {
		return ErrShutdown
	}
	m.pendingMu.Lock()
	txn := m.pending[txnID]
	if txn == nil {
		m.pendingMu.Unlock()
		if m.txns.contains(txnID) {
			return ErrTransactionCommitted
		}
		return ErrTransactionNotFound
	}
	txn.remaining = len(txn.members)
	delete(m.pending, txnID)
	m.pendingMu.Unlock()

	if txn.remaining == 0 {
		// Empty transaction completes immediately.
		if txn.callback != nil {
			txn.callback(txn.id, 0, 0, txn.cbCtx)
		}
		return nil
	}

	m.txns.add(txn)
	m.lanes.pushBatch(PriorityHigh, txn.members)
	txn.members = nil
	if m.metrics != nil {
		m.metrics.setDepths(m.name, m.lanes.depths())
	}
	return nil
}

// CancelTransaction discards an uncommitted transaction. Committed
// transactions cannot be cancelled; their members are already queued.
func (m *Manager) CancelTransaction(txnID uint32) error {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	txn := m.pending[txnID]
	if txn == nil {
		if m.txns.contains(txnID) {
			return ErrTransactionCommitted
		}
		return ErrTransactionNotFound
	}
	delete(m.pending, txnID)
	return nil
}

// Flush drops every unexecuted command, delivering ErrQueueFlushed to each.
// A command already handed to the adapter cannot be cancelled mid-flight.
func (m *Manager) Flush() {
	for _, cmd := range m.lanes.drain() {
		m.deliver(cmd, Result{Err: ErrQueueFlushed})
		m.closeTransactionMember(cmd, false)
	}
	if m.metrics != nil {
		m.metrics.setDepths(m.name, m.lanes.depths())
	}
}

// Shutdown stops the worker, drives the instrument to a safe state and fails
// every remaining command and transaction. Idempotent.
func (m *Manager) Shutdown() {
	m.shutdown.Do(func() {
		m.running.Store(false)
		close(m.stop)
		<-m.done

		if m.State() == StateConnected {
			if err := m.adapter.Disconnect(); err != nil {
				m.log.WithError(err).Warn("disconnect during shutdown")
			}
		}
		m.setState(StateDisconnected)

		for _, cmd := range m.lanes.drain() {
			m.deliver(cmd, Result{Err: ErrShutdown})
			m.closeTransactionMember(cmd, false)
		}
		for _, txn := range m.txns.drain() {
			if txn.callback != nil {
				txn.callback(txn.id, txn.succeeded, txn.remaining+txn.failed, txn.cbCtx)
			}
		}
		m.log.Info("manager stopped")
	})
}

// worker is the dedicated per-instrument loop. Ordering per iteration:
// reconnect handling while disconnected (commands stay queued), then strict
// priority pop, execute, totals, link-loss classification, result delivery,
// transaction close-out, settling delay.
func (m *Manager) worker() {
	defer close(m.done)
	m.log.Info("manager started")

	for {
		select {
		case <-m.stop:
			return
		default:
		}

		if m.State() != StateConnected {
			if m.recon.due(time.Now()) {
				m.reconnect()
			}
			if !m.sleep(m.idle) {
				return
			}
			continue
		}

		cmd := m.lanes.pop()
		if cmd == nil {
			if !m.sleep(m.idle) {
				return
			}
			continue
		}
		if m.metrics != nil {
			m.metrics.setDepths(m.name, m.lanes.depths())
		}

		res := m.adapter.Execute(cmd.Type, cmd.Params)

		m.processed.Add(1)
		ok := res.Err == nil
		if !ok {
			m.errored.Add(1)
			m.log.WithFields(logrus.Fields{
				"command": cmd.Type.String(),
				"id":      cmd.ID,
			}).WithError(res.Err).Warn("command failed")
		}
		if m.metrics != nil {
			m.metrics.commandDone(m.name, cmd.Type, ok)
		}

		if res.Err != nil && isLinkLoss(res.Err) {
			m.log.WithError(res.Err).Error("link lost")
			m.setState(StateDisconnected)
			m.recon.linkLost(time.Now())
		}

		m.deliver(cmd, res)
		m.closeTransactionMember(cmd, ok)

		if d := m.adapter.SettleDelay(cmd.Type); d > 0 {
			if !m.sleep(d) {
				return
			}
		}
	}
}

// sleep pauses for d but wakes immediately on shutdown. Returns false when
// the worker should exit.
func (m *Manager) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-m.stop:
		return false
	case <-timer.C:
		return true
	}
}

// deliver hands the result to its caller: a single non-blocking send for
// blocking callers (buffered, so an abandoned caller costs nothing), or the
// callback for async callers.
func (m *Manager) deliver(cmd *Command, res Result) {
	if cmd.done != nil {
		cmd.done <- res
		return
	}
	if cmd.callback != nil {
		cmd.callback(cmd.ID, res, cmd.cbCtx)
	}
}

func (m *Manager) closeTransactionMember(cmd *Command, ok bool) {
	if cmd.txnID == 0 {
		return
	}
	if txn := m.txns.complete(cmd.txnID, ok); txn != nil {
		if txn.callback != nil {
			txn.callback(txn.id, txn.succeeded, txn.failed, txn.cbCtx)
		}
	}
}

// reconnect runs one connection attempt on the worker. Caller threads never
// touch the link.
func (m *Manager) reconnect() {
	m.setState(StateConnecting)
	err := m.adapter.Connect()
	if err != nil {
		m.recon.failed(time.Now())
		m.setState(StateError)
		attempts, _ := m.recon.stats()
		m.log.WithError(err).WithField("attempts", attempts).Warn("reconnect failed")
		return
	}
	m.recon.succeeded()
	m.setState(StateConnected)
	if m.metrics != nil {
		m.metrics.reconnected(m.name)
	}
	m.log.Info("connected")
}
