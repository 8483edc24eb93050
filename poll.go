package instrument

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// OnStatusFunc receives each successful status poll.
type OnStatusFunc func(instrument string, st Status)

// StatusPoller submits a Low-priority GetStatus on an interval and fans the
// readings out to a callback and/or a StatusPublisher. Low priority keeps
// background polling from ever delaying user-initiated commands.
type StatusPoller struct {
	mgr      *Manager
	interval time.Duration
	onStatus OnStatusFunc
	pub      *StatusPublisher
	log      *logrus.Entry

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// NewStatusPoller creates a poller for one manager. onStatus and pub may each
// be nil.
func NewStatusPoller(mgr *Manager, interval time.Duration, onStatus OnStatusFunc, pub *StatusPublisher, logger *logrus.Logger) *StatusPoller {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}
	return &StatusPoller{
		mgr:      mgr,
		interval: interval,
		onStatus: onStatus,
		pub:      pub,
		log:      logger.WithField("instrument", mgr.name),
	}
}

// Start launches the polling goroutine. A second Start is a no-op.
func (p *StatusPoller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	go p.loop(p.stopCh, p.doneCh)
}

// Stop halts polling and waits for the loop to exit.
func (p *StatusPoller) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	stop, done := p.stopCh, p.doneCh
	p.mu.Unlock()

	close(stop)
	<-done
}

func (p *StatusPoller) loop(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if p.mgr.State() != StateConnected {
			continue
		}
		_, err := p.mgr.SubmitAsync(CmdGetStatus, nil, PriorityLow, p.handle, nil)
		if err != nil {
			p.log.WithError(err).Debug("status poll rejected")
		}
	}
}

// handle runs on the dispatcher worker; it only forwards, never blocks.
func (p *StatusPoller) handle(_ uint32, res Result, _ any) {
	if res.Err != nil {
		return
	}
	if p.onStatus != nil {
		p.onStatus(p.mgr.name, res.Status)
	}
	if p.pub != nil {
		go func(st Status) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := p.pub.Publish(ctx, p.mgr.name, st); err != nil {
				p.log.WithError(err).Warn("status publish failed")
			}
		}(res.Status)
	}
}
