// Package capture feeds frames into the pipeline at the cadence chosen by
// the latency controller.
package capture

import (
	iface "AdaptiveDet/interface"
	"context"
	"sync"
	"sync/atomic"
)

// Mailbox is a single-slot, latest-value hand-off between a device reader
// and the sampler. Publishing over an unconsumed frame replaces it and
// counts a drop; publishers never block.
type Mailbox struct {
	mu     sync.Mutex
	frame  iface.Frame
	has    bool
	closed bool
	err    error

	ready chan struct{}
	done  chan struct{}
	once  sync.Once

	drops atomic.Uint64
}

func NewMailbox() *Mailbox {
	return &Mailbox{ready: make(chan struct{}, 1), done: make(chan struct{})}
}

func (m *Mailbox) Put(f iface.Frame) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.has {
		m.drops.Add(1)
	}
	m.frame, m.has = f, true
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// Take returns the newest frame, waiting for one if the slot is empty. After
// Close, a pending frame is still delivered before the close error.
func (m *Mailbox) Take(ctx context.Context) (iface.Frame, error) {
	for {
		m.mu.Lock()
		if m.has {
			f := m.frame
			m.frame, m.has = iface.Frame{}, false
			m.mu.Unlock()
			return f, nil
		}
		if m.closed {
			err := m.err
			m.mu.Unlock()
			return iface.Frame{}, err
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return iface.Frame{}, ctx.Err()
		case <-m.ready:
		case <-m.done:
		}
	}
}

// Close marks the producer as gone. A nil err is reported as
// iface.ErrSourceClosed.
func (m *Mailbox) Close(err error) {
	if err == nil {
		err = iface.ErrSourceClosed
	}
	m.once.Do(func() {
		m.mu.Lock()
		m.closed, m.err = true, err
		m.mu.Unlock()
		close(m.done)
	})
}

// Dropped is the number of frames overwritten before anyone took them.
func (m *Mailbox) Dropped() uint64 {
	return m.drops.Load()
}
