package pipeline

import "sync"

// Presenter is the presentation execution context: one goroutine running
// submitted functions in submission order. Sinks and the controller are
// only ever touched from it.
type Presenter struct {
	jobs chan func()
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

func NewPresenter(buffer int) *Presenter {
	if buffer < 1 {
		buffer = 1
	}
	p := &Presenter{jobs: make(chan func(), buffer), done: make(chan struct{})}
	go func() {
		defer close(p.done)
		for fn := range p.jobs {
			fn()
		}
	}()
	return p
}

// Go queues fn. It reports false once the presenter is closed.
func (p *Presenter) Go(fn func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.jobs <- fn
	return true
}

// Close runs what is already queued and waits for it.
func (p *Presenter) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()
	<-p.done
}
