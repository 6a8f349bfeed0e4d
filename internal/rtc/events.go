package rtc

import (
	"sync"
)

// events runs transport callbacks in submission order on one goroutine,
// so pion handlers and transport methods never call back synchronously.
type events struct {
	mu     sync.Mutex
	fns    []func()
	closed bool
	wake   chan struct{}
}

func newEvents() *events {
	e := &events{wake: make(chan struct{}, 1)}
	go e.run()
	return e
}

func (e *events) post(fn func()) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.fns = append(e.fns, fn)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *events) run() {
	for {
		e.mu.Lock()
		if e.closed {
			e.fns = nil
			e.mu.Unlock()
			return
		}
		if len(e.fns) == 0 {
			e.mu.Unlock()
			<-e.wake
			continue
		}
		fn := e.fns[0]
		e.fns[0] = nil
		e.fns = e.fns[1:]
		e.mu.Unlock()
		fn()
	}
}

// close drops callbacks not yet started
func (e *events) close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}
