package redis

import (
	"sync"
)

// Promise is a single-fire completion handle: the eventual outcome of one
// issued command. It is resolved exactly once, either with a decoded reply
// value or with an error. Listeners registered after resolution are invoked
// immediately with the stored outcome.
type Promise struct {
	mu       sync.Mutex
	done     chan struct{}
	resolved bool
	val      interface{}
	err      error
	success  []func(interface{})
	failure  []func(error)
}

// NewPromise returns an unresolved promise.
func NewPromise() *Promise {
	return &Promise{done: make(chan struct{})}
}

// Succeed resolves the promise with val. The first terminal transition
// wins; it reports whether this call was the one that resolved it.
func (p *Promise) Succeed(val interface{}) bool {
	return p.resolve(val, nil)
}

// Fail resolves the promise with err.
func (p *Promise) Fail(err error) bool {
	return p.resolve(nil, err)
}

func (p *Promise) resolve(val interface{}, err error) bool {
	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		return false
	}
	p.resolved = true
	p.val, p.err = val, err
	success, failure := p.success, p.failure
	p.success, p.failure = nil, nil
	close(p.done)
	p.mu.Unlock()

	if err == nil {
		for _, fn := range success {
			fn(val)
		}
	} else {
		for _, fn := range failure {
			fn(err)
		}
	}
	return true
}

// OnSuccess registers fn to run with the value if the promise succeeds.
func (p *Promise) OnSuccess(fn func(interface{})) *Promise {
	p.mu.Lock()
	if !p.resolved {
		p.success = append(p.success, fn)
		p.mu.Unlock()
		return p
	}
	val, err := p.val, p.err
	p.mu.Unlock()
	if err == nil {
		fn(val)
	}
	return p
}

// OnFailure registers fn to run with the error if the promise fails.
func (p *Promise) OnFailure(fn func(error)) *Promise {
	p.mu.Lock()
	if !p.resolved {
		p.failure = append(p.failure, fn)
		p.mu.Unlock()
		return p
	}
	err := p.err
	p.mu.Unlock()
	if err != nil {
		fn(err)
	}
	return p
}

// OnComplete registers fn to run with the outcome either way.
func (p *Promise) OnComplete(fn func(interface{}, error)) *Promise {
	p.OnSuccess(func(v interface{}) { fn(v, nil) })
	p.OnFailure(func(err error) { fn(nil, err) })
	return p
}

// Done is closed when the promise resolves.
func (p *Promise) Done() <-chan struct{} {
	return p.done
}

// Resolved reports whether the promise has its terminal outcome already.
func (p *Promise) Resolved() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resolved
}

// Result blocks until the promise resolves and returns the outcome.
func (p *Promise) Result() (interface{}, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.val, p.err
}
