// Package lifecycle provides an ordered teardown registry. Resources register a
// termination callback as they are constructed; Terminate runs the callbacks in
// strict reverse order of registration.
package lifecycle

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/hashicorp/go-multierror"

	"managed-kvstore/internal/logging"
)

type Status int

const (
	Alive Status = iota
	Terminating
	Terminated
)

func (s Status) String() string {
	switch s {
	case Alive:
		return "alive"
	case Terminating:
		return "terminating"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

type action struct {
	id   uint64
	name string
	fn   func() error
}

// Lifetime collects termination callbacks.
type Lifetime struct {
	mu      sync.Mutex
	name    string
	status  Status
	actions []action
	nextID  uint64
	base    *logging.Logger
	logger  *logging.Logger
	done    chan struct{}
	err     error
}

func New(logger *logging.Logger) *Lifetime {
	return newLifetime("root", logger)
}

func newLifetime(name string, logger *logging.Logger) *Lifetime {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Lifetime{
		name:   name,
		base:   logger,
		logger: logger.WithComponent("lifetime"),
		done:   make(chan struct{}),
	}
}

// OnTerminate registers fn to run on termination. It returns false, and does not
// register fn, once termination has started.
func (l *Lifetime) OnTerminate(name string, fn func() error) bool {
	_, ok := l.Register(name, fn)
	return ok
}

// Register is OnTerminate for resources that may go away before the lifetime
// does. Calling deregister drops fn without running it; it is a no-op once
// termination has started.
func (l *Lifetime) Register(name string, fn func() error) (deregister func(), ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.status != Alive {
		return func() {}, false
	}
	l.nextID++
	id := l.nextID
	l.actions = append(l.actions, action{id: id, name: name, fn: fn})
	return func() { l.remove(id) }, true
}

func (l *Lifetime) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, a := range l.actions {
		if a.id == id {
			l.actions = slices.Delete(l.actions, i, i+1)
			return
		}
	}
}

// Len returns the number of callbacks waiting for termination.
func (l *Lifetime) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.actions)
}

func (l *Lifetime) OnTerminateCloser(name string, c io.Closer) bool {
	return l.OnTerminate(name, c.Close)
}

// Nested creates a child lifetime terminated, as a unit, at its registration
// point in the parent. Terminating the child early is allowed.
func (l *Lifetime) Nested(name string) *Lifetime {
	child := newLifetime(l.name+"/"+name, l.base)
	if !l.OnTerminate(name, child.Terminate) {
		_ = child.Terminate()
	}
	return child
}

func (l *Lifetime) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Done is closed when termination completes.
func (l *Lifetime) Done() <-chan struct{} {
	return l.done
}

// Terminate runs every registered callback, newest first. A failing or panicking
// callback does not stop the remaining ones; all failures are returned together.
// Concurrent and repeated calls wait for the first termination and return its result.
func (l *Lifetime) Terminate() error {
	l.mu.Lock()
	if l.status != Alive {
		l.mu.Unlock()
		<-l.done
		return l.err
	}
	l.status = Terminating
	actions := l.actions
	l.actions = nil
	l.mu.Unlock()

	var result *multierror.Error
	for i := len(actions) - 1; i >= 0; i-- {
		a := actions[i]
		if err := runAction(a); err != nil {
			l.logger.WithError(err).Warn("Termination callback failed", "lifetime", l.name, "resource", a.name)
			result = multierror.Append(result, fmt.Errorf("%s: %w", a.name, err))
		}
	}

	l.mu.Lock()
	l.err = result.ErrorOrNil()
	l.status = Terminated
	l.mu.Unlock()
	close(l.done)

	l.logger.Lifecycle(context.Background(), "terminated", l.name, map[string]interface{}{
		"callbacks": len(actions),
		"failures":  multierrorLen(result),
	})
	return l.err
}

func runAction(a action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during termination: %v", r)
		}
	}()
	return a.fn()
}

func multierrorLen(err *multierror.Error) int {
	if err == nil {
		return 0
	}
	return len(err.Errors)
}
