package sim

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/jitalloc/driver"
)

// Executor is an in-memory driver.Executor. Work is submitted explicitly and completes in
// submission order, either when a test calls Complete or when someone waits on it.
type Executor struct {
	mutex     sync.Mutex
	submitted driver.Token
	completed driver.Token
	waits     int
	waitErr   error
}

var _ driver.Executor = &Executor{}

func NewExecutor() *Executor {
	return &Executor{}
}

// Submit enqueues a unit of simulated work and returns its token. The work remains pending until
// it is completed.
func (e *Executor) Submit() driver.Token {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.submitted++
	return e.submitted
}

// Complete marks the work behind token, and all work submitted before it, as finished
func (e *Executor) Complete(token driver.Token) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if token > e.submitted {
		token = e.submitted
	}
	if token > e.completed {
		e.completed = token
	}
}

// CompleteAll finishes every piece of submitted work
func (e *Executor) CompleteAll() {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.completed = e.submitted
}

// FailWaits causes every later call to Wait to return err without completing anything. Passing
// nil restores normal behavior.
func (e *Executor) FailWaits(err error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.waitErr = err
}

// Waits returns the number of times Wait was called
func (e *Executor) Waits() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	return e.waits
}

// Pending returns the number of submitted tokens that have not completed
func (e *Executor) Pending() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	return int(e.submitted - e.completed)
}

// CurrentToken returns the token of the most recently submitted work, or 0 if nothing has been
// submitted. Token 0 is always complete.
func (e *Executor) CurrentToken() driver.Token {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	return e.submitted
}

func (e *Executor) IsComplete(token driver.Token) bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	return token <= e.completed
}

// Wait runs all work up to and including token to completion
func (e *Executor) Wait(token driver.Token) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.waits++

	if e.waitErr != nil {
		return e.waitErr
	}
	if token > e.submitted {
		return errors.Newf("token %d was never submitted (latest is %d)", token, e.submitted)
	}
	if token > e.completed {
		e.completed = token
	}
	return nil
}
