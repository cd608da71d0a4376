package github

import (
	"errors"
	"time"
)

// Decision is the guard's verdict for the next batch of requests.
type Decision struct {
	Proceed  bool
	ResumeAt time.Time
}

// Guard preemptively halts work before quota exhaustion. It is consulted
// before each page fetch rather than after a 403, so no request is spent on a
// call certain to fail. Reactive handling of mid-flight quota loss lives in
// the client.
type Guard struct {
	pool *Pool
}

// NewGuard wraps the given credential pool.
func NewGuard(pool *Pool) *Guard {
	return &Guard{pool: pool}
}

// Check reports whether the pool can serve another batch of requests. When it
// cannot, ResumeAt carries the earliest quota reset across the pool.
func (g *Guard) Check() Decision {
	_, err := g.pool.Acquire()
	if err != nil {
		var exhausted *QuotaExhaustedError
		if errors.As(err, &exhausted) {
			return Decision{ResumeAt: exhausted.ResetAt}
		}
		return Decision{ResumeAt: time.Now().Add(time.Minute)}
	}
	return Decision{Proceed: true}
}
