package github

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"ghingest/logger"
)

// defaultQuota is GitHub's per-token hourly budget, assumed until the first
// response reports real numbers.
const defaultQuota = 5000

// Credential is an immutable quota snapshot for one token. Callers never hold
// a live reference into the pool.
type Credential struct {
	Token     string
	Remaining int
	ResetAt   time.Time
}

// Pool owns the API credentials for one account scope and tracks each
// credential's remaining quota and reset time. Response headers are the only
// source of truth; the pool never estimates usage locally.
type Pool struct {
	mu    sync.Mutex
	creds map[string]*Credential
	floor int
	now   func() time.Time
}

// NewPool creates a credential pool with the given safety floor.
func NewPool(tokens []string, floor int) *Pool {
	p := &Pool{
		creds: make(map[string]*Credential, len(tokens)),
		floor: floor,
		now:   time.Now,
	}
	for _, t := range tokens {
		p.creds[t] = &Credential{Token: t, Remaining: defaultQuota}
	}
	return p
}

// Acquire selects a usable credential: the one with the highest remaining
// quota among those above the floor and past any reset cooldown. It returns a
// value snapshot, or *QuotaExhaustedError carrying the earliest reset time
// when nothing qualifies.
func (p *Pool) Acquire() (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var best *Credential
	earliestReset := time.Time{}
	for _, c := range p.creds {
		// A credential past its reset time is fresh again regardless of the
		// last observed remaining count.
		if c.Remaining <= p.floor && !c.ResetAt.IsZero() && !now.Before(c.ResetAt) {
			c.Remaining = defaultQuota
			c.ResetAt = time.Time{}
		}
		if c.Remaining > p.floor {
			if best == nil || c.Remaining > best.Remaining {
				best = c
			}
			continue
		}
		if earliestReset.IsZero() || c.ResetAt.Before(earliestReset) {
			earliestReset = c.ResetAt
		}
	}
	if best == nil {
		if earliestReset.IsZero() {
			earliestReset = now.Add(time.Minute)
		}
		return Credential{}, &QuotaExhaustedError{ResetAt: earliestReset}
	}
	return *best, nil
}

// Observe updates a credential's quota snapshot from response metadata.
func (p *Pool) Observe(token string, remaining int, resetAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.creds[token]
	if !ok {
		return
	}
	c.Remaining = remaining
	c.ResetAt = resetAt
	if remaining <= p.floor {
		logger.Warn("credential at or below quota floor",
			zap.Int("remaining", remaining),
			zap.Int("floor", p.floor),
			zap.Time("reset_at", resetAt))
	}
}

// Snapshot returns the best remaining quota across the pool and the earliest
// reset time, for mirroring onto the tracked repository row.
func (p *Pool) Snapshot() (remaining int, resetAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.creds {
		if c.Remaining > remaining {
			remaining = c.Remaining
		}
		if !c.ResetAt.IsZero() && (resetAt.IsZero() || c.ResetAt.Before(resetAt)) {
			resetAt = c.ResetAt
		}
	}
	return remaining, resetAt
}

// Size returns the number of credentials in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds)
}
