// Package budget enforces the global daily ceiling on AI replies,
// independent of and in addition to per-user rate limits.
package budget

import (
	"sync"
	"time"
)

// Status reports the budget position at the time of a check.
type Status struct {
	Allowed bool
	Current int64
	Cap     int64
}

// ReplyBudget is a process-wide, date-scoped reply counter. The date is
// re-checked at the start of every call; on a calendar-date rollover the
// counter resets exactly once.
type ReplyBudget struct {
	mu        sync.Mutex
	cap       int64
	count     int64
	lastReset string
	now       func() time.Time
}

// Option configures a ReplyBudget.
type Option func(*ReplyBudget)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(b *ReplyBudget) {
		b.now = now
	}
}

// New creates a ReplyBudget with the given daily cap. A cap of zero or
// less disables the ceiling.
func New(dailyCap int64, opts ...Option) *ReplyBudget {
	b := &ReplyBudget{
		cap: dailyCap,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastReset = b.today()
	return b
}

func (b *ReplyBudget) today() string {
	return b.now().Format("2006-01-02")
}

// rollover resets the counter when the calendar date has moved on.
// Callers must hold the mutex.
func (b *ReplyBudget) rollover() {
	if today := b.today(); today != b.lastReset {
		b.count = 0
		b.lastReset = today
	}
}

// Check reports whether another reply fits in today's budget.
func (b *ReplyBudget) Check() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()

	if b.cap <= 0 {
		return Status{Allowed: true, Current: b.count, Cap: b.cap}
	}
	return Status{Allowed: b.count < b.cap, Current: b.count, Cap: b.cap}
}

// Increment records one sent reply.
func (b *ReplyBudget) Increment() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()
	b.count++
}

// Usage returns today's count and the cap, for the usage monitor.
func (b *ReplyBudget) Usage() (current, dailyCap int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()
	return b.count, b.cap
}
