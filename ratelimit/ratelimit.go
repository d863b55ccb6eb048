// Package ratelimit tracks call budgets for protected external APIs.
//
// Budgets are fixed-window: each (platform, user, apiType) pair gets an
// hourly bucket and each apiType gets a global daily bucket. Bucket keys
// embed the date and hour, so a bucket becomes unreachable once the clock
// moves on and the store's TTL reclaims it.
//
// Reserve is the mutation primitive: it atomically increments the bucket and
// reports whether the call is within budget, closing the window between a
// separate check and increment. Check and CheckGlobal are pure reads for
// status queries and must not be used to gate a call.
//
// Known property of fixed windows: a user bursting across an hour boundary
// can reach close to twice the hourly budget.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/nhalm/canonlog"

	"github.com/tavik/chatguard/store"
)

// Status reports the outcome of a budget check or reservation.
type Status struct {
	Allowed bool
	Current int64
	Limit   int64
}

// Limit holds the budgets for one apiType.
type Limit struct {
	PerUserHourly int64
	GlobalDaily   int64
}

// Limits maps apiType to its budgets. An apiType with no entry is unlimited.
type Limits map[string]Limit

// Snapshot is a point-in-time usage record persisted best-effort after each
// granted reservation.
type Snapshot struct {
	Platform string
	UserID   string
	APIType  string
	Date     string
	Hour     int
	Count    int64
}

// SnapshotWriter persists usage snapshots. Write failures are logged and
// never surfaced to callers.
type SnapshotWriter interface {
	RecordUsage(ctx context.Context, s Snapshot) error
}

// Limiter tracks per-user hourly and global daily call budgets.
type Limiter struct {
	store     store.Store
	limits    Limits
	snapshots SnapshotWriter
	now       func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithSnapshots enables best-effort usage snapshot persistence.
func WithSnapshots(w SnapshotWriter) Option {
	return func(l *Limiter) {
		l.snapshots = w
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a Limiter over the given store and budget table.
func New(st store.Store, limits Limits, opts ...Option) *Limiter {
	l := &Limiter{
		store:  st,
		limits: limits,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) userKey(platform, userID, apiType string, t time.Time) string {
	return fmt.Sprintf("rate:%s:%s:%s:%s:%02d", platform, userID, apiType, t.Format("2006-01-02"), t.Hour())
}

func (l *Limiter) globalKey(apiType string, t time.Time) string {
	return fmt.Sprintf("rate:global:%s:%s", apiType, t.Format("2006-01-02"))
}

// Check reports whether the user has budget left in the current hour bucket
// without consuming any. A zero or missing per-user limit means unlimited.
func (l *Limiter) Check(ctx context.Context, userID, platform, apiType string) (Status, error) {
	limit := l.limits[apiType].PerUserHourly
	if limit <= 0 {
		return Status{Allowed: true, Limit: limit}, nil
	}

	count, err := l.store.GetCount(ctx, l.userKey(platform, userID, apiType, l.now()))
	if err != nil {
		return Status{}, fmt.Errorf("rate check: %w", err)
	}

	return Status{Allowed: count < limit, Current: count, Limit: limit}, nil
}

// CheckGlobal reports whether the daily ceiling for the apiType has been
// reached, regardless of which user is calling.
func (l *Limiter) CheckGlobal(ctx context.Context, apiType string) (Status, error) {
	limit := l.limits[apiType].GlobalDaily
	if limit <= 0 {
		return Status{Allowed: true, Limit: limit}, nil
	}

	count, err := l.store.GetCount(ctx, l.globalKey(apiType, l.now()))
	if err != nil {
		return Status{}, fmt.Errorf("global rate check: %w", err)
	}

	return Status{Allowed: count < limit, Current: count, Limit: limit}, nil
}

// Reserve consumes one unit of the user's hourly budget and the apiType's
// global daily budget. The increment-and-compare is a single store operation,
// so two concurrent reservations can never both be granted the last slot.
// When the user bucket is already exhausted the global bucket is untouched.
//
// The Current value returned with a rejection never exceeds Limit.
func (l *Limiter) Reserve(ctx context.Context, userID, platform, apiType string) (Status, error) {
	now := l.now()
	userLimit := l.limits[apiType].PerUserHourly

	var userCount int64
	if userLimit > 0 {
		count, _, err := l.store.Increment(ctx, l.userKey(platform, userID, apiType, now), time.Hour)
		if err != nil {
			return Status{}, fmt.Errorf("rate reserve: %w", err)
		}
		if count > userLimit {
			return Status{Allowed: false, Current: userLimit, Limit: userLimit}, nil
		}
		userCount = count
	}

	globalLimit := l.limits[apiType].GlobalDaily
	if globalLimit > 0 {
		count, _, err := l.store.Increment(ctx, l.globalKey(apiType, now), 24*time.Hour)
		if err != nil {
			return Status{}, fmt.Errorf("global rate reserve: %w", err)
		}
		if count > globalLimit {
			return Status{Allowed: false, Current: globalLimit, Limit: globalLimit}, nil
		}
	}

	l.persistSnapshot(ctx, Snapshot{
		Platform: platform,
		UserID:   userID,
		APIType:  apiType,
		Date:     now.Format("2006-01-02"),
		Hour:     now.Hour(),
		Count:    userCount,
	})

	return Status{Allowed: true, Current: userCount, Limit: userLimit}, nil
}

func (l *Limiter) persistSnapshot(ctx context.Context, s Snapshot) {
	if l.snapshots == nil {
		return
	}
	if err := l.snapshots.RecordUsage(ctx, s); err != nil {
		if _, ok := canonlog.TryGetLogger(ctx); ok {
			canonlog.ErrorAdd(ctx, fmt.Errorf("usage snapshot: %w", err))
		}
	}
}
