// Package monitor aggregates budget counters into threshold alerts and
// tracks abuse incidents per user.
//
// Incidents decay on a rolling window: events older than the configured
// window stop counting toward the auto-block recommendation. The backing
// map is additionally pruned when it collects too many users.
package monitor

import (
	"sort"
	"sync"
	"time"
)

// Alert levels.
const (
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

// Defaults for threshold evaluation and incident tracking.
const (
	DefaultWarningPct     = 75.0
	DefaultCriticalPct    = 90.0
	DefaultAutoBlockAt    = 5
	DefaultIncidentRet    = 24 * time.Hour
	DefaultMaxTrackedKeys = 10000
)

// Thresholds are usage percentages that trigger alerts for one category.
type Thresholds struct {
	WarningPct  float64
	CriticalPct float64
}

// Alert is a usage threshold crossing for one category.
type Alert struct {
	Category string
	Level    string
	Percent  float64
	Current  int64
	Limit    int64
}

// Incident is one recorded abuse event.
type Incident struct {
	Timestamp time.Time
	UserKey   string
	Kind      string
	Severity  string
}

// Snapshot is the monitor's current state, for dashboard adapters.
type Snapshot struct {
	Alerts    map[string]Alert
	Incidents map[string]int
}

// Monitor tracks usage alerts and per-user incidents. All methods are safe
// for concurrent use.
type Monitor struct {
	mu          sync.Mutex
	thresholds  map[string]Thresholds
	defaults    Thresholds
	alerts      map[string]Alert
	incidents   map[string][]Incident
	window      time.Duration
	autoBlockAt int
	maxKeys     int
	now         func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithThresholds sets per-category alert thresholds.
func WithThresholds(t map[string]Thresholds) Option {
	return func(m *Monitor) {
		m.thresholds = t
	}
}

// WithDefaultThresholds sets the thresholds used for categories with no
// explicit entry.
func WithDefaultThresholds(t Thresholds) Option {
	return func(m *Monitor) {
		m.defaults = t
	}
}

// WithAutoBlockAt sets how many in-window incidents trigger a block
// recommendation.
func WithAutoBlockAt(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.autoBlockAt = n
		}
	}
}

// WithIncidentWindow sets the rolling window for incident decay.
func WithIncidentWindow(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.window = d
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// New creates a Monitor.
func New(opts ...Option) *Monitor {
	m := &Monitor{
		defaults:    Thresholds{WarningPct: DefaultWarningPct, CriticalPct: DefaultCriticalPct},
		alerts:      make(map[string]Alert),
		incidents:   make(map[string][]Incident),
		window:      DefaultIncidentRet,
		autoBlockAt: DefaultAutoBlockAt,
		maxKeys:     DefaultMaxTrackedKeys,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EvaluateUsage checks one category's consumption against its thresholds.
// It returns a non-nil Alert when the warning or critical level is crossed
// and records it for Snapshot; below the warning level any recorded alert
// for the category is cleared.
func (m *Monitor) EvaluateUsage(category string, current, limit int64) *Alert {
	if limit <= 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	th, ok := m.thresholds[category]
	if !ok {
		th = m.defaults
	}

	pct := float64(current) / float64(limit) * 100

	var level string
	switch {
	case pct >= th.CriticalPct:
		level = LevelCritical
	case pct >= th.WarningPct:
		level = LevelWarning
	default:
		delete(m.alerts, category)
		return nil
	}

	alert := Alert{Category: category, Level: level, Percent: pct, Current: current, Limit: limit}
	m.alerts[category] = alert
	return &alert
}

// RecordIncident adds an abuse event for the user key.
func (m *Monitor) RecordIncident(userKey, kind, severity string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.incidents[userKey] = append(m.incidents[userKey], Incident{
		Timestamp: m.now(),
		UserKey:   userKey,
		Kind:      kind,
		Severity:  severity,
	})

	if len(m.incidents) > m.maxKeys {
		m.pruneLocked()
	}
}

// IncidentCount returns the user's in-window incident count.
func (m *Monitor) IncidentCount(userKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.decayLocked(userKey))
}

// ShouldBlock reports whether the user has accumulated enough in-window
// incidents to recommend an automatic block.
func (m *Monitor) ShouldBlock(userKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.decayLocked(userKey)) >= m.autoBlockAt
}

// decayLocked drops incidents older than the rolling window and returns
// what remains. Callers must hold the mutex.
func (m *Monitor) decayLocked(userKey string) []Incident {
	events := m.incidents[userKey]
	if len(events) == 0 {
		return nil
	}

	cutoff := m.now().Add(-m.window)
	kept := events[:0]
	for _, e := range events {
		if e.Timestamp.After(cutoff) {
			kept = append(kept, e)
		}
	}

	if len(kept) == 0 {
		delete(m.incidents, userKey)
		return nil
	}
	m.incidents[userKey] = kept
	return kept
}

// pruneLocked evicts the users with the oldest most-recent incident until
// the map is back under the size threshold. Callers must hold the mutex.
func (m *Monitor) pruneLocked() {
	type lastSeen struct {
		key  string
		last time.Time
	}

	seen := make([]lastSeen, 0, len(m.incidents))
	for key, events := range m.incidents {
		seen = append(seen, lastSeen{key: key, last: events[len(events)-1].Timestamp})
	}
	sort.Slice(seen, func(i, j int) bool { return seen[i].last.Before(seen[j].last) })

	for _, s := range seen {
		if len(m.incidents) <= m.maxKeys/2 {
			break
		}
		delete(m.incidents, s.key)
	}
}

// Snapshot returns the current alerts and in-window incident counts.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Alerts:    make(map[string]Alert, len(m.alerts)),
		Incidents: make(map[string]int, len(m.incidents)),
	}
	for k, v := range m.alerts {
		snap.Alerts[k] = v
	}
	for k := range m.incidents {
		if kept := m.decayLocked(k); len(kept) > 0 {
			snap.Incidents[k] = len(kept)
		}
	}
	return snap
}
