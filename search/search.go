// Package search orchestrates governed lookups against external data
// providers. Every call runs the same pipeline: validate the query, check
// the caller's and the global budget, consult the cache, then walk the
// provider chain with bounded timeouts until one returns results.
//
// Exhaustion of every step yields nil, never an error: callers treat nil as
// "no enhancement available".
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nhalm/canonlog"

	"github.com/tavik/chatguard/cache"
	"github.com/tavik/chatguard/ratelimit"
	"github.com/tavik/chatguard/validate"
)

// DefaultProviderTimeout bounds each provider call.
const DefaultProviderTimeout = 5 * time.Second

// maxResults caps how many normalized results an enhancement carries.
const maxResults = 3

// RawResult is one result as returned by a provider, before normalization.
type RawResult struct {
	Title       string
	Description string
	URL         string
}

// Provider is an external data source. Implementations wrap one upstream
// API each; ordering in the chain decides primary versus fallback.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string) ([]RawResult, error)
}

// Result is one normalized result.
type Result struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
}

// Enhancement is the normalized outcome of a successful lookup.
type Enhancement struct {
	APIType  string   `json:"api_type"`
	Provider string   `json:"provider"`
	Results  []Result `json:"results"`
	Summary  string   `json:"summary"`

	// Cached is true when the enhancement came from the response cache;
	// Age is how long ago it was stored.
	Cached bool          `json:"-"`
	Age    time.Duration `json:"-"`
}

// IncidentRecorder receives reports of blocked queries. Typically backed by
// the usage monitor.
type IncidentRecorder interface {
	RecordIncident(userKey, kind, severity string)
}

// Orchestrator composes validation, budgets, caching, and provider fallback.
type Orchestrator struct {
	validator *validate.Validator
	limiter   *ratelimit.Limiter
	cache     *cache.Cache
	chains    map[string][]Provider
	incidents IncidentRecorder
	timeout   time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithProviderTimeout bounds each individual provider call.
func WithProviderTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithIncidents attaches an incident recorder for blocked queries.
func WithIncidents(r IncidentRecorder) Option {
	return func(o *Orchestrator) {
		o.incidents = r
	}
}

// New creates an Orchestrator. chains maps apiType to its ordered provider
// chain; the first provider is primary, the rest are fallbacks.
func New(v *validate.Validator, l *ratelimit.Limiter, c *cache.Cache, chains map[string][]Provider, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		validator: v,
		limiter:   l,
		cache:     c,
		chains:    chains,
		timeout:   DefaultProviderTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Lookup runs the full pipeline for one query. It returns nil when the
// query is rejected, a budget is exhausted, or every provider fails; nil is
// "no enhancement available", never an error condition.
func (o *Orchestrator) Lookup(ctx context.Context, userID, platform, apiType, query string) *Enhancement {
	res := o.validator.Validate(apiType, query)
	if !res.Valid {
		o.addLog(ctx, "lookup_rejected", res.Reason)
		if o.incidents != nil && res.Category != "" {
			o.incidents.RecordIncident(platform+":"+userID, res.Category, "warning")
		}
		return nil
	}

	// Cheap fail-fast reads; the authoritative reservation happens below,
	// after a cache hit can no longer short-circuit the call.
	if status, err := o.limiter.Check(ctx, userID, platform, apiType); err != nil || !status.Allowed {
		o.addLog(ctx, "lookup_rejected", "user budget exhausted")
		return nil
	}
	if status, err := o.limiter.CheckGlobal(ctx, apiType); err != nil || !status.Allowed {
		o.addLog(ctx, "lookup_rejected", "global budget exhausted")
		return nil
	}

	if cached, err := o.cache.Get(ctx, apiType, query); err == nil && cached.Hit {
		var e Enhancement
		if err := json.Unmarshal(cached.Data, &e); err == nil {
			e.Cached = true
			e.Age = cached.Age
			return &e
		}
	}

	status, err := o.limiter.Reserve(ctx, userID, platform, apiType)
	if err != nil || !status.Allowed {
		o.addLog(ctx, "lookup_rejected", "reservation denied")
		return nil
	}

	for _, p := range o.chains[apiType] {
		results, err := o.callProvider(ctx, p, query)
		if err != nil || len(results) == 0 {
			if err != nil {
				o.errLog(ctx, fmt.Errorf("provider %s: %w", p.Name(), err))
			}
			continue
		}

		e := normalize(apiType, p.Name(), results)
		if data, err := json.Marshal(e); err == nil {
			if err := o.cache.Set(ctx, apiType, query, data); err != nil {
				o.errLog(ctx, fmt.Errorf("cache store: %w", err))
			}
		}
		return e
	}

	return nil
}

func (o *Orchestrator) callProvider(ctx context.Context, p Provider, query string) ([]RawResult, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	return p.Search(ctx, query)
}

// normalize maps provider-shaped results into the single schema, capped to
// the top results, with a flattened text summary.
func normalize(apiType, provider string, raw []RawResult) *Enhancement {
	if len(raw) > maxResults {
		raw = raw[:maxResults]
	}

	results := make([]Result, 0, len(raw))
	parts := make([]string, 0, len(raw))
	for _, r := range raw {
		title := strings.TrimSpace(r.Title)
		desc := strings.TrimSpace(r.Description)
		results = append(results, Result{
			Title:       title,
			Description: desc,
			URL:         strings.TrimSpace(r.URL),
		})
		switch {
		case title != "" && desc != "":
			parts = append(parts, title+": "+desc)
		case title != "":
			parts = append(parts, title)
		default:
			parts = append(parts, desc)
		}
	}

	return &Enhancement{
		APIType:  apiType,
		Provider: provider,
		Results:  results,
		Summary:  strings.Join(parts, " / "),
	}
}

func (o *Orchestrator) addLog(ctx context.Context, key, value string) {
	if _, ok := canonlog.TryGetLogger(ctx); ok {
		canonlog.InfoAdd(ctx, key, value)
	}
}

func (o *Orchestrator) errLog(ctx context.Context, err error) {
	if _, ok := canonlog.TryGetLogger(ctx); ok {
		canonlog.ErrorAdd(ctx, err)
	}
}
