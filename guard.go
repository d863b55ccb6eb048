package chatguard

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nhalm/canonlog"

	"github.com/tavik/chatguard/budget"
	"github.com/tavik/chatguard/cache"
	"github.com/tavik/chatguard/config"
	"github.com/tavik/chatguard/memory"
	"github.com/tavik/chatguard/monitor"
	"github.com/tavik/chatguard/ratelimit"
	"github.com/tavik/chatguard/sanitize"
	"github.com/tavik/chatguard/search"
	"github.com/tavik/chatguard/store"
	"github.com/tavik/chatguard/storage"
	"github.com/tavik/chatguard/validate"
)

// Categories of protected external calls.
const (
	APIWebSearch   = "web_search"
	APIWeather     = "weather"
	APICryptoPrice = "crypto_price"
	APIAIChat      = "ai_chat"
)

// LimitReachedReply is returned by GetSafeReply once the daily reply cap
// is exhausted.
const LimitReachedReply = "whew, been yapping all day and hit my daily limit. catch me tomorrow"

// DefaultGenerateTimeout bounds one generation call.
const DefaultGenerateTimeout = 30 * time.Second

// Generator produces a raw reply from conversation history. Its output is
// always passed through the output sanitizer before leaving the guard.
type Generator interface {
	Generate(ctx context.Context, history []memory.Turn, userText string) (string, error)
}

// ReplyRequest is one inbound chat message.
type ReplyRequest struct {
	UserID         string
	Platform       string
	ChatID         string
	Text           string
	FamilyFriendly bool
}

// Guard wires the governance pipeline together.
type Guard struct {
	cfg       *config.Config
	generator Generator
	kv        store.Store
	db        *storage.DB
	limiter   *ratelimit.Limiter
	cache     *cache.Cache
	validator *validate.Validator
	input     *sanitize.InputSanitizer
	output    *sanitize.OutputSanitizer
	orch      *search.Orchestrator
	memory    *memory.Memory
	budget    *budget.ReplyBudget
	monitor   *monitor.Monitor

	chains     map[string][]search.Provider
	mode       sanitize.Mode
	genTimeout time.Duration
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithProviderChain sets the ordered provider fallback chain for one
// apiType.
func WithProviderChain(apiType string, providers ...search.Provider) GuardOption {
	return func(g *Guard) {
		g.chains[apiType] = providers
	}
}

// WithGenerateTimeout bounds one generation call.
func WithGenerateTimeout(d time.Duration) GuardOption {
	return func(g *Guard) {
		if d > 0 {
			g.genTimeout = d
		}
	}
}

// WithStore overrides the ephemeral store. Intended for tests; by default
// the store is chosen from the config (Redis when configured, in-process
// otherwise).
func WithStore(st store.Store) GuardOption {
	return func(g *Guard) {
		g.kv = st
	}
}

// New builds a Guard from configuration. The caller owns the returned
// Guard and must Close it.
func New(cfg *config.Config, gen Generator, opts ...GuardOption) (*Guard, error) {
	g := &Guard{
		cfg:        cfg,
		generator:  gen,
		chains:     make(map[string][]search.Provider),
		genTimeout: DefaultGenerateTimeout,
	}
	if cfg.Persona.Mode == "restricted" {
		g.mode = sanitize.Restricted
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.kv == nil {
		if cfg.Redis.URL != "" {
			kv, err := store.NewRedis(store.RedisConfig{
				URL:      cfg.Redis.URL,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
				Prefix:   cfg.Redis.Prefix,
			})
			if err != nil {
				return nil, fmt.Errorf("redis store: %w", err)
			}
			g.kv = kv
		} else {
			g.kv = store.NewMemory()
		}
	}

	// Release the store's cleanup goroutine and the DB if wiring fails
	// after they exist.
	built := false
	defer func() {
		if built {
			return
		}
		if g.db != nil {
			g.db.Close()
		}
		g.kv.Close()
	}()

	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	g.db = db

	limits := make(ratelimit.Limits, len(cfg.Limits))
	for apiType, l := range cfg.Limits {
		limits[apiType] = ratelimit.Limit{PerUserHourly: l.PerUserHourly, GlobalDaily: l.GlobalDaily}
	}
	g.limiter = ratelimit.New(g.kv, limits, ratelimit.WithSnapshots(db))

	ttls := make(cache.TTLs, len(cfg.CacheTTLs))
	for apiType, secs := range cfg.CacheTTLs {
		ttls[apiType] = time.Duration(secs) * time.Second
	}
	g.cache = cache.New(g.kv, ttls)

	var vopts []validate.Option
	if cfg.RuleFiles.Blocklist != "" {
		rules, err := validate.LoadRules(cfg.RuleFiles.Blocklist)
		if err != nil {
			return nil, fmt.Errorf("load blocklist: %w", err)
		}
		vopts = append(vopts, validate.WithRules(rules))
	}
	g.validator, err = validate.New(vopts...)
	if err != nil {
		return nil, fmt.Errorf("validator: %w", err)
	}

	var iopts []sanitize.InputOption
	if cfg.RuleFiles.Input != "" {
		rules, err := sanitize.LoadInputRules(cfg.RuleFiles.Input)
		if err != nil {
			return nil, fmt.Errorf("load input rules: %w", err)
		}
		iopts = append(iopts, sanitize.WithInputRules(rules))
	}
	g.input, err = sanitize.NewInput(iopts...)
	if err != nil {
		return nil, fmt.Errorf("input sanitizer: %w", err)
	}
	g.output, err = sanitize.NewOutput()
	if err != nil {
		return nil, fmt.Errorf("output sanitizer: %w", err)
	}

	g.monitor = monitor.New(
		monitor.WithDefaultThresholds(monitor.Thresholds{
			WarningPct:  cfg.Monitor.WarningPct,
			CriticalPct: cfg.Monitor.CriticalPct,
		}),
		monitor.WithAutoBlockAt(cfg.Monitor.AutoBlockAt),
		monitor.WithIncidentWindow(cfg.Monitor.IncidentWindow),
	)

	g.orch = search.New(g.validator, g.limiter, g.cache, g.chains,
		search.WithProviderTimeout(cfg.Providers.Timeout),
		search.WithIncidents(g.monitor),
	)

	g.memory = memory.New(db,
		memory.WithWindow(cfg.Memory.Window),
		memory.WithEphemeral(g.kv, cfg.Memory.EphemeralTTL),
	)
	g.budget = budget.New(cfg.ReplyCap)

	built = true
	return g, nil
}

// Close flushes pending writes and releases the stores.
func (g *Guard) Close() error {
	if err := g.memory.Close(); err != nil {
		return err
	}
	if err := g.db.Close(); err != nil {
		return err
	}
	return g.kv.Close()
}

// Monitor exposes the usage monitor for dashboard adapters.
func (g *Guard) Monitor() *monitor.Monitor {
	return g.monitor
}

// GetSafeReply produces an in-persona reply for an inbound message. It
// never fails: sanitizer deflections, exhausted budgets, generator faults,
// and store outages all resolve to a safe bounded string.
func (g *Guard) GetSafeReply(ctx context.Context, req ReplyRequest) (reply string) {
	ctx = canonlog.NewContext(ctx)
	defer canonlog.Flush(ctx)
	canonlog.InfoAddMany(ctx, map[string]any{
		"op":       "get_safe_reply",
		"platform": req.Platform,
		"user_id":  req.UserID,
	})

	mode := g.mode
	if req.FamilyFriendly {
		mode = sanitize.Restricted
	}

	defer func() {
		if rec := recover(); rec != nil {
			canonlog.ErrorAdd(ctx, fmt.Errorf("panic: %v", rec))
			reply = g.output.SanitizeMode("", mode)
		}
	}()

	text, deflected := g.input.Screen(req.Text, mode)
	if deflected {
		g.monitor.RecordIncident(req.Platform+":"+req.UserID, "input_deflected", "warning")
		canonlog.InfoAdd(ctx, "outcome", "deflected")
		return text
	}

	if st := g.budget.Check(); !st.Allowed {
		canonlog.InfoAdd(ctx, "outcome", "budget_exhausted")
		return LimitReachedReply
	}

	history, err := g.memory.Read(ctx, req.UserID, req.Platform, req.ChatID)
	if err != nil {
		canonlog.ErrorAdd(ctx, ErrPersistence.With(err.Error()))
		history = nil
	}

	genCtx, cancel := context.WithTimeout(ctx, g.genTimeout)
	raw, err := g.generator.Generate(genCtx, history, text)
	cancel()
	if err != nil {
		canonlog.ErrorAdd(ctx, ErrProviderFailure.With(err.Error()))
		raw = ""
	}

	reply = g.output.SanitizeMode(raw, mode)
	if raw != "" && reply != raw {
		canonlog.InfoAdd(ctx, "output_sanitized", "true")
	}

	// The assistant turn gets a strictly later timestamp so consumers that
	// order by created_at keep the pair ordered.
	now := time.Now().UTC()
	g.memory.Append(ctx, memory.Turn{
		UserID: req.UserID, Platform: req.Platform, ChatID: req.ChatID,
		Role: memory.RoleUser, Content: text, Timestamp: now,
	})
	g.memory.Append(ctx, memory.Turn{
		UserID: req.UserID, Platform: req.Platform, ChatID: req.ChatID,
		Role: memory.RoleAssistant, Content: reply, Timestamp: now.Add(time.Microsecond),
	})

	g.budget.Increment()
	current, dailyCap := g.budget.Usage()
	g.monitor.EvaluateUsage(APIAIChat, current, dailyCap)

	canonlog.InfoAdd(ctx, "outcome", "ok")
	return reply
}

var (
	weatherTrigger = regexp.MustCompile(`(?i)\b(?:weather|forecast|temperature)\b(?:\s+(?:in|for|at)\s+(.+?))?\s*[?.!]*$`)
	priceTrigger   = regexp.MustCompile(`(?i)^(?:(?:current\s+)?price\s+of|how\s+much\s+is)\s+(.+?)\s*[?.!]*$`)
	searchTrigger  = regexp.MustCompile(`(?i)^(?:search(?:\s+for)?|look\s+up|find(?:\s+me)?(?:\s+info\s+on)?)\s+(.+?)\s*[?.!]*$`)
)

// Enhance inspects a message for an enhancement trigger and, when one
// applies, runs the lookup pipeline. A nil result means no enhancement was
// applicable or available; Enhance never fails.
func (g *Guard) Enhance(ctx context.Context, text, userID, platform string) (enh *search.Enhancement) {
	ctx = canonlog.NewContext(ctx)
	defer canonlog.Flush(ctx)
	canonlog.InfoAddMany(ctx, map[string]any{
		"op":       "enhance",
		"platform": platform,
		"user_id":  userID,
	})

	defer func() {
		if rec := recover(); rec != nil {
			canonlog.ErrorAdd(ctx, fmt.Errorf("panic: %v", rec))
			enh = nil
		}
	}()

	apiType, query, ok := g.detectTrigger(text)
	if !ok {
		canonlog.InfoAdd(ctx, "outcome", "no_trigger")
		return nil
	}

	return g.orch.Lookup(ctx, userID, platform, apiType, query)
}

// detectTrigger classifies a message as a weather, price, or web search
// request and extracts the query.
func (g *Guard) detectTrigger(text string) (apiType, query string, ok bool) {
	trimmed := strings.TrimSpace(text)

	if g.cfg.Providers.WeatherEnabled {
		if m := weatherTrigger.FindStringSubmatch(trimmed); m != nil && m[1] != "" {
			return APIWeather, strings.TrimSpace(m[1]), true
		}
	}

	if g.cfg.Providers.PriceEnabled {
		if m := priceTrigger.FindStringSubmatch(trimmed); m != nil {
			return APICryptoPrice, strings.TrimSpace(m[1]), true
		}
	}

	if g.cfg.Providers.SearchEnabled {
		if m := searchTrigger.FindStringSubmatch(trimmed); m != nil {
			return APIWebSearch, strings.TrimSpace(m[1]), true
		}
	}

	return "", "", false
}
