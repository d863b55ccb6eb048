// Package memory maintains bounded conversation history across two tiers.
//
// The ephemeral tier (a store.Store, typically Redis) holds the hot window
// and is purely a latency optimization: every read falls back to the durable
// tier when the ephemeral tier is empty or unavailable, and correctness
// holds with no ephemeral tier at all. The durable tier is authoritative and
// written asynchronously, best-effort, through a single background writer so
// rows land in append order.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nhalm/canonlog"

	"github.com/tavik/chatguard/store"
)

// Roles for conversation turns.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultWindow is the number of most-recent turns kept per conversation.
const DefaultWindow = 20

// Turn is one message in a conversation, by either party.
type Turn struct {
	UserID    string    `json:"user_id"`
	Platform  string    `json:"platform"`
	ChatID    string    `json:"chat_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Durable is the authoritative long-lived history store.
type Durable interface {
	// AppendTurn persists one turn.
	AppendTurn(ctx context.Context, t Turn) error

	// RecentTurns returns up to n most recent turns for the conversation,
	// in chronological order.
	RecentTurns(ctx context.Context, userID, platform, chatID string, n int) ([]Turn, error)
}

// durableQueueSize bounds the pending durable writes; Append drops (and
// logs) beyond it rather than block the caller.
const durableQueueSize = 256

// durableWriteTimeout bounds one durable append.
const durableWriteTimeout = 5 * time.Second

type durableWrite struct {
	ctx  context.Context
	turn Turn
}

// Memory is the tiered conversation history.
type Memory struct {
	ephemeral store.Store // optional; nil disables the hot tier
	durable   Durable
	window    int
	ttl       time.Duration

	writes    chan durableWrite
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Memory.
type Option func(*Memory)

// WithWindow sets the number of most-recent turns kept (default 20).
func WithWindow(n int) Option {
	return func(m *Memory) {
		if n > 0 {
			m.window = n
		}
	}
}

// WithEphemeral attaches a hot tier with the given entry TTL.
func WithEphemeral(st store.Store, ttl time.Duration) Option {
	return func(m *Memory) {
		m.ephemeral = st
		m.ttl = ttl
	}
}

// New creates a Memory over the durable tier.
func New(durable Durable, opts ...Option) *Memory {
	m := &Memory{
		durable: durable,
		window:  DefaultWindow,
		ttl:     30 * time.Minute,
		writes:  make(chan durableWrite, durableQueueSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.drainDurable()
	return m
}

func convKey(userID, platform, chatID string) string {
	return fmt.Sprintf("conv:%s:%s:%s", platform, userID, chatID)
}

// Read returns the most-recent window of turns in chronological order.
// The ephemeral tier is tried first; an empty or failing hot tier falls
// back transparently to the durable tier.
func (m *Memory) Read(ctx context.Context, userID, platform, chatID string) ([]Turn, error) {
	if turns, ok := m.readEphemeral(ctx, userID, platform, chatID); ok {
		return turns, nil
	}

	turns, err := m.durable.RecentTurns(ctx, userID, platform, chatID, m.window)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return turns, nil
}

func (m *Memory) readEphemeral(ctx context.Context, userID, platform, chatID string) ([]Turn, bool) {
	if m.ephemeral == nil {
		return nil, false
	}

	raw, ok, err := m.ephemeral.GetBytes(ctx, convKey(userID, platform, chatID))
	if err != nil || !ok {
		return nil, false
	}

	var turns []Turn
	if err := json.Unmarshal(raw, &turns); err != nil || len(turns) == 0 {
		return nil, false
	}

	if len(turns) > m.window {
		turns = turns[len(turns)-m.window:]
	}
	return turns, true
}

// Append records a turn: write-through to the ephemeral tier (refreshing its
// TTL and trimming to the window) and asynchronously, best-effort, to the
// durable tier. Durable writes drain through one background writer, so rows
// arrive in append order; a full queue drops the write with a log line
// rather than block the caller.
func (m *Memory) Append(ctx context.Context, turn Turn) {
	m.appendEphemeral(ctx, turn)

	select {
	case m.writes <- durableWrite{ctx: context.WithoutCancel(ctx), turn: turn}:
	default:
		if _, ok := canonlog.TryGetLogger(ctx); ok {
			canonlog.ErrorAdd(ctx, errors.New("durable history queue full, turn dropped"))
		}
	}
}

// drainDurable is the single durable writer; serializing here is what keeps
// the durable tier's insertion order equal to append order.
func (m *Memory) drainDurable() {
	defer close(m.done)
	for w := range m.writes {
		wctx, cancel := context.WithTimeout(w.ctx, durableWriteTimeout)
		if err := m.durable.AppendTurn(wctx, w.turn); err != nil {
			if _, ok := canonlog.TryGetLogger(wctx); ok {
				canonlog.ErrorAdd(wctx, fmt.Errorf("durable history append: %w", err))
			}
		}
		cancel()
	}
}

func (m *Memory) appendEphemeral(ctx context.Context, turn Turn) {
	if m.ephemeral == nil {
		return
	}

	turns, ok := m.readEphemeral(ctx, turn.UserID, turn.Platform, turn.ChatID)
	if !ok {
		// Cold hot tier: seed it from the durable tier so a partial window
		// never shadows the fuller durable history.
		if seeded, err := m.durable.RecentTurns(ctx, turn.UserID, turn.Platform, turn.ChatID, m.window); err == nil {
			turns = seeded
		}
	}

	turns = append(turns, turn)
	if len(turns) > m.window {
		turns = turns[len(turns)-m.window:]
	}

	raw, err := json.Marshal(turns)
	if err != nil {
		return
	}
	// Hot-tier write failure is invisible to callers; reads fall back.
	_ = m.ephemeral.SetBytes(ctx, convKey(turn.UserID, turn.Platform, turn.ChatID), raw, m.ttl)
}

// Close stops the background writer and waits for queued durable writes to
// drain. Append must not be called after Close.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		close(m.writes)
	})
	<-m.done
	return nil
}
