// Package summary maintains the bounded per-session context summary.
package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/basket/claw-kernel/internal/shared"
)

const (
	MaxSummaryChars     = 1000
	maxUserExcerpt      = 120
	maxAssistantExcerpt = 200
	defaultAction       = "chat"
)

// Summarizer folds one turn into an existing summary.
type Summarizer interface {
	Summarize(ctx context.Context, existing, userMessage, assistantResponse, actionType string) (string, error)
}

// Provider is a named, ranked Summarizer.
type Provider struct {
	Name       string
	Summarizer Summarizer
}

// KVStore is the minimal interface needed for breaker state persistence.
type KVStore interface {
	KVSet(ctx context.Context, key, val string) error
	KVGet(ctx context.Context, key string) (string, error)
}

type breaker struct {
	failures    int
	lastFailure time.Time
	tripped     bool
}

type breakerState struct {
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
	Tripped     bool      `json:"tripped"`
}

// Result reports which path produced a summary.
type Result struct {
	Summary  string
	Provider string // empty when the local fallback was used
	Fallback bool
}

// Compactor tries providers in rank order and falls back to a deterministic
// local format when none produces output. Providers that keep failing are
// skipped until a cooldown elapses.
type Compactor struct {
	providers []Provider

	mu        sync.Mutex
	breakers  map[string]*breaker
	threshold int
	cooldown  time.Duration
	kv        KVStore
	now       func() time.Time
	logger    *slog.Logger
}

// NewCompactor creates a compactor. threshold and cooldown default to 5
// failures and 5 minutes.
func NewCompactor(providers []Provider, threshold int, cooldown time.Duration, logger *slog.Logger) *Compactor {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	breakers := make(map[string]*breaker, len(providers))
	for _, p := range providers {
		breakers[p.Name] = &breaker{}
	}
	return &Compactor{
		providers: providers,
		breakers:  breakers,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		logger:    logger,
	}
}

// Update returns the new summary for one turn.
func (c *Compactor) Update(ctx context.Context, existing, userMessage, assistantResponse, actionType string) string {
	return c.Compact(ctx, existing, userMessage, assistantResponse, actionType).Summary
}

// Compact is Update with provenance.
func (c *Compactor) Compact(ctx context.Context, existing, userMessage, assistantResponse, actionType string) Result {
	for _, p := range c.providers {
		if c.isTripped(p.Name) {
			c.logger.Debug("summary: skipping tripped provider", "provider", p.Name)
			continue
		}
		out, err := p.Summarizer.Summarize(ctx, existing, userMessage, assistantResponse, actionType)
		out = strings.TrimSpace(out)
		if err == nil && out != "" {
			c.recordSuccess(p.Name)
			return Result{Summary: clamp(out, MaxSummaryChars), Provider: p.Name}
		}
		c.recordFailure(p.Name)
		if err == nil {
			err = fmt.Errorf("empty summary")
		}
		c.logger.Warn("summary: provider failed",
			"trace_id", shared.TraceID(ctx), "provider", p.Name, "error", err)
	}
	return Result{Summary: Fallback(existing, userMessage, assistantResponse, actionType), Fallback: true}
}

var turnsTrailer = regexp.MustCompile(`\[turns: (\d+)\]\s*$`)

// Fallback appends a bounded excerpt of the turn to existing and bumps the
// trailing turn counter. Oldest history lines are dropped first so the
// result fits MaxSummaryChars with the counter intact. It parses its own
// output, so feeding a result back in continues the count.
func Fallback(existing, userMessage, assistantResponse, actionType string) string {
	turns := 0
	history := existing
	if m := turnsTrailer.FindStringSubmatchIndex(existing); m != nil {
		if n, err := strconv.Atoi(existing[m[2]:m[3]]); err == nil {
			turns = n
		}
		history = existing[:m[0]]
	}

	var lines []string
	for _, l := range strings.Split(history, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	action := strings.TrimSpace(actionType)
	if action == "" {
		action = defaultAction
	}
	lines = append(lines, fmt.Sprintf("- [%s] U: %s | A: %s",
		action, excerpt(userMessage, maxUserExcerpt), excerpt(assistantResponse, maxAssistantExcerpt)))

	trailer := fmt.Sprintf("[turns: %d]", turns+1)
	for {
		out := strings.Join(append(append([]string(nil), lines...), trailer), "\n")
		if runeLen(out) <= MaxSummaryChars {
			return out
		}
		if len(lines) == 1 {
			budget := MaxSummaryChars - runeLen(trailer) - 1
			return clamp(lines[0], budget) + "\n" + trailer
		}
		lines = lines[1:]
	}
}

// excerpt flattens whitespace and cuts s to n runes.
func excerpt(s string, n int) string {
	return clamp(strings.Join(strings.Fields(s), " "), n)
}

func clamp(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func runeLen(s string) int {
	return len([]rune(s))
}

func (c *Compactor) isTripped(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cb, ok := c.breakers[name]
	if !ok || !cb.tripped {
		return false
	}
	if c.now().Sub(cb.lastFailure) >= c.cooldown {
		cb.tripped = false
		cb.failures = 0
		c.logger.Info("summary: circuit breaker reset after cooldown", "provider", name)
		return false
	}
	return true
}

func (c *Compactor) recordFailure(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cb, ok := c.breakers[name]
	if !ok {
		cb = &breaker{}
		c.breakers[name] = cb
	}
	cb.failures++
	cb.lastFailure = c.now()
	if cb.failures >= c.threshold && !cb.tripped {
		cb.tripped = true
		c.logger.Warn("summary: circuit breaker tripped", "provider", name, "failures", cb.failures)
	}
	c.persist(name, cb)
}

func (c *Compactor) recordSuccess(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cb, ok := c.breakers[name]
	if !ok {
		return
	}
	cb.failures = 0
	cb.tripped = false
	c.persist(name, cb)
}

// SetKVStore enables persistent breaker state.
func (c *Compactor) SetKVStore(store KVStore) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kv = store
}

// SetClock overrides the breaker clock.
func (c *Compactor) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now != nil {
		c.now = now
	}
}

// Tripped reports whether the named provider is currently skipped.
func (c *Compactor) Tripped(name string) bool {
	return c.isTripped(name)
}

// persist must be called with c.mu held.
func (c *Compactor) persist(name string, cb *breaker) {
	if c.kv == nil {
		return
	}
	data, err := json.Marshal(breakerState{Failures: cb.failures, LastFailure: cb.lastFailure, Tripped: cb.tripped})
	if err != nil {
		return
	}
	_ = c.kv.KVSet(context.Background(), breakerKey(name), string(data))
}

// LoadBreakerState restores breaker state from the KV store.
func (c *Compactor) LoadBreakerState(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.kv == nil {
		return
	}
	for name, cb := range c.breakers {
		val, err := c.kv.KVGet(ctx, breakerKey(name))
		if err != nil || val == "" {
			continue
		}
		var state breakerState
		if err := json.Unmarshal([]byte(val), &state); err != nil {
			continue
		}
		cb.failures = state.Failures
		cb.lastFailure = state.LastFailure
		cb.tripped = state.Tripped
	}
}

func breakerKey(name string) string {
	return "summary.cb:" + name
}
