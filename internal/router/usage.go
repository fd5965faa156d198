package router

import (
	"sync"

	"github.com/deepdive-labs/deepdive/internal/pricing"
	"github.com/deepdive-labs/deepdive/internal/session"
)

// UsageTracker accumulates token usage for one research job
type UsageTracker struct {
	mu     sync.Mutex
	order  []string
	totals map[string]*session.UsageEntry
}

// NewUsageTracker creates an empty tracker
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{totals: make(map[string]*session.UsageEntry)}
}

// Restore seeds the tracker from a persisted snapshot
func (u *UsageTracker) Restore(entries []session.UsageEntry) {
	for _, e := range entries {
		u.Record(e.Model, e.PromptTokens, e.CompletionTokens)
	}
}

// Record adds one call's token counts
func (u *UsageTracker) Record(model string, promptTokens, completionTokens int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	e, ok := u.totals[model]
	if !ok {
		e = &session.UsageEntry{Model: model}
		u.totals[model] = e
		u.order = append(u.order, model)
	}
	e.PromptTokens += promptTokens
	e.CompletionTokens += completionTokens
}

// TotalTokens is the sum of prompt and completion tokens across models
func (u *UsageTracker) TotalTokens() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	total := 0
	for _, e := range u.totals {
		total += e.PromptTokens + e.CompletionTokens
	}
	return total
}

// ByModel returns the combined token count per model
func (u *UsageTracker) ByModel() map[string]int {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[string]int, len(u.totals))
	for m, e := range u.totals {
		out[m] = e.PromptTokens + e.CompletionTokens
	}
	return out
}

// Models returns the distinct models in first-use order
func (u *UsageTracker) Models() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.order...)
}

// Snapshot returns per-model totals suitable for persisting on a session
func (u *UsageTracker) Snapshot() []session.UsageEntry {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]session.UsageEntry, 0, len(u.order))
	for _, m := range u.order {
		out = append(out, *u.totals[m])
	}
	return out
}

// CostUSD estimates spend from the pricing table
func (u *UsageTracker) CostUSD() float64 {
	cost := 0.0
	for _, e := range u.Snapshot() {
		cost += pricing.CostForSplit(e.Model, e.PromptTokens, e.CompletionTokens)
	}
	return cost
}
