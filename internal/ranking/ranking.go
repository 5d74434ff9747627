// Package ranking keeps a bounded-memory distribution of final ability
// estimates per blueprint category and answers percentile queries against it.
//
// Each distinct estimate is counted exactly until a category holds more
// than MaxEntries distinct values; only then are neighbouring values merged
// and percentiles inside a merged range interpolated. With the defaults the
// error against an exact sort stays below one percentile point.
package ranking

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/pavelanni/adaptex/internal/model"
)

// Config holds the engine tunables.
type Config struct {
	Compression float64
	// MaxEntries caps the entries per category. Compact merges categories
	// above half of it.
	MaxEntries      int
	CompactInterval time.Duration
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Compression:     100,
		MaxEntries:      4096,
		CompactInterval: 5 * time.Minute,
	}
}

type bucket struct {
	mu sync.Mutex
	d  *digest
}

// Engine holds one digest per category. Each category has its own lock; the
// engine-wide lock only guards the category map.
type Engine struct {
	cfg Config

	mu      sync.RWMutex
	buckets map[string]*bucket
}

// New creates an engine. Zero config fields take their defaults.
func New(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.Compression <= 0 {
		cfg.Compression = def.Compression
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.CompactInterval <= 0 {
		cfg.CompactInterval = def.CompactInterval
	}
	return &Engine{cfg: cfg, buckets: make(map[string]*bucket)}
}

func (e *Engine) bucket(category string, create bool) *bucket {
	e.mu.RLock()
	b := e.buckets[category]
	e.mu.RUnlock()
	if b != nil || !create {
		return b
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if b = e.buckets[category]; b == nil {
		b = &bucket{d: newDigest(e.cfg.Compression, e.cfg.MaxEntries)}
		e.buckets[category] = b
	}
	return b
}

// Insert adds one final ability estimate to category.
func (e *Engine) Insert(category string, theta float64) {
	b := e.bucket(category, true)
	b.mu.Lock()
	b.d.add(theta)
	b.mu.Unlock()
}

// PercentileOf returns the percentile rank of theta within category at the
// time of the call. ok is false when the category has no observations.
func (e *Engine) PercentileOf(category string, theta float64) (pct float64, ok bool) {
	b := e.bucket(category, false)
	if b == nil {
		return 0, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.d.count == 0 {
		return 0, false
	}
	return b.d.percentile(theta), true
}

// Count returns the number of observations in category.
func (e *Engine) Count(category string) int64 {
	b := e.bucket(category, false)
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.d.count
}

// Categories returns the known categories in sorted order.
func (e *Engine) Categories() []string {
	e.mu.RLock()
	out := make([]string, 0, len(e.buckets))
	for c := range e.buckets {
		out = append(out, c)
	}
	e.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Compact merges adjacent entries in every category holding more than half
// of MaxEntries. It returns the number of entries removed.
func (e *Engine) Compact() int {
	removed := 0
	for _, c := range e.Categories() {
		b := e.bucket(c, false)
		b.mu.Lock()
		if len(b.d.entries) > e.cfg.MaxEntries/2 {
			removed += b.d.compress()
		}
		b.mu.Unlock()
	}
	return removed
}

// RunCompactor calls Compact on every tick until ctx is cancelled.
func (e *Engine) RunCompactor(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.CompactInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := e.Compact(); n > 0 {
				slog.Debug("compacted rankings", "entries_removed", n)
			}
		}
	}
}

// Snapshot returns the summary of every category, sorted by category.
func (e *Engine) Snapshot() []model.RankingSummary {
	var out []model.RankingSummary
	for _, c := range e.Categories() {
		b := e.bucket(c, false)
		b.mu.Lock()
		out = append(out, b.d.summary(c))
		b.mu.Unlock()
	}
	return out
}

// Restore replaces the categories named in summaries. All summaries are
// validated before any is applied.
func (e *Engine) Restore(summaries []model.RankingSummary) error {
	digests := make(map[string]*digest, len(summaries))
	for _, s := range summaries {
		d, err := digestFromSummary(s, e.cfg.MaxEntries)
		if err != nil {
			return err
		}
		digests[s.Category] = d
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for c, d := range digests {
		e.buckets[c] = &bucket{d: d}
	}
	return nil
}
