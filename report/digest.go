// Package report generates human-readable views over the active fact set:
// the digest, daily logs, weekly snapshots, and rolling topic files. All
// output is regenerable and never read back by the pipeline.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/engram-sh/engram"
)

// Digest is the machine-readable summary persisted as digest.json.
type Digest struct {
	GeneratedAt time.Time                 `json:"generated_at"`
	TotalFacts  int                       `json:"total_facts"`
	Summary     string                    `json:"summary"`
	Categories  map[string]CategoryDigest `json:"categories"`
}

// CategoryDigest is one category's slice of the digest.
type CategoryDigest struct {
	Count int               `json:"count"`
	Facts map[string]string `json:"facts"` // up to sampleSize samples
}

const sampleSize = 3

// Aggregator builds reports from a Store's active set.
type Aggregator struct {
	store  engram.Store
	logger *slog.Logger

	minCount     int
	maxCats      int
	timelineRows int
	shown        map[string]bool
	pinned       []string
	now          func() time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) { a.logger = l }
}

// WithMinCount sets the category count floor for digest inclusion
// (default 5).
func WithMinCount(n int) Option {
	return func(a *Aggregator) { a.minCount = n }
}

// WithMaxCategories caps the categories listed in the digest (default 15).
func WithMaxCategories(n int) Option {
	return func(a *Aggregator) { a.maxCats = n }
}

// WithTimelineRows caps the history rows shown per topic key (default 5).
func WithTimelineRows(n int) Option {
	return func(a *Aggregator) { a.timelineRows = n }
}

// WithShownCategories forces categories into the digest regardless of
// their count.
func WithShownCategories(cats ...string) Option {
	return func(a *Aggregator) {
		for _, c := range cats {
			a.shown[c] = true
		}
	}
}

// WithPinnedKeys forces specific keys into the digest samples.
func WithPinnedKeys(keys ...string) Option {
	return func(a *Aggregator) { a.pinned = append(a.pinned, keys...) }
}

// New creates an Aggregator over the given store.
func New(store engram.Store, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:        store,
		minCount:     5,
		maxCats:      15,
		timelineRows: 5,
		shown:        make(map[string]bool),
		now:          engram.NowUTC,
	}
	for _, o := range opts {
		o(a)
	}
	if a.logger == nil {
		a.logger = engram.NopLogger()
	}
	return a
}

// Build assembles the digest from the active set. Categories below the
// count floor are left out unless explicitly shown or carrying a pinned
// key; at most maxCats categories are listed, largest first.
func (a *Aggregator) Build(ctx context.Context) (Digest, error) {
	start := time.Now()
	facts, err := a.store.ActivePrefix(ctx, "")
	if err != nil {
		return Digest{}, fmt.Errorf("load active set: %w", err)
	}

	byCat := groupByCategory(facts)
	pinnedCat := make(map[string]bool)
	pinnedKey := make(map[string]bool)
	for _, k := range a.pinned {
		pinnedKey[k] = true
		pinnedCat[engram.KeyCategory(k)] = true
	}

	type catCount struct {
		name  string
		facts []engram.Fact
	}
	var listed []catCount
	for name, cf := range byCat {
		if len(cf) < a.minCount && !a.shown[name] && !pinnedCat[name] {
			continue
		}
		listed = append(listed, catCount{name, cf})
	}
	sort.Slice(listed, func(i, j int) bool {
		if len(listed[i].facts) != len(listed[j].facts) {
			return len(listed[i].facts) > len(listed[j].facts)
		}
		return listed[i].name < listed[j].name
	})
	if len(listed) > a.maxCats {
		listed = listed[:a.maxCats]
	}

	d := Digest{
		GeneratedAt: a.now(),
		TotalFacts:  len(facts),
		Categories:  make(map[string]CategoryDigest, len(listed)),
	}
	for _, cc := range listed {
		samples := make(map[string]string)
		// Pinned keys first, then the newest facts up to the sample cap.
		for _, f := range cc.facts {
			if pinnedKey[f.Key] {
				samples[f.Key] = f.Value
			}
		}
		byRecency := append([]engram.Fact(nil), cc.facts...)
		sort.Slice(byRecency, func(i, j int) bool {
			return byRecency[i].StartTime.After(byRecency[j].StartTime)
		})
		for _, f := range byRecency {
			if len(samples) >= sampleSize && !pinnedKey[f.Key] {
				continue
			}
			if _, ok := samples[f.Key]; !ok && len(samples) < sampleSize {
				samples[f.Key] = f.Value
			}
		}
		d.Categories[cc.name] = CategoryDigest{Count: len(cc.facts), Facts: samples}
	}
	d.Summary = a.summaryLine(d)

	a.logger.Debug("report: digest built",
		"facts", d.TotalFacts, "categories", len(d.Categories), "duration", time.Since(start))
	return d, nil
}

// summaryLine renders the compact one-line summary used by the summary op
// and by hook-format output.
func (a *Aggregator) summaryLine(d Digest) string {
	type cc struct {
		name  string
		count int
	}
	var cats []cc
	for name, c := range d.Categories {
		cats = append(cats, cc{name, c.Count})
	}
	sort.Slice(cats, func(i, j int) bool {
		if cats[i].count != cats[j].count {
			return cats[i].count > cats[j].count
		}
		return cats[i].name < cats[j].name
	})
	parts := make([]string, 0, len(cats))
	for _, c := range cats {
		parts = append(parts, fmt.Sprintf("%s:%d", c.name, c.count))
	}
	line := fmt.Sprintf("%s | %d facts", d.GeneratedAt.Format("2006-01-02"), d.TotalFacts)
	if len(parts) > 0 {
		line += " | " + strings.Join(parts, ", ")
	}
	return line
}

// WriteDigest builds the digest and writes it to path as indented JSON.
func (a *Aggregator) WriteDigest(ctx context.Context, path string) (Digest, error) {
	d, err := a.Build(ctx)
	if err != nil {
		return Digest{}, err
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return Digest{}, fmt.Errorf("encode digest: %w", err)
	}
	if err := writeFileAtomic(path, append(data, '\n')); err != nil {
		return Digest{}, err
	}
	return d, nil
}

func groupByCategory(facts []engram.Fact) map[string][]engram.Fact {
	out := make(map[string][]engram.Fact)
	for _, f := range facts {
		cat := f.Category()
		out[cat] = append(out[cat], f)
	}
	return out
}
