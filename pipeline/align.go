// Package pipeline orchestrates consolidation: extracted facts are
// temporally aligned, deduplicated, committed to the store, embedded, and
// recorded in the processed-source ledger.
package pipeline

import (
	"sort"
	"time"

	"github.com/engram-sh/engram"
)

// Align turns raw extractor output into store-ready facts:
//
//   - observation times are filled from fallback when missing;
//   - facts are ordered by observation time, with extraction order as the
//     tie-break so a later statement in the same instant wins;
//   - consecutive repeats of a key's value collapse to the earliest
//     observation; a later return to an earlier value survives, so the
//     store records the reversion as its own fact.
func Align(raw []engram.RawFact, fallback time.Time) []engram.Fact {
	if len(raw) == 0 {
		return nil
	}
	if fallback.IsZero() {
		fallback = engram.NowUTC()
	}

	type ordered struct {
		engram.RawFact
		pos int
	}
	work := make([]ordered, len(raw))
	for i, r := range raw {
		if r.ObservedAt.IsZero() {
			r.ObservedAt = fallback
		}
		r.ObservedAt = r.ObservedAt.UTC().Truncate(time.Millisecond)
		work[i] = ordered{RawFact: r, pos: i}
	}
	sort.SliceStable(work, func(i, j int) bool {
		if !work[i].ObservedAt.Equal(work[j].ObservedAt) {
			return work[i].ObservedAt.Before(work[j].ObservedAt)
		}
		return work[i].pos < work[j].pos
	})

	lastValue := make(map[string]string, len(work))
	lastStart := make(map[string]time.Time, len(work))

	var out []engram.Fact
	for _, w := range work {
		// Only consecutive repeats collapse; A, B, A emits three facts.
		if v, ok := lastValue[w.Key]; ok && v == w.Value {
			continue
		}
		lastValue[w.Key] = w.Value

		start := w.ObservedAt
		// Same key observed twice in one instant: nudge the later value
		// forward so supersession order is well defined.
		if prev, ok := lastStart[w.Key]; ok && !start.After(prev) {
			start = prev.Add(time.Millisecond)
		}
		lastStart[w.Key] = start

		out = append(out, engram.Fact{
			Key:       w.Key,
			Value:     w.Value,
			Source:    w.Source,
			StartTime: start,
		})
	}
	return out
}
