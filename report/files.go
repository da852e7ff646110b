package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/engram-sh/engram"
)

// WriteDaily renders the markdown log for one calendar day (UTC): active
// facts whose StartTime falls on that day, grouped by category and second
// key segment. Returns the file path.
func (a *Aggregator) WriteDaily(ctx context.Context, dir string, day time.Time) (string, error) {
	day = day.UTC()
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.AddDate(0, 0, 1)

	facts, err := a.factsBetween(ctx, dayStart, dayEnd)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Memory log %s\n", dayStart.Format("2006-01-02"))
	writeGrouped(&b, facts)

	path := filepath.Join(dir, dayStart.Format("2006-01-02")+".md")
	if err := writeFileAtomic(path, []byte(b.String())); err != nil {
		return "", err
	}
	a.logger.Debug("report: daily written", "path", path, "facts", len(facts))
	return path, nil
}

// WriteWeekly renders the snapshot for the ISO week containing ref: one
// file per category plus an index, under <dir>/<year>-W<week>/. Returns
// the snapshot directory.
func (a *Aggregator) WriteWeekly(ctx context.Context, dir string, ref time.Time) (string, error) {
	ref = ref.UTC()
	year, week := ref.ISOWeek()
	weekStart := isoWeekStart(ref)
	weekEnd := weekStart.AddDate(0, 0, 7)

	facts, err := a.factsBetween(ctx, weekStart, weekEnd)
	if err != nil {
		return "", err
	}
	byCat := groupByCategory(facts)

	weekDir := filepath.Join(dir, fmt.Sprintf("%d-W%02d", year, week))
	if err := os.MkdirAll(weekDir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}

	for cat, cf := range byCat {
		var b strings.Builder
		fmt.Fprintf(&b, "# %s — week %d-W%02d\n", cat, year, week)
		writeGrouped(&b, cf)
		if err := writeFileAtomic(filepath.Join(weekDir, cat+".md"), []byte(b.String())); err != nil {
			return "", err
		}
	}
	if err := writeIndex(filepath.Join(weekDir, "index.md"),
		fmt.Sprintf("# Week %d-W%02d", year, week), byCat); err != nil {
		return "", err
	}

	a.logger.Debug("report: weekly written",
		"dir", weekDir, "facts", len(facts), "categories", len(byCat))
	return weekDir, nil
}

// WriteTopics renders the rolling per-category topic files over the whole
// active set, with a timeline table for keys that changed over time, plus
// an index sorted by count descending.
func (a *Aggregator) WriteTopics(ctx context.Context, dir string) error {
	facts, err := a.store.ActivePrefix(ctx, "")
	if err != nil {
		return fmt.Errorf("load active set: %w", err)
	}
	byCat := groupByCategory(facts)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create topics dir: %w", err)
	}
	for cat, cf := range byCat {
		if err := a.writeTopic(ctx, filepath.Join(dir, cat+".md"), cat, cf); err != nil {
			return err
		}
	}
	if err := writeIndex(filepath.Join(dir, "index.md"), "# Topics", byCat); err != nil {
		return err
	}
	a.logger.Debug("report: topics written", "dir", dir, "categories", len(byCat))
	return nil
}

func (a *Aggregator) writeTopic(ctx context.Context, path, cat string, facts []engram.Fact) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", cat)

	for _, section := range bySegment(facts) {
		fmt.Fprintf(&b, "\n## %s\n\n", section.name)
		for _, f := range section.facts {
			hist, err := a.store.History(ctx, f.Key)
			if err != nil {
				return fmt.Errorf("history %s: %w", f.Key, err)
			}
			writeValue(&b, f.Key, f.Value)
			if len(hist) > 1 {
				writeTimeline(&b, hist, a.timelineRows)
			}
		}
	}
	return writeFileAtomic(path, []byte(b.String()))
}

// writeTimeline renders a truncated history table, newest first.
func writeTimeline(b *strings.Builder, hist []engram.Fact, rows int) {
	b.WriteString("\n  | since | until | value |\n  |---|---|---|\n")
	// History arrives oldest first.
	start := len(hist) - rows
	if start < 0 {
		start = 0
	}
	for i := len(hist) - 1; i >= start; i-- {
		f := hist[i]
		until := "now"
		if f.EndTime != nil {
			until = f.EndTime.Format("2006-01-02")
		}
		fmt.Fprintf(b, "  | %s | %s | %s |\n",
			f.StartTime.Format("2006-01-02"), until, tableCell(f.Value))
	}
	b.WriteString("\n")
}

type segment struct {
	name  string
	facts []engram.Fact
}

// bySegment groups facts by their second key segment, sections and facts
// both in key order.
func bySegment(facts []engram.Fact) []segment {
	grouped := make(map[string][]engram.Fact)
	for _, f := range facts {
		grouped[engram.KeySegment(f.Key, 1)] = append(grouped[engram.KeySegment(f.Key, 1)], f)
	}
	out := make([]segment, 0, len(grouped))
	for name, sf := range grouped {
		sort.Slice(sf, func(i, j int) bool { return sf[i].Key < sf[j].Key })
		out = append(out, segment{name, sf})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// writeGrouped renders facts grouped by category then second segment.
func writeGrouped(b *strings.Builder, facts []engram.Fact) {
	byCat := groupByCategory(facts)
	cats := make([]string, 0, len(byCat))
	for cat := range byCat {
		cats = append(cats, cat)
	}
	sort.Strings(cats)

	for _, cat := range cats {
		fmt.Fprintf(b, "\n## %s\n", cat)
		for _, section := range bySegment(byCat[cat]) {
			fmt.Fprintf(b, "\n### %s\n\n", section.name)
			for _, f := range section.facts {
				writeValue(b, f.Key, f.Value)
			}
		}
	}
}

const inlineValueMax = 100

// writeValue renders one fact: short plain values inline, long or
// JSON-looking values as a fenced block.
func writeValue(b *strings.Builder, key, value string) {
	if len(value) <= inlineValueMax && !strings.ContainsRune(value, '\n') && !looksLikeJSON(value) {
		fmt.Fprintf(b, "- `%s`: %s\n", key, value)
		return
	}
	lang := ""
	if looksLikeJSON(value) {
		lang = "json"
	}
	fmt.Fprintf(b, "- `%s`:\n\n  ```%s\n", key, lang)
	for _, line := range strings.Split(value, "\n") {
		b.WriteString("  " + line + "\n")
	}
	b.WriteString("  ```\n")
}

func looksLikeJSON(v string) bool {
	v = strings.TrimSpace(v)
	return strings.HasPrefix(v, "{") || strings.HasPrefix(v, "[")
}

// tableCell makes a value safe for a one-line markdown table cell.
func tableCell(v string) string {
	v = strings.ReplaceAll(v, "\n", " ")
	v = strings.ReplaceAll(v, "|", "\\|")
	if len(v) > inlineValueMax {
		cut := inlineValueMax
		for cut > 0 && !utf8.RuneStart(v[cut]) {
			cut--
		}
		v = v[:cut] + "…"
	}
	return v
}

// writeIndex renders a category index sorted by count descending.
func writeIndex(path, title string, byCat map[string][]engram.Fact) error {
	type cc struct {
		name  string
		count int
	}
	cats := make([]cc, 0, len(byCat))
	for name, cf := range byCat {
		cats = append(cats, cc{name, len(cf)})
	}
	sort.Slice(cats, func(i, j int) bool {
		if cats[i].count != cats[j].count {
			return cats[i].count > cats[j].count
		}
		return cats[i].name < cats[j].name
	})

	var b strings.Builder
	b.WriteString(title + "\n\n")
	for _, c := range cats {
		fmt.Fprintf(&b, "- [%s](%s.md) — %d facts\n", c.name, c.name, c.count)
	}
	return writeFileAtomic(path, []byte(b.String()))
}

// factsBetween returns active facts whose StartTime lies in [from, to).
func (a *Aggregator) factsBetween(ctx context.Context, from, to time.Time) ([]engram.Fact, error) {
	facts, err := a.store.ActivePrefix(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("load active set: %w", err)
	}
	var out []engram.Fact
	for _, f := range facts {
		if !f.StartTime.Before(from) && f.StartTime.Before(to) {
			out = append(out, f)
		}
	}
	return out, nil
}

// isoWeekStart returns the Monday 00:00 UTC of ref's ISO week.
func isoWeekStart(ref time.Time) time.Time {
	ref = ref.UTC()
	day := time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(day.Weekday()) + 6) % 7 // Monday = 0
	return day.AddDate(0, 0, -offset)
}

// writeFileAtomic writes via a unique temp file in the target directory
// and renames into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.%d.%d.tmp",
		filepath.Base(path), os.Getpid(), time.Now().UnixNano()))
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
