package learning

import (
	"sort"
	"strings"
)

const (
	frequentThreshold = 5
	sequenceThreshold = 3
	streakThreshold   = 5
)

// ExtractPatterns mines a session's events for habitual tool usage:
// frequently used tools, repeated 2- and 3-step sequences, and contiguous
// success streaks (workflows).
func ExtractPatterns(events []Event) []Pattern {
	var tools []Event
	for _, e := range events {
		if e.Kind == EventTool && e.Tool != "" {
			tools = append(tools, e)
		}
	}
	if len(tools) == 0 {
		return nil
	}

	var out []Pattern
	out = append(out, frequentPatterns(tools)...)
	out = append(out, sequencePatterns(tools)...)
	out = append(out, workflowPatterns(tools)...)
	return out
}

func frequentPatterns(tools []Event) []Pattern {
	counts := make(map[string]int)
	for _, e := range tools {
		counts[e.Tool]++
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []Pattern
	for _, name := range names {
		if counts[name] < frequentThreshold {
			continue
		}
		out = append(out, Pattern{
			Name:  sanitizeName(name),
			Kind:  PatternFrequent,
			Tools: []string{name},
			Count: counts[name],
		})
	}
	return out
}

func sequencePatterns(tools []Event) []Pattern {
	type gram struct {
		name  string
		tools []string
	}
	counts := make(map[string]int)
	grams := make(map[string]gram)

	for _, n := range []int{2, 3} {
		for i := 0; i+n <= len(tools); i++ {
			chain := make([]string, n)
			for j := 0; j < n; j++ {
				chain[j] = tools[i+j].Tool
			}
			name := sanitizeName(strings.Join(chain, "_then_"))
			counts[name]++
			grams[name] = gram{name, chain}
		}
	}

	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []Pattern
	for _, name := range names {
		if counts[name] < sequenceThreshold {
			continue
		}
		out = append(out, Pattern{
			Name:  name,
			Kind:  PatternSequence,
			Tools: grams[name].tools,
			Count: counts[name],
		})
	}
	return out
}

// workflowPatterns finds contiguous runs of successful tool calls. A run
// of streakThreshold or more becomes a workflow; identical tool chains
// accumulate a shared count.
func workflowPatterns(tools []Event) []Pattern {
	counts := make(map[string]int)
	chains := make(map[string][]string)

	runStart := -1
	flush := func(end int) {
		if runStart == -1 || end-runStart < streakThreshold {
			runStart = -1
			return
		}
		var chain []string
		seen := make(map[string]bool)
		for _, e := range tools[runStart:end] {
			if !seen[e.Tool] {
				seen[e.Tool] = true
				chain = append(chain, e.Tool)
			}
		}
		name := sanitizeName(strings.Join(chain, "_"))
		counts[name]++
		chains[name] = chain
		runStart = -1
	}

	for i, e := range tools {
		if e.Failed {
			flush(i)
			continue
		}
		if runStart == -1 {
			runStart = i
		}
	}
	flush(len(tools))

	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Pattern, 0, len(names))
	for _, name := range names {
		out = append(out, Pattern{
			Name:  name,
			Kind:  PatternWorkflow,
			Tools: chains[name],
			Count: counts[name],
		})
	}
	return out
}

// sanitizeName coerces a pattern name into key-segment form: lowercase,
// runs of non-alphanumerics collapsed to single underscores.
func sanitizeName(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
