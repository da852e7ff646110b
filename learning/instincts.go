package learning

import (
	"fmt"
	"sort"
	"strings"
)

const (
	// DefaultMinConfidence is the synthesis floor; weaker instincts are
	// discarded rather than stored.
	DefaultMinConfidence = 0.5
	// InjectMinConfidence is the session-start injection floor.
	InjectMinConfidence = 0.6

	caseGroupMin      = 2
	preferToolMin     = 10
	workflowRepeatMin = 2
	sequenceRepeatMin = 2
)

// groupConfidence is the step function mapping a case-group size to the
// resulting instinct's confidence.
func groupConfidence(n int) float64 {
	switch {
	case n >= 10:
		return 0.9
	case n >= 7:
		return 0.8
	case n >= 5:
		return 0.7
	case n >= 3:
		return 0.6
	case n >= 2:
		return 0.5
	}
	return 0
}

// Synthesize condenses cases and patterns into instincts, deduplicated by
// key and filtered by minConfidence.
func Synthesize(cases []Case, patterns []Pattern, minConfidence float64) []Instinct {
	var out []Instinct
	out = append(out, errorInstincts(cases)...)
	out = append(out, patternInstincts(patterns)...)

	seen := make(map[string]bool, len(out))
	kept := out[:0]
	for _, inst := range out {
		if inst.Confidence < minConfidence {
			continue
		}
		if seen[inst.Key()] {
			continue
		}
		seen[inst.Key()] = true
		kept = append(kept, inst)
	}
	return kept
}

// errorInstincts groups cases by error category. A group of two or more
// becomes one instinct: the trigger names the error class, the action
// names the tools common to at least half the group plus the most recent
// solution description.
func errorInstincts(cases []Case) []Instinct {
	byCat := make(map[ErrorCategory][]Case)
	for _, c := range cases {
		byCat[c.Category] = append(byCat[c.Category], c)
	}
	cats := make([]ErrorCategory, 0, len(byCat))
	for cat := range byCat {
		cats = append(cats, cat)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })

	var out []Instinct
	for _, cat := range cats {
		group := byCat[cat]
		if len(group) < caseGroupMin {
			continue
		}

		toolCounts := make(map[string]int)
		for _, c := range group {
			for _, tool := range c.Tools {
				toolCounts[tool]++
			}
		}
		// Tools used in at least half the group, rounded up.
		quorum := (len(group) + 1) / 2
		var tools []string
		for tool, n := range toolCounts {
			if n >= quorum {
				tools = append(tools, tool)
			}
		}
		sort.Strings(tools)

		newest := group[0]
		for _, c := range group[1:] {
			if c.ObservedAt.After(newest.ObservedAt) {
				newest = c
			}
		}
		solution := newest.Explanation
		if solution == "" {
			solution = strings.Join(newest.Actions, "; ")
		}

		action := solution
		if len(tools) > 0 {
			action = fmt.Sprintf("use %s", strings.Join(tools, ", "))
			if solution != "" {
				action += ": " + solution
			}
		}

		out = append(out, Instinct{
			Domain:     "error",
			Name:       string(cat),
			Trigger:    fmt.Sprintf("a %s error occurs", cat),
			Action:     action,
			Confidence: groupConfidence(len(group)),
			Sources:    len(group),
		})
	}
	return out
}

func patternInstincts(patterns []Pattern) []Instinct {
	var out []Instinct

	var bestWorkflow *Pattern
	for i := range patterns {
		p := patterns[i]
		switch p.Kind {
		case PatternFrequent:
			if p.Count < preferToolMin {
				continue
			}
			out = append(out, Instinct{
				Domain:     "tool",
				Name:       "prefer_" + p.Name,
				Trigger:    "choosing a tool for routine work",
				Action:     fmt.Sprintf("prefer %s (used %d times)", p.Tools[0], p.Count),
				Confidence: 0.7,
				Sources:    p.Count,
			})
		case PatternSequence:
			if p.Count < sequenceRepeatMin {
				continue
			}
			out = append(out, Instinct{
				Domain:     "workflow",
				Name:       "seq_" + p.Name,
				Trigger:    fmt.Sprintf("after running %s", p.Tools[0]),
				Action:     fmt.Sprintf("continue with %s", strings.Join(p.Tools[1:], " then ")),
				Confidence: 0.5,
				Sources:    p.Count,
			})
		case PatternWorkflow:
			if p.Count < workflowRepeatMin {
				continue
			}
			if bestWorkflow == nil || p.Count > bestWorkflow.Count {
				bestWorkflow = &patterns[i]
			}
		}
	}

	if bestWorkflow != nil {
		out = append(out, Instinct{
			Domain:     "workflow",
			Name:       "common_sequence",
			Trigger:    "starting a multi-step task",
			Action:     fmt.Sprintf("follow the usual flow: %s", strings.Join(bestWorkflow.Tools, " then ")),
			Confidence: 0.6,
			Sources:    bestWorkflow.Count,
		})
	}
	return out
}
