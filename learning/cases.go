package learning

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/engram-sh/engram"
)

// EventKind separates tool activity from chat messages in a session.
type EventKind int

const (
	EventTool EventKind = iota
	EventMessage
)

// Event is one observed session step, either a tool invocation with its
// result or a chat message. Adapters (transcript readers, the tool-use
// observation log) produce these.
type Event struct {
	Kind      EventKind
	Tool      string
	Action    string // short descriptor of the invocation
	Output    string
	Failed    bool
	Role      string
	Text      string
	SessionID string
	Timestamp time.Time
}

// recoveryWindow is how many events after an error may contain the
// recovery before the episode is abandoned.
const recoveryWindow = 4

const (
	maxActions     = 3
	actionTruncAt  = 80
	problemTruncAt = 200
	explainTruncAt = 300
)

// ExtractCases scans a session's events for error-to-recovery episodes:
// a failed tool result followed within the window by a successful one.
func ExtractCases(events []Event) []Case {
	var cases []Case
	for i := 0; i < len(events); i++ {
		e := events[i]
		if e.Kind != EventTool || !e.Failed {
			continue
		}

		end := i + recoveryWindow
		if end >= len(events) {
			end = len(events) - 1
		}
		recovered := -1
		for j := i + 1; j <= end; j++ {
			if events[j].Kind == EventTool && !events[j].Failed {
				recovered = j
				break
			}
		}
		if recovered == -1 {
			continue
		}

		c := Case{
			ID:         caseID(e.SessionID, i),
			Category:   Categorize(e.Output),
			Problem:    salientProblem(e.Output),
			SessionID:  e.SessionID,
			ObservedAt: e.Timestamp,
		}

		seen := make(map[string]bool)
		for j := i + 1; j <= recovered; j++ {
			ev := events[j]
			switch ev.Kind {
			case EventTool:
				if !seen[ev.Tool] {
					seen[ev.Tool] = true
					c.Tools = append(c.Tools, ev.Tool)
				}
				if ev.Action != "" && len(c.Actions) < maxActions {
					c.Actions = append(c.Actions, truncate(ev.Action, actionTruncAt))
				}
			case EventMessage:
				if ev.Role == engram.RoleAssistant && ev.Text != "" {
					c.Explanation = truncate(ev.Text, explainTruncAt)
				}
			}
		}
		// The explanation may follow right after the recovery.
		for j := recovered + 1; j <= end && j < len(events); j++ {
			if events[j].Kind == EventMessage && events[j].Role == engram.RoleAssistant && events[j].Text != "" {
				if c.Explanation == "" {
					c.Explanation = truncate(events[j].Text, explainTruncAt)
				}
				break
			}
		}

		cases = append(cases, c)
		i = recovered
	}
	return cases
}

// caseID derives a stable id from the episode's position in its session,
// so re-mining the same log supersedes instead of duplicating.
func caseID(sessionID string, offset int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, fmt.Appendf(nil, "%s#%d", sessionID, offset)).String()
}

// categoryMarkers maps output substrings to error categories, checked in
// order; the first category with a hit wins.
var categoryMarkers = []struct {
	cat     ErrorCategory
	markers []string
}{
	{ErrPermission, []string{"permission denied", "operation not permitted", "access denied", "eacces"}},
	{ErrTestFailure, []string{"test fail", "tests failed", "--- fail", "fail:", "assertion"}},
	{ErrImport, []string{"cannot find module", "cannot find package", "undefined:", "import error", "modulenotfounderror"}},
	{ErrSyntax, []string{"syntax error", "unexpected token", "parse error", "invalid syntax"}},
	{ErrNotFoundCat, []string{"no such file", "not found", "does not exist", "enoent"}},
	{ErrNetwork, []string{"connection refused", "connection reset", "dial tcp", "timeout", "timed out", "tls"}},
	{ErrConflict, []string{"merge conflict", "conflict", "already exists", "is locked", "database is locked"}},
}

// Categorize maps an error payload to one of the eight error categories.
func Categorize(output string) ErrorCategory {
	lower := strings.ToLower(output)
	for _, cm := range categoryMarkers {
		for _, m := range cm.markers {
			if strings.Contains(lower, m) {
				return cm.cat
			}
		}
	}
	return ErrGeneric
}

// failureMarkers flag a raw tool output as a failure. The observation
// log carries no status channel, so episode mining keys off the text.
var failureMarkers = []string{
	"error", "fail", "exception", "denied", "not found",
	"no such file", "cannot", "fatal", "panic",
}

// LooksFailed reports whether a tool output reads as a failure.
func LooksFailed(output string) bool {
	lower := strings.ToLower(output)
	for _, m := range failureMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// salientWords score a line's relevance when picking the problem
// description out of a multi-line error payload.
var salientWords = []string{
	"error", "fail", "denied", "missing", "cannot", "unable", "invalid",
	"refused", "expected", "panic", "fatal", "exception",
}

// salientProblem picks the most error-laden line of the payload as the
// problem statement, falling back to the first non-empty line.
func salientProblem(output string) string {
	lines := strings.Split(output, "\n")
	type scored struct {
		line  string
		score int
		pos   int
	}
	var best []scored
	for pos, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		lower := strings.ToLower(trimmed)
		score := 0
		for _, w := range salientWords {
			score += strings.Count(lower, w)
		}
		best = append(best, scored{trimmed, score, pos})
	}
	if len(best) == 0 {
		return ""
	}
	sort.SliceStable(best, func(i, j int) bool {
		if best[i].score != best[j].score {
			return best[i].score > best[j].score
		}
		return best[i].pos < best[j].pos
	})
	return truncate(best[0].line, problemTruncAt)
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
