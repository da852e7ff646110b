package learning

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/engram-sh/engram"
)

func toolEvent(tool, output string, failed bool) Event {
	return Event{Kind: EventTool, Tool: tool, Output: output, Failed: failed}
}

func msgEvent(role, text string) Event {
	return Event{Kind: EventMessage, Role: role, Text: text}
}

func TestExtractCasesRecovery(t *testing.T) {
	events := []Event{
		toolEvent("Bash", "Exit code 1\n--- FAIL: TestParse\ntest failed", true),
		msgEvent(engram.RoleAssistant, "The fixture path was stale, fixing it."),
		toolEvent("Edit", "", false),
		toolEvent("Bash", "ok  \tengram/extract\t0.3s", false),
	}
	cases := ExtractCases(events)
	if len(cases) != 1 {
		t.Fatalf("cases = %d, want 1", len(cases))
	}
	c := cases[0]
	if c.Category != ErrTestFailure {
		t.Errorf("category = %s, want test_failure", c.Category)
	}
	if !strings.Contains(c.Problem, "FAIL") {
		t.Errorf("problem = %q, want the salient failure line", c.Problem)
	}
	// The episode ends at the first successful tool call, here Edit.
	if len(c.Tools) != 1 || c.Tools[0] != "Edit" {
		t.Errorf("tools = %v, want [Edit]", c.Tools)
	}
	if c.Explanation == "" {
		t.Error("assistant explanation not captured")
	}
}

func TestExtractCasesStableIdentity(t *testing.T) {
	events := []Event{
		toolEvent("Bash", "--- FAIL: TestParse", true),
		toolEvent("Edit", "", false),
	}
	first := ExtractCases(events)
	second := ExtractCases(events)
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("cases = %d/%d, want 1/1", len(first), len(second))
	}
	if first[0].ID != second[0].ID {
		t.Errorf("ids differ across runs: %s vs %s; re-mining must supersede, not duplicate",
			first[0].ID, second[0].ID)
	}
	if first[0].Key() != second[0].Key() {
		t.Errorf("keys differ: %s vs %s", first[0].Key(), second[0].Key())
	}
}

func TestExtractCasesWindowExpires(t *testing.T) {
	events := []Event{
		toolEvent("Bash", "permission denied", true),
		msgEvent(engram.RoleUser, "hm"),
		msgEvent(engram.RoleAssistant, "looking"),
		msgEvent(engram.RoleUser, "any luck?"),
		msgEvent(engram.RoleAssistant, "still looking"),
		toolEvent("Bash", "", false), // 5 events later, outside the window
	}
	if cases := ExtractCases(events); len(cases) != 0 {
		t.Errorf("cases = %d, want 0 when recovery falls outside the window", len(cases))
	}
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		output string
		want   ErrorCategory
	}{
		{"bash: /etc/shadow: Permission denied", ErrPermission},
		{"stat /tmp/x: no such file or directory", ErrNotFoundCat},
		{"SyntaxError: unexpected token '}'", ErrSyntax},
		{"--- FAIL: TestStore (0.01s)", ErrTestFailure},
		{"dial tcp 10.0.0.1:443: connection refused", ErrNetwork},
		{"CONFLICT (content): Merge conflict in main.go", ErrConflict},
		{"main.go:4:2: cannot find package \"leftpad\"", ErrImport},
		{"something odd happened", ErrGeneric},
	}
	for _, tt := range tests {
		if got := Categorize(tt.output); got != tt.want {
			t.Errorf("Categorize(%q) = %s, want %s", tt.output, got, tt.want)
		}
	}
}

func TestLooksFailed(t *testing.T) {
	tests := []struct {
		output string
		want   bool
	}{
		{"Error: EACCES: permission denied", true},
		{"--- FAIL: TestStore\nFAIL\texit status 1", true},
		{"stat /tmp/x: no such file or directory", true},
		{"panic: runtime error: index out of range", true},
		{"ok  \tgithub.com/engram-sh/engram\t0.12s", false},
		{"main.go\nstore.go\n", false},
	}
	for _, tt := range tests {
		if got := LooksFailed(tt.output); got != tt.want {
			t.Errorf("LooksFailed(%q) = %t, want %t", tt.output, got, tt.want)
		}
	}
}

func TestSalientProblemPicksErrorLine(t *testing.T) {
	output := "running 12 targets\ncompiling module\nerror: cannot resolve symbol, invalid reference\ndone"
	got := salientProblem(output)
	if !strings.Contains(got, "cannot resolve symbol") {
		t.Errorf("salientProblem = %q, want the error line", got)
	}
}

func TestExtractPatterns(t *testing.T) {
	var events []Event
	// Five grep-then-edit rounds: frequent for both tools, a repeated
	// 2-step sequence, and one long success streak.
	for i := 0; i < 5; i++ {
		events = append(events, toolEvent("Grep", "", false), toolEvent("Edit", "", false))
	}
	patterns := ExtractPatterns(events)

	byKey := make(map[string]Pattern)
	for _, p := range patterns {
		byKey[p.Key()] = p
	}
	if p, ok := byKey["agent.pattern.frequent.grep"]; !ok || p.Count != 5 {
		t.Errorf("frequent grep = %+v, want count 5", p)
	}
	if p, ok := byKey["agent.pattern.sequence.grep_then_edit"]; !ok || p.Count != 5 {
		t.Errorf("sequence grep_then_edit = %+v, want count 5", p)
	}
	if p, ok := byKey["agent.pattern.workflow.grep_edit"]; !ok || p.Count != 1 {
		t.Errorf("workflow grep_edit = %+v, want one streak", p)
	}
}

func TestExtractPatternsBelowThresholds(t *testing.T) {
	events := []Event{
		toolEvent("Read", "", false),
		toolEvent("Edit", "", false),
		toolEvent("Read", "boom", true),
	}
	if patterns := ExtractPatterns(events); len(patterns) != 0 {
		t.Errorf("patterns = %v, want none below thresholds", patterns)
	}
}

func TestSynthesizeErrorInstinct(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cases := []Case{
		{ID: "a", Category: ErrTestFailure, Tools: []string{"Bash"}, Explanation: "rerun after fixing the fixture", ObservedAt: at},
		{ID: "b", Category: ErrTestFailure, Tools: []string{"Bash"}, ObservedAt: at.Add(time.Hour)},
		{ID: "c", Category: ErrTestFailure, Tools: []string{"Bash", "Edit"}, Explanation: "pin the dependency version", ObservedAt: at.Add(2 * time.Hour)},
	}
	instincts := Synthesize(cases, nil, DefaultMinConfidence)
	if len(instincts) != 1 {
		t.Fatalf("instincts = %d, want 1", len(instincts))
	}
	inst := instincts[0]
	if inst.Key() != "agent.instinct.error.test_failure" {
		t.Errorf("key = %s", inst.Key())
	}
	if inst.Confidence != 0.6 {
		t.Errorf("confidence = %v, want 0.6 for a group of 3", inst.Confidence)
	}
	if !strings.Contains(inst.Action, "Bash") {
		t.Errorf("action = %q, want the quorum tool Bash", inst.Action)
	}
	if strings.Contains(inst.Action, "Edit") {
		t.Errorf("action = %q, Edit is below the quorum of 2", inst.Action)
	}
	if !strings.Contains(inst.Action, "pin the dependency version") {
		t.Errorf("action = %q, want the newest solution description", inst.Action)
	}
}

func TestGroupConfidenceSteps(t *testing.T) {
	steps := map[int]float64{2: 0.5, 3: 0.6, 4: 0.6, 5: 0.7, 7: 0.8, 10: 0.9, 15: 0.9}
	for n, want := range steps {
		if got := groupConfidence(n); got != want {
			t.Errorf("groupConfidence(%d) = %v, want %v", n, got, want)
		}
	}
}

func TestSynthesizeFromPatterns(t *testing.T) {
	patterns := []Pattern{
		{Name: "bash", Kind: PatternFrequent, Tools: []string{"Bash"}, Count: 12},
		{Name: "read", Kind: PatternFrequent, Tools: []string{"Read"}, Count: 6}, // below prefer threshold
		{Name: "grep_then_edit", Kind: PatternSequence, Tools: []string{"Grep", "Edit"}, Count: 4},
		{Name: "grep_edit_bash", Kind: PatternWorkflow, Tools: []string{"Grep", "Edit", "Bash"}, Count: 3},
		{Name: "read_edit", Kind: PatternWorkflow, Tools: []string{"Read", "Edit"}, Count: 2},
	}
	instincts := Synthesize(nil, patterns, DefaultMinConfidence)

	keys := make(map[string]Instinct)
	for _, inst := range instincts {
		keys[inst.Key()] = inst
	}
	if _, ok := keys["agent.instinct.tool.prefer_bash"]; !ok {
		t.Error("missing prefer_bash from a 12-count frequent pattern")
	}
	if _, ok := keys["agent.instinct.tool.prefer_read"]; ok {
		t.Error("prefer_read emitted below the 10-count threshold")
	}
	if _, ok := keys["agent.instinct.workflow.seq_grep_then_edit"]; !ok {
		t.Error("missing sequence instinct")
	}
	common, ok := keys["agent.instinct.workflow.common_sequence"]
	if !ok {
		t.Fatal("missing common_sequence instinct")
	}
	if !strings.Contains(common.Action, "Grep then Edit then Bash") {
		t.Errorf("common_sequence action = %q, want the highest-count workflow", common.Action)
	}
}

// upsertStore records upserts and serves ActivePrefix from them.
type upsertStore struct {
	engram.Store
	active  map[string]engram.Fact
	upserts int
}

func newUpsertStore() *upsertStore {
	return &upsertStore{active: make(map[string]engram.Fact)}
}

func (s *upsertStore) Upsert(ctx context.Context, fact engram.Fact) (engram.UpsertOutcome, error) {
	s.upserts++
	prev, ok := s.active[fact.Key]
	s.active[fact.Key] = fact
	if !ok {
		return engram.UpsertCreated, nil
	}
	if prev.Value == fact.Value {
		return engram.UpsertSkipped, nil
	}
	return engram.UpsertSuperseded, nil
}

func (s *upsertStore) ActivePrefix(ctx context.Context, prefix string) ([]engram.Fact, error) {
	var out []engram.Fact
	for k, f := range s.active {
		if strings.HasPrefix(k, prefix) {
			out = append(out, f)
		}
	}
	return out, nil
}

func TestExtractInstinctsRoundTrip(t *testing.T) {
	store := newUpsertStore()
	ext := New(store)
	ctx := context.Background()

	events := []Event{
		toolEvent("Bash", "Exit code 1: tests failed", true),
		toolEvent("Bash", "ok", false),
		toolEvent("Bash", "Exit code 1: tests failed again", true),
		toolEvent("Bash", "ok", false),
	}
	if _, err := ext.LearnSession(ctx, events); err != nil {
		t.Fatalf("LearnSession() error = %v", err)
	}

	instincts, err := ext.ExtractInstincts(ctx, true)
	if err != nil {
		t.Fatalf("ExtractInstincts() error = %v", err)
	}
	// Two test_failure cases yield the error instinct; the repeated
	// Bash-then-Bash sequence yields a workflow instinct.
	if len(instincts) != 2 {
		t.Fatalf("instincts = %d, want 2", len(instincts))
	}
	var errInst *Instinct
	for i := range instincts {
		if instincts[i].Domain == "error" {
			errInst = &instincts[i]
		}
	}
	if errInst == nil {
		t.Fatal("error instinct missing")
	}
	if errInst.Confidence != 0.5 {
		t.Errorf("confidence = %v, want 0.5 for a group of 2", errInst.Confidence)
	}

	stored, ok := store.active["agent.instinct.error.test_failure"]
	if !ok {
		t.Fatal("instinct not persisted")
	}
	decoded, err := DecodeInstinct(stored.Value)
	if err != nil {
		t.Fatalf("stored instinct does not decode: %v", err)
	}
	if decoded.Sources != 2 {
		t.Errorf("decoded sources = %d, want 2", decoded.Sources)
	}

	// A 0.5-confidence instinct is stored but not injected.
	injectable, err := ext.Injectable(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(injectable) != 0 {
		t.Errorf("injectable = %d, want 0 below the 0.6 floor", len(injectable))
	}
}
