// Package learning derives reusable knowledge from agent activity: cases
// (error-to-recovery episodes), patterns (habitual tool usage), and
// instincts (condensed rules injected back into the agent's context).
// Records live in the fact store under agent.case.*, agent.pattern.*, and
// agent.instinct.* keys with JSON values; this package owns the only
// typed codec for them.
package learning

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/engram-sh/engram"
)

// ErrorCategory classifies what went wrong in a case.
type ErrorCategory string

const (
	ErrPermission  ErrorCategory = "permission"
	ErrNotFoundCat ErrorCategory = "not_found"
	ErrSyntax      ErrorCategory = "syntax"
	ErrTestFailure ErrorCategory = "test_failure"
	ErrNetwork     ErrorCategory = "network"
	ErrConflict    ErrorCategory = "conflict"
	ErrImport      ErrorCategory = "import"
	ErrGeneric     ErrorCategory = "generic"
)

// Case is one observed error-to-recovery episode.
type Case struct {
	ID          string        `json:"id"`
	Category    ErrorCategory `json:"category"`
	Problem     string        `json:"problem"`
	Tools       []string      `json:"tools"`
	Actions     []string      `json:"actions,omitempty"`
	Explanation string        `json:"explanation,omitempty"`
	SessionID   string        `json:"session_id,omitempty"`
	ObservedAt  time.Time     `json:"observed_at"`
}

// Key returns the store key for the case.
func (c Case) Key() string {
	return fmt.Sprintf("agent.case.%s.%s", c.Category, c.ID)
}

// PatternKind distinguishes the pattern families.
type PatternKind string

const (
	PatternFrequent PatternKind = "frequent"
	PatternSequence PatternKind = "sequence"
	PatternWorkflow PatternKind = "workflow"
)

// Pattern is a recurring tool-usage observation.
type Pattern struct {
	Name  string      `json:"name"`
	Kind  PatternKind `json:"kind"`
	Tools []string    `json:"tools"`
	Count int         `json:"count"`
}

// Key returns the store key for the pattern.
func (p Pattern) Key() string {
	return fmt.Sprintf("agent.pattern.%s.%s", p.Kind, p.Name)
}

// Instinct is a condensed behavioral rule with a confidence weight.
type Instinct struct {
	Domain     string  `json:"domain"` // "error", "tool", "workflow"
	Name       string  `json:"name"`
	Trigger    string  `json:"trigger"`
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	Sources    int     `json:"sources"` // cases or observations behind it
}

// Key returns the store key for the instinct.
func (i Instinct) Key() string {
	return fmt.Sprintf("agent.instinct.%s.%s", i.Domain, i.Name)
}

// --- Codec ---
//
// Downstream layers treat fact values as opaque text; decoding back into
// a typed record happens here and nowhere else.

// EncodeRecord serializes any learning record to its fact value.
func EncodeRecord(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode learning record: %w", err)
	}
	return string(data), nil
}

// DecodeCase parses an agent.case.* fact value.
func DecodeCase(value string) (Case, error) {
	var c Case
	if err := json.Unmarshal([]byte(value), &c); err != nil {
		return Case{}, fmt.Errorf("decode case: %w", err)
	}
	if c.Category == "" {
		return Case{}, fmt.Errorf("decode case: missing category")
	}
	return c, nil
}

// DecodePattern parses an agent.pattern.* fact value.
func DecodePattern(value string) (Pattern, error) {
	var p Pattern
	if err := json.Unmarshal([]byte(value), &p); err != nil {
		return Pattern{}, fmt.Errorf("decode pattern: %w", err)
	}
	if p.Kind == "" {
		return Pattern{}, fmt.Errorf("decode pattern: missing kind")
	}
	return p, nil
}

// DecodeInstinct parses an agent.instinct.* fact value.
func DecodeInstinct(value string) (Instinct, error) {
	var i Instinct
	if err := json.Unmarshal([]byte(value), &i); err != nil {
		return Instinct{}, fmt.Errorf("decode instinct: %w", err)
	}
	return i, nil
}

// InstinctFromFact decodes a fact into an Instinct, recovering domain and
// name from the key when the value predates the full codec.
func InstinctFromFact(f engram.Fact) (Instinct, error) {
	inst, err := DecodeInstinct(f.Value)
	if err != nil {
		return Instinct{}, err
	}
	if inst.Domain == "" {
		inst.Domain = engram.KeySegment(f.Key, 2)
	}
	if inst.Name == "" {
		inst.Name = strings.TrimPrefix(f.Key, "agent.instinct."+inst.Domain+".")
	}
	return inst, nil
}
