package hooks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// observationRollBytes is the observation log's roll threshold.
const observationRollBytes = 10 << 20

// Observation is one tool-use event appended to the observation log and
// later mined by the learning layer.
type Observation struct {
	ToolName   string    `json:"tool_name"`
	ToolInput  string    `json:"tool_input"`
	ToolOutput string    `json:"tool_output"`
	SessionID  string    `json:"session_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// ObservationLog is an append-only JSONL file that rolls to a .1 sibling
// at the size threshold.
type ObservationLog struct {
	path     string
	maxBytes int64
}

// NewObservationLog opens (lazily) the observation log at path.
func NewObservationLog(path string) *ObservationLog {
	return &ObservationLog{path: path, maxBytes: observationRollBytes}
}

// Append writes one observation, rolling the file first when it has
// outgrown the threshold.
func (l *ObservationLog) Append(obs Observation) error {
	if obs.Timestamp.IsZero() {
		obs.Timestamp = time.Now().UTC()
	}
	if err := l.rollIfNeeded(); err != nil {
		return err
	}
	data, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("encode observation: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open observation log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append observation: %w", err)
	}
	return nil
}

func (l *ObservationLog) rollIfNeeded() error {
	info, err := os.Stat(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat observation log: %w", err)
	}
	if info.Size() < l.maxBytes {
		return nil
	}
	// One rolled generation is kept; the next roll overwrites it.
	if err := os.Rename(l.path, l.path+".1"); err != nil {
		return fmt.Errorf("roll observation log: %w", err)
	}
	return nil
}

// toolEvent is the host's tool-use payload. Input and output arrive as
// arbitrary JSON: objects for most tools, bare strings for some.
type toolEvent struct {
	ToolName   string          `json:"tool_name"`
	ToolInput  json.RawMessage `json:"tool_input"`
	ToolOutput json.RawMessage `json:"tool_output"`
	SessionID  string          `json:"session_id"`
	Timestamp  time.Time       `json:"timestamp"`
}

// flattenJSON renders a raw payload as text: bare strings verbatim,
// anything else as compact JSON.
func flattenJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// Observe reads a tool-use event from stdin and appends it to the
// observation log. Failures are logged and swallowed.
func (h *Hooks) Observe(stdin io.Reader) error {
	var ev toolEvent
	if err := json.NewDecoder(stdin).Decode(&ev); err != nil {
		h.logger.Warn("hooks: undecodable observation", "error", err)
		return nil
	}
	if ev.ToolName == "" {
		return nil
	}
	obs := Observation{
		ToolName:   ev.ToolName,
		ToolInput:  flattenJSON(ev.ToolInput),
		ToolOutput: flattenJSON(ev.ToolOutput),
		SessionID:  ev.SessionID,
		Timestamp:  ev.Timestamp,
	}
	log := NewObservationLog(filepath.Join(h.workDir, "observations.jsonl"))
	if err := log.Append(obs); err != nil {
		h.logger.Warn("hooks: observation not recorded", "error", err)
	}
	return nil
}

// ReadObservations decodes the observation log, skipping undecodable
// lines. Used by the learning layer to mine tool-usage patterns.
func ReadObservations(path string) ([]Observation, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open observation log: %w", err)
	}
	defer f.Close()

	var out []Observation
	dec := json.NewDecoder(f)
	for {
		var obs Observation
		if err := dec.Decode(&obs); err == io.EOF {
			break
		} else if err != nil {
			// A torn trailing line from a crash mid-append.
			break
		}
		out = append(out, obs)
	}
	return out, nil
}
