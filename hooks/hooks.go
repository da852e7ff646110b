// Package hooks implements the host-agent entry points: the token
// monitor, session-end and pre-compress triggers, and the tool-use
// observation log. Hooks are bounded, swallow their own failures with a
// single structured log line, and never surface errors to the host.
package hooks

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/engram-sh/engram"
)

const (
	// contextWindow and triggerFraction define the token-monitor
	// threshold: consolidation starts at 65% of a 128k window.
	contextWindow   = 128000
	triggerFraction = 0.65

	// spawnBudget bounds how long a hook may spend handing work off.
	spawnBudget = 2500 * time.Millisecond
)

// TriggerTokens is the prompt-token count at which the token monitor
// fires.
const TriggerTokens = int(contextWindow * triggerFraction)

// Hooks carries the shared dependencies of all hook entry points.
type Hooks struct {
	logger *slog.Logger

	// SessionDir is where the host writes session transcripts; the
	// session-end fallback picks the most recently modified one.
	sessionDir string
	lockDir    string
	workDir    string
	spawner    Spawner
	budget     time.Duration
}

// Option configures Hooks.
type Option func(*Hooks)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hooks) { h.logger = l }
}

// WithSessionDir sets the host session transcript directory.
func WithSessionDir(dir string) Option {
	return func(h *Hooks) { h.sessionDir = dir }
}

// WithLockDir sets the lock file directory.
func WithLockDir(dir string) Option {
	return func(h *Hooks) { h.lockDir = dir }
}

// WithWorkDir sets where hook state (observation log, worker logs) lives.
func WithWorkDir(dir string) Option {
	return func(h *Hooks) { h.workDir = dir }
}

// WithSpawner overrides the worker spawner.
func WithSpawner(s Spawner) Option {
	return func(h *Hooks) { h.spawner = s }
}

// New creates the hook surface.
func New(opts ...Option) *Hooks {
	h := &Hooks{}
	for _, o := range opts {
		o(h)
	}
	if h.logger == nil {
		h.logger = engram.NopLogger()
	}
	if h.workDir == "" {
		home, _ := os.UserHomeDir()
		if home == "" {
			home = os.TempDir()
		}
		h.workDir = filepath.Join(home, ".engram")
	}
	if h.lockDir == "" {
		h.lockDir = filepath.Join(os.TempDir(), "engram-locks")
	}
	if h.spawner == nil {
		h.spawner = &processSpawner{logDir: h.workDir}
	}
	if h.budget == 0 {
		h.budget = spawnBudget
	}
	return h
}

// tokenEvent is the after-model hook payload.
type tokenEvent struct {
	LLMResponse struct {
		UsageMetadata struct {
			PromptTokenCount int `json:"promptTokenCount"`
		} `json:"usageMetadata"`
	} `json:"llm_response"`
}

// TokenMonitor reads the after-model event and, past the token
// threshold, hands consolidation of the current session to a detached
// worker. Always returns nil; failures are logged and swallowed.
func (h *Hooks) TokenMonitor(stdin io.Reader) error {
	var ev tokenEvent
	if err := json.NewDecoder(stdin).Decode(&ev); err != nil {
		h.logger.Warn("hooks: undecodable token event", "error", err)
		return nil
	}
	tokens := ev.LLMResponse.UsageMetadata.PromptTokenCount
	if tokens < TriggerTokens {
		return nil
	}

	session, err := h.latestSession()
	if err != nil {
		h.logger.Info("hooks: no session to consolidate", "error", err)
		return nil
	}
	h.spawnConsolidation(session, "token-monitor")
	return nil
}

// sessionEvent is the session-end / pre-compress payload.
type sessionEvent struct {
	SessionPath string `json:"session_path"`
}

// SessionEnd consolidates the finished session: the payload's path when
// present, otherwise the most recently modified transcript.
func (h *Hooks) SessionEnd(stdin io.Reader) error {
	var ev sessionEvent
	if stdin != nil {
		// An empty or undecodable body just means "use the fallback".
		_ = json.NewDecoder(stdin).Decode(&ev)
	}
	session := ev.SessionPath
	if session == "" {
		found, err := h.latestSession()
		if err != nil {
			h.logger.Info("hooks: no session to consolidate", "error", err)
			return nil
		}
		session = found
	}
	h.spawnConsolidation(session, "session-end")
	return nil
}

func (h *Hooks) spawnConsolidation(sessionPath, origin string) {
	start := time.Now()
	err := h.spawner.Spawn(SpawnRequest{
		LockPath: filepath.Join(h.lockDir, "consolidate.lock"),
		Owner:    origin,
		Args:     []string{"pipeline", "run", sessionPath},
	})
	if err != nil {
		// A held lock means consolidation is already running; anything
		// else is logged and dropped, hooks never block the host.
		h.logger.Info("hooks: consolidation not started",
			"origin", origin, "session", sessionPath, "error", err)
		return
	}
	if d := time.Since(start); d > h.budget {
		// The host is waiting on this hook; a slow handoff is a defect
		// worth surfacing even though the spawn succeeded.
		h.logger.Warn("hooks: spawn handoff exceeded budget",
			"origin", origin, "session", sessionPath, "duration", d, "budget", h.budget)
	} else {
		h.logger.Debug("hooks: worker spawned",
			"origin", origin, "session", sessionPath, "duration", d)
	}
}

// latestSession finds the most recently modified .jsonl transcript in
// the session directory.
func (h *Hooks) latestSession() (string, error) {
	if h.sessionDir == "" {
		return "", fmt.Errorf("no session directory configured")
	}
	entries, err := os.ReadDir(h.sessionDir)
	if err != nil {
		return "", fmt.Errorf("read session dir: %w", err)
	}
	var best string
	var bestMod time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestMod) {
			best = filepath.Join(h.sessionDir, e.Name())
			bestMod = info.ModTime()
		}
	}
	if best == "" {
		return "", fmt.Errorf("no session files in %s", h.sessionDir)
	}
	return best, nil
}
