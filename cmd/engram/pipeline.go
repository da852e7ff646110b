package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/engram-sh/engram"
	"github.com/engram-sh/engram/dedup"
	"github.com/engram-sh/engram/extract"
	"github.com/engram-sh/engram/ingest"
	"github.com/engram-sh/engram/observer"
	"github.com/engram-sh/engram/pipeline"
)

func newPipelineCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Consolidate session transcripts into the fact store",
	}
	cmd.AddCommand(newPipelineRunCmd(a), newPipelineBackfillCmd(a), newIngestHostCmd(a))
	return cmd
}

func newPipelineRunCmd(a *app) *cobra.Command {
	var lockPath string

	cmd := &cobra.Command{
		Use:   "run <source>",
		Short: "Consolidate one transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// A worker spawned by a hook inherits the hook's lock and must
			// remove it on every exit path.
			if lockPath != "" {
				defer os.Remove(lockPath)
			}

			sess, err := readSession(args[0])
			if err != nil {
				return err
			}
			return a.runPipeline(cmd, []pipeline.Session{sess})
		},
	}
	cmd.Flags().StringVar(&lockPath, "lock", "", "lock file to remove on exit (set by the spawning hook)")
	return cmd
}

func newPipelineBackfillCmd(a *app) *cobra.Command {
	var geminiDir bool

	cmd := &cobra.Command{
		Use:   "backfill <dir>",
		Short: "Consolidate every transcript in a directory, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, cleanup, err := listSources(args[0], geminiDir)
			if err != nil {
				return err
			}
			defer cleanup()

			return a.runPipeline(cmd, loadSessions(files))
		},
	}
	cmd.Flags().BoolVar(&geminiDir, "gemini", false, "treat dir as Gemini CLI conversation JSON, converting first")
	return cmd
}

func newIngestHostCmd(a *app) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "ingest-host <host>",
		Short: "Consolidate the session directory of a known host agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host := args[0]
			if host != "claude-code" && host != "gemini" {
				return fmt.Errorf("unknown host %q (want claude-code or gemini)", host)
			}
			if dir == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return fmt.Errorf("resolve home dir: %w", err)
				}
				if host == "claude-code" {
					dir = filepath.Join(home, ".claude", "sessions")
				} else {
					dir = filepath.Join(home, ".gemini", "chats")
				}
			}
			gemini := host == "gemini"

			files, cleanup, err := listSources(dir, gemini)
			if err != nil {
				return err
			}
			defer cleanup()

			return a.runPipeline(cmd, loadSessions(files))
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "session directory (default depends on host)")
	return cmd
}

// runPipeline opens the store and providers, assembles the pipeline, and
// runs it over sessions, printing a one-line report.
func (a *app) runPipeline(cmd *cobra.Command, sessions []pipeline.Session) error {
	ctx := cmd.Context()

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	inst, shutdown, err := a.initObserver(ctx)
	if err != nil {
		return fmt.Errorf("init observer: %w", err)
	}
	defer shutdown(ctx)

	p, err := a.buildPipeline(store, inst)
	if err != nil {
		return err
	}

	rep, err := p.Run(ctx, sessions)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(),
		"sources: %d done, %d skipped, %d failed; facts: %d created, %d superseded, %d merged, %d unchanged, %d dedup-skipped; embedded %d\n",
		rep.SourcesDone, rep.SourcesSkipped, rep.SourcesFailed,
		rep.Created, rep.Superseded, rep.Merged, rep.Unchanged, rep.DedupSkipped,
		rep.Embedded)
	return nil
}

// buildPipeline wires extractor, deduper, ledger, and guards from config.
func (a *app) buildPipeline(store engram.Store, inst *observer.Instruments) (*pipeline.Pipeline, error) {
	llm, err := a.newLLM(inst)
	if err != nil {
		return nil, err
	}
	embedder, err := a.newEmbedder(inst)
	if err != nil {
		return nil, err
	}

	extractor := extract.New(llm,
		extract.WithKeySet(a.keySet()),
		extract.WithNoiseFilter(engram.NewNoiseFilter()),
		extract.WithLogger(a.logger))

	// Dedup needs vectors for candidate lookup; without an embedder every
	// new key would resolve to create anyway.
	var deduper *dedup.Deduper
	if a.cfg.Dedup.Enabled && embedder != nil {
		deduper = dedup.New(llm, embedder, store,
			dedup.WithThreshold(float32(a.cfg.Dedup.SimilarityThreshold)),
			dedup.WithMaxCandidates(a.cfg.Dedup.MaxCandidates),
			dedup.WithLogger(a.logger))
	}

	if err := os.MkdirAll(filepath.Dir(a.cfg.Database.LedgerPath), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	ledger, err := pipeline.OpenLedger(a.cfg.Database.LedgerPath)
	if err != nil {
		return nil, err
	}

	opts := []pipeline.Option{
		pipeline.WithLogger(a.logger),
		pipeline.WithMaxSessions(a.cfg.Guards.MaxSessionsPerRun),
		pipeline.WithMinFreeMB(a.cfg.Guards.MinFreeMB),
		pipeline.WithEmbedBatchSize(a.cfg.Embedding.BatchSize),
	}
	if embedder != nil {
		opts = append(opts, pipeline.WithEmbedder(embedder))
	}
	if inst != nil {
		opts = append(opts, pipeline.WithMetrics(observer.NewPipelineMetrics(inst)))
	}
	return pipeline.New(store, extractor, deduper, ledger, opts...), nil
}

// listSources enumerates transcripts under dir. With gemini set, the JSON
// conversations are first converted to normalized JSONL in a staging dir
// that cleanup removes.
func listSources(dir string, gemini bool) ([]ingest.SessionFile, func(), error) {
	if !gemini {
		files, err := ingest.ListSessions(dir)
		return files, func() {}, err
	}
	staging := filepath.Join(os.TempDir(),
		fmt.Sprintf("engram-gemini-%d-%d", os.Getpid(), time.Now().UnixNano()))
	files, err := ingest.ConvertGeminiDir(dir, staging)
	if err != nil {
		os.RemoveAll(staging)
		return nil, func() {}, err
	}
	return files, func() { os.RemoveAll(staging) }, nil
}

// loadSessions reads each source file into a queued session. A file that
// fails to decode is queued with its error so the run records it as a
// failed source; the rest of the directory still loads.
func loadSessions(files []ingest.SessionFile) []pipeline.Session {
	sessions := make([]pipeline.Session, 0, len(files))
	for _, f := range files {
		sess := pipeline.Session{
			Conversation: engram.Conversation{SourceID: f.SourceID},
			ModTime:      f.ModTime,
			Err:          f.Err,
		}
		if sess.Err == nil {
			conv, err := readConversation(f.Path)
			if err != nil {
				sess.Err = err
			} else {
				// Converted sources carry a prefixed id; keep it.
				conv.SourceID = f.SourceID
				sess.Conversation = conv
			}
		}
		sessions = append(sessions, sess)
	}
	return sessions
}

// readSession loads a single transcript with its file mtime.
func readSession(path string) (pipeline.Session, error) {
	info, err := os.Stat(path)
	if err != nil {
		return pipeline.Session{}, fmt.Errorf("stat transcript: %w", err)
	}
	conv, err := readConversation(path)
	if err != nil {
		return pipeline.Session{}, err
	}
	return pipeline.Session{Conversation: conv, ModTime: info.ModTime().UTC()}, nil
}

// readConversation decodes a transcript, trying the normalized JSONL form
// first and falling back to the Claude Code session format.
func readConversation(path string) (engram.Conversation, error) {
	conv, err := ingest.ReadNormalized(path)
	if err == nil && len(conv.Messages) > 0 {
		return conv, nil
	}
	cc, ccErr := ingest.ReadClaudeCode(path)
	if ccErr == nil && len(cc.Messages) > 0 {
		return cc, nil
	}
	if err != nil {
		return engram.Conversation{}, err
	}
	// Both decoders succeeded but found nothing usable; an empty
	// conversation is valid and the run marks the source done.
	return conv, nil
}
