package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/engram-sh/engram/hooks"
	"github.com/engram-sh/engram/internal/lockfile"
)

// newHookCmd builds the host-agent entry points. Hooks never fail: every
// command exits 0 after at most a structured log line, so a broken hook
// can never disturb the host.
func newHookCmd(a *app) *cobra.Command {
	var sessionDir string

	cmd := &cobra.Command{
		Use:   "hook",
		Short: "Host-agent hook entry points (read events on stdin)",
	}
	cmd.PersistentFlags().StringVar(&sessionDir, "session-dir", "", "host session transcript directory")

	newHooks := func() *hooks.Hooks {
		lockDir := a.cfg.Lock.Dir
		if lockDir == "" {
			lockDir = lockfile.DefaultDir()
		}
		opts := []hooks.Option{
			hooks.WithLogger(a.logger),
			hooks.WithLockDir(lockDir),
		}
		if sessionDir != "" {
			opts = append(opts, hooks.WithSessionDir(sessionDir))
		} else if home, err := os.UserHomeDir(); err == nil {
			opts = append(opts, hooks.WithSessionDir(filepath.Join(home, ".claude", "sessions")))
		}
		return hooks.New(opts...)
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "token-monitor",
			Short: "After-model hook: consolidate past the token threshold",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return newHooks().TokenMonitor(cmd.InOrStdin())
			},
		},
		&cobra.Command{
			Use:   "session-end",
			Short: "Session-end hook: consolidate the finished session",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return newHooks().SessionEnd(cmd.InOrStdin())
			},
		},
		&cobra.Command{
			Use:   "pre-compress",
			Short: "Pre-compression hook: consolidate before history is compacted",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				// Same contract as session-end: the payload may carry a
				// session path, otherwise the newest transcript is used.
				return newHooks().SessionEnd(cmd.InOrStdin())
			},
		},
		&cobra.Command{
			Use:   "observe",
			Short: "Tool-use hook: append the observation to the rolling log",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return newHooks().Observe(cmd.InOrStdin())
			},
		},
	)
	return cmd
}
