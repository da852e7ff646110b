package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/engram-sh/engram/hooks"
	"github.com/engram-sh/engram/learning"
)

func newInstinctCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instinct",
		Short: "Manage learned behavioral rules",
	}
	cmd.AddCommand(
		newInstinctListCmd(a),
		newInstinctShowCmd(a),
		newInstinctLearnCmd(a),
		newInstinctExtractCmd(a),
		newInstinctDeleteCmd(a),
		newInstinctStatsCmd(a),
	)
	return cmd
}

func newInstinctListCmd(a *app) *cobra.Command {
	var domain string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List instincts with confidence scores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			instincts, err := a.newAPI(store, nil).ListInstincts(ctx)
			if err != nil {
				return err
			}
			shown := 0
			for _, inst := range instincts {
				if domain != "" && inst.Domain != domain {
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "[%.1f] %s.%s: %s -> %s\n",
					inst.Confidence, inst.Domain, inst.Name, inst.Trigger, inst.Action)
				shown++
			}
			if shown == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no instincts learned yet")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "filter by domain: error, tool, or workflow")
	return cmd
}

func newInstinctShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <key>",
		Short: "Show one instinct by name or full key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			inst, err := a.newAPI(store, nil).ShowInstinct(ctx, args[0])
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(inst, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func newInstinctLearnCmd(a *app) *cobra.Command {
	var logPath string

	cmd := &cobra.Command{
		Use:   "learn",
		Short: "Mine the tool-use observation log for cases and patterns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if logPath == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return fmt.Errorf("resolve home dir: %w", err)
				}
				logPath = filepath.Join(home, ".engram", "observations.jsonl")
			}
			observations, err := hooks.ReadObservations(logPath)
			if err != nil {
				return err
			}
			if len(observations) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no observations recorded yet")
				return nil
			}

			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			learner := learning.New(store, learning.WithLogger(a.logger))
			total := 0
			for _, session := range groupBySession(observations) {
				n, err := learner.LearnSession(ctx, observationEvents(session))
				if err != nil {
					return err
				}
				total += n
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d records mined from %d observations\n", total, len(observations))
			return nil
		},
	}
	cmd.Flags().StringVar(&logPath, "log", "", "observation log (default ~/.engram/observations.jsonl)")
	return cmd
}

// groupBySession splits observations into per-session runs, preserving
// append order within each.
func groupBySession(observations []hooks.Observation) [][]hooks.Observation {
	var order []string
	by := map[string][]hooks.Observation{}
	for _, o := range observations {
		if _, seen := by[o.SessionID]; !seen {
			order = append(order, o.SessionID)
		}
		by[o.SessionID] = append(by[o.SessionID], o)
	}
	out := make([][]hooks.Observation, 0, len(order))
	for _, id := range order {
		out = append(out, by[id])
	}
	return out
}

// observationEvents adapts logged tool-use observations into learning
// events.
func observationEvents(observations []hooks.Observation) []learning.Event {
	events := make([]learning.Event, 0, len(observations))
	for _, o := range observations {
		events = append(events, learning.Event{
			Kind:      learning.EventTool,
			Tool:      o.ToolName,
			Action:    o.ToolInput,
			Output:    o.ToolOutput,
			Failed:    learning.LooksFailed(o.ToolOutput),
			SessionID: o.SessionID,
			Timestamp: o.Timestamp,
		})
	}
	return events
}

func newInstinctExtractCmd(a *app) *cobra.Command {
	var (
		persist       bool
		minConfidence float64
	)

	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Synthesize instincts from stored cases and patterns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			instincts, err := a.newAPI(store, nil).ExtractInstincts(ctx, minConfidence, persist)
			if err != nil {
				return err
			}
			for _, inst := range instincts {
				fmt.Fprintf(cmd.OutOrStdout(), "[%.1f] %s\n", inst.Confidence, inst.Key())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d instincts synthesized (persisted: %t)\n", len(instincts), persist)
			return nil
		},
	}
	cmd.Flags().BoolVar(&persist, "store", false, "persist synthesized instincts")
	cmd.Flags().Float64Var(&minConfidence, "min-confidence", 0, "confidence floor (default 0.5)")
	return cmd
}

func newInstinctDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete an instinct by name or full key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := a.newAPI(store, nil).DeleteInstinct(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "deleted", args[0])
			return nil
		},
	}
}

func newInstinctStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Instinct counts and confidence by domain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			instincts, err := a.newAPI(store, nil).ListInstincts(ctx)
			if err != nil {
				return err
			}
			for _, line := range instinctStats(instincts) {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
}

// instinctStats renders per-domain counts, average confidence, and source
// totals, plus an overall line.
func instinctStats(instincts []learning.Instinct) []string {
	if len(instincts) == 0 {
		return []string{"no instincts learned yet"}
	}

	type agg struct {
		count      int
		confidence float64
		sources    int
	}
	byDomain := map[string]*agg{}
	for _, inst := range instincts {
		d := byDomain[inst.Domain]
		if d == nil {
			d = &agg{}
			byDomain[inst.Domain] = d
		}
		d.count++
		d.confidence += inst.Confidence
		d.sources += inst.Sources
	}

	domains := make([]string, 0, len(byDomain))
	for d := range byDomain {
		domains = append(domains, d)
	}
	sort.Strings(domains)

	lines := make([]string, 0, len(domains)+1)
	for _, d := range domains {
		s := byDomain[d]
		lines = append(lines, fmt.Sprintf("%s: %d instincts, avg confidence %.2f, %d sources",
			d, s.count, s.confidence/float64(s.count), s.sources))
	}
	lines = append(lines, fmt.Sprintf("total: %d instincts across %d domains", len(instincts), len(domains)))
	return lines
}
