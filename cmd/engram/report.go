package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/engram-sh/engram/report"
)

func newReportCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Generate digest and report files from the active fact set",
	}
	cmd.AddCommand(
		newReportDigestCmd(a),
		newReportDailyCmd(a),
		newReportWeeklyCmd(a),
		newReportTopicsCmd(a),
	)
	return cmd
}

// withAggregator opens the store, builds the aggregator, and hands both
// to fn, closing the store afterwards.
func (a *app) withAggregator(cmd *cobra.Command, fn func(agg *report.Aggregator) error) error {
	store, err := a.openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(report.New(store, a.aggregatorOptions()...))
}

func newReportDigestCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "digest",
		Short: "Rebuild digest.json and print the summary line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withAggregator(cmd, func(agg *report.Aggregator) error {
				path := filepath.Join(a.cfg.Report.Dir, "digest.json")
				digest, err := agg.WriteDigest(cmd.Context(), path)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), digest.Summary)
				return nil
			})
		},
	}
}

func newReportDailyCmd(a *app) *cobra.Command {
	var date string

	cmd := &cobra.Command{
		Use:   "daily",
		Short: "Write the daily report for a date (default today)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			day := time.Now().UTC()
			if date != "" {
				parsed, err := time.Parse("2006-01-02", date)
				if err != nil {
					return fmt.Errorf("parse --date: %w", err)
				}
				day = parsed
			}
			return a.withAggregator(cmd, func(agg *report.Aggregator) error {
				path, err := agg.WriteDaily(cmd.Context(), filepath.Join(a.cfg.Report.Dir, "daily"), day)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "day to report, YYYY-MM-DD")
	return cmd
}

func newReportWeeklyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "weekly",
		Short: "Write the rolling weekly report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withAggregator(cmd, func(agg *report.Aggregator) error {
				path, err := agg.WriteWeekly(cmd.Context(), filepath.Join(a.cfg.Report.Dir, "weekly"), time.Now().UTC())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			})
		},
	}
}

func newReportTopicsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "topics",
		Short: "Rewrite the per-category topic files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withAggregator(cmd, func(agg *report.Aggregator) error {
				dir := filepath.Join(a.cfg.Report.Dir, "topics")
				if err := agg.WriteTopics(cmd.Context(), dir); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), dir)
				return nil
			})
		},
	}
}
