package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/engram-sh/engram"
	"github.com/engram-sh/engram/api"
)

func newMemoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Query and mutate the fact store",
	}
	cmd.AddCommand(
		newMemorySummaryCmd(a),
		newMemorySearchCmd(a),
		newMemoryStoreCmd(a),
		newMemoryContextCmd(a),
	)
	return cmd
}

func newMemorySummaryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "One-line summary of the active fact set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			summary, err := a.newAPI(store, nil).Summary(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), summary)
			return nil
		},
	}
}

func newMemorySearchCmd(a *app) *cobra.Command {
	var (
		prefix         string
		keys           []string
		key            string
		query          string
		semantic       string
		limit          int
		typeTag        string
		format         string
		subject        string
		maxAgeDays     int
		sourceVerified bool
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Hybrid keyword/semantic search over active facts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "text" && format != "json" && format != "hook" {
				return fmt.Errorf("unknown format %q (want text, json, or hook)", format)
			}
			if key != "" {
				keys = append(keys, key)
			}

			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			embedder, err := a.newEmbedder(nil)
			if err != nil {
				return err
			}

			results, err := a.newAPI(store, embedder).Search(ctx, api.SearchRequest{
				Prefix:   prefix,
				Keys:     keys,
				Text:     query,
				Semantic: semantic,
				Limit:    limit,
				Type:     typeTag,
				Filters: engram.SearchFilters{
					Subject:        subject,
					MaxAgeDays:     maxAgeDays,
					SourceVerified: sourceVerified,
				},
			})
			if err != nil {
				return err
			}
			return writeSearchResults(cmd.OutOrStdout(), results, format)
		},
	}

	cmd.Flags().StringVar(&prefix, "prefix", "", "key prefix filter")
	cmd.Flags().StringSliceVar(&keys, "keys", nil, "exact keys to fetch")
	cmd.Flags().StringVar(&key, "key", "", "single exact key to fetch")
	cmd.Flags().StringVar(&query, "query", "", "keyword query")
	cmd.Flags().StringVar(&semantic, "semantic", "", "semantic query")
	cmd.Flags().IntVar(&limit, "limit", 0, "max results (default 20)")
	cmd.Flags().StringVar(&typeTag, "type", "", "type tag: fact, pref, entity, event, agent, inferred, error, all")
	cmd.Flags().StringVar(&format, "format", "text", "output format: text, json, or hook")
	cmd.Flags().StringVar(&subject, "subject", "", "restrict to a key segment")
	cmd.Flags().IntVar(&maxAgeDays, "max-age-days", 0, "drop facts older than this many days")
	cmd.Flags().BoolVar(&sourceVerified, "source-verified", false, "only session- or user-sourced facts")
	return cmd
}

// writeSearchResults renders results in the requested format. The hook
// format is injection-ready: bare "key: value" bullets and silence when
// nothing matched.
func writeSearchResults(w io.Writer, results []engram.SearchResult, format string) error {
	switch format {
	case "json":
		data, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
	case "hook":
		for _, r := range results {
			fmt.Fprintf(w, "- %s: %s\n", r.Fact.Key, r.Fact.Value)
		}
	default:
		if len(results) == 0 {
			fmt.Fprintln(w, "no matching facts")
			return nil
		}
		for _, r := range results {
			fmt.Fprintf(w, "%s: %s (%.3f)\n", r.Fact.Key, r.Fact.Value, r.Score)
		}
	}
	return nil
}

func newMemoryStoreCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "store <key> <value>",
		Short: "Store a fact; a changed value supersedes the previous one",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			embedder, err := a.newEmbedder(nil)
			if err != nil {
				return err
			}

			outcome, err := a.newAPI(store, embedder).Store(ctx, args[0], args[1], "cli:store")
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], outcome)
			return nil
		},
	}
}

func newMemoryContextCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "context",
		Short: "Session-start injection payload: summary plus high-confidence instincts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			payload, err := a.newAPI(store, nil).InjectableContext(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), payload)
			return nil
		},
	}
}
