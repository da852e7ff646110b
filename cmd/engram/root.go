// Command engram is the CLI for the engram memory engine: pipeline runs,
// memory queries and mutations, instinct management, report generation,
// host hooks, and the MCP stdio server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/engram-sh/engram"
	"github.com/engram-sh/engram/api"
	"github.com/engram-sh/engram/factstore/postgres"
	"github.com/engram-sh/engram/factstore/sqlite"
	"github.com/engram-sh/engram/internal/config"
	"github.com/engram-sh/engram/observer"
	"github.com/engram-sh/engram/provider/resolve"
	"github.com/engram-sh/engram/report"
)

const version = "0.1.0"

// app carries the state shared by all subcommands: the loaded config and
// the logger. Stores and providers are opened per command so that cheap
// commands never touch the database or the network.
type app struct {
	cfgPath string
	verbose bool

	cfg    config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "engram",
		Short:         "Persistent memory consolidation for conversational agents",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.cfg = config.Load(a.cfgPath)
			level := slog.LevelInfo
			if a.verbose {
				level = slog.LevelDebug
			}
			a.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		},
	}

	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "config file (default ~/.engram/engram.toml)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newPipelineCmd(a),
		newMemoryCmd(a),
		newInstinctCmd(a),
		newReportCmd(a),
		newHookCmd(a),
		newMCPCmd(a),
	)
	return root
}

// openStore opens and initializes the configured fact store backend.
func (a *app) openStore(ctx context.Context) (engram.Store, error) {
	var st engram.Store
	switch a.cfg.Database.Backend {
	case "", "sqlite":
		if err := os.MkdirAll(filepath.Dir(a.cfg.Database.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		st = sqlite.New(a.cfg.Database.Path,
			sqlite.WithLogger(a.logger),
			sqlite.WithSearchTuning(a.searchTuning()))
	case "postgres":
		pool, err := pgxpool.New(ctx, a.cfg.Database.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		st = postgres.New(pool,
			postgres.WithLogger(a.logger),
			postgres.WithEmbeddingDimension(a.cfg.Embedding.Dimension),
			postgres.WithSearchTuning(a.searchTuning()))
	default:
		return nil, fmt.Errorf("unknown database backend %q", a.cfg.Database.Backend)
	}
	if err := st.Init(ctx); err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	return st, nil
}

// searchTuning maps the [search] config block onto the stores' fusion
// parameters.
func (a *app) searchTuning() engram.SearchTuning {
	return engram.SearchTuning{
		VectorFloor:   float32(a.cfg.Search.VectorThreshold),
		VectorWeight:  float32(a.cfg.Search.VectorWeight),
		KeywordWeight: float32(a.cfg.Search.BM25Weight),
		KeywordBonus:  float32(a.cfg.Search.BM25Bonus),
	}
}

// initObserver starts the OTEL observer when enabled. The returned
// shutdown func is always safe to call.
func (a *app) initObserver(ctx context.Context) (*observer.Instruments, func(context.Context) error, error) {
	if !a.cfg.Observer.Enabled {
		return nil, func(context.Context) error { return nil }, nil
	}
	return observer.Init(ctx, a.cfg.Observer.Endpoint, pricingOverrides(a.cfg.Observer.Pricing))
}

// pricingOverrides converts config [input, output] per-million pairs into
// observer pricing entries. Malformed pairs are dropped.
func pricingOverrides(m map[string][]float64) map[string]observer.ModelPricing {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]observer.ModelPricing, len(m))
	for model, pair := range m {
		if len(pair) != 2 {
			continue
		}
		out[model] = observer.ModelPricing{InputPerMillion: pair[0], OutputPerMillion: pair[1]}
	}
	return out
}

// newLLM builds the chat provider: resolved from config, observed when
// the observer is up, retried on transient HTTP errors.
func (a *app) newLLM(inst *observer.Instruments) (engram.Provider, error) {
	p, err := resolve.Provider(resolve.Config{
		Provider: a.cfg.LLM.Provider,
		APIKey:   a.cfg.LLM.APIKey,
		Model:    a.cfg.LLM.Model,
		BaseURL:  a.cfg.LLM.BaseURL,
	})
	if err != nil {
		return nil, err
	}
	if inst != nil {
		p = observer.WrapProvider(p, a.cfg.LLM.Model, inst)
	}
	return engram.WithRetry(p, engram.RetryLogger(a.logger)), nil
}

// newEmbedder builds the embedding provider, or nil when no API key is
// configured; semantic features degrade gracefully without one.
func (a *app) newEmbedder(inst *observer.Instruments) (engram.EmbeddingProvider, error) {
	if a.cfg.Embedding.APIKey == "" {
		return nil, nil
	}
	e, err := resolve.EmbeddingProvider(resolve.EmbeddingConfig{
		Provider:   a.cfg.Embedding.Provider,
		APIKey:     a.cfg.Embedding.APIKey,
		Model:      a.cfg.Embedding.Model,
		Dimensions: a.cfg.Embedding.Dimension,
	})
	if err != nil {
		return nil, err
	}
	if inst != nil {
		e = observer.WrapEmbedding(e, a.cfg.Embedding.Model, inst)
	}
	return engram.WithEmbeddingRetry(e, engram.RetryLogger(a.logger)), nil
}

func (a *app) keySet() *engram.KeySet {
	return engram.NewKeySet(a.cfg.Categories)
}

// aggregatorOptions maps the digest config onto report options.
func (a *app) aggregatorOptions() []report.Option {
	opts := []report.Option{report.WithLogger(a.logger)}
	if n := a.cfg.Digest.MinCountForL0; n > 0 {
		opts = append(opts, report.WithMinCount(n))
	}
	if n := a.cfg.Digest.MaxCategoriesInL0; n > 0 {
		opts = append(opts, report.WithMaxCategories(n))
	}
	if cats := a.cfg.Digest.ShownCategories; len(cats) > 0 {
		opts = append(opts, report.WithShownCategories(cats...))
	}
	if keys := a.cfg.Digest.PinnedKeys; len(keys) > 0 {
		opts = append(opts, report.WithPinnedKeys(keys...))
	}
	return opts
}

// newAPI assembles the query/mutation surface over an open store.
func (a *app) newAPI(store engram.Store, embedder engram.EmbeddingProvider) *api.API {
	opts := []api.Option{
		api.WithLogger(a.logger),
		api.WithKeySet(a.keySet()),
		api.WithAggregatorOptions(a.aggregatorOptions()...),
	}
	if embedder != nil {
		opts = append(opts, api.WithEmbedder(embedder))
	}
	if len(a.cfg.TypeMappings) > 0 {
		opts = append(opts, api.WithTypeMappings(a.cfg.TypeMappings))
	}
	return api.New(store, opts...)
}
