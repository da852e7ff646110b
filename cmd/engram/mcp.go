package main

import (
	"github.com/spf13/cobra"

	"github.com/engram-sh/engram/mcp"
)

func newMCPCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Model Context Protocol transport",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serve the memory operations over MCP stdio",
		Args:  cobra.NoArgs,
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

			server := mcp.NewServer("engram", version, mcp.WithLogger(a.logger))
			mcp.RegisterMemoryTools(server, a.newAPI(store, embedder))
			return server.Serve(ctx)
		},
	})
	return cmd
}
