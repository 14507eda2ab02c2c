package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zonlabs/mcp-assistant-sub001/internal/api"
	"github.com/zonlabs/mcp-assistant-sub001/internal/config"
	"github.com/zonlabs/mcp-assistant-sub001/internal/logging"
	"github.com/zonlabs/mcp-assistant-sub001/internal/mcpclient"
	"github.com/zonlabs/mcp-assistant-sub001/internal/session"
)

func newServeCmd() *cobra.Command {
	var (
		listenAddr    string
		publicURL     string
		allowedOrigin string
		store         string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the mcp-assistant HTTP API",
		Long: `Runs the HTTP API that connects users to remote MCP servers.

Settings come from the environment (MCP_ASSISTANT_*, REDIS_*, OAUTH_*);
the flags below override them. Several serve processes may share one
Redis store.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Decode()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen-addr") {
				cfg.ListenAddr = listenAddr
			}
			if cmd.Flags().Changed("public-url") {
				cfg.PublicURL = publicURL
			}
			if cmd.Flags().Changed("allowed-origin") {
				cfg.AllowedOrigin = allowedOrigin
			}
			if cmd.Flags().Changed("store") {
				cfg.Store = store
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runServe(ctx, cfg, newLogger())
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen-addr", ":8080", "Listen address (env MCP_ASSISTANT_LISTEN_ADDR)")
	cmd.Flags().StringVar(&publicURL, "public-url", "http://localhost:8080", "Externally visible base URL (env MCP_ASSISTANT_PUBLIC_URL)")
	cmd.Flags().StringVar(&allowedOrigin, "allowed-origin", "", "Browser origin allowed to receive authorization results (env MCP_ASSISTANT_ALLOWED_ORIGIN)")
	cmd.Flags().StringVar(&store, "store", config.StoreRedis, "Session store backend: redis or memory (env MCP_ASSISTANT_STORE)")
	return cmd
}

func newStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (session.Store, error) {
	if cfg.Store == config.StoreMemory {
		logger.Warning("Using the in-memory session store; sessions are lost on restart and not shared between processes")
		return session.NewMemoryStore(cfg.SessionTTL, logger), nil
	}
	store, err := session.NewRedisStoreFromConfig(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func runServe(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	store, err := newStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	factory, err := mcpclient.NewFactory(mcpclient.Config{
		Store:             store,
		Logger:            logger,
		ClientName:        cfg.ClientName,
		Version:           version,
		RequestTimeout:    cfg.RequestTimeout,
		RegistrationToken: cfg.RegistrationToken,
		Scopes:            cfg.Scopes,
	})
	if err != nil {
		return err
	}

	server, err := api.NewServer(apiConfig(cfg, factory, logger))
	if err != nil {
		return err
	}

	logger.Info("Starting mcp-assistant API %s (store: %s)...", version, cfg.Store)
	if err := server.ListenAndServe(ctx, cfg.ListenAddr); err != nil {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// apiConfig maps the service configuration onto the API server. An OAuth
// state stays redeemable for as long as the session it belongs to.
func apiConfig(cfg *config.Config, factory *mcpclient.Factory, logger *logging.Logger) api.Config {
	return api.Config{
		Factory:       factory,
		Logger:        logger,
		PublicURL:     cfg.PublicURL,
		AllowedOrigin: cfg.AllowedOrigin,
		StateMaxAge:   cfg.SessionTTL,
	}
}
