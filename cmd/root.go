package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/zonlabs/mcp-assistant-sub001/internal/cache"
	"github.com/zonlabs/mcp-assistant-sub001/internal/logging"
	"github.com/zonlabs/mcp-assistant-sub001/internal/manager"
)

const (
	envAPIURL = "MCP_ASSISTANT_API_URL"
	envUserID = "MCP_ASSISTANT_USER_ID"

	defaultAPIURL = "http://localhost:8080"
	stateDirName  = ".mcp-assistant"
)

var (
	version   string
	verbose   bool
	noColor   bool
	jsonRPC   bool
	apiURL    string
	userID    string
	cacheFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mcp-assistant",
	Short: "Connect to remote MCP servers with OAuth",
	Long: `mcp-assistant connects to remote MCP (Model Context Protocol) servers on
behalf of a user and keeps those connections usable across processes.

The serve command runs the HTTP API. It stores one session per user and
server in Redis, runs the OAuth authorization code flow with PKCE when a
server asks for it, and refreshes tokens before they expire. Any API
process can complete an authorization another process started.

The other commands talk to that API:
- connect: connect a server, opening the browser when authorization is needed
- sessions: revalidate and list your connections
- tools / call: list and invoke tools of a connected server
- shell: interactive tool shell for a connected server
- status: show the locally cached connection states
- disconnect: drop a session and its credentials
- gateway: expose your connections to an MCP host`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// SetVersion sets the version for the application
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&jsonRPC, "json-rpc", false, "Log full API request and response bodies")

	rootCmd.AddCommand(
		newServeCmd(),
		newConnectCmd(),
		newDisconnectCmd(),
		newSessionsCmd(),
		newToolsCmd(),
		newCallCmd(),
		newShellCmd(),
		newStatusCmd(),
		newGatewayCmd(),
		newSelfUpdateCmd(),
	)
}

func newLogger() *logging.Logger {
	if noColor {
		text.DisableColors()
	}
	return logging.NewLogger(verbose, !noColor, jsonRPC)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func stateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), stateDirName)
	}
	return filepath.Join(home, stateDirName)
}

// addClientFlags registers the flags of commands that talk to the API.
func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&apiURL, "api", envOr(envAPIURL, defaultAPIURL), "Base URL of the mcp-assistant API (env "+envAPIURL+")")
	cmd.Flags().StringVar(&userID, "user-id", os.Getenv(envUserID), "User id sent to the API (env "+envUserID+"); generated and remembered when empty")
	cmd.Flags().StringVar(&cacheFile, "cache-file", filepath.Join(stateDir(), "connections.json"), "File holding the cached connection states")
}

// resolveUserID returns the configured user id, or one remembered next to
// the cache file.
func resolveUserID() (string, error) {
	if userID != "" {
		return userID, nil
	}
	path := filepath.Join(filepath.Dir(cacheFile), "user-id")
	data, err := os.ReadFile(path)
	if err == nil && strings.TrimSpace(string(data)) != "" {
		return strings.TrimSpace(string(data)), nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to read user id: %w", err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to store user id: %w", err)
	}
	return id, nil
}

// client bundles what the API commands need.
type client struct {
	logger  *logging.Logger
	backend *manager.HTTPBackend
	opener  *manager.BrowserOpener
	manager *manager.Manager
}

type clientOptions struct {
	withOpener  bool
	authTimeout time.Duration
}

func newClient(opts clientOptions) (*client, error) {
	logger := newLogger()

	uid, err := resolveUserID()
	if err != nil {
		return nil, err
	}
	backend, err := manager.NewHTTPBackend(apiURL, uid, nil, logger)
	if err != nil {
		return nil, err
	}
	connections, err := cache.New[manager.ConnectionInfo](cacheFile, logger)
	if err != nil {
		return nil, err
	}

	c := &client{logger: logger, backend: backend}
	cfg := manager.Config{
		Backend:     backend,
		Cache:       connections,
		Logger:      logger,
		AuthTimeout: opts.authTimeout,
	}
	if opts.withOpener {
		c.opener = manager.NewBrowserOpener(backend, logger)
		cfg.Opener = c.opener
	}
	c.manager, err = manager.New(cfg)
	if err != nil {
		return nil, err
	}
	logger.Debug("Using API %s as user %s", backend.BaseURL(), uid)
	return c, nil
}

func (c *client) Close() {
	_ = c.manager.Close()
}

// watchCache keeps the connection cache in step with other processes
// sharing its file until ctx is done.
func (c *client) watchCache(ctx context.Context) {
	connections := c.manager.Cache()
	go func() {
		if err := connections.Watch(ctx); err != nil {
			c.logger.Warning("Failed to watch %s: %v", connections.Path(), err)
		}
	}()
}

// ensureKnown revalidates the stored sessions when serverID is not cached.
func (c *client) ensureKnown(ctx context.Context, serverID string) error {
	if _, ok := c.manager.Get(serverID); ok {
		return nil
	}
	if _, err := c.manager.InitializeFromSessions(ctx); err != nil {
		return err
	}
	if _, ok := c.manager.Get(serverID); !ok {
		return fmt.Errorf("no session for server %s, run connect first", serverID)
	}
	return nil
}

// signalContext returns a context cancelled on interrupt signals.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			fmt.Println("\nReceived interrupt signal, shutting down gracefully...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}
