package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/zonlabs/mcp-assistant-sub001/internal/cache"
	"github.com/zonlabs/mcp-assistant-sub001/internal/manager"
	"github.com/zonlabs/mcp-assistant-sub001/internal/repl"
)

func newStatusCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the locally cached connection states",
		Long: `Prints the connection states recorded in the cache file without
contacting the API. With --watch the table is printed again whenever
another mcp-assistant process changes the cache.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			connections, err := cache.New[manager.ConnectionInfo](cacheFile, logger)
			if err != nil {
				return err
			}

			render := func(snapshot map[string]manager.ConnectionInfo) {
				infos := make([]manager.ConnectionInfo, 0, len(snapshot))
				for _, info := range snapshot {
					infos = append(infos, info)
				}
				sort.Slice(infos, func(i, j int) bool { return infos[i].ServerID < infos[j].ServerID })
				repl.PrintConnections(os.Stdout, infos)
			}
			render(connections.GetAll())
			if !watch {
				return nil
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			unsubscribe := connections.Subscribe(func(snapshot map[string]manager.ConnectionInfo) {
				fmt.Println()
				render(snapshot)
			})
			defer unsubscribe()

			logger.Info("Watching %s, press Ctrl+C to stop", connections.Path())
			return connections.Watch(ctx)
		},
	}

	cmd.Flags().StringVar(&cacheFile, "cache-file", filepath.Join(stateDir(), "connections.json"), "File holding the cached connection states")
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep printing the states as they change")
	return cmd
}
