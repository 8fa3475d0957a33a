package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tidemark-sync/tidemark/internal/dashboard"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Serve a live WebSocket view of this store",
	Long: `Start a WebSocket server that broadcasts store activity.

Messages:
- entity: an entity was inserted, updated or deleted, locally or by sync
- sync:   an exchange round completed
- stats:  entity counts, unsent and deferred changes

Writes made by other processes are not seen; run 'tidemark daemon
--dashboard' to watch a syncing store.

Example usage:
  tidemark dashboard               # port from dashboard_port
  tidemark dashboard --port 9000`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		st, logger, done := openStore(ctx)
		defer done()

		port := st.Settings().DashboardPort
		if cmd.Flags().Changed("port") {
			port, _ = cmd.Flags().GetInt("port")
		}
		server := dashboard.NewServer(&dashboard.Config{Port: port, Logger: logger})
		if err := server.Start(); err != nil {
			fatal("failed to start dashboard: %v", err)
		}
		go dashboard.NewHandler(server, st, logger).Run(ctx)

		fmt.Printf("Dashboard server started on http://%s\n", server.Addr())
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", server.Addr())
		fmt.Println("\nPress Ctrl+C to stop...")

		<-ctx.Done()
		fmt.Println("\nShutting down dashboard server...")
		if err := server.Stop(); err != nil {
			fatal("%v", err)
		}
	},
}

func init() {
	dashboardCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	rootCmd.AddCommand(dashboardCmd)
}
