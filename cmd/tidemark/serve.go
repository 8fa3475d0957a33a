package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tidemark-sync/tidemark/internal/logging"
	"github.com/tidemark-sync/tidemark/internal/syncserver"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "advanced",
	Short:   "Run a sync service backed by a SQLite change log",
	Long: `Run a sync service that devices exchange changes through.

The service keeps every accepted change in an append-only log and answers
each device with the changes of its subscribed groups that other devices
wrote after the device's tidemark. It is a reference implementation meant
for development and small deployments.

Endpoints:
  POST /sync    exchange changes
  GET  /health  log head and status`,
	Run: func(cmd *cobra.Command, args []string) {
		addr, _ := cmd.Flags().GetString("addr")
		dbPath, _ := cmd.Flags().GetString("db")
		appKey, _ := cmd.Flags().GetString("app-key")
		pageSize, _ := cmd.Flags().GetInt("page-size")
		levelName, _ := cmd.Flags().GetString("log-level")

		logger, _ := logging.New(logOptions(levelName))
		defer func() { _ = logger.Sync() }()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		log, err := syncserver.OpenSQLLog(ctx, dbPath, logger)
		if err != nil {
			fatal("%v", err)
		}
		defer log.Close()

		srv := &http.Server{
			Addr: addr,
			Handler: syncserver.New(log, syncserver.Options{
				AppKey:   appKey,
				PageSize: pageSize,
				Logger:   logger,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errc := make(chan error, 1)
		go func() { errc <- srv.ListenAndServe() }()
		fmt.Printf("%s Sync service listening on %s (log: %s)\n", renderAccent("→"), addr, dbPath)

		select {
		case err := <-errc:
			if !errors.Is(err, http.ErrServerClosed) {
				fatal("%v", err)
			}
		case <-ctx.Done():
			shutdown, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			if err := srv.Shutdown(shutdown); err != nil {
				logger.Warn("shutdown", zap.Error(err))
			}
			fmt.Println("Sync service stopped")
		}
	},
}

func init() {
	serveCmd.Flags().String("addr", ":8090", "Address to listen on")
	serveCmd.Flags().String("db", "tidemark-server.db", "Path of the change log database")
	serveCmd.Flags().String("app-key", os.Getenv("TIDEMARK_APPLICATION_KEY"), "Required application key (empty accepts any)")
	serveCmd.Flags().Int("page-size", syncserver.DefaultPageSize, "Maximum changes per group and response")
	serveCmd.Flags().String("log-level", "info", "Log level")
	rootCmd.AddCommand(serveCmd)
}
