package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tidemark-sync/tidemark/internal/config"
	"github.com/tidemark-sync/tidemark/internal/dashboard"
	"github.com/tidemark-sync/tidemark/internal/exchange"
	"github.com/tidemark-sync/tidemark/internal/logging"
	"github.com/tidemark-sync/tidemark/internal/store"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one exchange round with the sync service",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		st, _, done := openStore(ctx)
		defer done()

		if !st.Settings().SyncEnabled() {
			fatal("no service_url configured")
		}
		timeout, _ := cmd.Flags().GetDuration("timeout")
		if timeout > 0 {
			var stop context.CancelFunc
			ctx, stop = context.WithTimeout(ctx, timeout)
			defer stop()
		}

		rep, err := st.SyncNow(ctx)
		if err != nil {
			fatal("%v", err)
		}
		if jsonOutput {
			printJSON(reportView(rep))
		} else {
			printReport(rep)
		}
		if !rep.OK() {
			os.Exit(1)
		}
	},
}

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Synchronise in the foreground until interrupted",
	Long: `Run the sync scheduler in the foreground.

Each subscribed group is polled at its own frequency, or poll_interval when
it has none. Edits to the settings file are picked up while running:
log_level and poll_interval apply immediately, other settings on restart.`,
	Run: func(cmd *cobra.Command, args []string) {
		settings := loadSettings()
		if !settings.SyncEnabled() {
			fatal("no service_url configured")
		}
		logger, level := newLogger(settings)
		defer func() { _ = logger.Sync() }()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		st, err := store.Open(ctx, settings, store.Options{Logger: logger})
		if err != nil {
			fatal("failed to open store: %v", err)
		}
		defer st.Close()

		if withDash, _ := cmd.Flags().GetBool("dashboard"); withDash {
			srv := dashboard.NewServer(&dashboard.Config{Port: settings.DashboardPort, Logger: logger})
			if err := srv.Start(); err != nil {
				fatal("%v", err)
			}
			defer srv.Stop()
			go dashboard.NewHandler(srv, st, logger).Run(ctx)
			logger.Info("dashboard started", zap.String("addr", srv.Addr()))
		}

		watcher, err := config.NewWatcher(configPath)
		if err != nil {
			fatal("%v", err)
		}
		if err := watcher.Start(); err != nil {
			logger.Warn("settings will not be reloaded", zap.Error(err))
		} else {
			defer watcher.Stop()
		}

		reports := st.OnSync()
		defer reports.Close()

		if err := st.StartSync(ctx); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Syncing with %s\n", renderAccent("→"), settings.ServiceURL)
		fmt.Println(renderMuted("Press Ctrl+C to stop"))

		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nStopping...")
				st.StopSync()
				return
			case rep := <-reports.C:
				logReport(logger, rep)
			case ns := <-watcher.Settings():
				applySettings(logger, level, st, settings, ns)
				settings = ns
			case err := <-watcher.Errors():
				logger.Warn("failed to reload settings", zap.Error(err))
			}
		}
	},
}

// applySettings applies the reloadable part of ns and reports the rest.
func applySettings(logger *zap.Logger, level zap.AtomicLevel, st *store.Store, old, ns *config.Settings) {
	if ns.Level() != level.Level() {
		level.SetLevel(ns.Level())
		logger.Info("log level changed", zap.Stringer("level", ns.Level()))
	}
	if ns.PollInterval != old.PollInterval {
		st.SetPollInterval(ns.PollInterval)
		logger.Info("poll interval changed", zap.Duration("interval", ns.PollInterval))
	}
	if ns.ServiceURL != old.ServiceURL || ns.DatabasePath != old.DatabasePath || ns.EncryptionKey != old.EncryptionKey {
		logger.Warn("settings changed that apply on restart")
	}
}

func logReport(logger *zap.Logger, rep *exchange.Report) {
	fields := []zap.Field{
		zap.Int("sent", rep.Sent),
		zap.Int("applied", rep.Applied),
		zap.Int("deferred", rep.Deferred),
		zap.Duration("took", rep.Finished.Sub(rep.Started)),
	}
	if rep.OK() {
		logger.Info("sync round finished", fields...)
		return
	}
	logger.Warn("sync round failed", append(fields, zap.Error(rep.Err), zap.Bool("transient", rep.IsTransient()))...)
}

type syncView struct {
	OK         bool                `json:"ok"`
	Sent       int                 `json:"sent"`
	Applied    int                 `json:"applied"`
	Stale      int                 `json:"stale"`
	Duplicate  int                 `json:"duplicate"`
	Deferred   int                 `json:"deferred"`
	Suppressed int                 `json:"suppressed"`
	Ignored    int                 `json:"ignored"`
	Dropped    []string            `json:"dropped,omitempty"`
	Integrity  []string            `json:"integrity,omitempty"`
	Touched    map[string][]string `json:"touched,omitempty"`
	Duration   string              `json:"duration"`
	Error      string              `json:"error,omitempty"`
}

func reportView(rep *exchange.Report) syncView {
	v := syncView{
		OK: rep.OK(), Sent: rep.Sent, Applied: rep.Applied, Stale: rep.Stale,
		Duplicate: rep.Duplicate, Deferred: rep.Deferred, Suppressed: rep.Suppressed,
		Ignored: rep.Ignored, Touched: rep.Touched,
		Duration: rep.Finished.Sub(rep.Started).Round(time.Millisecond).String(),
	}
	for _, d := range rep.Dropped {
		v.Dropped = append(v.Dropped, d.Error())
	}
	for _, e := range rep.Integrity {
		v.Integrity = append(v.Integrity, e.Error())
	}
	if rep.Err != nil {
		v.Error = rep.Err.Error()
	}
	return v
}

func printReport(rep *exchange.Report) {
	took := rep.Finished.Sub(rep.Started).Round(time.Millisecond)
	if !rep.OK() {
		hint := ""
		if rep.IsTransient() {
			hint = renderMuted(" (transient)")
		}
		fmt.Printf("%s Sync failed after %v: %v%s\n", renderFail("✗"), took, rep.Err, hint)
		return
	}
	fmt.Printf("%s Sync complete in %v\n", renderPass("✓"), took)
	fmt.Println(row("  Sent", fmt.Sprint(rep.Sent)))
	fmt.Println(row("  Applied", fmt.Sprint(rep.Applied)))
	if n := rep.Stale + rep.Duplicate + rep.Suppressed + rep.Ignored; n > 0 {
		fmt.Println(row("  Skipped", fmt.Sprint(n)))
	}
	if rep.Deferred > 0 {
		fmt.Println(row("  Deferred", renderWarn(fmt.Sprint(rep.Deferred))))
	}
	for _, err := range rep.Integrity {
		fmt.Printf("  %s %v\n", renderWarn("!"), err)
	}
}

// logOptions is shared by the commands that do not open a store.
func logOptions(levelName string) logging.Options {
	opts := logging.Options{Level: zap.InfoLevel, Quiet: quiet}
	if lvl, err := zap.ParseAtomicLevel(levelName); err == nil {
		opts.Level = lvl.Level()
	}
	if verbose {
		opts.Level = zap.DebugLevel
	}
	return opts
}

func init() {
	syncCmd.Flags().Duration("timeout", time.Minute, "Give up after this long (0 = no limit)")
	daemonCmd.Flags().Bool("dashboard", false, "Also serve the WebSocket dashboard on dashboard_port")
	rootCmd.AddCommand(syncCmd, daemonCmd)
}
