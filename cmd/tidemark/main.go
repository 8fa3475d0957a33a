// Command tidemark manages a local tidemark store and runs its sync engine
// or a sync service.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tidemark-sync/tidemark/internal/config"
	"github.com/tidemark-sync/tidemark/internal/logging"
	"github.com/tidemark-sync/tidemark/internal/store"
)

var (
	configPath string
	jsonOutput bool
	verbose    bool
	quiet      bool
)

var rootCmd = &cobra.Command{
	Use:           "tidemark",
	Short:         "Local entity store with multi-device sync",
	SilenceUsage:  true,
	SilenceErrors: true,
	Long: `tidemark keeps typed entities in a local SQLite database, records every
write as a change, and exchanges changes with a sync service so several
devices converge on the same data.

Configuration is read from tidemark.toml in the current directory (see
--config) and from TIDEMARK_* environment variables.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultFile, "Path to the settings file")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Do not log to stderr")

	rootCmd.AddGroup(
		&cobra.Group{ID: "data", Title: "Entities:"},
		&cobra.Group{ID: "sync", Title: "Synchronisation:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fatal("%v", err)
	}
}

// fatal prints an error and exits.
func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", renderFail("Error:"), fmt.Sprintf(format, args...))
	os.Exit(1)
}

// loadSettings reads the settings file named by --config.
func loadSettings() *config.Settings {
	s, err := config.Load(configPath)
	if err != nil {
		fatal("%v", err)
	}
	return s
}

// newLogger builds the process logger from settings and flags.
func newLogger(s *config.Settings) (*zap.Logger, zap.AtomicLevel) {
	level := s.Level()
	if verbose {
		level = zap.DebugLevel
	}
	return logging.New(logging.Options{
		Level: level,
		File:  s.LogFile,
		Quiet: quiet || jsonOutput,
	})
}

// openStore loads settings and opens the store they describe. The returned
// function closes both the store and the logger.
func openStore(ctx context.Context) (*store.Store, *zap.Logger, func()) {
	s := loadSettings()
	logger, _ := newLogger(s)
	st, err := store.Open(ctx, s, store.Options{Logger: logger})
	if err != nil {
		fatal("failed to open store: %v", err)
	}
	return st, logger, func() {
		_ = st.Close()
		_ = logger.Sync()
	}
}

// printJSON writes v to stdout indented.
func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal("failed to encode output: %v", err)
	}
}
