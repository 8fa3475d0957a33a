package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show store and sync status",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		st, _, done := openStore(ctx)
		defer done()

		status, err := st.Status(ctx)
		if err != nil {
			fatal("%v", err)
		}
		if jsonOutput {
			printJSON(status)
			return
		}

		settings := st.Settings()
		fmt.Printf("\n%s\n\n", renderAccent("Tidemark Status"))
		fmt.Println(row("Device", status.DeviceID))
		fmt.Println(row("Database", settings.DatabasePath))
		if info, err := os.Stat(settings.DatabasePath); err == nil {
			fmt.Println(row("Size", formatSize(info.Size())))
		}
		if settings.SyncEnabled() {
			fmt.Println(row("Service", settings.ServiceURL))
		} else {
			fmt.Println(row("Service", renderMuted("none")))
		}

		pending := strconv.Itoa(status.Pending)
		if status.Pending > 0 {
			pending = renderWarn(pending)
		}
		fmt.Println(row("Unsent", pending))
		deferred := strconv.Itoa(status.Deferred)
		if status.Deferred > 0 {
			deferred = renderWarn(deferred)
		}
		fmt.Println(row("Deferred", deferred))

		fmt.Printf("\n%s\n", renderAccent("Entities"))
		names := make([]string, 0, len(status.Entities))
		for n := range status.Entities {
			names = append(names, n)
		}
		sort.Strings(names)
		if len(names) == 0 {
			fmt.Println(renderMuted("  none"))
		}
		for _, n := range names {
			fmt.Println(row("  "+n, strconv.Itoa(status.Entities[n])))
		}

		fmt.Printf("\n%s\n", renderAccent("Groups"))
		for _, g := range status.Groups {
			polled := renderMuted("never")
			if !g.LastPolled.IsZero() {
				polled = g.LastPolled.Format("2006-01-02 15:04:05")
			}
			line := fmt.Sprintf("tidemark %d, polled %s", g.Tidemark, polled)
			if g.OutstandingData {
				line += " " + renderWarn("(more data)")
			}
			fmt.Println(row("  "+g.Name, line))
		}
		fmt.Println()
	},
}

func formatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	}
	return fmt.Sprintf("%d bytes", size)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
