package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tidemark-sync/tidemark/internal/change"
)

var changesCmd = &cobra.Command{
	Use:     "changes",
	GroupID: "sync",
	Short:   "List unsent change records",
	Long: `List the change records waiting to be sent to the sync service.

--since accepts an RFC 3339 time, a Go duration meaning "that long ago"
(90m, 2h) or a phrase such as "yesterday" or "3 days ago".

Examples:
  tidemark changes --since 2h
  tidemark changes --since yesterday --format yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		st, _, done := openStore(ctx)
		defer done()

		limit, _ := cmd.Flags().GetInt("limit")
		format, _ := cmd.Flags().GetString("format")
		if jsonOutput {
			format = "json"
		}
		recs, err := st.PendingChanges(ctx, 0)
		if err != nil {
			fatal("%v", err)
		}
		if since, _ := cmd.Flags().GetString("since"); since != "" {
			t, err := parseSince(since, time.Now())
			if err != nil {
				fatal("%v", err)
			}
			recs = filterSince(recs, t)
		}
		if limit > 0 && len(recs) > limit {
			recs = recs[:limit]
		}

		switch format {
		case "json":
			printJSON(recs)
		case "yaml":
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			if err := enc.Encode(toYAML(recs)); err != nil {
				fatal("%v", err)
			}
			_ = enc.Close()
		case "table":
			for _, r := range recs {
				ts := time.UnixMicro(r.Timestamp).Format("2006-01-02 15:04:05.000")
				target := r.Entity + "/" + r.RecordID
				if r.Property != "" {
					target += "." + r.Property
				}
				fmt.Printf("%s  %-9s %s %s\n", renderMuted(ts), r.Op, target, renderMuted("["+r.Group+"]"))
			}
			fmt.Println(renderMuted(fmt.Sprintf("%d unsent", len(recs))))
		default:
			fatal("--format must be table, json or yaml")
		}
	},
}

// parseSince resolves a --since value relative to now.
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot parse %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("cannot parse %q as a time", s)
	}
	return r.Time, nil
}

func filterSince(recs []change.Record, t time.Time) []change.Record {
	cut := t.UnixMicro()
	out := recs[:0]
	for _, r := range recs {
		if r.Timestamp >= cut {
			out = append(out, r)
		}
	}
	return out
}

type yamlRecord struct {
	ID       string    `yaml:"id"`
	Op       string    `yaml:"op"`
	Entity   string    `yaml:"entity"`
	RecordID string    `yaml:"record_id"`
	Property string    `yaml:"property,omitempty"`
	Group    string    `yaml:"group"`
	Device   string    `yaml:"device"`
	Time     time.Time `yaml:"time"`
	Bytes    int       `yaml:"value_bytes,omitempty"`
}

func toYAML(recs []change.Record) []yamlRecord {
	out := make([]yamlRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, yamlRecord{
			ID: r.ID, Op: r.Op.String(), Entity: r.Entity, RecordID: r.RecordID,
			Property: r.Property, Group: r.Group, Device: r.Device,
			Time: time.UnixMicro(r.Timestamp).UTC(), Bytes: len(r.Value),
		})
	}
	return out
}

func init() {
	changesCmd.Flags().String("since", "", "Only records written since this time")
	changesCmd.Flags().Int("limit", 0, "Maximum number of records (0 = all)")
	changesCmd.Flags().String("format", "table", "Output format: table, json or yaml")
	rootCmd.AddCommand(changesCmd)
}
