package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tidemark-sync/tidemark/internal/entity"
	"github.com/tidemark-sync/tidemark/internal/export"
	"github.com/tidemark-sync/tidemark/internal/schema"
	"github.com/tidemark-sync/tidemark/internal/store"
)

var putCmd = &cobra.Command{
	Use:     "put <type> [id] field=value...",
	GroupID: "data",
	Short:   "Create or update an entity",
	Long: `Create or update one entity.

Values are converted to the property type: integers, reals, bools and
RFC 3339 dates are parsed, bytes are base64, arrays and maps are JSON.
An empty value unsets the field. Without an id a new entity is created;
types with string keys require one.

Examples:
  tidemark put note title=groceries views=0
  tidemark put note 5b1f... title="groceries (weekly)"
  tidemark put --group family note title=holidays`,
	Args: cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		st, _, done := openStore(ctx)
		defer done()

		d, err := st.Registry().Lookup(args[0])
		if err != nil {
			fatal("%v", err)
		}
		rest := args[1:]
		var id string
		if !strings.Contains(rest[0], "=") {
			id, rest = rest[0], rest[1:]
		}
		values, err := parseAssignments(d, rest)
		if err != nil {
			fatal("%v", err)
		}

		var e *entity.Entity
		if id != "" {
			e, err = st.Get(ctx, d.Name, id)
		}
		switch {
		case id == "" || errors.Is(err, store.ErrNotFound):
			e = entity.New(d)
			if id != "" {
				key, err := entity.ParseKey(d.Key, id)
				if err != nil {
					fatal("%v", err)
				}
				e.SetKey(key)
			}
			if group, _ := cmd.Flags().GetString("group"); group != "" {
				if err := e.SetGroup(group); err != nil {
					fatal("%v", err)
				}
			}
		case err != nil:
			fatal("%v", err)
		}

		for _, name := range sortedKeys(values) {
			if err := e.Set(name, values[name]); err != nil {
				fatal("%v", err)
			}
		}
		if err := st.Commit(ctx, e); err != nil {
			fatal("%v", err)
		}
		printEntity(e)
	},
}

var getCmd = &cobra.Command{
	Use:     "get <type> <id>",
	GroupID: "data",
	Short:   "Show one entity",
	Args:    cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		st, _, done := openStore(ctx)
		defer done()

		e, err := st.Get(ctx, args[0], args[1])
		if err != nil {
			fatal("%v", err)
		}
		printEntity(e)
	},
}

var listCmd = &cobra.Command{
	Use:     "list <type>",
	GroupID: "data",
	Short:   "List entities of a type",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		st, _, done := openStore(ctx)
		defer done()

		group, _ := cmd.Flags().GetString("group")
		list, err := st.List(ctx, args[0], group)
		if err != nil {
			fatal("%v", err)
		}
		if jsonOutput {
			out := make([]entityView, 0, len(list))
			for _, e := range list {
				out = append(out, viewOf(e))
			}
			printJSON(out)
			return
		}
		for _, e := range list {
			fmt.Printf("%s %s %s\n", renderAccent(e.Key().String()), renderMuted("["+e.Group()+"]"), formatFields(e.Fields()))
		}
		fmt.Println(renderMuted(fmt.Sprintf("%d %s", len(list), args[0])))
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm <type> <id>",
	GroupID: "data",
	Short:   "Delete an entity",
	Args:    cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		st, _, done := openStore(ctx)
		defer done()

		e, err := st.Get(ctx, args[0], args[1])
		if err != nil {
			fatal("%v", err)
		}
		if err := st.Remove(ctx, e); err != nil {
			fatal("%v", err)
		}
		if jsonOutput {
			printJSON(map[string]string{"deleted": args[1]})
			return
		}
		fmt.Printf("%s Deleted %s/%s\n", renderPass("✓"), args[0], args[1])
	},
}

// parseAssignments converts field=value arguments to property values.
func parseAssignments(d *schema.Descriptor, args []string) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("expected field=value, got %q", arg)
		}
		p, ok := d.Property(name)
		if !ok {
			return nil, fmt.Errorf("%s has no property %q", d.Name, name)
		}
		if raw == "" {
			out[name] = nil
			continue
		}
		var v any = raw
		if p.Type == schema.Array || p.Type == schema.Map {
			dec := json.NewDecoder(strings.NewReader(raw))
			dec.UseNumber()
			if err := dec.Decode(&v); err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
		}
		value, err := export.FromJSON(p.Type, v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out[name] = value
	}
	return out, nil
}

type entityView struct {
	Type   string         `json:"type"`
	ID     string         `json:"id"`
	Group  string         `json:"group"`
	Fields map[string]any `json:"fields"`
}

func viewOf(e *entity.Entity) entityView {
	return entityView{Type: e.Type(), ID: e.Key().String(), Group: e.Group(), Fields: e.Fields()}
}

func printEntity(e *entity.Entity) {
	if jsonOutput {
		printJSON(viewOf(e))
		return
	}
	fmt.Printf("%s %s\n", renderAccent(e.Type()+"/"+e.Key().String()), renderMuted("["+e.Group()+"]"))
	fields := e.Fields()
	for _, name := range sortedKeys(fields) {
		fmt.Println(row("  "+name, fmt.Sprint(fields[name])))
	}
}

func formatFields(fields map[string]any) string {
	parts := make([]string, 0, len(fields))
	for _, name := range sortedKeys(fields) {
		parts = append(parts, fmt.Sprintf("%s=%v", name, fields[name]))
	}
	return strings.Join(parts, " ")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func init() {
	putCmd.Flags().StringP("group", "g", "", "Visibility group of a new entity")
	listCmd.Flags().StringP("group", "g", "", "Only list entities of this group")
	rootCmd.AddCommand(putCmd, getCmd, listCmd, rmCmd)
}
