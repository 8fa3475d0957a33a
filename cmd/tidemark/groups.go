package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var groupsCmd = &cobra.Command{
	Use:     "groups",
	GroupID: "sync",
	Short:   "List subscribed visibility groups",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		st, _, done := openStore(ctx)
		defer done()

		list, err := st.CurrentGroups(ctx)
		if err != nil {
			fatal("%v", err)
		}
		if jsonOutput {
			printJSON(list)
			return
		}
		for _, g := range list {
			freq := renderMuted("default")
			if g.Frequency > 0 {
				freq = g.Frequency.String()
			}
			fmt.Printf("%s  tidemark=%d  every=%s\n", renderAccent(g.Name), g.Tidemark, freq)
		}
	},
}

var subscribeCmd = &cobra.Command{
	Use:     "subscribe <group>",
	GroupID: "sync",
	Short:   "Start receiving a visibility group",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		st, _, done := openStore(ctx)
		defer done()

		every, _ := cmd.Flags().GetDuration("every")
		if err := st.SubscribeGroup(ctx, args[0], every); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Subscribed to %s\n", renderPass("✓"), args[0])
	},
}

var unsubscribeCmd = &cobra.Command{
	Use:     "unsubscribe <group>",
	GroupID: "sync",
	Short:   "Stop receiving a group and delete its local entities",
	Long: `Stop receiving a visibility group.

Every local entity of the group is deleted together with any unsent changes
to it. Subscribing again fetches the group from the start.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		st, _, done := openStore(ctx)
		defer done()

		if err := st.UnsubscribeGroup(ctx, args[0]); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Unsubscribed from %s\n", renderPass("✓"), args[0])
	},
}

func init() {
	subscribeCmd.Flags().Duration("every", time.Duration(0), "Poll interval for this group (default: poll_interval)")
	rootCmd.AddCommand(groupsCmd, subscribeCmd, unsubscribeCmd)
}
