package cmd

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/openclaw/openclaw/internal/sessions"
	"github.com/openclaw/openclaw/pkg/protocol"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and reset agent sessions",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsResetCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List session entries for an agent",
		Run: func(cmd *cobra.Command, args []string) {
			client, err := dialGateway(loadClientConfig())
			if err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				os.Exit(1)
			}
			defer client.Close()

			var entries map[string]*sessions.Entry
			err = client.call(protocol.MethodSessionsList, protocol.SessionsListParams{AgentID: agentID}, &entries)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				os.Exit(1)
			}
			if len(entries) == 0 {
				fmt.Println("No sessions.")
				return
			}

			keys := make([]string, 0, len(entries))
			for k := range entries {
				keys = append(keys, k)
			}
			sort.Slice(keys, func(i, j int) bool {
				return entries[keys[i]].UpdatedAt > entries[keys[j]].UpdatedAt
			})
			for _, k := range keys {
				e := entries[k]
				updated := time.UnixMilli(e.UpdatedAt).Format("2006-01-02 15:04:05")
				fmt.Printf("%s  updated %s  channel %s\n", k, updated, e.LastChannel)
			}
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id (default agent when empty)")
	return cmd
}

func sessionsResetCmd() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "reset <session-key>",
		Short: "Delete one session entry so the next message starts fresh",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			client, err := dialGateway(loadClientConfig())
			if err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				os.Exit(1)
			}
			defer client.Close()

			err = client.call(protocol.MethodSessionsReset, protocol.SessionsResetParams{
				AgentID:    agentID,
				SessionKey: args[0],
			}, nil)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Reset %s.\n", args[0])
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id (default agent when empty)")
	return cmd
}
