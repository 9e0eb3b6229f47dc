package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/openclaw/openclaw/internal/pairing"
	"github.com/openclaw/openclaw/pkg/protocol"
)

func pairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Manage DM pairing requests",
	}
	cmd.AddCommand(pairListCmd())
	cmd.AddCommand(pairApproveCmd())
	return cmd
}

func pairListCmd() *cobra.Command {
	var channel string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending pairing requests",
		Run: func(cmd *cobra.Command, args []string) {
			client, err := dialGateway(loadClientConfig())
			if err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				os.Exit(1)
			}
			defer client.Close()

			var reqs []pairing.Request
			err = client.call(protocol.MethodPairingList, protocol.PairingListParams{Channel: channel}, &reqs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				os.Exit(1)
			}
			if len(reqs) == 0 {
				fmt.Println("No pending pairing requests.")
				return
			}
			for _, r := range reqs {
				name := ""
				if r.Meta != nil && r.Meta.Name != "" {
					name = " (" + r.Meta.Name + ")"
				}
				age := time.Since(time.UnixMilli(r.CreatedAt)).Round(time.Second)
				fmt.Printf("%s  %s%s  requested %s ago\n", r.Code, r.ID, name, age)
			}
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "telegram", "channel to list requests for")
	return cmd
}

func pairApproveCmd() *cobra.Command {
	var channel string
	cmd := &cobra.Command{
		Use:   "approve <code>",
		Short: "Approve a pairing code and allowlist the peer",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			client, err := dialGateway(loadClientConfig())
			if err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				os.Exit(1)
			}
			defer client.Close()

			var result struct {
				ID string `json:"id"`
			}
			err = client.call(protocol.MethodPairingApprove, protocol.PairingApproveParams{
				Channel: channel,
				Code:    args[0],
			}, &result)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Approved %s on %s.\n", result.ID, channel)
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "telegram", "channel the code belongs to")
	return cmd
}
