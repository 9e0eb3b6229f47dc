package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/openclaw/openclaw/pkg/protocol"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show gateway and channel status",
		Run: func(cmd *cobra.Command, args []string) {
			client, err := dialGateway(loadClientConfig())
			if err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				os.Exit(1)
			}
			defer client.Close()

			var st protocol.StatusResult
			if err := client.call(protocol.MethodStatus, nil, &st); err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				os.Exit(1)
			}
			printStatus(st)
		},
	}
}

func printStatus(st protocol.StatusResult) {
	uptime := time.Duration(st.Uptime) * time.Millisecond
	fmt.Printf("Gateway up %s, %d session(s)\n\n", uptime.Round(time.Second), st.Sessions)

	if len(st.Channels) == 0 {
		fmt.Println("No channels configured.")
		return
	}

	rows := make([][]string, 0, len(st.Channels)+1)
	rows = append(rows, []string{"CHANNEL", "STATE", "BOT"})
	for name, ch := range st.Channels {
		state := "connected"
		if !ch.Connected {
			state = "down"
			if ch.Error != "" {
				state = "down: " + ch.Error
			}
		}
		rows = append(rows, []string{name, state, ch.Bot})
	}
	printTable(rows)
}

// printTable aligns columns by display width so wide runes in bot names
// don't skew the layout.
func printTable(rows [][]string) {
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			if w := runewidth.StringWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}
	for _, row := range rows {
		var b strings.Builder
		for i, cell := range row {
			b.WriteString(cell)
			if i < len(row)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-runewidth.StringWidth(cell)+2))
			}
		}
		fmt.Println(b.String())
	}
}
