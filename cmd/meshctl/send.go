package main

import (
	"strings"

	"github.com/spf13/cobra"

	"meshgate/internal/atcmd"
)

var sendCmd = &cobra.Command{
	Use:   "send <line>",
	Short: "Send one raw line and print the response",
	Long:  "Writes the line verbatim, appending CRLF when missing, then waits out the response window.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		line := args[0]
		if !strings.HasSuffix(line, atcmd.LineEnding) {
			line += atcmd.LineEnding
		}
		return sendLine(cmd.OutOrStdout(), line)
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)
}
