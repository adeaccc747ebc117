package main

import (
	"github.com/spf13/cobra"

	"meshgate/internal/atcmd"
)

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Ask the bridge to open its pairing window",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendLine(cmd.OutOrStdout(), atcmd.BuildPair())
	},
}

func init() {
	rootCmd.AddCommand(pairCmd)
}
