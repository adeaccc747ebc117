package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"meshgate/internal/gateway"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports and mark the discovery pick",
	RunE: func(cmd *cobra.Command, args []string) error {
		candidates, err := gateway.ScanPorts()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(candidates) == 0 {
			fmt.Fprintln(out, "No serial ports found")
			return nil
		}

		pick, ok := gateway.LocatePort(candidates)
		for _, c := range candidates {
			mark := " "
			if ok && c.Path == pick {
				mark = "*"
			}
			line := fmt.Sprintf("%s %s", mark, c.Path)
			if c.Description != "" {
				line += "  " + c.Description
			}
			if c.VID != "" || c.PID != "" {
				line += fmt.Sprintf("  [%s:%s]", c.VID, c.PID)
			}
			if c.SerialNumber != "" {
				line += "  sn=" + c.SerialNumber
			}
			fmt.Fprintln(out, line)
		}
		if !ok {
			fmt.Fprintln(out, "\nNo obvious bridge port; pin one with --port")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(portsCmd)
}
