package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"meshgate/internal/atcmd"
)

var controlBrightness int

var controlCmd = &cobra.Command{
	Use:   "control <class> <addr> <on|off>",
	Short: "Drive a device's state",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		class, ok := atcmd.ParseClass(args[0])
		if !ok {
			return fmt.Errorf("unknown class %q", args[0])
		}
		addr, err := parseAddr(args[1])
		if err != nil {
			return err
		}
		var on bool
		switch strings.ToLower(args[2]) {
		case "on":
			on = true
		case "off":
			on = false
		default:
			return fmt.Errorf("state must be on or off, got %q", args[2])
		}

		var brightness *int
		if cmd.Flags().Changed("brightness") {
			b := atcmd.ClampBrightness(controlBrightness)
			brightness = &b
		}
		return sendLine(cmd.OutOrStdout(), atcmd.BuildState(class, addr, on, brightness))
	},
}

func init() {
	controlCmd.Flags().IntVar(&controlBrightness, "brightness", 0, "brightness 0-255, switches to the four-field framing")
	rootCmd.AddCommand(controlCmd)
}
