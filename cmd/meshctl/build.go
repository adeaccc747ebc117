package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"meshgate/internal/atcmd"
)

var buildCmd = &cobra.Command{
	Use:   "build <pair|add|del|state> [args]",
	Short: "Print a wire encoding without sending it",
	Long: `Encodes a command and prints it without touching the port.

  build pair
  build add <class> <addr>
  build del <class>
  build state <class> <addr> on|off
  build state <class> <addr> brightness <0-255>`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		line, err := encodeArgs(args)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%q\n", line)
		return nil
	},
}

func encodeArgs(args []string) (string, error) {
	switch args[0] {
	case "pair":
		return atcmd.BuildPair(), nil

	case "add":
		if len(args) < 3 {
			return "", fmt.Errorf("add requires <class> <addr>")
		}
		class, ok := atcmd.ParseClass(args[1])
		if !ok {
			return "", fmt.Errorf("unknown class %q", args[1])
		}
		addr, err := parseAddr(args[2])
		if err != nil {
			return "", err
		}
		return atcmd.BuildAdd(class, addr), nil

	case "del":
		if len(args) < 2 {
			return "", fmt.Errorf("del requires <class>")
		}
		class, ok := atcmd.ParseClass(args[1])
		if !ok {
			return "", fmt.Errorf("unknown class %q", args[1])
		}
		return atcmd.BuildDelete(class), nil

	case "state":
		if len(args) < 4 {
			return "", fmt.Errorf("state requires <class> <addr> on|off|brightness <n>")
		}
		class, ok := atcmd.ParseClass(args[1])
		if !ok {
			return "", fmt.Errorf("unknown class %q", args[1])
		}
		addr, err := parseAddr(args[2])
		if err != nil {
			return "", err
		}
		switch strings.ToLower(args[3]) {
		case "on", "1", "true":
			return atcmd.BuildState(class, addr, true, nil), nil
		case "off", "0", "false":
			return atcmd.BuildState(class, addr, false, nil), nil
		case "brightness":
			if len(args) < 5 {
				return "", fmt.Errorf("brightness requires a value")
			}
			v, err := strconv.Atoi(args[4])
			if err != nil {
				return "", fmt.Errorf("brightness %q: %w", args[4], err)
			}
			b := atcmd.ClampBrightness(v)
			return atcmd.BuildState(class, addr, true, &b), nil
		default:
			return "", fmt.Errorf("state must be on, off, or brightness, got %q", args[3])
		}

	default:
		return "", fmt.Errorf("unknown command %q", args[0])
	}
}

func init() {
	rootCmd.AddCommand(buildCmd)
}
