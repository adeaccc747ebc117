package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"meshgate/internal/atcmd"
	"meshgate/internal/gateway"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Stream decoded bridge traffic until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
		link := gateway.NewSerialLink(gateway.Config{Port: flagPort, Baud: flagBaud}, logger)

		out := cmd.OutOrStdout()
		link.OnCommand(func(c atcmd.Command) {
			ts := time.Now().Format("15:04:05.000")
			switch c.Kind {
			case atcmd.KindStateUpdate:
				line := fmt.Sprintf("%s  state  %-6s addr=%d subtype=%d gen=%s", ts, c.Class, c.Addr, c.Subtype, c.Gen)
				if c.HasBrightness {
					line += fmt.Sprintf(" brightness=%d", c.Brightness)
				}
				fmt.Fprintln(out, line)
			case atcmd.KindAdd:
				fmt.Fprintf(out, "%s  add    %-6s addr=%d\n", ts, c.Class, c.Addr)
			case atcmd.KindDelete:
				fmt.Fprintf(out, "%s  del    %-6s code=%d\n", ts, c.Class, c.Subtype)
			case atcmd.KindPair:
				fmt.Fprintf(out, "%s  pair\n", ts)
			}
		})
		link.OnConnectionChange(func(connected bool) {
			if connected {
				fmt.Fprintf(out, "-- link up on %s --\n", link.Port())
			} else {
				fmt.Fprintln(out, "-- link down --")
			}
		})

		if err := link.Start(); err != nil {
			return err
		}
		defer link.Stop()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		fmt.Fprintln(out, "-- stopped --")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}
