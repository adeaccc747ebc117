package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.bug.st/serial"

	"meshgate/internal/atcmd"
	"meshgate/internal/gateway"
)

// responseWindow bounds how long a one-shot command waits for the bridge
// to talk back.
const responseWindow = 5 * time.Second

var (
	flagPort string
	flagBaud int
)

var rootCmd = &cobra.Command{
	Use:   "meshctl",
	Short: "Bench tool for the mesh serial bridge",
	Long: `Meshctl talks the bridge's AT line grammar directly over a serial
port, for bench work without the meshgate daemon: listing candidate
ports, printing encodings, firing one-shot commands, and watching
decoded traffic.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagPort, "port", "p", "", "serial port path (default: discover on the USB bus)")
	rootCmd.PersistentFlags().IntVarP(&flagBaud, "baud", "b", gateway.DefaultBaudRate, "line rate")
}

// resolvePort returns the pinned port or runs the discovery scan.
func resolvePort() (string, error) {
	if flagPort != "" {
		return flagPort, nil
	}
	candidates, err := gateway.ScanPorts()
	if err != nil {
		return "", err
	}
	port, ok := gateway.LocatePort(candidates)
	if !ok {
		return "", fmt.Errorf("no obvious bridge port among %d candidates, pin one with --port", len(candidates))
	}
	return port, nil
}

func openPort(path string) (serial.Port, error) {
	mode := &serial.Mode{
		BaudRate: flagBaud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return port, nil
}

// sendLine opens the port, writes one line, and echoes whatever the bridge
// says back within the response window.
func sendLine(out io.Writer, line string) error {
	path, err := resolvePort()
	if err != nil {
		return err
	}
	port, err := openPort(path)
	if err != nil {
		return err
	}
	defer port.Close()

	fmt.Fprintf(out, "Connected to %s\n", path)
	fmt.Fprintf(out, "Sending: %q\n", line)
	if _, err := port.Write([]byte(line)); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return echoResponse(out, port)
}

// echoResponse drains bridge output until the window closes or the link
// goes quiet after a burst.
func echoResponse(out io.Writer, port serial.Port) error {
	if err := port.SetReadTimeout(500 * time.Millisecond); err != nil {
		return fmt.Errorf("set read timeout: %w", err)
	}
	deadline := time.Now().Add(responseWindow)
	buf := make([]byte, 256)
	var resp []byte
	for time.Now().Before(deadline) {
		n, err := port.Read(buf)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if n == 0 {
			if len(resp) > 0 {
				break
			}
			continue
		}
		resp = append(resp, buf[:n]...)
	}
	if len(resp) == 0 {
		fmt.Fprintln(out, "No response received")
		return nil
	}
	fmt.Fprintf(out, "Response: %q\n", resp)
	return nil
}

func parseAddr(tok string) (uint32, error) {
	v, err := strconv.ParseUint(tok, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("address %q: %w", tok, err)
	}
	return atcmd.MaskAddr(v), nil
}
