package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.bug.st/serial"

	"meshgate/internal/atcmd"
)

// DefaultBaudRate is the bridge's fixed line rate.
const DefaultBaudRate = 115200

const (
	// pollInterval bounds each blocking read so the loop wakes at a fixed
	// cadence even on a silent link.
	pollInterval = 100 * time.Millisecond
	// errorBackoff is the pause after a transient read error.
	errorBackoff = 1 * time.Second
	// reconnectInterval spaces reopen attempts after the handle is lost.
	reconnectInterval = 5 * time.Second

	readBufSize = 512
)

// Config holds the serial link parameters.
type Config struct {
	// Port pins the device path. Empty means discover via LocatePort.
	Port string
	// Baud defaults to DefaultBaudRate when zero.
	Baud int
}

// SerialLink implements Link over a go.bug.st/serial port. A single read
// loop goroutine owns inbound traffic; Send is serialized against it with a
// write mutex so reads and writes never interleave mid-operation.
type SerialLink struct {
	cfg    Config
	logger *slog.Logger

	writeMu sync.Mutex

	// portMu guards port, portName and state.
	portMu   sync.RWMutex
	port     serial.Port
	portName string
	state    State

	handlerMu    sync.RWMutex
	onCommand    func(atcmd.Command)
	onConnection func(bool)

	// lifecycleMu serializes Start/Stop transitions.
	lifecycleMu sync.Mutex
	started     bool
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewSerialLink creates an unopened link. Start opens it.
func NewSerialLink(cfg Config, logger *slog.Logger) *SerialLink {
	if cfg.Baud == 0 {
		cfg.Baud = DefaultBaudRate
	}
	return &SerialLink{
		cfg:    cfg,
		logger: logger.With("component", "gateway"),
	}
}

// OnCommand registers the decoded-command handler.
func (l *SerialLink) OnCommand(handler func(atcmd.Command)) {
	l.handlerMu.Lock()
	l.onCommand = handler
	l.handlerMu.Unlock()
}

// OnConnectionChange registers the open/lost transition handler.
func (l *SerialLink) OnConnectionChange(handler func(bool)) {
	l.handlerMu.Lock()
	l.onConnection = handler
	l.handlerMu.Unlock()
}

// Start opens the port and launches the read loop. On failure the link
// stays closed and the error is returned to the caller.
func (l *SerialLink) Start() error {
	l.lifecycleMu.Lock()
	if l.started {
		l.lifecycleMu.Unlock()
		return nil
	}

	l.setState(StateOpening)
	port, name, err := l.openPort()
	if err != nil {
		l.setState(StateClosed)
		l.lifecycleMu.Unlock()
		return err
	}

	l.ctx, l.cancel = context.WithCancel(context.Background())
	l.setPort(port, name)
	l.setState(StateOpen)
	l.started = true

	l.wg.Add(1)
	go l.readLoop()
	l.lifecycleMu.Unlock()

	l.logger.Info("gateway link open", "port", name, "baud", l.cfg.Baud)
	l.notifyConnection(true)
	return nil
}

// Stop cancels the read loop, closes the handle and waits for the loop to
// exit. Safe to call more than once.
func (l *SerialLink) Stop() {
	l.lifecycleMu.Lock()
	if !l.started {
		l.lifecycleMu.Unlock()
		return
	}
	l.started = false
	l.cancel()
	l.closePort() // unblocks a pending read
	l.lifecycleMu.Unlock()

	l.wg.Wait()
	l.closePort() // reconnect may have swapped in a fresh handle
	l.setState(StateClosed)
	l.logger.Info("gateway link closed")
	l.notifyConnection(false)
}

// Send writes one encoded line to the open link.
func (l *SerialLink) Send(line string) error {
	l.portMu.RLock()
	port, state := l.port, l.state
	l.portMu.RUnlock()
	if state != StateOpen || port == nil {
		return fmt.Errorf("gateway link not open (state %s)", state)
	}

	l.writeMu.Lock()
	_, err := port.Write([]byte(line))
	l.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("gateway write: %w", err)
	}
	l.logger.Debug("gateway TX", "line", strings.TrimRight(line, "\r\n"))
	return nil
}

// Connected reports whether the link is open.
func (l *SerialLink) Connected() bool {
	l.portMu.RLock()
	defer l.portMu.RUnlock()
	return l.state == StateOpen
}

// Port returns the device path in use.
func (l *SerialLink) Port() string {
	l.portMu.RLock()
	defer l.portMu.RUnlock()
	if l.state == StateClosed {
		return ""
	}
	return l.portName
}

// State returns the lifecycle state.
func (l *SerialLink) State() State {
	l.portMu.RLock()
	defer l.portMu.RUnlock()
	return l.state
}

// openPort resolves the device path (discovery unless pinned) and opens it
// with the bridge's fixed parameters.
func (l *SerialLink) openPort() (serial.Port, string, error) {
	name := l.cfg.Port
	if name == "" {
		candidates, err := ScanPorts()
		if err != nil {
			return nil, "", err
		}
		var ok bool
		name, ok = LocatePort(candidates)
		if !ok {
			return nil, "", errors.New("no gateway port identified, pin serial.port in config")
		}
		l.logger.Info("gateway port discovered", "port", name, "candidates", len(candidates))
	}

	mode := &serial.Mode{
		BaudRate: l.cfg.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, "", fmt.Errorf("open %s: %w", name, err)
	}

	// Bridge firmware expects DTR/RTS asserted on USB CDC ports.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)
	_ = port.SetReadTimeout(pollInterval)
	return port, name, nil
}

func (l *SerialLink) readLoop() {
	defer l.wg.Done()

	framer := &LineFramer{}
	buf := make([]byte, readBufSize)

	for {
		select {
		case <-l.ctx.Done():
			return
		default:
		}

		l.portMu.RLock()
		port := l.port
		l.portMu.RUnlock()
		if port == nil {
			// Stop closed the handle; cancellation lands next iteration.
			select {
			case <-l.ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}

		n, err := port.Read(buf)
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			if isHandleFailure(err) {
				l.logger.Warn("gateway link lost", "port", l.Port(), "err", err)
				l.notifyConnection(false)
				if rerr := l.reconnect(); rerr != nil {
					return // stopped during reconnect
				}
				framer.Reset()
				continue
			}
			l.logger.Error("gateway read error", "err", err)
			select {
			case <-time.After(errorBackoff):
			case <-l.ctx.Done():
				return
			}
			continue
		}
		if n == 0 {
			continue // poll timeout, nothing buffered
		}

		lines, ferr := framer.Feed(buf[:n])
		if ferr != nil {
			l.logger.Error("gateway framing error", "err", ferr)
		}
		for _, line := range lines {
			l.handleLine(line)
		}
	}
}

// handleLine decodes one framed line and dispatches it. Lines that match
// neither grammar are link noise and are dropped at debug level.
func (l *SerialLink) handleLine(line string) {
	l.logger.Debug("gateway RX", "line", line)

	cmd, ok := atcmd.Parse(line)
	if !ok {
		l.logger.Debug("gateway line discarded", "line", line)
		return
	}

	l.handlerMu.RLock()
	handler := l.onCommand
	l.handlerMu.RUnlock()
	if handler != nil {
		handler(cmd)
	}
}

// reconnect reopens the link after a handle failure, retrying at a constant
// interval until it succeeds or the link is stopped. Discovery reruns on
// every attempt so the bridge is found again even on a new device path.
func (l *SerialLink) reconnect() error {
	l.setState(StateOpening)
	l.closePort()

	op := func() error {
		port, name, err := l.openPort()
		if err != nil {
			l.logger.Warn("gateway reopen failed", "err", err)
			return err
		}
		l.setPort(port, name)
		return nil
	}
	policy := backoff.WithContext(backoff.NewConstantBackOff(reconnectInterval), l.ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return err
	}

	l.setState(StateOpen)
	l.logger.Info("gateway link restored", "port", l.Port())
	l.notifyConnection(true)
	return nil
}

func (l *SerialLink) setPort(port serial.Port, name string) {
	l.portMu.Lock()
	l.port = port
	l.portName = name
	l.portMu.Unlock()
}

func (l *SerialLink) setState(s State) {
	l.portMu.Lock()
	l.state = s
	l.portMu.Unlock()
}

func (l *SerialLink) closePort() {
	l.portMu.Lock()
	if l.port != nil {
		_ = l.port.Close()
		l.port = nil
	}
	l.portMu.Unlock()
}

func (l *SerialLink) notifyConnection(connected bool) {
	l.handlerMu.RLock()
	handler := l.onConnection
	l.handlerMu.RUnlock()
	if handler != nil {
		handler(connected)
	}
}

// isHandleFailure tells a dead handle (reopen required) from a transient
// read error (backoff and keep polling the same handle).
func isHandleFailure(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	var portErr *serial.PortError
	return errors.As(err, &portErr)
}
