package coordinator

import (
	"fmt"
	"log/slog"
	"time"

	"meshgate/internal/atcmd"
	"meshgate/internal/gateway"
	"meshgate/internal/registry"
	"meshgate/internal/store"
)

// Config holds gateway link configuration for display purposes.
type Config struct {
	Port string
	Baud int
}

// Coordinator bridges the serial gateway link and the device registry:
// inbound wire commands flow through the Reconciler into the registry,
// outbound control requests flow through the command builders onto the link.
type Coordinator struct {
	link     gateway.Link
	store    store.Store
	registry *registry.Registry
	events   *EventBus
	devices  *Reconciler
	logger   *slog.Logger
	config   Config

	startedAt time.Time
}

// New creates a coordinator wired to the given link and registry.
func New(link gateway.Link, reg *registry.Registry, st store.Store, events *EventBus, cfg Config, logger *slog.Logger) *Coordinator {
	c := &Coordinator{
		link:     link,
		store:    st,
		registry: reg,
		events:   events,
		logger:   logger,
		config:   cfg,
	}
	c.devices = NewReconciler(c)
	c.devices.RebuildAddrIndex()
	c.registerLinkHandlers()
	c.registerRegistryHandlers()
	return c
}

// Start opens the gateway link and begins the switch presence sweep.
func (c *Coordinator) Start() error {
	c.startedAt = time.Now()
	if err := c.link.Start(); err != nil {
		return fmt.Errorf("start gateway link: %w", err)
	}
	c.registry.StartPresenceSweep()
	return nil
}

// Stop halts the presence sweep and closes the gateway link.
func (c *Coordinator) Stop() {
	c.registry.StopPresenceSweep()
	c.link.Stop()
}

// SendPairing asks the gateway to open its pairing window.
func (c *Coordinator) SendPairing() error {
	if err := c.link.Send(atcmd.BuildPair()); err != nil {
		return fmt.Errorf("send pairing: %w", err)
	}
	c.logger.Info("pairing window requested")
	c.events.Emit(Event{Type: EventPairing, Data: map[string]interface{}{"requested": true}})
	return nil
}

// SendControl writes a state command for a device. A nil brightness sends
// the short form, which the gateway treats as plain on/off.
func (c *Coordinator) SendControl(class atcmd.Class, addr uint32, on bool, brightness *int) error {
	if err := c.link.Send(atcmd.BuildState(class, addr, on, brightness)); err != nil {
		return fmt.Errorf("send control: %w", err)
	}
	c.logger.Info("control sent", "class", string(class), "addr", addr, "on", on)
	return nil
}

// SendProvision announces a device to the gateway's mesh table.
func (c *Coordinator) SendProvision(class atcmd.Class, addr uint32) error {
	if err := c.link.Send(atcmd.BuildAdd(class, addr)); err != nil {
		return fmt.Errorf("send provision: %w", err)
	}
	c.logger.Info("provision sent", "class", string(class), "addr", addr)
	return nil
}

// GatewayInfo returns current link information for status reporting.
func (c *Coordinator) GatewayInfo() map[string]interface{} {
	baud := c.config.Baud
	if baud == 0 {
		baud = gateway.DefaultBaudRate
	}
	info := map[string]interface{}{
		"port":      c.link.Port(),
		"baud":      baud,
		"connected": c.link.Connected(),
	}
	if !c.startedAt.IsZero() {
		info["uptime"] = time.Since(c.startedAt).Round(time.Second).String()
	}
	if gs, err := c.store.GetGatewayState(); err == nil {
		info["last_connected"] = gs.LastConnected
	}
	return info
}

// Link returns the gateway link.
func (c *Coordinator) Link() gateway.Link {
	return c.link
}

// Store returns the store.
func (c *Coordinator) Store() store.Store {
	return c.store
}

// Registry returns the device registry.
func (c *Coordinator) Registry() *registry.Registry {
	return c.registry
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

// Devices returns the reconciler.
func (c *Coordinator) Devices() *Reconciler {
	return c.devices
}

func (c *Coordinator) registerLinkHandlers() {
	c.link.OnCommand(func(cmd atcmd.Command) {
		c.devices.HandleCommand(cmd)
	})
	c.link.OnConnectionChange(func(connected bool) {
		c.handleConnectionChange(connected)
	})
}

// registerRegistryHandlers re-emits registry change notifications on the
// event bus so transport layers see one uniform stream.
func (c *Coordinator) registerRegistryHandlers() {
	c.registry.OnDeviceAdded(func(dev *store.Device) {
		c.events.Emit(Event{Type: EventDeviceAdded, Data: dev})
	})
	c.registry.OnDeviceUpdated(func(dev *store.Device) {
		c.events.Emit(Event{Type: EventDeviceUpdated, Data: dev})
	})
	c.registry.OnDeviceRemoved(func(dev *store.Device) {
		c.events.Emit(Event{Type: EventDeviceRemoved, Data: dev})
	})
}

func (c *Coordinator) handleConnectionChange(connected bool) {
	state := "disconnected"
	if connected {
		state = "connected"
		baud := c.config.Baud
		if baud == 0 {
			baud = gateway.DefaultBaudRate
		}
		c.logger.Info("gateway link up", "port", c.link.Port())
		if err := c.store.SaveGatewayState(&store.GatewayState{
			Port:          c.link.Port(),
			BaudRate:      baud,
			LastConnected: time.Now().UTC(),
		}); err != nil {
			c.logger.Error("save gateway state", "err", err)
		}
	} else {
		c.logger.Warn("gateway link down")
	}
	c.events.Emit(Event{Type: EventGatewayState, Data: state})
}
