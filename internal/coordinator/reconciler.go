package coordinator

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"meshgate/internal/atcmd"
	"meshgate/internal/store"
)

// Reconciler folds decoded wire commands into the device registry. It keeps
// an in-memory mesh address -> device key index as the fast path; the
// registry copy, keyed by composite key, is the durable one. On any index
// miss the registry is consulted before an address is treated as unknown.
type Reconciler struct {
	coord  *Coordinator
	logger *slog.Logger

	// In-memory mesh address -> device key index for fast lookup.
	addrMu    sync.RWMutex
	addrIndex map[uint32]string
}

// NewReconciler creates a new reconciler.
func NewReconciler(coord *Coordinator) *Reconciler {
	return &Reconciler{
		coord:     coord,
		logger:    coord.logger.With("component", "reconciler"),
		addrIndex: make(map[uint32]string),
	}
}

// updateAddrIndex updates the mesh address -> device key mapping.
func (r *Reconciler) updateAddrIndex(addr uint32, key string) {
	r.addrMu.Lock()
	r.addrIndex[addr] = key
	r.addrMu.Unlock()
}

// removeFromAddrIndex removes a mesh address from the index.
func (r *Reconciler) removeFromAddrIndex(addr uint32) {
	r.addrMu.Lock()
	delete(r.addrIndex, addr)
	r.addrMu.Unlock()
}

// lookupKey finds a device key by mesh address from the in-memory index.
func (r *Reconciler) lookupKey(addr uint32) string {
	r.addrMu.RLock()
	defer r.addrMu.RUnlock()
	return r.addrIndex[addr]
}

// RebuildAddrIndex loads all devices from the registry and populates the index.
func (r *Reconciler) RebuildAddrIndex() {
	devices, err := r.coord.Registry().List()
	if err != nil {
		r.logger.Error("rebuild addr index", "err", err)
		return
	}
	r.addrMu.Lock()
	clear(r.addrIndex)
	for _, d := range devices {
		r.addrIndex[d.Addr] = d.Key
	}
	r.addrMu.Unlock()
}

// lookupOrRebuild looks up a device key by mesh address from the in-memory
// index. If not found, rebuilds the index from the registry under a write
// lock with a double-check, then falls back to the composite key so a record
// whose stored address has drifted is still found.
func (r *Reconciler) lookupOrRebuild(class atcmd.Class, addr uint32) string {
	// Fast path: read lock.
	r.addrMu.RLock()
	key := r.addrIndex[addr]
	r.addrMu.RUnlock()
	if key != "" {
		return key
	}

	// Slow path: rebuild under write lock.
	r.addrMu.Lock()
	defer r.addrMu.Unlock()

	// Double-check after acquiring write lock.
	if key = r.addrIndex[addr]; key != "" {
		return key
	}

	devices, err := r.coord.Registry().List()
	if err != nil {
		r.logger.Error("rebuild addr index for lookup", "err", err)
		return ""
	}
	clear(r.addrIndex)
	for _, d := range devices {
		r.addrIndex[d.Addr] = d.Key
		if d.Addr == addr {
			key = d.Key
		}
	}
	if key != "" {
		return key
	}

	// A record can exist under its composite key with a stale address field.
	// Check it before concluding the address is unknown.
	derived := store.DeviceKey(string(class), addr)
	if _, err := r.coord.Registry().Get(derived); err == nil {
		r.addrIndex[addr] = derived
		return derived
	}
	return ""
}

// HandleCommand dispatches one decoded wire command.
func (r *Reconciler) HandleCommand(cmd atcmd.Command) {
	switch cmd.Kind {
	case atcmd.KindPair:
		r.logger.Info("gateway acknowledged pairing mode")
	case atcmd.KindAdd:
		r.handleAdd(cmd)
	case atcmd.KindStateUpdate:
		r.handleStateUpdate(cmd)
	case atcmd.KindDelete:
		r.handleDelete(cmd)
	}
}

// handleAdd processes a device announcement. A known address marks the
// existing record connected; a new one gets a synthesized record in both the
// index and the registry.
func (r *Reconciler) handleAdd(cmd atcmd.Command) {
	if !cmd.HasAddr {
		r.logger.Warn("add command missing mesh address", "class", string(cmd.Class))
		return
	}

	if key := r.lookupOrRebuild(cmd.Class, cmd.Addr); key != "" {
		existing, err := r.coord.Registry().Get(key)
		if err != nil {
			r.logger.Error("get device on add", "err", err, "key", key)
			return
		}
		existing.Status = store.StatusConnected
		existing.LastSeen = time.Now().UTC()
		if _, err := r.coord.Registry().Upsert(existing); err != nil {
			r.logger.Error("save device on add", "err", err, "key", key)
			return
		}
		r.updateAddrIndex(cmd.Addr, key)
		r.logger.Info("device rejoined", "key", key, "addr", cmd.Addr)
		return
	}

	dev := newRecord(cmd.Class, cmd.Addr)
	if _, err := r.coord.Registry().Upsert(dev); err != nil {
		r.logger.Error("save device on add", "err", err, "key", dev.Key)
		return
	}
	r.updateAddrIndex(cmd.Addr, dev.Key)
	r.logger.Info("device added", "key", dev.Key, "name", dev.Name, "addr", cmd.Addr)
}

// handleStateUpdate resolves the reporting device and applies its class
// fields. Battery devices may report state before any add announcement, so
// an unknown address creates the record here.
func (r *Reconciler) handleStateUpdate(cmd atcmd.Command) {
	if !cmd.HasAddr {
		r.logger.Warn("state update missing mesh address", "class", string(cmd.Class))
		return
	}

	var dev *store.Device
	if key := r.lookupOrRebuild(cmd.Class, cmd.Addr); key != "" {
		existing, err := r.coord.Registry().Get(key)
		if err != nil {
			r.logger.Error("get device on state update", "err", err, "key", key)
			return
		}
		dev = existing
	} else {
		dev = newRecord(cmd.Class, cmd.Addr)
		r.logger.Info("state update for unknown device, creating record",
			"key", dev.Key, "addr", cmd.Addr)
	}

	applyState(dev, cmd)
	dev.Status = store.StatusConnected
	dev.LastSeen = time.Now().UTC()

	if _, err := r.coord.Registry().Upsert(dev); err != nil {
		r.logger.Error("save device on state update", "err", err, "key", dev.Key)
		return
	}
	r.updateAddrIndex(cmd.Addr, dev.Key)

	data := map[string]interface{}{
		"key":     dev.Key,
		"addr":    cmd.Addr,
		"class":   dev.Class,
		"subtype": cmd.Subtype,
		"active":  cmd.Subtype != 0,
	}
	if cmd.HasBrightness {
		data["brightness"] = atcmd.ClampBrightness(cmd.Brightness)
	}
	r.coord.Events().Emit(Event{Type: EventStateReport, Data: data})

	r.logger.Debug("state applied", "key", dev.Key, "subtype", cmd.Subtype)
}

// handleDelete records the wire event and mutates nothing. Gateways emit
// delete lines during their own cleanup; removal here is operator driven.
func (r *Reconciler) handleDelete(cmd atcmd.Command) {
	if cmd.HasAddr {
		r.logger.Info("gateway reported delete, not applied",
			"class", string(cmd.Class), "addr", cmd.Addr)
		return
	}
	r.logger.Info("gateway reported delete, not applied",
		"class", string(cmd.Class), "code", cmd.Subtype)
}

// RemoveDevice deletes a record and asks the gateway to forget the class
// entry. The wire delete is best effort: deprovisioning is driven from here,
// never by inbound delete lines.
func (r *Reconciler) RemoveDevice(key string) error {
	dev, err := r.coord.Registry().Get(key)
	if err != nil {
		return err
	}
	if r.coord.Link().Connected() {
		if class, ok := atcmd.ParseClass(dev.Class); ok {
			if err := r.coord.Link().Send(atcmd.BuildDelete(class)); err != nil {
				r.logger.Warn("wire delete failed", "key", key, "err", err)
			}
		}
	}
	r.removeFromAddrIndex(dev.Addr)
	return r.coord.Registry().Remove(key)
}

// applyState folds the class-specific fields of a state command into the
// record's property bag.
func applyState(dev *store.Device, cmd atcmd.Command) {
	active := cmd.Subtype != 0
	switch dev.Class {
	case store.ClassBulb:
		dev.SetProp(store.PropLightState, active)
		if cmd.SupportsBrightness {
			// Sticky: once an address reports brightness framing, it keeps it.
			dev.SetProp(store.PropSupportsBrightness, true)
		}
		if cmd.HasBrightness {
			dev.SetProp(store.PropBrightness, atcmd.ClampBrightness(cmd.Brightness))
		}
	case store.ClassSwitch:
		dev.SetProp(store.PropSwitchState, active)
		// Raw code kept for consumers that distinguish momentary from
		// sustained activation.
		dev.SetProp(store.PropSubtypeCode, cmd.Subtype)
	}
}

// newRecord synthesizes a registry record for a freshly seen mesh device.
func newRecord(class atcmd.Class, addr uint32) *store.Device {
	category := store.CategorySwitch
	name := fmt.Sprintf("Mesh Switch %d", addr)
	if class == atcmd.ClassBulb {
		category = store.CategoryLight
		name = fmt.Sprintf("Mesh Bulb %d", addr)
	}
	dev := &store.Device{
		Key:      store.DeviceKey(string(class), addr),
		Addr:     addr,
		Class:    string(class),
		Category: category,
		Name:     name,
		Status:   store.StatusConnected,
	}
	dev.SetProp(store.PropSwitchState, false)
	dev.SetProp(store.PropLightState, false)
	return dev
}
