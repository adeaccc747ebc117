// Package registry is the durable device registry: the system of record for
// device records keyed by their composite key. The coordinator reconciles
// mesh events into it; web and MQTT surfaces read from it and learn about
// changes through the registered callbacks.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"meshgate/internal/store"
)

// Registry wraps a Store with merge-on-upsert semantics and change
// notification. All mutations are serialized so concurrent writers cannot
// lose updates between the read and the write of a merge.
type Registry struct {
	store  store.Store
	logger *slog.Logger

	mu sync.Mutex

	handlerMu sync.RWMutex
	onAdded   func(*store.Device)
	onUpdated func(*store.Device)
	onRemoved func(*store.Device)

	sweeper *presenceSweeper
}

// New creates a Registry over the given store.
func New(st store.Store, logger *slog.Logger) *Registry {
	r := &Registry{
		store:  st,
		logger: logger.With("component", "registry"),
	}
	r.sweeper = newPresenceSweeper(r)
	return r
}

// OnDeviceAdded registers the handler fired once per newly created record.
func (r *Registry) OnDeviceAdded(fn func(*store.Device)) {
	r.handlerMu.Lock()
	r.onAdded = fn
	r.handlerMu.Unlock()
}

// OnDeviceUpdated registers the handler fired once per record mutation.
func (r *Registry) OnDeviceUpdated(fn func(*store.Device)) {
	r.handlerMu.Lock()
	r.onUpdated = fn
	r.handlerMu.Unlock()
}

// OnDeviceRemoved registers the handler fired when a record is removed
// through the registry API.
func (r *Registry) OnDeviceRemoved(fn func(*store.Device)) {
	r.handlerMu.Lock()
	r.onRemoved = fn
	r.handlerMu.Unlock()
}

// Get returns the record for a composite key. The error wraps
// store.ErrNotFound when no record exists.
func (r *Registry) Get(key string) (*store.Device, error) {
	return r.store.GetDevice(key)
}

// List returns all records ordered by composite key.
func (r *Registry) List() ([]*store.Device, error) {
	devices, err := r.store.ListDevices()
	if err != nil {
		return nil, err
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Key < devices[j].Key })
	return devices, nil
}

// Upsert persists dev and notifies exactly one change handler: added when no
// record existed under dev.Key, updated otherwise. On update the existing
// CreatedAt is kept and property-bag entries not present in dev survive.
// Returns whether a record was created.
func (r *Registry) Upsert(dev *store.Device) (bool, error) {
	r.mu.Lock()

	existing, err := r.store.GetDevice(dev.Key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		r.mu.Unlock()
		return false, fmt.Errorf("registry lookup %s: %w", dev.Key, err)
	}

	now := time.Now().UTC()
	if existing == nil {
		if dev.CreatedAt.IsZero() {
			dev.CreatedAt = now
		}
		if dev.LastSeen.IsZero() {
			dev.LastSeen = now
		}
		if err := r.store.SaveDevice(dev); err != nil {
			r.mu.Unlock()
			return false, fmt.Errorf("registry save %s: %w", dev.Key, err)
		}
		r.mu.Unlock()

		r.logger.Info("device added",
			"key", dev.Key, "class", dev.Class, "category", dev.Category)
		r.notify(r.added(), dev)
		return true, nil
	}

	merged := *dev
	merged.CreatedAt = existing.CreatedAt
	if merged.Name == "" {
		merged.Name = existing.Name
	}
	if merged.LastSeen.IsZero() {
		merged.LastSeen = now
	}
	for k, v := range existing.Properties {
		if _, present := merged.Properties[k]; !present {
			merged.SetProp(k, v)
		}
	}
	if err := r.store.SaveDevice(&merged); err != nil {
		r.mu.Unlock()
		return false, fmt.Errorf("registry save %s: %w", dev.Key, err)
	}
	r.mu.Unlock()

	r.logger.Debug("device updated", "key", merged.Key, "status", merged.Status)
	r.notify(r.updated(), &merged)
	return false, nil
}

// SetStatus updates just the connectivity status of a record and notifies.
// A no-op when the record already has the status.
func (r *Registry) SetStatus(key, status string) error {
	r.mu.Lock()

	dev, err := r.store.GetDevice(key)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if dev.Status == status {
		r.mu.Unlock()
		return nil
	}
	dev.Status = status
	if err := r.store.SaveDevice(dev); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("registry save %s: %w", key, err)
	}
	r.mu.Unlock()

	r.logger.Info("device status changed", "key", key, "status", status)
	r.notify(r.updated(), dev)
	return nil
}

// Rename sets the display name of a record and notifies. A no-op when the
// record already carries the name. An empty name is stored as-is; display
// layers fall back to the composite key.
func (r *Registry) Rename(key, name string) error {
	r.mu.Lock()

	dev, err := r.store.GetDevice(key)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if dev.Name == name {
		r.mu.Unlock()
		return nil
	}
	dev.Name = name
	if err := r.store.SaveDevice(dev); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("registry save %s: %w", key, err)
	}
	r.mu.Unlock()

	r.logger.Info("device renamed", "key", key, "name", name)
	r.notify(r.updated(), dev)
	return nil
}

// Remove deletes a record. The serial core never calls this; removal is a
// platform-side operation exposed through the API surfaces.
func (r *Registry) Remove(key string) error {
	r.mu.Lock()

	dev, err := r.store.GetDevice(key)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if err := r.store.DeleteDevice(key); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("registry delete %s: %w", key, err)
	}
	r.mu.Unlock()

	r.logger.Info("device removed", "key", key)
	r.notify(r.removed(), dev)
	return nil
}

// StartPresenceSweep launches the background presence check.
func (r *Registry) StartPresenceSweep() {
	r.sweeper.start()
}

// StopPresenceSweep stops the background presence check. Idempotent.
func (r *Registry) StopPresenceSweep() {
	r.sweeper.stop()
}

func (r *Registry) added() func(*store.Device) {
	r.handlerMu.RLock()
	defer r.handlerMu.RUnlock()
	return r.onAdded
}

func (r *Registry) updated() func(*store.Device) {
	r.handlerMu.RLock()
	defer r.handlerMu.RUnlock()
	return r.onUpdated
}

func (r *Registry) removed() func(*store.Device) {
	r.handlerMu.RLock()
	defer r.handlerMu.RUnlock()
	return r.onRemoved
}

func (r *Registry) notify(fn func(*store.Device), dev *store.Device) {
	if fn == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("registry handler panic", "key", dev.Key, "panic", rec)
		}
	}()
	fn(dev)
}
