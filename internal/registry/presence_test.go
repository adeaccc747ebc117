package registry

import (
	"testing"
	"time"

	"meshgate/internal/store"
)

func switchRecord(addr uint32, subtype int, status string, lastSeen time.Time) *store.Device {
	dev := &store.Device{
		Key:      store.DeviceKey(store.ClassSwitch, addr),
		Addr:     addr,
		Class:    store.ClassSwitch,
		Category: store.CategorySwitch,
		Name:     "Mesh Switch",
		Status:   status,
		LastSeen: lastSeen,
	}
	dev.SetProp(store.PropSubtypeCode, subtype)
	return dev
}

func TestSweepEligible(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		name string
		dev  *store.Device
		want bool
	}{
		{"sustained connected switch", switchRecord(1, 3, store.StatusConnected, now), true},
		{"momentary switch", switchRecord(2, 1, store.StatusConnected, now), false},
		{"already offline", switchRecord(3, 3, store.StatusOffline, now), false},
		{"bulb", bulbRecord(4), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sweepEligible(tt.dev); got != tt.want {
				t.Errorf("sweepEligible = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSweepMarksQuietSwitchesOffline(t *testing.T) {
	reg, events := newTestRegistry(t)
	now := time.Now().UTC()

	quiet := switchRecord(1, 3, store.StatusConnected, now.Add(-10*time.Second))
	recent := switchRecord(2, 3, store.StatusConnected, now.Add(-time.Second))
	momentary := switchRecord(3, 1, store.StatusConnected, now.Add(-10*time.Second))
	for _, dev := range []*store.Device{quiet, recent, momentary} {
		if _, err := reg.Upsert(dev); err != nil {
			t.Fatal(err)
		}
	}
	updatedBefore := len(events.updated)

	reg.sweeper.sweep(now)

	if got := mustGet(t, reg, quiet.Key); got.Status != store.StatusOffline {
		t.Errorf("quiet switch status = %q, want offline", got.Status)
	}
	if got := mustGet(t, reg, recent.Key); got.Status != store.StatusConnected {
		t.Errorf("recent switch status = %q, want connected", got.Status)
	}
	if got := mustGet(t, reg, momentary.Key); got.Status != store.StatusConnected {
		t.Errorf("momentary switch status = %q, want connected", got.Status)
	}
	if got := len(events.updated) - updatedBefore; got != 1 {
		t.Errorf("updated notifications = %d, want 1", got)
	}
}

func TestSweepIdempotent(t *testing.T) {
	reg, events := newTestRegistry(t)
	now := time.Now().UTC()

	dev := switchRecord(1, 3, store.StatusConnected, now.Add(-time.Minute))
	if _, err := reg.Upsert(dev); err != nil {
		t.Fatal(err)
	}
	updatedBefore := len(events.updated)

	reg.sweeper.sweep(now)
	reg.sweeper.sweep(now)

	// Second sweep sees the switch offline already and leaves it alone.
	if got := len(events.updated) - updatedBefore; got != 1 {
		t.Errorf("updated notifications = %d, want 1", got)
	}
}

func TestSweeperStartStop(t *testing.T) {
	reg, _ := newTestRegistry(t)

	reg.StartPresenceSweep()
	reg.StartPresenceSweep() // second start is a no-op
	reg.StopPresenceSweep()
	reg.StopPresenceSweep() // second stop is a no-op
}
