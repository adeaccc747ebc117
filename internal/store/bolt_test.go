package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetDevice(t *testing.T) {
	s := newTestStore(t)

	dev := &Device{
		Key:      DeviceKey(ClassBulb, 55424),
		Addr:     55424,
		Class:    ClassBulb,
		Category: CategoryLight,
		Name:     "Mesh Bulb 55424",
		Status:   StatusConnected,
		Properties: map[string]any{
			PropLightState:  true,
			PropBrightness:  128,
			PropSubtypeCode: 1,
		},
		CreatedAt: time.Now().Truncate(time.Millisecond),
		LastSeen:  time.Now().Truncate(time.Millisecond),
	}

	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDevice(dev.Key)
	if err != nil {
		t.Fatal(err)
	}

	if got.Key != "mesh_bulb_55424" {
		t.Errorf("key = %q, want %q", got.Key, "mesh_bulb_55424")
	}
	if got.Addr != dev.Addr {
		t.Errorf("addr = %d, want %d", got.Addr, dev.Addr)
	}
	if got.Class != ClassBulb || got.Category != CategoryLight {
		t.Errorf("class/category = %q/%q", got.Class, got.Category)
	}
	if got.Status != StatusConnected {
		t.Errorf("status = %q, want connected", got.Status)
	}
	if !got.BoolProp(PropLightState) {
		t.Error("light_state lost")
	}
	// JSON round-trips numbers as float64; IntProp must still read them.
	if b, ok := got.IntProp(PropBrightness); !ok || b != 128 {
		t.Errorf("brightness = %d (ok=%v), want 128", b, ok)
	}
}

func TestDeleteDevice(t *testing.T) {
	s := newTestStore(t)

	dev := &Device{Key: DeviceKey(ClassSwitch, 7), Addr: 7, Class: ClassSwitch}
	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteDevice(dev.Key); err != nil {
		t.Fatal(err)
	}

	_, err := s.GetDevice(dev.Key)
	if err == nil {
		t.Fatal("expected error after delete, got nil")
	}
}

func TestListDevices(t *testing.T) {
	s := newTestStore(t)

	devs := []*Device{
		{Key: DeviceKey(ClassBulb, 1), Addr: 1, Class: ClassBulb},
		{Key: DeviceKey(ClassBulb, 2), Addr: 2, Class: ClassBulb},
		{Key: DeviceKey(ClassSwitch, 2), Addr: 2, Class: ClassSwitch},
	}
	for _, d := range devs {
		if err := s.SaveDevice(d); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListDevices()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("list count = %d, want 3", len(list))
	}

	// Verify all devices present.
	found := make(map[string]bool)
	for _, d := range list {
		found[d.Key] = true
	}
	for _, d := range devs {
		if !found[d.Key] {
			t.Errorf("device %s not in list", d.Key)
		}
	}
}

func TestGetDeviceNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetDevice("mesh_bulb_404")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateDevice(t *testing.T) {
	s := newTestStore(t)

	dev := &Device{Key: DeviceKey(ClassBulb, 9), Addr: 9, Class: ClassBulb, Status: StatusConnected}
	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}

	err := s.UpdateDevice(dev.Key, func(d *Device) error {
		d.Status = StatusOffline
		d.SetProp(PropSupportsBrightness, true)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDevice(dev.Key)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusOffline {
		t.Errorf("status = %q, want offline", got.Status)
	}
	if !got.BoolProp(PropSupportsBrightness) {
		t.Error("supports_brightness not persisted")
	}
}

func TestUpdateDeviceMissing(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateDevice("mesh_bulb_404", func(d *Device) error { return nil })
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateDeviceCallbackError(t *testing.T) {
	s := newTestStore(t)

	dev := &Device{Key: DeviceKey(ClassBulb, 3), Addr: 3, Class: ClassBulb, Status: StatusConnected}
	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}

	wantErr := errors.New("nope")
	err := s.UpdateDevice(dev.Key, func(d *Device) error {
		d.Status = StatusOffline
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want callback error", err)
	}

	// The aborted transaction must not have persisted the mutation.
	got, err := s.GetDevice(dev.Key)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusConnected {
		t.Errorf("status = %q, want connected after rollback", got.Status)
	}
}

func TestSaveAndGetGatewayState(t *testing.T) {
	s := newTestStore(t)

	state := &GatewayState{
		Port:          "/dev/ttyUSB0",
		BaudRate:      115200,
		LastConnected: time.Now().Truncate(time.Millisecond),
	}

	if err := s.SaveGatewayState(state); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetGatewayState()
	if err != nil {
		t.Fatal(err)
	}

	if got.Port != state.Port {
		t.Errorf("port = %q, want %q", got.Port, state.Port)
	}
	if got.BaudRate != state.BaudRate {
		t.Errorf("baud = %d, want %d", got.BaudRate, state.BaudRate)
	}
	if !got.LastConnected.Equal(state.LastConnected) {
		t.Errorf("last_connected = %v, want %v", got.LastConnected, state.LastConnected)
	}
}

func TestDeviceKey(t *testing.T) {
	if k := DeviceKey(ClassBulb, 55424); k != "mesh_bulb_55424" {
		t.Errorf("got %q", k)
	}
	if k := DeviceKey(ClassSwitch, 7); k != "mesh_switch_7" {
		t.Errorf("got %q", k)
	}
}
