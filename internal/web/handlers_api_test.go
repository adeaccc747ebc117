package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"meshgate/internal/atcmd"
	"meshgate/internal/coordinator"
	"meshgate/internal/registry"
	"meshgate/internal/store"
)

// stubLink implements gateway.Link with minimal stubs for testing.
type stubLink struct {
	mu        sync.Mutex
	sent      []string
	connected bool
	sendErr   error
}

func (l *stubLink) Start() error { return nil }
func (l *stubLink) Stop()        {}
func (l *stubLink) Send(line string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}
	l.sent = append(l.sent, line)
	return nil
}
func (l *stubLink) Connected() bool                        { return l.connected }
func (l *stubLink) Port() string                           { return "/dev/ttyUSB0" }
func (l *stubLink) OnCommand(func(atcmd.Command))          {}
func (l *stubLink) OnConnectionChange(func(connected bool)) {}

func (l *stubLink) sentLines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.sent...)
}

func setupTestServer(t *testing.T, apiKey string) (*Server, *store.BoltStore, *stubLink) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := store.NewBoltStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	link := &stubLink{connected: true}
	events := coordinator.NewEventBus(logger)
	coord := coordinator.New(link, registry.New(db, logger), db, events,
		coordinator.Config{Baud: 115200}, logger)

	var opts []ServerOption
	if apiKey != "" {
		opts = append(opts, WithAPIKey(apiKey))
	}
	srv := NewServer(coord, logger, opts...)
	t.Cleanup(srv.Stop)

	return srv, db, link
}

func seedDevice(t *testing.T, db *store.BoltStore, class string, addr uint32, category string) string {
	t.Helper()
	key := store.DeviceKey(class, addr)
	if err := db.SaveDevice(&store.Device{
		Key:      key,
		Addr:     addr,
		Class:    class,
		Category: category,
		Status:   store.StatusConnected,
	}); err != nil {
		t.Fatal(err)
	}
	return key
}

func TestAPIListDevices(t *testing.T) {
	srv, db, _ := setupTestServer(t, "")
	seedDevice(t, db, store.ClassBulb, 5, store.CategoryLight)
	seedDevice(t, db, store.ClassSwitch, 7, store.CategorySwitch)

	req := httptest.NewRequest("GET", "/api/devices", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var devices []store.Device
	if err := json.NewDecoder(w.Body).Decode(&devices); err != nil {
		t.Fatal(err)
	}
	if len(devices) != 2 {
		t.Errorf("device count = %d, want 2", len(devices))
	}
}

func TestAPIListDevicesEmpty(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")

	req := httptest.NewRequest("GET", "/api/devices", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	// Empty list must encode as [], not null.
	if body := bytes.TrimSpace(w.Body.Bytes()); string(body) != "[]" {
		t.Errorf("body = %s, want []", body)
	}
}

func TestAPIListDevicesCategoryFilter(t *testing.T) {
	srv, db, _ := setupTestServer(t, "")
	seedDevice(t, db, store.ClassBulb, 5, store.CategoryLight)
	seedDevice(t, db, store.ClassSwitch, 7, store.CategorySwitch)

	req := httptest.NewRequest("GET", "/api/devices?category=light", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var devices []store.Device
	if err := json.NewDecoder(w.Body).Decode(&devices); err != nil {
		t.Fatal(err)
	}
	if len(devices) != 1 {
		t.Fatalf("device count = %d, want 1", len(devices))
	}
	if devices[0].Category != store.CategoryLight {
		t.Errorf("category = %q, want light", devices[0].Category)
	}
}

func TestAPIGetDevice(t *testing.T) {
	srv, db, _ := setupTestServer(t, "")
	key := seedDevice(t, db, store.ClassBulb, 5, store.CategoryLight)

	req := httptest.NewRequest("GET", "/api/devices/"+key, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var dev store.Device
	if err := json.NewDecoder(w.Body).Decode(&dev); err != nil {
		t.Fatal(err)
	}
	if dev.Key != key {
		t.Errorf("key = %q, want %q", dev.Key, key)
	}
}

func TestAPIGetDeviceNotFound(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")

	req := httptest.NewRequest("GET", "/api/devices/mesh_bulb_999", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIControlBulb(t *testing.T) {
	srv, db, link := setupTestServer(t, "")
	key := seedDevice(t, db, store.ClassBulb, 5, store.CategoryLight)

	body := `{"state": "on", "brightness": 128}`
	req := httptest.NewRequest("POST", "/api/devices/"+key+"/control", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
	}

	sent := link.sentLines()
	if len(sent) != 1 {
		t.Fatalf("sent lines = %d, want 1", len(sent))
	}
	if sent[0] != "$AT+state bulb 4 5 1 128\r\n" {
		t.Errorf("sent = %q", sent[0])
	}
}

func TestAPIControlBulbToggle(t *testing.T) {
	srv, db, link := setupTestServer(t, "")
	key := seedDevice(t, db, store.ClassBulb, 5, store.CategoryLight)

	body := `{"state": "toggle"}`
	req := httptest.NewRequest("POST", "/api/devices/"+key+"/control", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
	}

	// light_state was unset, so toggle resolves to on.
	sent := link.sentLines()
	if len(sent) != 1 || sent[0] != "$AT+state bulb 3 5 1\r\n" {
		t.Errorf("sent = %v", sent)
	}
}

func TestAPIControlBrightnessOnly(t *testing.T) {
	srv, db, link := setupTestServer(t, "")
	key := seedDevice(t, db, store.ClassBulb, 5, store.CategoryLight)

	body := `{"brightness": 200}`
	req := httptest.NewRequest("POST", "/api/devices/"+key+"/control", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
	}

	sent := link.sentLines()
	if len(sent) != 1 || sent[0] != "$AT+state bulb 4 5 1 200\r\n" {
		t.Errorf("sent = %v", sent)
	}
}

func TestAPIControlSwitchRefused(t *testing.T) {
	srv, db, link := setupTestServer(t, "")
	key := seedDevice(t, db, store.ClassSwitch, 7, store.CategorySwitch)

	body := `{"state": "on"}`
	req := httptest.NewRequest("POST", "/api/devices/"+key+"/control", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if sent := link.sentLines(); len(sent) != 0 {
		t.Errorf("sent lines = %v, want none", sent)
	}
}

func TestAPIControlValidation(t *testing.T) {
	srv, db, _ := setupTestServer(t, "")
	key := seedDevice(t, db, store.ClassBulb, 5, store.CategoryLight)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{`, http.StatusBadRequest},
		{"unknown state word", `{"state": "blink"}`, http.StatusBadRequest},
		{"empty command", `{}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/devices/"+key+"/control", bytes.NewBufferString(tt.body))
			w := httptest.NewRecorder()
			srv.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d, body = %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestAPIControlUnknownDevice(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")

	body := `{"state": "on"}`
	req := httptest.NewRequest("POST", "/api/devices/mesh_bulb_999/control", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIControlSendError(t *testing.T) {
	srv, db, link := setupTestServer(t, "")
	key := seedDevice(t, db, store.ClassBulb, 5, store.CategoryLight)
	link.sendErr = errors.New("port closed")

	body := `{"state": "on"}`
	req := httptest.NewRequest("POST", "/api/devices/"+key+"/control", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestAPIPairing(t *testing.T) {
	srv, _, link := setupTestServer(t, "")

	req := httptest.NewRequest("POST", "/api/pairing", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
	}

	sent := link.sentLines()
	if len(sent) != 1 || sent[0] != "$AT+pair\r\n" {
		t.Errorf("sent = %v", sent)
	}
}

func TestAPIDeleteDevice(t *testing.T) {
	srv, db, link := setupTestServer(t, "")
	key := seedDevice(t, db, store.ClassBulb, 5, store.CategoryLight)

	req := httptest.NewRequest("DELETE", "/api/devices/"+key, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
	}

	if _, err := db.GetDevice(key); err == nil {
		t.Error("expected device to be deleted")
	}
	// Deprovision is forwarded to the wire.
	sent := link.sentLines()
	if len(sent) != 1 || sent[0] != "$AT+del bulb 1 2\r\n" {
		t.Errorf("sent = %v", sent)
	}
}

func TestAPIDeleteDeviceNotFound(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")

	req := httptest.NewRequest("DELETE", "/api/devices/mesh_bulb_999", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIRenameDevice(t *testing.T) {
	srv, db, _ := setupTestServer(t, "")
	key := seedDevice(t, db, store.ClassBulb, 5, store.CategoryLight)

	body := `{"name": "Kitchen Light"}`
	req := httptest.NewRequest("PATCH", "/api/devices/"+key, bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
	}

	dev, err := db.GetDevice(key)
	if err != nil {
		t.Fatal(err)
	}
	if dev.Name != "Kitchen Light" {
		t.Errorf("stored name = %q, want Kitchen Light", dev.Name)
	}
}

func TestAPIRenameDeviceNotFound(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")

	body := `{"name": "Test"}`
	req := httptest.NewRequest("PATCH", "/api/devices/mesh_bulb_999", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIStatus(t *testing.T) {
	srv, db, _ := setupTestServer(t, "")
	seedDevice(t, db, store.ClassBulb, 5, store.CategoryLight)

	req := httptest.NewRequest("GET", "/api/status", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var info map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if info["connected"] != true {
		t.Errorf("connected = %v, want true", info["connected"])
	}
	if info["device_count"] != float64(1) {
		t.Errorf("device_count = %v, want 1", info["device_count"])
	}
}

func TestAuthMiddlewareHeader(t *testing.T) {
	srv, _, _ := setupTestServer(t, "secret-key")

	req := httptest.NewRequest("GET", "/api/devices", nil)
	req.Header.Set("X-API-Key", "secret-key")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("correct header key: status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestAuthMiddlewareQueryParam(t *testing.T) {
	srv, _, _ := setupTestServer(t, "secret-key")

	req := httptest.NewRequest("GET", "/api/devices?api_key=secret-key", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("correct query key: status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestAuthMiddlewareMissing(t *testing.T) {
	srv, _, _ := setupTestServer(t, "secret-key")

	req := httptest.NewRequest("GET", "/api/devices", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing key: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestAuthMiddlewareWrongKey(t *testing.T) {
	srv, _, _ := setupTestServer(t, "secret-key")

	req := httptest.NewRequest("GET", "/api/devices", nil)
	req.Header.Set("X-API-Key", "wrong-key")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}
