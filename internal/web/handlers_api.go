package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"meshgate/internal/atcmd"
	"meshgate/internal/store"
)

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.coord.Registry().List()
	if err != nil {
		s.logger.Error("list devices", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	if category := r.URL.Query().Get("category"); category != "" {
		filtered := devices[:0]
		for _, dev := range devices {
			if dev.Category == category {
				filtered = append(filtered, dev)
			}
		}
		devices = filtered
	}

	if devices == nil {
		devices = []*store.Device{}
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	dev, err := s.coord.Registry().Get(key)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

type renameDeviceRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleAPIRenameDevice(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	var req renameDeviceRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if err := s.coord.Registry().Rename(key, req.Name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
			return
		}
		s.logger.Error("rename device", "err", err, "key", key)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "name": req.Name})
}

func (s *Server) handleAPIDeleteDevice(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := s.coord.Devices().RemoveDevice(key); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
			return
		}
		s.logger.Error("delete device", "err", err, "key", key)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type controlDeviceRequest struct {
	State      string `json:"state"`
	Brightness *int   `json:"brightness"`
}

func (s *Server) handleAPIControlDevice(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	dev, err := s.coord.Registry().Get(key)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}

	var req controlDeviceRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	// Mesh switches are sensors on this wire: they report activation but
	// accept no commands.
	if dev.Class == store.ClassSwitch {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "switch devices are read-only"})
		return
	}
	class, ok := atcmd.ParseClass(dev.Class)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "device class not controllable"})
		return
	}

	var on bool
	switch strings.ToLower(req.State) {
	case "on":
		on = true
	case "off":
		on = false
	case "toggle":
		on = !dev.BoolProp(store.PropLightState)
	case "":
		if req.Brightness == nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "state or brightness required"})
			return
		}
		on = true
	default:
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "state must be on, off, or toggle"})
		return
	}

	if err := s.coord.SendControl(class, dev.Addr, on, req.Brightness); err != nil {
		s.logger.Error("control device", "err", err, "key", key)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIPairing(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.SendPairing(); err != nil {
		s.logger.Error("pairing", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	info := s.coord.GatewayInfo()
	if devices, err := s.coord.Registry().List(); err == nil {
		info["device_count"] = len(devices)
	}
	if s.version != "" {
		info["version"] = s.version
	}
	s.writeJSON(w, http.StatusOK, info)
}
