// Package handler implements the HTTP layer for the Lantern API.
//
// Handlers stay thin: they validate input, call into the registry or the
// scan orchestrator, and encode the result. Errors are returned as JSON
// with an {error, details} structure.
package handler

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"lantern/internal/domain"
	"lantern/internal/scan"
)

// historyLimit caps the history rows returned with a device detail.
const historyLimit = 50

// defaultEventLimit caps the event log page size when the client does not
// ask for one.
const defaultEventLimit = 100

// Scanner is the discovery surface the handler can trigger.
type Scanner interface {
	Status() scan.Status
	StartCycle()
	TriggerFingerprint(ip string)
}

// Store is the registry surface the handler reads and edits.
type Store interface {
	GetDevice(ctx context.Context, mac string) (*domain.Device, error)
	ListDevices(ctx context.Context) ([]domain.Device, error)
	UpsertDevice(ctx context.Context, dev *domain.Device) error
	ListEvents(ctx context.Context, limit int) ([]domain.Event, error)
	ListHistory(ctx context.Context, mac string, limit int) ([]domain.HistoryEntry, error)
	ListPorts(ctx context.Context, mac string) ([]domain.PortInfo, error)
	GetSetting(ctx context.Context, key string) (string, error)
}

// DeviceHandler handles device registry and scan API requests.
type DeviceHandler struct {
	store   Store
	scanner Scanner
}

// NewDeviceHandler creates a new device handler.
func NewDeviceHandler(store Store, scanner Scanner) *DeviceHandler {
	return &DeviceHandler{store: store, scanner: scanner}
}

// Register wires the API routes onto a mux.
func (h *DeviceHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", h.GetStatus)
	mux.HandleFunc("GET /api/devices", h.ListDevices)
	mux.HandleFunc("GET /api/devices/{mac}", h.GetDevice)
	mux.HandleFunc("PUT /api/devices/{mac}", h.UpdateDevice)
	mux.HandleFunc("POST /api/devices/{ip}/fingerprint", h.TriggerFingerprint)
	mux.HandleFunc("GET /api/events", h.ListEvents)
	mux.HandleFunc("POST /api/scan", h.TriggerScan)
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// GetStatus returns the scanning flag, recent progress lines, and the
// time the last cycle completed. Before the first cycle of this process
// the completion time falls back to the persisted one, so a restart does
// not blank it.
func (h *DeviceHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status := h.scanner.Status()
	if status.LastCompleted == nil {
		if raw, err := h.store.GetSetting(r.Context(), scan.SettingLastCycle); err == nil && raw != "" {
			if t, err := time.Parse(time.RFC3339, raw); err == nil {
				status.LastCompleted = &t
			}
		}
	}
	h.writeJSON(w, status, http.StatusOK)
}

// ListDevices returns every known device.
func (h *DeviceHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.store.ListDevices(r.Context())
	if err != nil {
		log.Printf("Failed to list devices: %v", err)
		h.writeError(w, "Failed to list devices", err.Error(), http.StatusInternalServerError)
		return
	}
	if devices == nil {
		devices = []domain.Device{}
	}
	h.writeJSON(w, devices, http.StatusOK)
}

// DeviceDetail is a device with its stored ports and recent history.
type DeviceDetail struct {
	domain.Device
	Ports   []domain.PortInfo     `json:"ports,omitempty"`
	History []domain.HistoryEntry `json:"history,omitempty"`
}

// GetDevice returns one device with its open ports and recent history.
func (h *DeviceHandler) GetDevice(w http.ResponseWriter, r *http.Request) {
	mac := r.PathValue("mac")
	if mac == "" {
		h.writeError(w, "Invalid MAC", "MAC address is required", http.StatusBadRequest)
		return
	}

	dev, err := h.store.GetDevice(r.Context(), mac)
	if err != nil {
		log.Printf("Failed to get device %s: %v", mac, err)
		h.writeError(w, "Failed to get device", err.Error(), http.StatusInternalServerError)
		return
	}
	if dev == nil {
		h.writeError(w, "Not found", "No device with MAC "+mac, http.StatusNotFound)
		return
	}

	detail := DeviceDetail{Device: *dev}
	if ports, err := h.store.ListPorts(r.Context(), mac); err == nil {
		detail.Ports = ports
	}
	if history, err := h.store.ListHistory(r.Context(), mac, historyLimit); err == nil {
		detail.History = history
	}

	h.writeJSON(w, detail, http.StatusOK)
}

// DeviceUpdate is the editable subset of a device.
type DeviceUpdate struct {
	Name *string   `json:"name,omitempty"`
	Tags *[]string `json:"tags,omitempty"`
}

// UpdateDevice edits the user-facing fields of a device. Everything else
// is owned by the discovery cycle.
func (h *DeviceHandler) UpdateDevice(w http.ResponseWriter, r *http.Request) {
	mac := r.PathValue("mac")
	if mac == "" {
		h.writeError(w, "Invalid MAC", "MAC address is required", http.StatusBadRequest)
		return
	}

	var update DeviceUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		h.writeError(w, "Invalid request body", err.Error(), http.StatusBadRequest)
		return
	}

	dev, err := h.store.GetDevice(r.Context(), mac)
	if err != nil {
		log.Printf("Failed to get device %s: %v", mac, err)
		h.writeError(w, "Failed to get device", err.Error(), http.StatusInternalServerError)
		return
	}
	if dev == nil {
		h.writeError(w, "Not found", "No device with MAC "+mac, http.StatusNotFound)
		return
	}

	if update.Name != nil {
		dev.Name = *update.Name
	}
	if update.Tags != nil {
		dev.Tags = *update.Tags
	}

	if err := h.store.UpsertDevice(r.Context(), dev); err != nil {
		log.Printf("Failed to update device %s: %v", mac, err)
		h.writeError(w, "Failed to update device", err.Error(), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, dev, http.StatusOK)
}

// ListEvents returns the newest domain events.
func (h *DeviceHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, "Invalid limit", "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	events, err := h.store.ListEvents(r.Context(), limit)
	if err != nil {
		log.Printf("Failed to list events: %v", err)
		h.writeError(w, "Failed to list events", err.Error(), http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []domain.Event{}
	}
	h.writeJSON(w, events, http.StatusOK)
}

// TriggerScan starts a discovery cycle in the background and returns
// immediately. Triggering while a cycle runs is a no-op.
func (h *DeviceHandler) TriggerScan(w http.ResponseWriter, r *http.Request) {
	h.scanner.StartCycle()
	h.writeJSON(w, map[string]string{"status": "scan_started"}, http.StatusAccepted)
}

// TriggerFingerprint starts a deep probe of the device at the given IP.
func (h *DeviceHandler) TriggerFingerprint(w http.ResponseWriter, r *http.Request) {
	ip := r.PathValue("ip")
	if net.ParseIP(ip) == nil {
		h.writeError(w, "Invalid IP", "A valid IP address is required", http.StatusBadRequest)
		return
	}

	h.scanner.TriggerFingerprint(ip)
	h.writeJSON(w, map[string]string{
		"status": "fingerprint_started",
		"ip":     ip,
	}, http.StatusAccepted)
}

func (h *DeviceHandler) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Failed to encode JSON: %v", err)
	}
}

func (h *DeviceHandler) writeError(w http.ResponseWriter, error, details string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Details: details,
	}); err != nil {
		log.Printf("Failed to encode error response: %v", err)
	}
}
