package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/voltlink-core/internal/device"
)

// timeFormat is how timestamps are rendered in API responses.
const timeFormat = time.RFC3339

// deviceResponse is the JSON representation of a device record.
type deviceResponse struct {
	DeviceID         string                      `json:"device_id"`
	Family           device.Family               `json:"family"`
	SerialNumber     string                      `json:"serial_number"`
	Status           device.Status               `json:"status"`
	CurrentChannel   string                      `json:"current_channel,omitempty"`
	LastKnownChannel string                      `json:"last_known_channel,omitempty"`
	ChannelHistory   []device.ChannelObservation `json:"channel_history,omitempty"`
	FailureCount     int                         `json:"failure_count"`
	NextRetryTime    string                      `json:"next_retry_time,omitempty"`
	FirstDiscovered  string                      `json:"first_discovered,omitempty"`
	LastSeen         string                      `json:"last_seen,omitempty"`
}

func toDeviceResponse(rec *device.Record) deviceResponse {
	resp := deviceResponse{
		DeviceID:         rec.DeviceID,
		Family:           rec.Family,
		SerialNumber:     rec.SerialNumber,
		Status:           rec.Status,
		CurrentChannel:   rec.CurrentChannel,
		LastKnownChannel: rec.LastKnownChannel,
		ChannelHistory:   rec.ChannelHistory,
		FailureCount:     rec.FailureCount,
	}
	if rec.NextRetryTime != nil {
		resp.NextRetryTime = rec.NextRetryTime.UTC().Format(timeFormat)
	}
	if !rec.FirstDiscovered.IsZero() {
		resp.FirstDiscovered = rec.FirstDiscovered.UTC().Format(timeFormat)
	}
	if rec.LastSeen != nil {
		resp.LastSeen = rec.LastSeen.UTC().Format(timeFormat)
	}
	return resp
}

// handleListDevices returns all registered devices, optionally filtered by
// status via the ?status= query parameter.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	var (
		records []device.Record
		err     error
	)

	if statusParam := r.URL.Query().Get("status"); statusParam != "" {
		status := device.Status(statusParam)
		if !validStatus(status) {
			writeBadRequest(w, "unknown status: "+statusParam)
			return
		}
		records, err = s.registry.ListByStatus(r.Context(), status)
	} else {
		records, err = s.registry.List(r.Context())
	}
	if err != nil {
		s.logger.Error("listing devices", "error", err)
		writeInternalError(w, "failed to list devices")
		return
	}

	responses := make([]deviceResponse, 0, len(records))
	for i := range records {
		responses = append(responses, toDeviceResponse(&records[i]))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": responses,
		"count":   len(responses),
	})
}

// handleGetDevice returns a single device by ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.registry.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrNotFound) {
			writeNotFound(w, "device not found: "+id)
			return
		}
		s.logger.Error("fetching device", "device_id", id, "error", err)
		writeInternalError(w, "failed to fetch device")
		return
	}

	writeJSON(w, http.StatusOK, toDeviceResponse(rec))
}

// handleReactivateDevice moves a disabled device back into the scan rotation.
// This is the only path out of the disabled state.
func (s *Server) handleReactivateDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.registry.Reactivate(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, device.ErrNotFound):
			writeNotFound(w, "device not found: "+id)
		case errors.Is(err, device.ErrNotDisabled):
			writeError(w, http.StatusConflict, ErrCodeConflict, "device is not disabled")
		default:
			s.logger.Error("reactivating device", "device_id", id, "error", err)
			writeInternalError(w, "failed to reactivate device")
		}
		return
	}

	s.logger.Info("device reactivated by operator", "device_id", id)
	writeJSON(w, http.StatusOK, toDeviceResponse(rec))
}

func validStatus(status device.Status) bool {
	for _, known := range device.AllStatuses() {
		if status == known {
			return true
		}
	}
	return false
}
