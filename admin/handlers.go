// Package admin serves the HTTP administration API: slot management, the
// installation horizon, transaction ingest and publisher status.
package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/maxpert/slotkeeper/decoding"
	"github.com/maxpert/slotkeeper/horizon"
	"github.com/maxpert/slotkeeper/publisher"
	"github.com/maxpert/slotkeeper/recovery"
	"github.com/maxpert/slotkeeper/slot"
	"github.com/maxpert/slotkeeper/wal"
	"github.com/maxpert/slotkeeper/xact"
	"github.com/rs/zerolog/log"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 8 << 20

// Dependencies are the components the admin API operates on. Publishers may
// be nil.
type Dependencies struct {
	Database   string
	Slots      *slot.Manager
	Horizon    *horizon.Horizon
	Engine     *decoding.Engine
	Resolver   *recovery.ConflictResolver
	Xact       *xact.Manager
	WAL        *wal.Log
	Publishers *publisher.Registry
}

// AdminHandlers handles admin API endpoints
type AdminHandlers struct {
	deps Dependencies
}

// NewAdminHandlers creates a new AdminHandlers instance
func NewAdminHandlers(deps Dependencies) *AdminHandlers {
	return &AdminHandlers{deps: deps}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// writeError maps err to a status code
func writeError(w http.ResponseWriter, err error) {
	writeErrorResponse(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	// plugins reject their options from the startup callback
	var cbErr *decoding.CallbackError
	if errors.As(err, &cbErr) && cbErr.Callback == decoding.CallbackStartup {
		return http.StatusBadRequest
	}

	switch {
	case errors.Is(err, slot.ErrSlotNotFound):
		return http.StatusNotFound
	case errors.Is(err, slot.ErrSlotExists),
		errors.Is(err, slot.ErrSlotActive),
		errors.Is(err, decoding.ErrRetentionExhausted),
		errors.Is(err, horizon.ErrInRecovery),
		errors.Is(err, horizon.ErrNotInRecovery),
		errors.Is(err, xact.ErrNotInRecovery),
		errors.Is(err, xact.ErrReadOnlyRecovery),
		errors.Is(err, xact.ErrPrefixRegistered):
		return http.StatusConflict
	case errors.Is(err, slot.ErrInvalidName),
		errors.Is(err, decoding.ErrInvalidConfiguration),
		errors.Is(err, xact.ErrPrefixUnknown),
		errors.Is(err, xact.ErrEmptyMessagePrefix):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody decodes a JSON request body into v
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}
