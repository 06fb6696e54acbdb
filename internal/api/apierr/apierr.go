// Package apierr defines the closed set of machine-readable API error codes
// and the JSON error writer.
package apierr

import (
	"encoding/json"
	"net/http"

	"github.com/mredag/eform-locker-gateway/internal/log"
)

// Code is a machine-readable error discriminator. The set is closed: kiosk
// firmware switches on these strings.
type Code string

const (
	CodeValidation           Code = "VALIDATION_ERROR"
	CodeUnknownZone          Code = "UNKNOWN_ZONE"
	CodeUnknownLocker        Code = "UNKNOWN_LOCKER"
	CodeLockerOutOfZone      Code = "LOCKER_OUT_OF_ZONE"
	CodeLockerBusy           Code = "LOCKER_BUSY"
	CodeLockerBlocked        Code = "LOCKER_BLOCKED"
	CodeVIPProtected         Code = "VIP_PROTECTED"
	CodeHardwareError        Code = "HARDWARE_ERROR"
	CodeConcurrencyConflict  Code = "CONCURRENCY_CONFLICT"
	CodeZoneCapacityExceeded Code = "ZONE_CAPACITY_EXCEEDED"
	CodeNoLockers            Code = "NO_LOCKERS_AVAILABLE"
	CodeNotFound             Code = "NOT_FOUND"
	CodeUnauthorized         Code = "UNAUTHORIZED"
	CodeInternal             Code = "INTERNAL_ERROR"
)

// Write emits the error body with the request's trace ID.
func Write(w http.ResponseWriter, r *http.Request, status int, code Code, message string) {
	WriteExtra(w, r, status, code, message, nil)
}

// WriteExtra emits the error body plus code-specific top-level fields.
func WriteExtra(w http.ResponseWriter, r *http.Request, status int, code Code, message string, extra map[string]any) {
	payload := map[string]any{
		"error":   code,
		"message": message,
	}
	if rid := log.RequestIDFromContext(r.Context()); rid != "" {
		payload["trace_id"] = rid
	}
	for k, v := range extra {
		payload[k] = v
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
