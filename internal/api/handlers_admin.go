package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/mredag/eform-locker-gateway/internal/api/apierr"
	"github.com/mredag/eform-locker-gateway/internal/config"
	"github.com/mredag/eform-locker-gateway/internal/events"
	"github.com/mredag/eform-locker-gateway/internal/health"
	"github.com/mredag/eform-locker-gateway/internal/locker"
	"github.com/mredag/eform-locker-gateway/internal/pipeline"
	"github.com/mredag/eform-locker-gateway/internal/report"
	"github.com/mredag/eform-locker-gateway/internal/zone"
)

// handleHealth returns the gateway summary: config identity plus component
// checks. Liveness is implied by answering at all, so the status is always
// 200.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Holder.Current()

	payload := map[string]any{
		"status":        health.StatusHealthy,
		"zones_enabled": snap.Doc.Features.ZonesEnabled,
		"config_hash":   snap.Hash,
		"total_lockers": snap.Doc.TotalLockers(),
		"zones":         snap.Doc.Zones,
		"version":       s.deps.Version,
	}
	if s.deps.Health != nil {
		summary := s.deps.Health.Check(r.Context())
		payload["status"] = summary.Status
		payload["checks"] = summary.Checks
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleEventsQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := events.Filter{
		KioskID: q.Get("kiosk_id"),
		Type:    q.Get("type"),
		Actor:   q.Get("actor"),
	}
	if v := q.Get("locker_id"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			apierr.Write(w, r, http.StatusBadRequest, apierr.CodeValidation, "locker_id must be an integer")
			return
		}
		filter.LockerID = id
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			apierr.Write(w, r, http.StatusBadRequest, apierr.CodeValidation, "limit must be an integer")
			return
		}
		filter.Limit = n
	}
	for param, dst := range map[string]*time.Time{"from": &filter.From, "to": &filter.To} {
		if v := q.Get(param); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				apierr.Write(w, r, http.StatusBadRequest, apierr.CodeValidation, param+" must be RFC3339")
				return
			}
			*dst = ts
		}
	}

	entries, err := s.deps.Events.Query(r.Context(), filter)
	if err != nil {
		s.logHandlerError(r, "api.events_error", err)
		apierr.Write(w, r, http.StatusInternalServerError, apierr.CodeInternal, "event query failed")
		return
	}
	if entries == nil {
		entries = []events.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": entries})
}

func (s *Server) handleConfigList(w http.ResponseWriter, r *http.Request) {
	versions, err := s.deps.Configs.List(r.Context())
	if err != nil {
		s.logHandlerError(r, "api.config_error", err)
		apierr.Write(w, r, http.StatusInternalServerError, apierr.CodeInternal, "config listing failed")
		return
	}
	snap := s.deps.Holder.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"active_version": snap.Version,
		"active_hash":    snap.Hash,
		"versions":       versions,
	})
}

type configDeployRequest struct {
	Document *config.Document `json:"document"`
	Apply    bool             `json:"apply,omitempty"`
	// TotalLockers, when set, runs the zone extension hook before the
	// deploy: the last enabled zone grows to cover the new count, drawing
	// relay cards from the hardware free pool.
	TotalLockers int `json:"total_lockers,omitempty"`
}

func (s *Server) handleConfigDeploy(w http.ResponseWriter, r *http.Request) {
	var req configDeployRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Document == nil {
		apierr.Write(w, r, http.StatusBadRequest, apierr.CodeValidation, "document is required")
		return
	}

	doc := req.Document
	if req.TotalLockers > 0 {
		extended, err := zone.Extend(doc, req.TotalLockers)
		if err != nil {
			// The submitted document is discarded whole; the live config
			// stays as it was.
			if errors.Is(err, zone.ErrZoneCapacity) {
				s.writeDomainError(w, r, err)
				return
			}
			apierr.Write(w, r, http.StatusUnprocessableEntity, apierr.CodeValidation, err.Error())
			return
		}
		doc = extended
	}

	info, err := s.deps.Configs.Deploy(r.Context(), doc)
	if err != nil {
		// Invalid documents are rejected atomically; the live config stays.
		apierr.Write(w, r, http.StatusUnprocessableEntity, apierr.CodeValidation, err.Error())
		return
	}
	if req.Apply {
		if err := s.deps.Configs.Apply(r.Context(), info.Version); err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		info.Active = true
	}

	s.deps.Events.Append(r.Context(), "", 0, "config_deployed", locker.ActorSystem, map[string]any{
		"version": info.Version,
		"hash":    info.Hash,
		"applied": req.Apply,
	})
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleConfigRollback(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Configs.Rollback(r.Context()); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	snap := s.deps.Holder.Current()
	s.deps.Events.Append(r.Context(), "", 0, "config_rolled_back", locker.ActorSystem, map[string]any{
		"version": snap.Version,
		"hash":    snap.Hash,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"active_version": snap.Version,
		"active_hash":    snap.Hash,
	})
}

type endOfDayRequest struct {
	KioskID    string `json:"kiosk_id"`
	IncludeVIP bool   `json:"include_vip,omitempty"`
}

// handleEndOfDay bulk-releases the kiosk and streams the fixed-schema CSV.
func (s *Server) handleEndOfDay(w http.ResponseWriter, r *http.Request) {
	var req endOfDayRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.KioskID == "" {
		apierr.Write(w, r, http.StatusBadRequest, apierr.CodeValidation, "kiosk_id is required")
		return
	}

	records, err := s.deps.Lockers.BulkReleaseForEndOfDay(r.Context(), req.KioskID, req.IncludeVIP)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	// Pop the doors of everything just released. A pulse failure downgrades
	// the row so the report reflects what physically happened.
	var open []int
	for _, rec := range records {
		if rec.Result == locker.ResultSuccess {
			open = append(open, rec.LockerID)
		}
	}
	if len(open) > 0 {
		for _, res := range s.deps.Actuator.OpenAll(r.Context(), open, pipeline.OpenAllOptions{}) {
			if res.Err == nil {
				continue
			}
			for i := range records {
				if records[i].LockerID == res.LockerID {
					records[i].Result = locker.ResultFailed
					records[i].ErrorMessage = res.Err.Error()
					break
				}
			}
		}
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="end-of-day.csv"`)
	if err := report.WriteCSV(w, records); err != nil {
		s.logHandlerError(r, "api.csv_error", err)
	}
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if s.deps.Emergency == nil {
		apierr.Write(w, r, http.StatusNotFound, apierr.CodeNotFound, "emergency stop not available")
		return
	}
	if err := s.deps.Emergency.EmergencyOff(r.Context()); err != nil {
		writeHardwareError(w, r, err)
		return
	}
	s.deps.Events.Append(r.Context(), "", 0, "emergency_stop", locker.ActorSystem, nil)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
