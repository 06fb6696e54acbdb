package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mredag/eform-locker-gateway/internal/api/apierr"
	"github.com/mredag/eform-locker-gateway/internal/kiosk"
	"github.com/mredag/eform-locker-gateway/internal/locker"
)

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb kiosk.Heartbeat
	if !decodeJSON(w, r, &hb) {
		return
	}
	if hb.KioskID == "" {
		apierr.Write(w, r, http.StatusBadRequest, apierr.CodeValidation, "kiosk_id is required")
		return
	}
	if err := s.deps.Kiosks.Heartbeat(r.Context(), hb); err != nil {
		s.logHandlerError(r, "api.heartbeat_error", err)
		apierr.Write(w, r, http.StatusInternalServerError, apierr.CodeInternal, "heartbeat failed")
		return
	}
	// First contact provisions the kiosk's locker rows.
	if err := s.deps.Lockers.EnsureSeeded(r.Context(), hb.KioskID); err != nil {
		s.logHandlerError(r, "api.seed_error", err)
	}

	snap := s.deps.Holder.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"heartbeat_sec": snap.Doc.Timing.HeartbeatSec,
		"poll_sec":      snap.Doc.Timing.PollSec,
		"config_hash":   snap.Hash,
	})
}

type pollRequest struct {
	KioskID string `json:"kiosk_id"`
	Limit   int    `json:"limit,omitempty"`
}

func (s *Server) handleCommandsPoll(w http.ResponseWriter, r *http.Request) {
	var req pollRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.KioskID == "" {
		apierr.Write(w, r, http.StatusBadRequest, apierr.CodeValidation, "kiosk_id is required")
		return
	}

	// The single-in-flight rule caps every poll at one command regardless of
	// the requested limit.
	commands, err := s.deps.Queue.Poll(r.Context(), req.KioskID)
	if err != nil {
		s.logHandlerError(r, "api.poll_error", err)
		apierr.Write(w, r, http.StatusInternalServerError, apierr.CodeInternal, "poll failed")
		return
	}
	if commands == nil {
		commands = []kiosk.Command{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": commands})
}

type completeRequest struct {
	CommandID string `json:"command_id"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleCommandsComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.CommandID == "" {
		apierr.Write(w, r, http.StatusBadRequest, apierr.CodeValidation, "command_id is required")
		return
	}
	if err := s.deps.Queue.Complete(r.Context(), req.CommandID, req.Success, req.Error); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleCommandsClear(w http.ResponseWriter, r *http.Request) {
	var req pollRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.KioskID == "" {
		apierr.Write(w, r, http.StatusBadRequest, apierr.CodeValidation, "kiosk_id is required")
		return
	}
	cleared, err := s.deps.Queue.ClearPending(r.Context(), req.KioskID)
	if err != nil {
		s.logHandlerError(r, "api.clear_error", err)
		apierr.Write(w, r, http.StatusInternalServerError, apierr.CodeInternal, "clear failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": cleared})
}

func (s *Server) handleCommandCancel(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "commandID")
	if err := s.deps.Queue.Cancel(r.Context(), commandID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type enqueueRequest struct {
	Type    kiosk.CommandType `json:"type"`
	Payload json.RawMessage   `json:"payload,omitempty"`
}

// handleCommandEnqueue queues a remote command for a registered kiosk. The
// kiosk picks it up on its next poll.
func (s *Server) handleCommandEnqueue(w http.ResponseWriter, r *http.Request) {
	kioskID := chi.URLParam(r, "kioskID")
	var req enqueueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	switch req.Type {
	case kiosk.CmdOpenLocker, kiosk.CmdBulkOpen, kiosk.CmdApplyConfig, kiosk.CmdClearOwnership:
	default:
		apierr.Write(w, r, http.StatusBadRequest, apierr.CodeValidation, "unknown command type")
		return
	}
	if _, err := s.deps.Kiosks.GetKiosk(r.Context(), kioskID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	cmd, err := s.deps.Queue.Enqueue(r.Context(), kioskID, req.Type, req.Payload)
	if err != nil {
		s.logHandlerError(r, "api.enqueue_error", err)
		apierr.Write(w, r, http.StatusInternalServerError, apierr.CodeInternal, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusCreated, cmd)
}

func (s *Server) handleKiosksList(w http.ResponseWriter, r *http.Request) {
	var (
		kiosks []kiosk.Kiosk
		err    error
	)
	if zoneID := r.URL.Query().Get("zone"); zoneID != "" {
		kiosks, err = s.deps.Kiosks.GetKiosksByZone(r.Context(), zoneID)
	} else {
		kiosks, err = s.deps.Kiosks.GetAllKiosks(r.Context())
	}
	if err != nil {
		s.logHandlerError(r, "api.kiosks_error", err)
		apierr.Write(w, r, http.StatusInternalServerError, apierr.CodeInternal, "kiosk listing failed")
		return
	}
	if kiosks == nil {
		kiosks = []kiosk.Kiosk{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"kiosks": kiosks})
}

func (s *Server) handleKioskStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Kiosks.GetStatistics(r.Context())
	if err != nil {
		s.logHandlerError(r, "api.statistics_error", err)
		apierr.Write(w, r, http.StatusInternalServerError, apierr.CodeInternal, "statistics failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type scanRequest struct {
	KioskID   string `json:"kiosk_id"`
	CardID    string `json:"card_id,omitempty"`
	Zone      string `json:"zone,omitempty"`
	MasterPIN string `json:"master_pin,omitempty"`
	LockerID  int    `json:"locker_id,omitempty"`
}

// handleScan is step one of the kiosk protocol: a card tap either opens the
// card's held locker or offers the free ones. A valid master PIN opens any
// locker without touching ownership.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.KioskID == "" {
		apierr.Write(w, r, http.StatusBadRequest, apierr.CodeValidation, "kiosk_id is required")
		return
	}

	if req.MasterPIN != "" {
		s.handleMasterOpen(w, r, req)
		return
	}
	if req.CardID == "" {
		apierr.Write(w, r, http.StatusBadRequest, apierr.CodeValidation, "card_id is required")
		return
	}

	// A card may hold a regular locker or be bound to a VIP one.
	cardHash := s.deps.Hasher.HashCard(req.CardID)
	var held *locker.Locker
	for _, typ := range []locker.OwnerType{locker.OwnerRFID, locker.OwnerVIP} {
		var err error
		held, err = s.deps.Lockers.CheckExistingOwnership(r.Context(),
			locker.Owner{Type: typ, Key: cardHash})
		if err != nil {
			s.logHandlerError(r, "api.scan_error", err)
			apierr.Write(w, r, http.StatusInternalServerError, apierr.CodeInternal, "scan failed")
			return
		}
		if held != nil {
			break
		}
	}

	if held != nil {
		if err := s.deps.Actuator.Pulse(r.Context(), held.ID); err != nil {
			s.deps.Events.Append(r.Context(), req.KioskID, held.ID, "open_failed", locker.ActorSystem, map[string]any{
				"owner_key": cardHash,
				"error":     err.Error(),
			})
			s.writePulseError(w, r, err)
			return
		}
		if !held.IsVIP {
			if err := s.deps.Lockers.Release(r.Context(), held.KioskID, held.ID, false); err != nil {
				s.writeDomainError(w, r, err)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"action":    "open_locker",
			"locker_id": held.ID,
			"vip":       held.IsVIP,
		})
		return
	}

	available, err := s.deps.Lockers.GetAvailableLockers(r.Context(), req.KioskID, req.Zone)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if len(available) == 0 {
		apierr.Write(w, r, http.StatusNotFound, apierr.CodeNoLockers, "no free lockers available")
		return
	}
	ids := make([]int, len(available))
	for i, l := range available {
		ids[i] = l.ID
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"action":  "show_lockers",
		"lockers": ids,
	})
}

func (s *Server) handleMasterOpen(w http.ResponseWriter, r *http.Request, req scanRequest) {
	if s.deps.MasterPINHash == "" || !pinMatches(req.MasterPIN, s.deps.MasterPINHash) {
		s.deps.Events.Append(r.Context(), req.KioskID, req.LockerID, "master_pin_rejected", locker.ActorSystem, nil)
		apierr.Write(w, r, http.StatusUnauthorized, apierr.CodeUnauthorized, "invalid master PIN")
		return
	}
	if req.LockerID < 1 {
		apierr.Write(w, r, http.StatusBadRequest, apierr.CodeValidation, "locker_id is required for a master open")
		return
	}

	if err := s.deps.Actuator.Pulse(r.Context(), req.LockerID); err != nil {
		s.writePulseError(w, r, err)
		return
	}
	s.deps.Events.Append(r.Context(), req.KioskID, req.LockerID, "master_open", "operator:master_pin", nil)
	writeJSON(w, http.StatusOK, map[string]any{
		"action":    "staff_open",
		"locker_id": req.LockerID,
	})
}

func pinMatches(pin, wantHash string) bool {
	sum := sha256.Sum256([]byte(pin))
	got := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(got), []byte(wantHash)) == 1
}

type selectRequest struct {
	KioskID  string `json:"kiosk_id"`
	CardID   string `json:"card_id"`
	LockerID int    `json:"locker_id"`
}

// handleSelect is step two of the kiosk protocol: assign the chosen locker,
// pulse it, confirm ownership. A failed pulse reverts the reservation.
func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.KioskID == "" || req.CardID == "" || req.LockerID < 1 {
		apierr.Write(w, r, http.StatusBadRequest, apierr.CodeValidation, "kiosk_id, card_id and locker_id are required")
		return
	}

	cardHash := s.deps.Hasher.HashCard(req.CardID)
	owner := locker.Owner{Type: locker.OwnerRFID, Key: cardHash}

	if _, err := s.deps.Lockers.Assign(r.Context(), req.KioskID, req.LockerID, owner); err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	if err := s.deps.Actuator.Pulse(r.Context(), req.LockerID); err != nil {
		// Hardware faults must not leave logical state behind.
		if relErr := s.deps.Lockers.Release(r.Context(), req.KioskID, req.LockerID, false); relErr != nil {
			s.logHandlerError(r, "api.select_revert_error", relErr)
		}
		s.deps.Events.Append(r.Context(), req.KioskID, req.LockerID, "assign_reverted", locker.ActorSystem, map[string]any{
			"owner_key": cardHash,
			"error":     err.Error(),
		})
		s.writePulseError(w, r, err)
		return
	}

	if _, err := s.deps.Lockers.Confirm(r.Context(), req.KioskID, req.LockerID, cardHash); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"action":    "assigned",
		"locker_id": req.LockerID,
	})
}
