package api

import (
	"errors"
	"net/http"

	"github.com/mredag/eform-locker-gateway/internal/api/apierr"
	"github.com/mredag/eform-locker-gateway/internal/locker"
	"github.com/mredag/eform-locker-gateway/internal/log"
	"github.com/mredag/eform-locker-gateway/internal/zone"
)

type lockerOpenRequest struct {
	KioskID   string `json:"kiosk_id"`
	LockerID  int    `json:"locker_id"`
	StaffUser string `json:"staff_user,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Zone      string `json:"zone,omitempty"`
	Burst     bool   `json:"burst,omitempty"`
}

// handleLockerOpen is the staff open: pulse a locker directly without
// touching ownership.
func (s *Server) handleLockerOpen(w http.ResponseWriter, r *http.Request) {
	var req lockerOpenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.KioskID == "" || req.LockerID < 1 {
		apierr.Write(w, r, http.StatusBadRequest, apierr.CodeValidation, "kiosk_id and locker_id are required")
		return
	}

	l, err := s.deps.Lockers.Get(r.Context(), req.KioskID, req.LockerID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if l.Status == locker.StatusBlocked {
		apierr.Write(w, r, http.StatusConflict, apierr.CodeLockerBlocked, "locker is blocked")
		return
	}
	if req.Zone != "" && !s.lockerInZone(req.LockerID, req.Zone) {
		apierr.Write(w, r, http.StatusBadRequest, apierr.CodeLockerOutOfZone, "locker is outside the requested zone")
		return
	}

	if req.Burst {
		err = s.deps.Actuator.Burst(r.Context(), req.LockerID)
	} else {
		err = s.deps.Actuator.Pulse(r.Context(), req.LockerID)
	}
	if err != nil {
		s.deps.Events.Append(r.Context(), req.KioskID, req.LockerID, "staff_open_failed", actorFor(req.StaffUser), map[string]any{
			"reason": req.Reason,
			"error":  err.Error(),
		})
		s.writePulseError(w, r, err)
		return
	}

	s.deps.Events.Append(r.Context(), req.KioskID, req.LockerID, "staff_open", actorFor(req.StaffUser), map[string]any{
		"reason": req.Reason,
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "locker opened"})
}

func actorFor(staffUser string) string {
	if staffUser == "" {
		return locker.ActorSystem
	}
	return "operator:" + staffUser
}

func (s *Server) lockerInZone(lockerID int, zoneID string) bool {
	doc := s.deps.Holder.Current().Doc
	z, ok := doc.ZoneByID(zoneID)
	return ok && z.Enabled && z.Contains(lockerID)
}

// writePulseError distinguishes address errors from bus faults.
func (s *Server) writePulseError(w http.ResponseWriter, r *http.Request, err error) {
	if isAddressError(err) {
		s.writeDomainError(w, r, err)
		return
	}
	writeHardwareError(w, r, err)
}

func isAddressError(err error) bool {
	return errors.Is(err, zone.ErrUnknownLocker)
}

func (s *Server) handleLockersAvailable(w http.ResponseWriter, r *http.Request) {
	s.listLockers(w, r, true)
}

func (s *Server) handleLockersAll(w http.ResponseWriter, r *http.Request) {
	s.listLockers(w, r, false)
}

func (s *Server) listLockers(w http.ResponseWriter, r *http.Request, onlyAvailable bool) {
	kioskID := r.URL.Query().Get("kiosk_id")
	zoneID := r.URL.Query().Get("zone")
	if kioskID == "" {
		apierr.Write(w, r, http.StatusBadRequest, apierr.CodeValidation, "kiosk_id query parameter is required")
		return
	}

	var (
		lockers []locker.Locker
		err     error
	)
	if onlyAvailable {
		lockers, err = s.deps.Lockers.GetAvailableLockers(r.Context(), kioskID, zoneID)
	} else {
		lockers, err = s.deps.Lockers.GetAllLockers(r.Context(), kioskID, zoneID)
	}
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if lockers == nil {
		lockers = []locker.Locker{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"lockers": lockers})
}

type lockerBlockRequest struct {
	KioskID  string `json:"kiosk_id"`
	LockerID int    `json:"locker_id"`
	Reason   string `json:"reason,omitempty"`
	ForceVIP bool   `json:"force_vip,omitempty"`
}

func (s *Server) handleLockerBlock(w http.ResponseWriter, r *http.Request) {
	var req lockerBlockRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.KioskID == "" || req.LockerID < 1 {
		apierr.Write(w, r, http.StatusBadRequest, apierr.CodeValidation, "kiosk_id and locker_id are required")
		return
	}
	if err := s.deps.Lockers.Block(r.Context(), req.KioskID, req.LockerID, req.Reason, req.ForceVIP); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleLockerUnblock(w http.ResponseWriter, r *http.Request) {
	var req lockerBlockRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.KioskID == "" || req.LockerID < 1 {
		apierr.Write(w, r, http.StatusBadRequest, apierr.CodeValidation, "kiosk_id and locker_id are required")
		return
	}
	if err := s.deps.Lockers.Unblock(r.Context(), req.KioskID, req.LockerID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type vipBindRequest struct {
	KioskID   string `json:"kiosk_id"`
	LockerID  int    `json:"locker_id"`
	CardID    string `json:"card_id"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

func (s *Server) handleVipBind(w http.ResponseWriter, r *http.Request) {
	var req vipBindRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.KioskID == "" || req.LockerID < 1 || req.CardID == "" {
		apierr.Write(w, r, http.StatusBadRequest, apierr.CodeValidation, "kiosk_id, locker_id and card_id are required")
		return
	}

	cardHash := s.deps.Hasher.HashCard(req.CardID)
	contract, err := s.deps.Lockers.VipBind(r.Context(), req.KioskID, req.LockerID, cardHash, req.StartDate, req.EndDate)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "contract": contract})
}

type vipExtendRequest struct {
	KioskID  string `json:"kiosk_id"`
	LockerID int    `json:"locker_id"`
	EndDate  string `json:"end_date"`
}

func (s *Server) handleVipExtend(w http.ResponseWriter, r *http.Request) {
	var req vipExtendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.KioskID == "" || req.LockerID < 1 || req.EndDate == "" {
		apierr.Write(w, r, http.StatusBadRequest, apierr.CodeValidation, "kiosk_id, locker_id and end_date are required")
		return
	}

	contract, err := s.deps.Lockers.VipExtend(r.Context(), req.KioskID, req.LockerID, req.EndDate)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "contract": contract})
}

type vipUnbindRequest struct {
	KioskID  string `json:"kiosk_id"`
	LockerID int    `json:"locker_id"`
}

func (s *Server) handleVipUnbind(w http.ResponseWriter, r *http.Request) {
	var req vipUnbindRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.KioskID == "" || req.LockerID < 1 {
		apierr.Write(w, r, http.StatusBadRequest, apierr.CodeValidation, "kiosk_id and locker_id are required")
		return
	}
	if err := s.deps.Lockers.VipUnbind(r.Context(), req.KioskID, req.LockerID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// logHandlerError keeps handler-side logging consistent.
func (s *Server) logHandlerError(r *http.Request, event string, err error) {
	logger := log.WithComponentFromContext(r.Context(), "api")
	logger.Warn().
		Err(err).Str("event", event).Msg("request failed")
}
