// Package api is the HTTP/JSON control plane: the kiosk-facing protocol
// endpoints and the staff/admin surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mredag/eform-locker-gateway/internal/api/apierr"
	"github.com/mredag/eform-locker-gateway/internal/config"
	"github.com/mredag/eform-locker-gateway/internal/events"
	"github.com/mredag/eform-locker-gateway/internal/health"
	"github.com/mredag/eform-locker-gateway/internal/kiosk"
	"github.com/mredag/eform-locker-gateway/internal/locker"
	"github.com/mredag/eform-locker-gateway/internal/log"
	"github.com/mredag/eform-locker-gateway/internal/pipeline"
	"github.com/mredag/eform-locker-gateway/internal/store/configstore"
	"github.com/mredag/eform-locker-gateway/internal/zone"
)

// Emergency is the all-off capability of the pipeline.
type Emergency interface {
	EmergencyOff(ctx context.Context) error
}

// Deps carries the server's collaborators. Emergency and Health may be nil.
type Deps struct {
	Logger    zerolog.Logger
	Holder    *config.Holder
	Lockers   *locker.Manager
	Kiosks    *kiosk.Manager
	Queue     *kiosk.Queue
	Events    *events.Logger
	Hasher    *events.Hasher
	Actuator  pipeline.Actuator
	Emergency Emergency
	Configs   *configstore.Store
	Health    *health.Manager

	Version       string
	MasterPINHash string
	RateLimitRPM  int
}

// Server handles the HTTP surface.
type Server struct {
	deps   Deps
	logger zerolog.Logger
}

// NewServer wires the handlers.
func NewServer(deps Deps) *Server {
	return &Server{
		deps:   deps,
		logger: deps.Logger.With().Str("component", "api").Logger(),
	}
}

// Router builds the chi router with the full middleware stack.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(RequestID)
	r.Use(Metrics)
	r.Use(log.Middleware())
	if rpm := s.deps.RateLimitRPM; rpm > 0 {
		r.Use(httprate.LimitByIP(rpm, time.Minute))
	}

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/locker/open", s.handleLockerOpen)
		r.Post("/locker/block", s.handleLockerBlock)
		r.Post("/locker/unblock", s.handleLockerUnblock)
		r.Get("/lockers/available", s.handleLockersAvailable)
		r.Get("/lockers/all", s.handleLockersAll)

		r.Post("/kiosk/heartbeat", s.handleHeartbeat)
		r.Post("/kiosk/commands/poll", s.handleCommandsPoll)
		r.Post("/kiosk/commands/complete", s.handleCommandsComplete)
		r.Post("/kiosk/commands/clear", s.handleCommandsClear)
		r.Post("/kiosk/scan", s.handleScan)
		r.Post("/kiosk/select", s.handleSelect)

		r.Get("/kiosks", s.handleKiosksList)
		r.Get("/kiosks/statistics", s.handleKioskStatistics)
		r.Post("/kiosks/{kioskID}/commands", s.handleCommandEnqueue)

		r.Post("/vip", s.handleVipBind)
		r.Post("/vip/extend", s.handleVipExtend)
		r.Delete("/vip", s.handleVipUnbind)

		r.Get("/events", s.handleEventsQuery)

		r.Get("/config", s.handleConfigList)
		r.Post("/config", s.handleConfigDeploy)
		r.Post("/config/rollback", s.handleConfigRollback)

		r.Post("/commands/{commandID}/cancel", s.handleCommandCancel)
		r.Post("/admin/end-of-day", s.handleEndOfDay)
		r.Post("/admin/emergency-stop", s.handleEmergencyStop)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		apierr.Write(w, r, http.StatusBadRequest, apierr.CodeValidation, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// writeDomainError translates package sentinel errors into the closed API
// code set. Unrecognized errors become 500 INTERNAL_ERROR.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, locker.ErrUnknownZone):
		apierr.WriteExtra(w, r, http.StatusBadRequest, apierr.CodeUnknownZone, err.Error(), map[string]any{
			"available_zones": s.zoneIDs(),
		})
	case errors.Is(err, zone.ErrUnknownLocker):
		apierr.Write(w, r, http.StatusNotFound, apierr.CodeUnknownLocker, err.Error())
	case errors.Is(err, locker.ErrNotFound):
		apierr.Write(w, r, http.StatusNotFound, apierr.CodeNotFound, err.Error())
	case errors.Is(err, locker.ErrLockerBlocked):
		apierr.Write(w, r, http.StatusConflict, apierr.CodeLockerBlocked, err.Error())
	case errors.Is(err, locker.ErrLockerBusy), errors.Is(err, locker.ErrOwnerElsewhere):
		apierr.Write(w, r, http.StatusConflict, apierr.CodeLockerBusy, err.Error())
	case errors.Is(err, locker.ErrVIPProtected), errors.Is(err, locker.ErrNotVIP):
		apierr.Write(w, r, http.StatusUnprocessableEntity, apierr.CodeVIPProtected, err.Error())
	case errors.Is(err, locker.ErrConcurrencyConflict):
		apierr.Write(w, r, http.StatusConflict, apierr.CodeConcurrencyConflict, err.Error())
	case errors.Is(err, zone.ErrZoneCapacity):
		apierr.Write(w, r, http.StatusUnprocessableEntity, apierr.CodeZoneCapacityExceeded, err.Error())
	case errors.Is(err, zone.ErrHardwareConfig),
		errors.Is(err, pipeline.ErrBurstExhausted),
		errors.Is(err, pipeline.ErrSlaveQuarantined):
		apierr.Write(w, r, http.StatusBadGateway, apierr.CodeHardwareError, err.Error())
	case errors.Is(err, kiosk.ErrCommandNotFound), errors.Is(err, kiosk.ErrKioskNotFound):
		apierr.Write(w, r, http.StatusNotFound, apierr.CodeNotFound, err.Error())
	case errors.Is(err, kiosk.ErrCommandNotCancellable), errors.Is(err, kiosk.ErrCommandNotInFlight):
		apierr.Write(w, r, http.StatusConflict, apierr.CodeValidation, err.Error())
	case errors.Is(err, configstore.ErrVersionNotFound), errors.Is(err, configstore.ErrNoRollbackTarget):
		apierr.Write(w, r, http.StatusNotFound, apierr.CodeNotFound, err.Error())
	default:
		logger := log.WithComponentFromContext(r.Context(), "api")
		logger.Error().
			Err(err).Str("event", "api.internal_error").Msg("unhandled error")
		apierr.Write(w, r, http.StatusInternalServerError, apierr.CodeInternal, "internal error")
	}
}

func (s *Server) zoneIDs() []string {
	doc := s.deps.Holder.Current().Doc
	zones := doc.EnabledZones()
	ids := make([]string, 0, len(zones))
	for _, z := range zones {
		ids = append(ids, z.ID)
	}
	return ids
}

// writeHardwareError covers pulse failures: the pipeline already retried, so
// the caller gets 502 with the machine code.
func writeHardwareError(w http.ResponseWriter, r *http.Request, err error) {
	apierr.Write(w, r, http.StatusBadGateway, apierr.CodeHardwareError, err.Error())
}
