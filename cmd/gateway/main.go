package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mredag/eform-locker-gateway/internal/api"
	"github.com/mredag/eform-locker-gateway/internal/config"
	"github.com/mredag/eform-locker-gateway/internal/events"
	"github.com/mredag/eform-locker-gateway/internal/health"
	"github.com/mredag/eform-locker-gateway/internal/kiosk"
	"github.com/mredag/eform-locker-gateway/internal/locker"
	xglog "github.com/mredag/eform-locker-gateway/internal/log"
	"github.com/mredag/eform-locker-gateway/internal/modbus"
	"github.com/mredag/eform-locker-gateway/internal/persistence/sqlite"
	"github.com/mredag/eform-locker-gateway/internal/pipeline"
	"github.com/mredag/eform-locker-gateway/internal/store"
	"github.com/mredag/eform-locker-gateway/internal/store/configstore"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

const (
	offlineSweepInterval = 5 * time.Second
	reservationSweep     = 15 * time.Second
	telemetryPruneEvery  = time.Hour
	telemetryRetention   = 7 * 24 * time.Hour
	shutdownTimeout      = 10 * time.Second
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to runtime config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Safe defaults until the runtime config is loaded.
	xglog.Configure(xglog.Config{Level: "info", Version: version})
	logger := xglog.WithComponent("gateway")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := config.NewLoader(*configPath).Load()
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Str("config_path", *configPath).
			Msg("failed to load configuration")
	}

	xglog.Configure(xglog.Config{
		Level:   rt.LogLevel,
		Service: rt.LogService,
		Version: version,
	})
	logger = xglog.WithComponent("gateway")

	if err := run(ctx, rt, *configPath); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Str("event", "gateway.failed").Msg("gateway exited")
	}
	logger.Info().Str("event", "gateway.stopped").Msg("shutdown complete")
}

func run(ctx context.Context, rt config.Runtime, configPath string) error {
	logger := xglog.WithComponent("gateway")

	db, err := store.Open(rt.DBPath, sqlite.DefaultConfig())
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	// The active document comes from the store; a fresh database is seeded
	// with the zones-disabled factory document.
	holder := config.NewHolder(config.Snapshot{Doc: config.DefaultDocument()})
	configs := configstore.New(db, holder, xglog.Base())
	if err := configs.LoadActive(ctx, config.DefaultDocument()); err != nil {
		return err
	}

	port, err := openPort(rt)
	if err != nil {
		return err
	}
	transport := modbus.New(port, modbus.Options{Logger: xglog.Base()})
	actuator := pipeline.New(transport, holder, nil, xglog.Base())

	auditor := events.NewLogger(db, xglog.Base())
	hasher := events.NewHasher(rt.OwnerSalt)
	lockers := locker.NewManager(locker.NewStore(db), holder, locker.NewContracts(db), auditor, xglog.Base())
	kiosks := kiosk.NewManager(db, xglog.Base())
	queue := kiosk.NewQueue(db, xglog.Base())

	checks := health.NewManager(version)
	checks.Register(health.NewDBChecker(db))
	checks.Register(health.NewBusChecker(transport, actuator))

	server := api.NewServer(api.Deps{
		Logger:        xglog.Base(),
		Holder:        holder,
		Lockers:       lockers,
		Kiosks:        kiosks,
		Queue:         queue,
		Events:        auditor,
		Hasher:        hasher,
		Actuator:      actuator,
		Emergency:     actuator,
		Configs:       configs,
		Health:        checks,
		Version:       version,
		MasterPINHash: rt.MasterPINHash,
		RateLimitRPM:  rt.RateLimitRPM,
	})
	httpSrv := &http.Server{
		Addr:              rt.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return transport.Run(ctx)
	})

	g.Go(func() error {
		logger.Info().
			Str("event", "gateway.listening").
			Str("addr", rt.ListenAddr).
			Msg("serving HTTP")
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return kiosks.RunOfflineSweeper(ctx, offlineSweepInterval, func() time.Duration {
			return time.Duration(holder.Current().Doc.Timing.OfflineSec) * time.Second
		})
	})

	// Reservations expire per the active document's TTL, re-read every tick
	// so config applies take effect without a restart.
	g.Go(func() error {
		ticker := time.NewTicker(reservationSweep)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				ttl := time.Duration(holder.Current().Doc.Timing.ReservationTTLSec) * time.Second
				if _, err := lockers.ExpireReservations(ctx, ttl); err != nil {
					logger.Warn().Err(err).Str("event", "sweep.reservations_failed").Msg("reservation sweep failed")
				}
				if _, err := lockers.ExpireVIPContracts(ctx); err != nil {
					logger.Warn().Err(err).Str("event", "sweep.vip_failed").Msg("vip contract sweep failed")
				}
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(telemetryPruneEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if _, err := kiosks.PruneTelemetry(ctx, telemetryRetention); err != nil {
					logger.Warn().Err(err).Str("event", "sweep.telemetry_failed").Msg("telemetry prune failed")
				}
			}
		}
	})

	// Runtime YAML reloads adjust the log level live; everything else needs
	// a restart and says so.
	if configPath != "" {
		g.Go(func() error {
			err := config.WatchRuntime(ctx, configPath, logger, func(next config.Runtime) {
				xglog.Configure(xglog.Config{
					Level:   next.LogLevel,
					Service: next.LogService,
					Version: version,
				})
				if next.ListenAddr != rt.ListenAddr || next.SerialPort != rt.SerialPort {
					logger.Warn().
						Str("event", "config.restart_required").
						Msg("listen_addr and serial_port changes take effect on restart")
				}
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openPort(rt config.Runtime) (modbus.Port, error) {
	if rt.SerialFake {
		logger := xglog.WithComponent("gateway")
		logger.Warn().
			Str("event", "modbus.loopback").
			Msg("serial_fake enabled, using loopback port")
		return modbus.NewLoopback(), nil
	}
	return modbus.OpenSerial(rt.SerialPort, rt.BaudRate)
}
