package kiosk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mredag/eform-locker-gateway/internal/metrics"
)

// Manager ingests heartbeats, keeps kiosk liveness current and stores rolling
// telemetry samples.
type Manager struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// NewManager wraps the shared gateway database.
func NewManager(db *sql.DB, logger zerolog.Logger) *Manager {
	return &Manager{
		db:     db,
		logger: logger.With().Str("component", "kiosk").Logger(),
		now:    time.Now,
	}
}

// Heartbeat upserts the kiosk row, marks it online and stores the telemetry
// sample when one is attached.
func (m *Manager) Heartbeat(ctx context.Context, hb Heartbeat) error {
	if hb.KioskID == "" {
		return fmt.Errorf("kiosk: heartbeat without kiosk_id")
	}
	nowMS := m.now().UnixMilli()

	_, err := m.db.ExecContext(ctx, `
		INSERT INTO kiosks (kiosk_id, zone_id, version, status, hardware_id, config_hash, last_seen_ms, created_at_ms)
		VALUES (?, ?, ?, 'online', ?, ?, ?, ?)
		ON CONFLICT (kiosk_id) DO UPDATE SET
			zone_id      = COALESCE(NULLIF(excluded.zone_id, ''), kiosks.zone_id),
			version      = excluded.version,
			status       = 'online',
			hardware_id  = COALESCE(NULLIF(excluded.hardware_id, ''), kiosks.hardware_id),
			config_hash  = COALESCE(NULLIF(excluded.config_hash, ''), kiosks.config_hash),
			last_seen_ms = excluded.last_seen_ms`,
		hb.KioskID, hb.ZoneID, hb.Version, hb.HardwareID, hb.ConfigHash, nowMS, nowMS)
	if err != nil {
		return fmt.Errorf("kiosk: heartbeat upsert %s: %w", hb.KioskID, err)
	}

	if len(hb.Telemetry) > 0 {
		if _, err := m.db.ExecContext(ctx,
			`INSERT INTO kiosk_telemetry (kiosk_id, sample, created_at_ms) VALUES (?, ?, ?)`,
			hb.KioskID, string(hb.Telemetry), nowMS); err != nil {
			return fmt.Errorf("kiosk: telemetry insert %s: %w", hb.KioskID, err)
		}
	}
	return nil
}

// SweepOffline marks kiosks offline when their last heartbeat is older than
// the threshold and refreshes the online gauge.
func (m *Manager) SweepOffline(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := m.now().Add(-threshold).UnixMilli()
	res, err := m.db.ExecContext(ctx,
		`UPDATE kiosks SET status = 'offline' WHERE status = 'online' AND last_seen_ms < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("kiosk: offline sweep: %w", err)
	}
	marked, _ := res.RowsAffected()

	var online int
	if err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM kiosks WHERE status = 'online'`).Scan(&online); err == nil {
		metrics.KiosksOnline.Set(float64(online))
	}

	if marked > 0 {
		m.logger.Warn().
			Int64("marked", marked).
			Str("event", "kiosk.offline").
			Msg("kiosks marked offline")
	}
	return int(marked), nil
}

// PruneTelemetry deletes telemetry samples older than the retention window.
func (m *Manager) PruneTelemetry(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := m.now().Add(-retention).UnixMilli()
	res, err := m.db.ExecContext(ctx,
		`DELETE FROM kiosk_telemetry WHERE created_at_ms < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("kiosk: telemetry prune: %w", err)
	}
	deleted, _ := res.RowsAffected()
	return int(deleted), nil
}

const kioskColumns = `kiosk_id, zone_id, version, status, hardware_id, config_hash, last_seen_ms`

func scanKiosk(row interface{ Scan(...any) error }) (Kiosk, error) {
	var (
		k          Kiosk
		zoneID     sql.NullString
		version    sql.NullString
		hardwareID sql.NullString
		configHash sql.NullString
		lastSeen   sql.NullInt64
	)
	if err := row.Scan(&k.KioskID, &zoneID, &version, &k.Status, &hardwareID, &configHash, &lastSeen); err != nil {
		return Kiosk{}, err
	}
	k.ZoneID = zoneID.String
	k.Version = version.String
	k.HardwareID = hardwareID.String
	k.ConfigHash = configHash.String
	if lastSeen.Valid {
		k.LastSeen = time.UnixMilli(lastSeen.Int64).UTC()
	}
	return k, nil
}

// GetKiosk returns one kiosk row.
func (m *Manager) GetKiosk(ctx context.Context, kioskID string) (Kiosk, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT `+kioskColumns+` FROM kiosks WHERE kiosk_id = ?`, kioskID)
	k, err := scanKiosk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Kiosk{}, fmt.Errorf("%w: %s", ErrKioskNotFound, kioskID)
	}
	if err != nil {
		return Kiosk{}, fmt.Errorf("kiosk: get %s: %w", kioskID, err)
	}
	return k, nil
}

// GetAllKiosks returns every registered kiosk ordered by ID.
func (m *Manager) GetAllKiosks(ctx context.Context) ([]Kiosk, error) {
	return m.queryKiosks(ctx, `SELECT `+kioskColumns+` FROM kiosks ORDER BY kiosk_id`)
}

// GetKiosksByZone returns the kiosks of one zone ordered by ID.
func (m *Manager) GetKiosksByZone(ctx context.Context, zoneID string) ([]Kiosk, error) {
	return m.queryKiosks(ctx,
		`SELECT `+kioskColumns+` FROM kiosks WHERE zone_id = ? ORDER BY kiosk_id`, zoneID)
}

func (m *Manager) queryKiosks(ctx context.Context, q string, args ...any) ([]Kiosk, error) {
	rows, err := m.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("kiosk: query: %w", err)
	}
	defer rows.Close()

	var out []Kiosk
	for rows.Next() {
		k, err := scanKiosk(rows)
		if err != nil {
			return nil, fmt.Errorf("kiosk: scan: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// GetStatistics returns fleet totals and the per-zone breakdown.
func (m *Manager) GetStatistics(ctx context.Context) (Statistics, error) {
	kiosks, err := m.GetAllKiosks(ctx)
	if err != nil {
		return Statistics{}, err
	}
	stats := Statistics{ByZone: map[string]ZoneStats{}}
	for _, k := range kiosks {
		stats.Total++
		online := k.Status == StatusOnline
		if online {
			stats.Online++
		} else {
			stats.Offline++
		}
		if k.ZoneID != "" {
			zs := stats.ByZone[k.ZoneID]
			zs.Total++
			if online {
				zs.Online++
			}
			stats.ByZone[k.ZoneID] = zs
		}
	}
	return stats, nil
}

// RunOfflineSweeper blocks, sweeping on the interval until ctx is cancelled.
// threshold is re-evaluated every tick so config applies take effect live.
func (m *Manager) RunOfflineSweeper(ctx context.Context, interval time.Duration, threshold func() time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.SweepOffline(ctx, threshold()); err != nil && ctx.Err() == nil {
				m.logger.Error().Err(err).Str("event", "kiosk.sweep_error").Msg("offline sweep failed")
			}
		}
	}
}
