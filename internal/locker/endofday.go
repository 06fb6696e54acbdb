package locker

import (
	"context"
	"time"
)

// Release outcome labels used by the end-of-day report.
const (
	ResultSuccess     = "success"
	ResultFailed      = "failed"
	ResultSkippedVIP  = "skipped_vip"
	ResultAlreadyFree = "already_free"
)

// ReleaseRecord is one row of the end-of-day report.
type ReleaseRecord struct {
	KioskID        string
	LockerID       int
	Timestamp      time.Time
	Result         string
	PreviousStatus Status
	OwnerKey       string
	ErrorMessage   string
}

// BulkReleaseForEndOfDay frees every held locker of the kiosk and returns one
// record per considered locker. VIP lockers are omitted unless includeVIP,
// in which case they appear as skipped_vip and stay untouched. Blocked
// lockers are excluded from bulk operations entirely.
func (m *Manager) BulkReleaseForEndOfDay(ctx context.Context, kioskID string, includeVIP bool) ([]ReleaseRecord, error) {
	lockers, err := m.store.List(ctx, kioskID)
	if err != nil {
		return nil, err
	}

	records := make([]ReleaseRecord, 0, len(lockers))
	for _, l := range lockers {
		if l.Status == StatusBlocked {
			continue
		}
		rec := ReleaseRecord{
			KioskID:        l.KioskID,
			LockerID:       l.ID,
			Timestamp:      m.now().UTC(),
			PreviousStatus: l.Status,
			OwnerKey:       l.Owner.Key,
		}

		switch {
		case l.IsVIP:
			if !includeVIP {
				continue
			}
			rec.Result = ResultSkippedVIP
		case l.Status == StatusFree:
			rec.Result = ResultAlreadyFree
		default:
			if err := m.release(ctx, l.KioskID, l.ID, false, ActorSystem); err != nil {
				rec.Result = ResultFailed
				rec.ErrorMessage = err.Error()
			} else {
				rec.Result = ResultSuccess
			}
		}
		records = append(records, rec)
	}

	m.record(ctx, kioskID, 0, "end_of_day_release", ActorSystem, map[string]any{
		"records":     len(records),
		"include_vip": includeVIP,
	})
	return records, nil
}
