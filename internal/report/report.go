// Package report renders the fixed end-of-day CSV.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/renameio/v2"

	"github.com/mredag/eform-locker-gateway/internal/locker"
)

// header is the fixed column order. Consumers parse by position.
var header = []string{
	"kiosk_id", "locker_id", "timestamp", "result",
	"previous_status", "owner_key", "error_message",
}

// WriteCSV streams the records as CSV. Timestamps are ISO-8601 UTC; owner
// keys are already hashed by the state manager.
func WriteCSV(w io.Writer, records []locker.ReleaseRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("report: write header: %w", err)
	}
	for _, r := range records {
		row := []string{
			r.KioskID,
			strconv.Itoa(r.LockerID),
			r.Timestamp.UTC().Format(time.RFC3339),
			r.Result,
			string(r.PreviousStatus),
			r.OwnerKey,
			r.ErrorMessage,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("report: write row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Save writes the CSV to path atomically, so a crash mid-export never leaves
// a truncated report behind.
func Save(path string, records []locker.ReleaseRecord) error {
	pf, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("report: create %s: %w", path, err)
	}
	defer pf.Cleanup()

	if err := WriteCSV(pf, records); err != nil {
		return err
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("report: replace %s: %w", path, err)
	}
	return nil
}
