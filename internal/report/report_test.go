package report

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mredag/eform-locker-gateway/internal/locker"
)

func sampleRecords() []locker.ReleaseRecord {
	ts := time.Date(2026, 8, 24, 21, 0, 0, 0, time.UTC)
	return []locker.ReleaseRecord{
		{KioskID: "K1", LockerID: 1, Timestamp: ts, Result: locker.ResultSuccess,
			PreviousStatus: locker.StatusOwned, OwnerKey: "hash-a"},
		{KioskID: "K1", LockerID: 2, Timestamp: ts, Result: locker.ResultAlreadyFree,
			PreviousStatus: locker.StatusFree},
		{KioskID: "K1", LockerID: 3, Timestamp: ts, Result: locker.ResultFailed,
			PreviousStatus: locker.StatusReserved, OwnerKey: "hash-b", ErrorMessage: "relay timeout"},
	}
}

func TestWriteCSVSchema(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sampleRecords()))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)

	assert.Equal(t, []string{
		"kiosk_id", "locker_id", "timestamp", "result",
		"previous_status", "owner_key", "error_message",
	}, rows[0])
	assert.Equal(t, []string{"K1", "1", "2026-08-24T21:00:00Z", "success", "Owned", "hash-a", ""}, rows[1])
	assert.Equal(t, []string{"K1", "3", "2026-08-24T21:00:00Z", "failed", "Reserved", "hash-b", "relay timeout"}, rows[3])
}

func TestWriteCSVConvertsToUTC(t *testing.T) {
	loc := time.FixedZone("TRT", 3*3600)
	records := []locker.ReleaseRecord{{
		KioskID: "K1", LockerID: 1,
		Timestamp:      time.Date(2026, 8, 25, 0, 0, 0, 0, loc),
		Result:         locker.ResultSuccess,
		PreviousStatus: locker.StatusOwned,
	}}

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, records))
	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, "2026-08-24T21:00:00Z", rows[1][2])
}

func TestSaveWritesAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "end-of-day.csv")
	require.NoError(t, Save(path, sampleRecords()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 4)
}
