package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoZoneDoc() *Document {
	return &Document{
		Features: Features{ZonesEnabled: true},
		Hardware: Hardware{Port: "/dev/ttyUSB0", BaudRate: 9600},
		Zones: []Zone{
			{ID: "mens", Ranges: []Range{{1, 32}}, RelayCards: []int{1, 2}, Enabled: true},
			{ID: "womens", Ranges: []Range{{33, 64}}, RelayCards: []int{3, 4}, Enabled: true},
		},
		Timing: DefaultTiming(),
	}
}

func TestDocumentValidateAcceptsCanonicalLayout(t *testing.T) {
	require.NoError(t, twoZoneDoc().Validate())
}

func TestDocumentValidateRejectsOverlap(t *testing.T) {
	doc := twoZoneDoc()
	doc.Zones[1].Ranges = []Range{{30, 61}}
	assert.ErrorIs(t, doc.Validate(), ErrZoneOverlap)
}

func TestDocumentValidateRejectsSharedSlave(t *testing.T) {
	doc := twoZoneDoc()
	doc.Zones[1].RelayCards = []int{2, 4}
	assert.ErrorIs(t, doc.Validate(), ErrSlaveShared)
}

func TestDocumentValidateRejectsCoverageMismatch(t *testing.T) {
	doc := twoZoneDoc()
	doc.Zones[0].Ranges = []Range{{1, 30}}
	assert.ErrorIs(t, doc.Validate(), ErrZoneCoverage)
}

func TestDocumentValidateRejectsUnsortedRanges(t *testing.T) {
	doc := twoZoneDoc()
	doc.Zones[0].Ranges = []Range{{17, 32}, {1, 16}}
	assert.ErrorIs(t, doc.Validate(), ErrRangeShape)
}

func TestRangeWireFormat(t *testing.T) {
	raw, err := json.Marshal(Zone{ID: "z", Ranges: []Range{{1, 32}}})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"ranges":[[1,32]]`)

	var z Zone
	require.NoError(t, json.Unmarshal(raw, &z))
	assert.Equal(t, []Range{{1, 32}}, z.Ranges)
}

func TestParseDocumentNormalizesTiming(t *testing.T) {
	doc, err := ParseDocument([]byte(`{
		"features": {"zones_enabled": true},
		"hardware": {"port": "/dev/ttyUSB0", "baud_rate": 9600},
		"zones": [
			{"id": "mens", "ranges": [[1,32]], "relay_cards": [1,2], "enabled": true}
		],
		"timing": {"pulse_ms": 500}
	}`))
	require.NoError(t, err)
	assert.Equal(t, 500, doc.Timing.PulseMS)
	assert.Equal(t, 2000, doc.Timing.BurstIntervalMS)
	assert.Equal(t, 90, doc.Timing.ReservationTTLSec)
}

func TestDocumentHashStableAndContentSensitive(t *testing.T) {
	a := twoZoneDoc()
	b := twoZoneDoc()
	assert.Equal(t, a.Hash(), b.Hash())

	b.Timing.PulseMS = 500
	assert.NotEqual(t, a.Hash(), b.Hash())
}

func TestCloneIsDeep(t *testing.T) {
	a := twoZoneDoc()
	b := a.Clone()
	b.Zones[0].Ranges[0].End = 48
	assert.Equal(t, 32, a.Zones[0].Ranges[0].End)
}

func TestTotalLockers(t *testing.T) {
	assert.Equal(t, 64, twoZoneDoc().TotalLockers())
}
