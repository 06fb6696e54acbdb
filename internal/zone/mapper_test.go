package zone

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mredag/eform-locker-gateway/internal/config"
)

func twoZoneDoc() *config.Document {
	return &config.Document{
		Features: config.Features{ZonesEnabled: true},
		Zones: []config.Zone{
			{ID: "mens", Ranges: []config.Range{{Start: 1, End: 32}}, RelayCards: []int{1, 2}, Enabled: true},
			{ID: "womens", Ranges: []config.Range{{Start: 33, End: 64}}, RelayCards: []int{3, 4}, Enabled: true},
		},
		Timing: config.DefaultTiming(),
	}
}

func TestMapZoneBoundaries(t *testing.T) {
	doc := twoZoneDoc()
	cases := []struct {
		locker int
		slave  byte
		coil   int
	}{
		{1, 1, 1},
		{16, 1, 16},
		{17, 2, 1},
		{32, 2, 16},
		{33, 3, 1},
		{48, 3, 16},
		{49, 4, 1},
		{64, 4, 16},
	}
	for _, tc := range cases {
		addr, err := Map(doc, tc.locker)
		require.NoError(t, err, "locker %d", tc.locker)
		assert.Equal(t, Address{Slave: tc.slave, Coil: tc.coil}, addr, "locker %d", tc.locker)
	}
}

func TestMapIsDeterministic(t *testing.T) {
	doc := twoZoneDoc()
	first, err := Map(doc, 49)
	require.NoError(t, err)
	second, err := Map(doc, 49)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestMapLegacyFallbackWhenZonesDisabled(t *testing.T) {
	doc := &config.Document{Timing: config.DefaultTiming()}

	addr, err := Map(doc, 1)
	require.NoError(t, err)
	assert.Equal(t, Address{Slave: 1, Coil: 1}, addr)

	addr, err = Map(doc, 17)
	require.NoError(t, err)
	assert.Equal(t, Address{Slave: 2, Coil: 1}, addr)

	addr, err = Map(doc, 16)
	require.NoError(t, err)
	assert.Equal(t, Address{Slave: 1, Coil: 16}, addr)
}

func TestMapFallsBackForUncoveredID(t *testing.T) {
	doc := twoZoneDoc()
	addr, err := Map(doc, 80)
	require.NoError(t, err)
	assert.Equal(t, Address{Slave: 5, Coil: 16}, addr)
}

func TestMapRejectsInvalidID(t *testing.T) {
	_, err := Map(twoZoneDoc(), 0)
	assert.ErrorIs(t, err, ErrUnknownLocker)
}

func TestMapHardwareConfigError(t *testing.T) {
	doc := twoZoneDoc()
	// Zone claims 32 lockers but carries only one card; skips validation to
	// model a corrupt stored config.
	doc.Zones[0].RelayCards = []int{1}

	_, err := Map(doc, 20)
	assert.ErrorIs(t, err, ErrHardwareConfig)
}

func TestMapMultiRangeZonePosition(t *testing.T) {
	doc := &config.Document{
		Features: config.Features{ZonesEnabled: true},
		Zones: []config.Zone{
			{
				ID:         "split",
				Ranges:     []config.Range{{Start: 1, End: 8}, {Start: 21, End: 28}},
				RelayCards: []int{7},
				Enabled:    true,
			},
		},
	}

	// Locker 21 is position 9 in the zone: card 7, coil 9.
	addr, err := Map(doc, 21)
	require.NoError(t, err)
	assert.Equal(t, Address{Slave: 7, Coil: 9}, addr)
}
