package zone

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mredag/eform-locker-gateway/internal/config"
)

func TestExtendNoopWhenZonesDisabled(t *testing.T) {
	doc := &config.Document{Timing: config.DefaultTiming()}
	out, err := Extend(doc, 100)
	require.NoError(t, err)
	assert.Same(t, doc, out)
}

func TestExtendNoopWhenCovered(t *testing.T) {
	doc := twoZoneDoc()
	out, err := Extend(doc, 64)
	require.NoError(t, err)
	assert.Same(t, doc, out)
}

func TestExtendGrowsLastZoneAndMergesRanges(t *testing.T) {
	doc := twoZoneDoc()
	doc.Hardware.FreeCards = []int{5}

	out, err := Extend(doc, 80)
	require.NoError(t, err)

	womens, ok := out.ZoneByID("womens")
	require.True(t, ok)
	// [33,64] + [65,80] merge into one range.
	assert.Equal(t, []config.Range{{Start: 33, End: 80}}, womens.Ranges)
	assert.Equal(t, []int{3, 4, 5}, womens.RelayCards)
	assert.Empty(t, out.Hardware.FreeCards)

	// Original document untouched.
	origWomens, _ := doc.ZoneByID("womens")
	assert.Equal(t, []config.Range{{Start: 33, End: 64}}, origWomens.Ranges)

	addr, err := Map(out, 65)
	require.NoError(t, err)
	assert.Equal(t, Address{Slave: 5, Coil: 1}, addr)
}

func TestExtendRefusesWithoutFreeCards(t *testing.T) {
	doc := twoZoneDoc()

	_, err := Extend(doc, 80)
	assert.ErrorIs(t, err, ErrZoneCapacity)
}

func TestExtendDrawsMultipleCards(t *testing.T) {
	doc := twoZoneDoc()
	doc.Hardware.FreeCards = []int{5, 6, 7}

	out, err := Extend(doc, 96)
	require.NoError(t, err)

	womens, _ := out.ZoneByID("womens")
	assert.Equal(t, []int{3, 4, 5, 6}, womens.RelayCards)
	assert.Equal(t, []int{7}, out.Hardware.FreeCards)
}

func TestExtendValidatesResult(t *testing.T) {
	doc := twoZoneDoc()
	doc.Hardware.FreeCards = []int{5}

	// Growing to a count that is not a card multiple violates the coverage
	// rule and must be rejected so the caller rolls back.
	_, err := Extend(doc, 70)
	assert.Error(t, err)
}
