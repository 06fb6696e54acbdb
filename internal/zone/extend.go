package zone

import (
	"errors"
	"fmt"

	"github.com/mredag/eform-locker-gateway/internal/config"
)

// ErrZoneCapacity means the last enabled zone cannot grow because the
// hardware free pool has too few relay cards. The caller rolls the config
// edit back.
var ErrZoneCapacity = errors.New("zone: capacity exceeded")

// Extend is the hook fired after a hardware-config edit changes the total
// physical locker count. It returns a new document in which the last enabled
// zone covers lockers up to totalLockers, drawing extra relay cards from the
// hardware free pool. The input document is never mutated; on any error the
// caller keeps the pre-hook document.
func Extend(doc *config.Document, totalLockers int) (*config.Document, error) {
	if !doc.Features.ZonesEnabled {
		return doc, nil
	}

	coveredMax := 0
	lastEnabled := -1
	for i, z := range doc.Zones {
		if !z.Enabled {
			continue
		}
		lastEnabled = i
		for _, r := range z.Ranges {
			if r.End > coveredMax {
				coveredMax = r.End
			}
		}
	}
	if coveredMax >= totalLockers || lastEnabled < 0 {
		return doc, nil
	}

	out := doc.Clone()
	z := &out.Zones[lastEnabled]

	z.Ranges = appendMerged(z.Ranges, config.Range{Start: coveredMax + 1, End: totalLockers})

	// Grow the card list to cover the new width, drawing from the free pool.
	needed := (z.CoveredLockers() + config.CoilsPerCard - 1) / config.CoilsPerCard
	for len(z.RelayCards) < needed {
		if len(out.Hardware.FreeCards) == 0 {
			return nil, fmt.Errorf("%w: zone %q needs %d cards, %d available",
				ErrZoneCapacity, z.ID, needed, len(z.RelayCards))
		}
		z.RelayCards = append(z.RelayCards, out.Hardware.FreeCards[0])
		out.Hardware.FreeCards = out.Hardware.FreeCards[1:]
	}

	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// appendMerged appends r, merging with a directly adjacent trailing range so
// [a,b] + [b+1,c] becomes [a,c].
func appendMerged(ranges []config.Range, r config.Range) []config.Range {
	if n := len(ranges); n > 0 && ranges[n-1].End+1 == r.Start {
		merged := append([]config.Range(nil), ranges...)
		merged[n-1].End = r.End
		return merged
	}
	return append(append([]config.Range(nil), ranges...), r)
}
