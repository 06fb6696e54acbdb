// Package zone translates logical locker IDs to Modbus (slave, coil)
// addresses and maintains zone coverage when the hardware grows.
package zone

import (
	"errors"
	"fmt"

	"github.com/mredag/eform-locker-gateway/internal/config"
)

// Address is the bus location of one locker's relay.
type Address struct {
	Slave byte
	Coil  int
}

var (
	// ErrUnknownLocker means no zone and no legacy fallback covers the ID.
	ErrUnknownLocker = errors.New("zone: unknown locker")
	// ErrHardwareConfig means the zone's relay cards cannot cover the
	// computed position (a coverage-rule violation that slipped past
	// validation).
	ErrHardwareConfig = errors.New("zone: hardware config error")
)

// Map resolves a locker ID against the active configuration. The mapping is
// pure: identical inputs always produce identical addresses.
//
// With zones disabled, or for IDs outside every enabled zone while zones are
// enabled but fallback still applies, the legacy scheme is used:
// slave ⌈id/16⌉, coil ((id-1) mod 16)+1.
func Map(doc *config.Document, lockerID int) (Address, error) {
	if lockerID < 1 {
		return Address{}, fmt.Errorf("%w: id %d", ErrUnknownLocker, lockerID)
	}

	if doc.Features.ZonesEnabled {
		for _, z := range doc.EnabledZones() {
			if !z.Contains(lockerID) {
				continue
			}
			return mapWithinZone(z, lockerID)
		}
	}

	return legacyMap(lockerID)
}

func mapWithinZone(z config.Zone, lockerID int) (Address, error) {
	// 1-based position within the zone: widths of earlier ranges plus the
	// offset inside the containing range.
	position := 0
	for _, r := range z.Ranges {
		if r.Contains(lockerID) {
			position += lockerID - r.Start + 1
			break
		}
		position += r.Width()
	}

	cardIndex := (position - 1) / config.CoilsPerCard
	coil := (position-1)%config.CoilsPerCard + 1
	if cardIndex >= len(z.RelayCards) {
		return Address{}, fmt.Errorf("%w: zone %q position %d needs card index %d, have %d cards",
			ErrHardwareConfig, z.ID, position, cardIndex, len(z.RelayCards))
	}
	return Address{Slave: byte(z.RelayCards[cardIndex]), Coil: coil}, nil
}

func legacyMap(lockerID int) (Address, error) {
	slave := (lockerID + config.CoilsPerCard - 1) / config.CoilsPerCard
	if slave > 247 {
		return Address{}, fmt.Errorf("%w: id %d beyond legacy address space", ErrUnknownLocker, lockerID)
	}
	coil := (lockerID-1)%config.CoilsPerCard + 1
	return Address{Slave: byte(slave), Coil: coil}, nil
}
