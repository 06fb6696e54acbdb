// Package config holds the two configuration layers of the gateway: the
// process runtime configuration (listen address, serial device, database
// path) and the deployable JSON document describing zones, hardware and
// timing, which is versioned in the store and distributed to kiosks.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Range is one inclusive interval of locker IDs.
type Range struct {
	Start int
	End   int
}

// Width returns the number of locker IDs covered by the range.
func (r Range) Width() int { return r.End - r.Start + 1 }

// Contains reports whether id falls inside the range.
func (r Range) Contains(id int) bool { return id >= r.Start && id <= r.End }

// MarshalJSON encodes the range as the wire form [start, end].
func (r Range) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{r.Start, r.End})
}

// UnmarshalJSON decodes the wire form [start, end].
func (r *Range) UnmarshalJSON(data []byte) error {
	var pair [2]int
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("range must be a [start, end] pair: %w", err)
	}
	r.Start, r.End = pair[0], pair[1]
	return nil
}

// Zone is a named slice of locker IDs served by a fixed set of relay cards.
type Zone struct {
	ID         string  `json:"id"`
	Ranges     []Range `json:"ranges"`
	RelayCards []int   `json:"relay_cards"`
	Enabled    bool    `json:"enabled"`
}

// CoveredLockers returns the total number of locker IDs in the zone.
func (z Zone) CoveredLockers() int {
	total := 0
	for _, r := range z.Ranges {
		total += r.Width()
	}
	return total
}

// Contains reports whether the zone's ranges cover id.
func (z Zone) Contains(id int) bool {
	for _, r := range z.Ranges {
		if r.Contains(id) {
			return true
		}
	}
	return false
}

// Features toggles optional gateway behavior.
type Features struct {
	ZonesEnabled bool `json:"zones_enabled"`
}

// Hardware describes the RS-485 bus. FreeCards is the pool of slave
// addresses not yet bound to a zone; the extension hook draws from it.
type Hardware struct {
	Port      string `json:"port"`
	BaudRate  int    `json:"baud_rate"`
	FreeCards []int  `json:"free_cards,omitempty"`
}

// Timing carries the soft-timing knobs. All values are global, not
// per kiosk.
type Timing struct {
	PulseMS           int `json:"pulse_ms"`
	BurstMS           int `json:"burst_ms"`
	BurstIntervalMS   int `json:"burst_interval_ms"`
	CommandIntervalMS int `json:"command_interval_ms"`
	ReservationTTLSec int `json:"reservation_ttl_sec"`
	HeartbeatSec      int `json:"heartbeat_sec"`
	OfflineSec        int `json:"offline_sec"`
	PollSec           int `json:"poll_sec"`
}

// Document is the deployable configuration document.
type Document struct {
	Features Features `json:"features"`
	Hardware Hardware `json:"hardware"`
	Zones    []Zone   `json:"zones"`
	Timing   Timing   `json:"timing"`
}

// CoilsPerCard is fixed by the relay hardware: each slave is a 16-relay card.
const CoilsPerCard = 16

// DefaultTiming returns the factory timing values.
func DefaultTiming() Timing {
	return Timing{
		PulseMS:           400,
		BurstMS:           10000,
		BurstIntervalMS:   2000,
		CommandIntervalMS: 300,
		ReservationTTLSec: 90,
		HeartbeatSec:      10,
		OfflineSec:        30,
		PollSec:           2,
	}
}

// DefaultDocument returns a zones-disabled document with factory timing.
func DefaultDocument() *Document {
	return &Document{
		Hardware: Hardware{Port: "/dev/ttyUSB0", BaudRate: 9600},
		Timing:   DefaultTiming(),
	}
}

// Normalize fills zero timing values with the factory defaults.
func (d *Document) Normalize() {
	def := DefaultTiming()
	if d.Timing.PulseMS <= 0 {
		d.Timing.PulseMS = def.PulseMS
	}
	if d.Timing.BurstMS <= 0 {
		d.Timing.BurstMS = def.BurstMS
	}
	if d.Timing.BurstIntervalMS <= 0 {
		d.Timing.BurstIntervalMS = def.BurstIntervalMS
	}
	if d.Timing.CommandIntervalMS <= 0 {
		d.Timing.CommandIntervalMS = def.CommandIntervalMS
	}
	if d.Timing.ReservationTTLSec <= 0 {
		d.Timing.ReservationTTLSec = def.ReservationTTLSec
	}
	if d.Timing.HeartbeatSec <= 0 {
		d.Timing.HeartbeatSec = def.HeartbeatSec
	}
	if d.Timing.OfflineSec <= 0 {
		d.Timing.OfflineSec = def.OfflineSec
	}
	if d.Timing.PollSec <= 0 {
		d.Timing.PollSec = def.PollSec
	}
	if d.Hardware.BaudRate <= 0 {
		d.Hardware.BaudRate = 9600
	}
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	out := *d
	out.Zones = make([]Zone, len(d.Zones))
	for i, z := range d.Zones {
		zc := z
		zc.Ranges = append([]Range(nil), z.Ranges...)
		zc.RelayCards = append([]int(nil), z.RelayCards...)
		out.Zones[i] = zc
	}
	out.Hardware.FreeCards = append([]int(nil), d.Hardware.FreeCards...)
	return &out
}

// Hash returns the SHA-256 content hash of the canonical JSON encoding.
func (d *Document) Hash() string {
	raw, _ := json.Marshal(d)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// EnabledZones returns the enabled zones in declaration order.
func (d *Document) EnabledZones() []Zone {
	var out []Zone
	for _, z := range d.Zones {
		if z.Enabled {
			out = append(out, z)
		}
	}
	return out
}

// ZoneByID returns the zone with the given ID, enabled or not.
func (d *Document) ZoneByID(id string) (Zone, bool) {
	for _, z := range d.Zones {
		if z.ID == id {
			return z, true
		}
	}
	return Zone{}, false
}

// TotalLockers returns the highest locker ID covered by enabled zones.
func (d *Document) TotalLockers() int {
	max := 0
	for _, z := range d.EnabledZones() {
		for _, r := range z.Ranges {
			if r.End > max {
				max = r.End
			}
		}
	}
	return max
}

// Validation errors.
var (
	ErrZoneOverlap      = errors.New("config: enabled zones overlap in locker IDs")
	ErrSlaveShared      = errors.New("config: enabled zones share a slave address")
	ErrZoneCoverage     = errors.New("config: zone coverage does not match relay card capacity")
	ErrRangeShape       = errors.New("config: zone ranges must be disjoint and increasing")
	ErrSlaveOutOfBounds = errors.New("config: slave addresses must be in 1..247")
)

// Validate enforces the structural zone rules: disjoint increasing ranges
// per zone, no overlap between enabled zones, no shared slave address, and
// coverage equal to 16 coils per relay card.
func (d *Document) Validate() error {
	seenSlaves := map[int]string{}
	for _, z := range d.Zones {
		if err := validateRanges(z); err != nil {
			return err
		}
		for _, card := range z.RelayCards {
			if card < 1 || card > 247 {
				return fmt.Errorf("%w: zone %q card %d", ErrSlaveOutOfBounds, z.ID, card)
			}
		}
		if !z.Enabled {
			continue
		}
		if got, want := z.CoveredLockers(), CoilsPerCard*len(z.RelayCards); got != want {
			return fmt.Errorf("%w: zone %q covers %d lockers, cards provide %d coils", ErrZoneCoverage, z.ID, got, want)
		}
		for _, card := range z.RelayCards {
			if other, dup := seenSlaves[card]; dup {
				return fmt.Errorf("%w: slave %d in zones %q and %q", ErrSlaveShared, card, other, z.ID)
			}
			seenSlaves[card] = z.ID
		}
	}

	enabled := d.EnabledZones()
	for i := 0; i < len(enabled); i++ {
		for j := i + 1; j < len(enabled); j++ {
			if zonesOverlap(enabled[i], enabled[j]) {
				return fmt.Errorf("%w: %q and %q", ErrZoneOverlap, enabled[i].ID, enabled[j].ID)
			}
		}
	}
	for _, card := range d.Hardware.FreeCards {
		if card < 1 || card > 247 {
			return fmt.Errorf("%w: free card %d", ErrSlaveOutOfBounds, card)
		}
	}
	return nil
}

func validateRanges(z Zone) error {
	prevEnd := 0
	for _, r := range z.Ranges {
		if r.Start < 1 || r.End < r.Start {
			return fmt.Errorf("%w: zone %q range [%d,%d]", ErrRangeShape, z.ID, r.Start, r.End)
		}
		if r.Start <= prevEnd {
			return fmt.Errorf("%w: zone %q range [%d,%d] not after %d", ErrRangeShape, z.ID, r.Start, r.End, prevEnd)
		}
		prevEnd = r.End
	}
	return nil
}

func zonesOverlap(a, b Zone) bool {
	for _, ra := range a.Ranges {
		for _, rb := range b.Ranges {
			if ra.Start <= rb.End && rb.Start <= ra.End {
				return true
			}
		}
	}
	return false
}

// ParseDocument decodes, normalizes and validates a JSON document.
func ParseDocument(raw []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: invalid document: %w", err)
	}
	doc.Normalize()
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// MarshalDocument encodes the document in the canonical form Hash operates
// on.
func MarshalDocument(doc *Document) ([]byte, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("config: encode document: %w", err)
	}
	return raw, nil
}
