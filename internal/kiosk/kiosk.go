// Package kiosk tracks kiosk liveness through heartbeats and feeds each kiosk
// its durable FIFO command queue.
package kiosk

import (
	"encoding/json"
	"errors"
	"time"
)

// KioskStatus is the liveness state of a kiosk.
type KioskStatus string

const (
	StatusOnline      KioskStatus = "online"
	StatusOffline     KioskStatus = "offline"
	StatusMaintenance KioskStatus = "maintenance"
	StatusError       KioskStatus = "error"
)

// Kiosk is the registration row of one physical terminal.
type Kiosk struct {
	KioskID    string      `json:"kiosk_id"`
	ZoneID     string      `json:"zone_id,omitempty"`
	Version    string      `json:"version,omitempty"`
	Status     KioskStatus `json:"status"`
	HardwareID string      `json:"hardware_id,omitempty"`
	ConfigHash string      `json:"config_hash,omitempty"`
	LastSeen   time.Time   `json:"last_seen,omitzero"`
}

// Heartbeat is one report from a kiosk.
type Heartbeat struct {
	KioskID    string          `json:"kiosk_id"`
	Version    string          `json:"version"`
	ZoneID     string          `json:"zone_id,omitempty"`
	HardwareID string          `json:"hardware_id,omitempty"`
	ConfigHash string          `json:"config_hash,omitempty"`
	Telemetry  json.RawMessage `json:"telemetry,omitempty"`
}

// Statistics is the fleet summary exposed to operators.
type Statistics struct {
	Total   int                  `json:"total"`
	Online  int                  `json:"online"`
	Offline int                  `json:"offline"`
	ByZone  map[string]ZoneStats `json:"by_zone"`
}

// ZoneStats is the per-zone slice of Statistics.
type ZoneStats struct {
	Total  int `json:"total"`
	Online int `json:"online"`
}

// CommandType discriminates queued kiosk instructions.
type CommandType string

const (
	CmdOpenLocker     CommandType = "open_locker"
	CmdBulkOpen       CommandType = "bulk_open"
	CmdApplyConfig    CommandType = "apply_config"
	CmdClearOwnership CommandType = "clear_ownership"
)

// CommandStatus is the queue state of one command.
type CommandStatus string

const (
	CmdPending   CommandStatus = "pending"
	CmdInFlight  CommandStatus = "in_flight"
	CmdCompleted CommandStatus = "completed"
	CmdFailed    CommandStatus = "failed"
)

// Command is one durable queued instruction.
type Command struct {
	CommandID   string          `json:"command_id"`
	KioskID     string          `json:"kiosk_id"`
	Type        CommandType     `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      CommandStatus   `json:"status"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	PickedAt    time.Time       `json:"picked_at,omitzero"`
	CompletedAt time.Time       `json:"completed_at,omitzero"`
}

var (
	// ErrKioskNotFound means no such kiosk is registered.
	ErrKioskNotFound = errors.New("kiosk: not found")
	// ErrCommandNotFound means no such command exists.
	ErrCommandNotFound = errors.New("kiosk: command not found")
	// ErrCommandNotInFlight means Complete was called on a command that is
	// not currently claimed.
	ErrCommandNotInFlight = errors.New("kiosk: command not in flight")
	// ErrCommandNotCancellable means Cancel targeted a non-pending command.
	ErrCommandNotCancellable = errors.New("kiosk: command not cancellable")
)
