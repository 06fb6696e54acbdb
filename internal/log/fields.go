package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldKioskID   = "kiosk_id"
	FieldCommandID = "command_id"
	FieldLockerID  = "locker_id"
	FieldOwnerHash = "owner_hash"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// Bus fields
	FieldSlave = "slave"
	FieldCoil  = "coil"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldVersion  = "row_version"
)
