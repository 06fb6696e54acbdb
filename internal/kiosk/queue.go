package kiosk

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mredag/eform-locker-gateway/internal/metrics"
)

const (
	maxAttempts = 3
	// retryBase is doubled per failed attempt: 1s, 2s, 4s.
	retryBase = time.Second
)

// Queue is the durable per-kiosk FIFO command queue. At most one command per
// kiosk is in flight; a kiosk that restarts mid-command re-polls and receives
// the same command again.
type Queue struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// NewQueue wraps the shared gateway database.
func NewQueue(db *sql.DB, logger zerolog.Logger) *Queue {
	return &Queue{
		db:     db,
		logger: logger.With().Str("component", "queue").Logger(),
		now:    time.Now,
	}
}

// Enqueue appends a pending command and returns it.
func (q *Queue) Enqueue(ctx context.Context, kioskID string, typ CommandType, payload json.RawMessage) (Command, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	cmd := Command{
		CommandID: uuid.NewString(),
		KioskID:   kioskID,
		Type:      typ,
		Payload:   payload,
		Status:    CmdPending,
		CreatedAt: q.now().UTC(),
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO commands (command_id, kiosk_id, type, payload, status, created_at_ms)
		 VALUES (?, ?, ?, ?, 'pending', ?)`,
		cmd.CommandID, cmd.KioskID, string(cmd.Type), string(cmd.Payload), cmd.CreatedAt.UnixMilli())
	if err != nil {
		return Command{}, fmt.Errorf("kiosk: enqueue: %w", err)
	}
	metrics.CommandsEnqueuedTotal.WithLabelValues(string(typ)).Inc()
	q.logger.Info().
		Str("kiosk_id", kioskID).
		Str("command_id", cmd.CommandID).
		Str("type", string(typ)).
		Str("event", "command.enqueued").
		Msg("command enqueued")
	return cmd, nil
}

// Poll claims the kiosk's next command. A command already in flight is
// returned again instead of a new claim, so re-polling after a kiosk restart
// is safe. The claim transaction keeps the single-in-flight rule atomic.
func (q *Queue) Poll(ctx context.Context, kioskID string) ([]Command, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("kiosk: poll begin: %w", err)
	}
	defer tx.Rollback()

	inFlight, err := q.selectCommand(ctx, tx,
		`SELECT `+commandColumns+` FROM commands
		 WHERE kiosk_id = ? AND status = 'in_flight' LIMIT 1`, kioskID)
	if err != nil {
		return nil, err
	}
	if inFlight != nil {
		return []Command{*inFlight}, tx.Commit()
	}

	now := q.now()
	next, err := q.selectCommand(ctx, tx,
		`SELECT `+commandColumns+` FROM commands
		 WHERE kiosk_id = ? AND status = 'pending' AND next_attempt_at_ms <= ?
		 ORDER BY created_at_ms, command_id LIMIT 1`, kioskID, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE commands SET status = 'in_flight', picked_at_ms = ? WHERE command_id = ?`,
		now.UnixMilli(), next.CommandID); err != nil {
		return nil, fmt.Errorf("kiosk: claim %s: %w", next.CommandID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("kiosk: poll commit: %w", err)
	}

	next.Status = CmdInFlight
	next.PickedAt = now.UTC()
	return []Command{*next}, nil
}

// Complete resolves an in-flight command. Failures below the attempt cap are
// requeued with exponential backoff; the rest dead-letter as failed.
func (q *Queue) Complete(ctx context.Context, commandID string, success bool, errMsg string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("kiosk: complete begin: %w", err)
	}
	defer tx.Rollback()

	cmd, err := q.selectCommand(ctx, tx,
		`SELECT `+commandColumns+` FROM commands WHERE command_id = ?`, commandID)
	if err != nil {
		return err
	}
	if cmd == nil {
		return fmt.Errorf("%w: %s", ErrCommandNotFound, commandID)
	}
	if cmd.Status != CmdInFlight {
		return fmt.Errorf("%w: %s is %s", ErrCommandNotInFlight, commandID, cmd.Status)
	}

	now := q.now()
	var result string
	switch {
	case success:
		_, err = tx.ExecContext(ctx,
			`UPDATE commands SET status = 'completed', completed_at_ms = ? WHERE command_id = ?`,
			now.UnixMilli(), commandID)
		result = "completed"
	case cmd.Attempts+1 < maxAttempts:
		backoff := retryBase << cmd.Attempts
		_, err = tx.ExecContext(ctx,
			`UPDATE commands SET status = 'pending', attempts = attempts + 1, last_error = ?,
				picked_at_ms = NULL, next_attempt_at_ms = ? WHERE command_id = ?`,
			errMsg, now.Add(backoff).UnixMilli(), commandID)
		result = "requeued"
	default:
		_, err = tx.ExecContext(ctx,
			`UPDATE commands SET status = 'failed', attempts = attempts + 1, last_error = ?,
				completed_at_ms = ? WHERE command_id = ?`,
			errMsg, now.UnixMilli(), commandID)
		result = "dead_letter"
	}
	if err != nil {
		return fmt.Errorf("kiosk: complete %s: %w", commandID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("kiosk: complete commit: %w", err)
	}

	metrics.CommandsCompletedTotal.WithLabelValues(result).Inc()
	q.logger.Info().
		Str("command_id", commandID).
		Str("kiosk_id", cmd.KioskID).
		Str("result", result).
		Str("event", "command.completed").
		Msg("command resolved")
	return nil
}

// ClearPending discards the kiosk's pending commands, e.g. stale bulk opens
// after a kiosk restart.
func (q *Queue) ClearPending(ctx context.Context, kioskID string) (int, error) {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM commands WHERE kiosk_id = ? AND status = 'pending'`, kioskID)
	if err != nil {
		return 0, fmt.Errorf("kiosk: clear pending %s: %w", kioskID, err)
	}
	cleared, _ := res.RowsAffected()
	return int(cleared), nil
}

// Cancel withdraws a pending command. In-flight commands must be completed by
// the kiosk first.
func (q *Queue) Cancel(ctx context.Context, commandID string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE commands SET status = 'failed', last_error = 'cancelled', completed_at_ms = ?
		 WHERE command_id = ? AND status = 'pending'`,
		q.now().UnixMilli(), commandID)
	if err != nil {
		return fmt.Errorf("kiosk: cancel %s: %w", commandID, err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		cmd, err := q.selectCommand(ctx, q.db,
			`SELECT `+commandColumns+` FROM commands WHERE command_id = ?`, commandID)
		if err != nil {
			return err
		}
		if cmd == nil {
			return fmt.Errorf("%w: %s", ErrCommandNotFound, commandID)
		}
		return fmt.Errorf("%w: %s is %s", ErrCommandNotCancellable, commandID, cmd.Status)
	}
	return nil
}

const commandColumns = `command_id, kiosk_id, type, payload, status, attempts,
	last_error, created_at_ms, picked_at_ms, completed_at_ms`

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (q *Queue) selectCommand(ctx context.Context, db querier, query string, args ...any) (*Command, error) {
	row := db.QueryRowContext(ctx, query, args...)
	var (
		cmd         Command
		payload     string
		lastError   sql.NullString
		createdAt   int64
		pickedAt    sql.NullInt64
		completedAt sql.NullInt64
	)
	err := row.Scan(&cmd.CommandID, &cmd.KioskID, &cmd.Type, &payload, &cmd.Status,
		&cmd.Attempts, &lastError, &createdAt, &pickedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kiosk: scan command: %w", err)
	}
	cmd.Payload = json.RawMessage(payload)
	cmd.LastError = lastError.String
	cmd.CreatedAt = time.UnixMilli(createdAt).UTC()
	if pickedAt.Valid {
		cmd.PickedAt = time.UnixMilli(pickedAt.Int64).UTC()
	}
	if completedAt.Valid {
		cmd.CompletedAt = time.UnixMilli(completedAt.Int64).UTC()
	}
	return &cmd, nil
}
