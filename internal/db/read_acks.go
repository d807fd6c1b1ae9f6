package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/helphub/backend/internal/models"
)

// ErrReadAckNotFound is returned when no pending acknowledgment exists for a message.
var ErrReadAckNotFound = errors.New("pending read ack not found")

// maxLastErrorLength caps the stored error text.
const maxLastErrorLength = 1000

// EnqueueReadAck stores a failed mark-read acknowledgment for later retry.
// The first failure counts as attempt 1. Enqueuing an ack that is already
// queued only refreshes its last error.
func EnqueueReadAck(ctx context.Context, pool *pgxpool.Pool, userID, messageID, lastErr string) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO pending_read_acks (user_id, message_id, attempts, last_error)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (user_id, message_id) DO UPDATE SET
			last_error = EXCLUDED.last_error,
			updated_at = now()
	`, userID, messageID, truncateError(lastErr))
	if err != nil {
		return fmt.Errorf("failed to enqueue read ack: %w", err)
	}
	return nil
}

// ListPendingReadAcks returns the user's queued acknowledgments, oldest first.
func ListPendingReadAcks(ctx context.Context, pool *pgxpool.Pool, userID string, limit int) ([]models.ReadAck, error) {
	rows, err := pool.Query(ctx, `
		SELECT user_id, message_id, attempts, last_error, created_at, updated_at
		FROM pending_read_acks
		WHERE user_id = $1
		ORDER BY created_at, message_id
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list read acks: %w", err)
	}
	defer rows.Close()

	var acks []models.ReadAck
	for rows.Next() {
		var ack models.ReadAck
		if err := rows.Scan(
			&ack.UserID,
			&ack.MessageID,
			&ack.Attempts,
			&ack.LastError,
			&ack.CreatedAt,
			&ack.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan read ack: %w", err)
		}
		acks = append(acks, ack)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate read acks: %w", err)
	}

	return acks, nil
}

// DeleteReadAck removes a queued acknowledgment. Deleting a missing ack is not an error.
func DeleteReadAck(ctx context.Context, pool *pgxpool.Pool, userID, messageID string) error {
	_, err := pool.Exec(ctx, `
		DELETE FROM pending_read_acks
		WHERE user_id = $1 AND message_id = $2
	`, userID, messageID)
	if err != nil {
		return fmt.Errorf("failed to delete read ack: %w", err)
	}
	return nil
}

// RecordReadAckFailure bumps the attempt counter of a queued acknowledgment
// and returns the new count.
func RecordReadAckFailure(ctx context.Context, pool *pgxpool.Pool, userID, messageID, lastErr string) (int, error) {
	var attempts int
	err := pool.QueryRow(ctx, `
		UPDATE pending_read_acks
		SET attempts = attempts + 1, last_error = $3, updated_at = now()
		WHERE user_id = $1 AND message_id = $2
		RETURNING attempts
	`, userID, messageID, truncateError(lastErr)).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrReadAckNotFound
		}
		return 0, fmt.Errorf("failed to record read ack failure: %w", err)
	}
	return attempts, nil
}

// CountPendingReadAcks returns how many acknowledgments are queued across all users.
func CountPendingReadAcks(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var count int
	err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM pending_read_acks`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count read acks: %w", err)
	}
	return count, nil
}

func truncateError(s string) string {
	runes := []rune(s)
	if len(runes) <= maxLastErrorLength {
		return s
	}
	return string(runes[:maxLastErrorLength])
}
