package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/helphub/backend/internal/models"
)

// ReadAckQueue persists failed mark-read acknowledgments per user.
// This allows the messaging engine to be tested with in-memory implementations.
type ReadAckQueue interface {
	Enqueue(ctx context.Context, userID, messageID, lastErr string) error
	Pending(ctx context.Context, userID string, limit int) ([]models.ReadAck, error)
	Remove(ctx context.Context, userID, messageID string) error
	RecordFailure(ctx context.Context, userID, messageID, lastErr string) (int, error)
}

// readAckQueueImpl implements ReadAckQueue using a database pool.
type readAckQueueImpl struct {
	pool *pgxpool.Pool
}

// NewReadAckQueue creates a ReadAckQueue that uses the given database pool.
func NewReadAckQueue(pool *pgxpool.Pool) ReadAckQueue {
	return &readAckQueueImpl{pool: pool}
}

func (q *readAckQueueImpl) Enqueue(ctx context.Context, userID, messageID, lastErr string) error {
	return EnqueueReadAck(ctx, q.pool, userID, messageID, lastErr)
}

func (q *readAckQueueImpl) Pending(ctx context.Context, userID string, limit int) ([]models.ReadAck, error) {
	return ListPendingReadAcks(ctx, q.pool, userID, limit)
}

func (q *readAckQueueImpl) Remove(ctx context.Context, userID, messageID string) error {
	return DeleteReadAck(ctx, q.pool, userID, messageID)
}

func (q *readAckQueueImpl) RecordFailure(ctx context.Context, userID, messageID, lastErr string) (int, error) {
	return RecordReadAckFailure(ctx, q.pool, userID, messageID, lastErr)
}
