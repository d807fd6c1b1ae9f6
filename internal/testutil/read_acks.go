package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vdavid/helphub/backend/internal/models"
)

// ErrNoReadAck is returned by MemoryReadAckQueue.RecordFailure for unknown acks.
var ErrNoReadAck = errors.New("no pending read ack")

// MemoryReadAckQueue is an in-memory stand-in for the Postgres read-ack queue.
type MemoryReadAckQueue struct {
	mu   sync.Mutex
	acks []models.ReadAck
}

// NewMemoryReadAckQueue creates an empty queue.
func NewMemoryReadAckQueue() *MemoryReadAckQueue {
	return &MemoryReadAckQueue{}
}

func (q *MemoryReadAckQueue) Enqueue(_ context.Context, userID, messageID, lastErr string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	if i := q.index(userID, messageID); i >= 0 {
		q.acks[i].LastError = lastErr
		q.acks[i].UpdatedAt = now
		return nil
	}
	q.acks = append(q.acks, models.ReadAck{
		UserID:    userID,
		MessageID: messageID,
		Attempts:  1,
		LastError: lastErr,
		CreatedAt: now,
		UpdatedAt: now,
	})
	return nil
}

func (q *MemoryReadAckQueue) Pending(_ context.Context, userID string, limit int) ([]models.ReadAck, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []models.ReadAck
	for _, ack := range q.acks {
		if ack.UserID == userID && len(out) < limit {
			out = append(out, ack)
		}
	}
	return out, nil
}

func (q *MemoryReadAckQueue) Remove(_ context.Context, userID, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.index(userID, messageID); i >= 0 {
		q.acks = append(q.acks[:i], q.acks[i+1:]...)
	}
	return nil
}

func (q *MemoryReadAckQueue) RecordFailure(_ context.Context, userID, messageID, lastErr string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.index(userID, messageID)
	if i < 0 {
		return 0, ErrNoReadAck
	}
	q.acks[i].Attempts++
	q.acks[i].LastError = lastErr
	q.acks[i].UpdatedAt = time.Now()
	return q.acks[i].Attempts, nil
}

// Len returns the number of queued acks across all users.
func (q *MemoryReadAckQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.acks)
}

func (q *MemoryReadAckQueue) index(userID, messageID string) int {
	for i, ack := range q.acks {
		if ack.UserID == userID && ack.MessageID == messageID {
			return i
		}
	}
	return -1
}
