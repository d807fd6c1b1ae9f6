package messaging

import (
	"context"

	"github.com/vdavid/helphub/backend/internal/helpapi"
	"github.com/vdavid/helphub/backend/internal/models"
)

// MessageAPI is the subset of the messaging backend the engine talks to.
// This interface allows the controllers to be tested with fake backends.
type MessageAPI interface {
	CurrentUser(ctx context.Context) (*models.User, error)
	FetchInbox(ctx context.Context, pageSize int) ([]models.InboxRecord, error)
	FetchSent(ctx context.Context, pageSize int) ([]models.SentRecord, error)
	UnreadCount(ctx context.Context) (int, error)
	SendMessage(ctx context.Context, req models.SendMessageRequest) (*models.SentRecord, error)
	MarkRead(ctx context.Context, messageID string) error
	DeleteMessage(ctx context.Context, messageID string) error
}

// ResourceLookup exposes resources the user has already resolved.
// New conversations may only be started about such a resource.
type ResourceLookup interface {
	Resolved(resourceID string) (*models.Resource, bool)
}

// ReadAckQueue stores server-side mark-read acknowledgments that failed
// and must be retried.
type ReadAckQueue interface {
	Enqueue(ctx context.Context, userID, messageID, lastErr string) error
	Pending(ctx context.Context, userID string, limit int) ([]models.ReadAck, error)
	Remove(ctx context.Context, userID, messageID string) error
	// RecordFailure bumps the attempt counter and returns its new value.
	RecordFailure(ctx context.Context, userID, messageID, lastErr string) (int, error)
}

// Ensure the HTTP client satisfies the engine's backend contract.
var _ MessageAPI = (*helpapi.Client)(nil)
