// Package resources resolves community-resource listings so new
// conversations can be started about them.
package resources

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/vdavid/helphub/backend/internal/helpapi"
	"github.com/vdavid/helphub/backend/internal/models"
)

var (
	// ErrNotFound is returned when neither an id nor a title matches.
	ErrNotFound = errors.New("resource not found")
	// ErrEmptyReference is returned when no id or title was given.
	ErrEmptyReference = errors.New("resource id or title is required")
	// ErrNoOwner is returned when a resource has nobody to message.
	ErrNoOwner = errors.New("resource has no owner to contact")
)

// DraftSubjectPrefix starts the subject of every first-contact message.
const DraftSubjectPrefix = "Inquiry about: "

// Backend is the part of the backend API the resolver needs.
type Backend interface {
	GetResource(ctx context.Context, resourceID string) (*models.Resource, error)
	SearchResources(ctx context.Context, query string) ([]models.Resource, error)
}

var _ Backend = (*helpapi.Client)(nil)

// Draft seeds the compose form for a first-contact message.
type Draft struct {
	Resource    models.Resource `json:"resource"`
	RecipientID string          `json:"recipient_id"`
	Subject     string          `json:"subject"`
}

// Resolver looks up resources by id or title and remembers what it found.
// It is safe for concurrent use.
type Resolver struct {
	backend Backend
	logger  zerolog.Logger

	mu       sync.RWMutex
	resolved map[string]*models.Resource
}

// NewResolver creates a resolver backed by the given API.
func NewResolver(backend Backend, logger zerolog.Logger) *Resolver {
	return &Resolver{
		backend:  backend,
		logger:   logger,
		resolved: make(map[string]*models.Resource),
	}
}

// Resolve finds a resource by id, falling back to a title search.
// An exact (case-insensitive) title match wins over the search ranking.
func (r *Resolver) Resolve(ctx context.Context, ref string) (*models.Resource, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrEmptyReference
	}

	res, err := r.backend.GetResource(ctx, ref)
	if err == nil {
		r.remember(res)
		return res, nil
	}
	if !errors.Is(err, helpapi.ErrNotFound) {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}

	matches, err := r.backend.SearchResources(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to search resources: %w", err)
	}
	if len(matches) == 0 {
		return nil, ErrNotFound
	}

	best := &matches[0]
	for i := range matches {
		if strings.EqualFold(strings.TrimSpace(matches[i].Title), ref) {
			best = &matches[i]
			break
		}
	}
	if len(matches) > 1 {
		r.logger.Debug().Str("ref", ref).Int("matches", len(matches)).Str("picked", best.ID).
			Msg("resource title matched several listings")
	}

	found := *best
	r.remember(&found)
	return &found, nil
}

// Resolved returns a resource previously returned by Resolve.
func (r *Resolver) Resolved(resourceID string) (*models.Resource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resolved[resourceID]
	if !ok {
		return nil, false
	}
	c := *res
	return &c, true
}

// Draft resolves ref and prepares the recipient and subject of a new message.
func (r *Resolver) Draft(ctx context.Context, ref string) (*Draft, error) {
	res, err := r.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	if res.OwnerID == "" {
		return nil, ErrNoOwner
	}
	return &Draft{
		Resource:    *res,
		RecipientID: res.OwnerID,
		Subject:     DraftSubject(res.Title),
	}, nil
}

// DraftSubject returns the default subject for asking about a resource.
func DraftSubject(title string) string {
	return DraftSubjectPrefix + strings.TrimSpace(title)
}

func (r *Resolver) remember(res *models.Resource) {
	c := *res
	r.mu.Lock()
	r.resolved[res.ID] = &c
	r.mu.Unlock()
}
