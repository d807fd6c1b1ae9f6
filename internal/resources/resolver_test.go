package resources

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/vdavid/helphub/backend/internal/helpapi"
	"github.com/vdavid/helphub/backend/internal/models"
)

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) GetResource(ctx context.Context, resourceID string) (*models.Resource, error) {
	args := m.Called(ctx, resourceID)
	res, _ := args.Get(0).(*models.Resource)
	return res, args.Error(1)
}

func (m *mockBackend) SearchResources(ctx context.Context, query string) ([]models.Resource, error) {
	args := m.Called(ctx, query)
	res, _ := args.Get(0).([]models.Resource)
	return res, args.Error(1)
}

var errNotFound = &helpapi.APIError{StatusCode: http.StatusNotFound, Detail: "Not found."}

func TestResolver_Resolve(t *testing.T) {
	ctx := context.Background()
	foodBank := models.Resource{ID: "r1", Title: "Food Bank", OwnerID: "u3"}
	pantry := models.Resource{ID: "r2", Title: "Food Bank Pantry", OwnerID: "u4"}

	tests := []struct {
		name        string
		ref         string
		setup       func(b *mockBackend)
		expectedID  string
		expectedErr error
	}{
		{
			name: "resolves by id",
			ref:  "r1",
			setup: func(b *mockBackend) {
				b.On("GetResource", ctx, "r1").Return(&foodBank, nil)
			},
			expectedID: "r1",
		},
		{
			name: "falls back to title search and prefers exact title",
			ref:  " food bank ",
			setup: func(b *mockBackend) {
				b.On("GetResource", ctx, "food bank").Return(nil, errNotFound)
				b.On("SearchResources", ctx, "food bank").Return([]models.Resource{pantry, foodBank}, nil)
			},
			expectedID: "r1",
		},
		{
			name: "takes the first search hit without an exact title",
			ref:  "pantry",
			setup: func(b *mockBackend) {
				b.On("GetResource", ctx, "pantry").Return(nil, errNotFound)
				b.On("SearchResources", ctx, "pantry").Return([]models.Resource{pantry}, nil)
			},
			expectedID: "r2",
		},
		{
			name: "no search hits",
			ref:  "shelter",
			setup: func(b *mockBackend) {
				b.On("GetResource", ctx, "shelter").Return(nil, errNotFound)
				b.On("SearchResources", ctx, "shelter").Return([]models.Resource{}, nil)
			},
			expectedErr: ErrNotFound,
		},
		{
			name:        "empty reference",
			ref:         "  ",
			setup:       func(b *mockBackend) {},
			expectedErr: ErrEmptyReference,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &mockBackend{}
			tt.setup(b)
			r := NewResolver(b, zerolog.Nop())

			res, err := r.Resolve(ctx, tt.ref)

			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
				assert.Nil(t, res)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.expectedID, res.ID)

			remembered, ok := r.Resolved(tt.expectedID)
			assert.True(t, ok)
			assert.Equal(t, res, remembered)
			b.AssertExpectations(t)
		})
	}
}

func TestResolver_BackendFailureSkipsSearch(t *testing.T) {
	ctx := context.Background()
	b := &mockBackend{}
	b.On("GetResource", ctx, "r1").Return(nil, &helpapi.APIError{StatusCode: http.StatusBadGateway})
	r := NewResolver(b, zerolog.Nop())

	res, err := r.Resolve(ctx, "r1")

	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.True(t, helpapi.IsTransient(err))
	assert.Nil(t, res)
	b.AssertNotCalled(t, "SearchResources", mock.Anything, mock.Anything)
}

func TestResolver_ResolvedUnknown(t *testing.T) {
	r := NewResolver(&mockBackend{}, zerolog.Nop())
	res, ok := r.Resolved("r1")
	assert.False(t, ok)
	assert.Nil(t, res)
}

func TestResolver_Draft(t *testing.T) {
	ctx := context.Background()

	t.Run("seeds recipient and subject", func(t *testing.T) {
		b := &mockBackend{}
		b.On("GetResource", ctx, "r1").Return(&models.Resource{ID: "r1", Title: " Food Bank ", OwnerID: "u3"}, nil)
		r := NewResolver(b, zerolog.Nop())

		draft, err := r.Draft(ctx, "r1")

		assert.NoError(t, err)
		assert.Equal(t, "u3", draft.RecipientID)
		assert.Equal(t, "Inquiry about: Food Bank", draft.Subject)
		assert.Equal(t, "r1", draft.Resource.ID)
	})

	t.Run("rejects resources without owner", func(t *testing.T) {
		b := &mockBackend{}
		b.On("GetResource", ctx, "r9").Return(&models.Resource{ID: "r9", Title: "Orphan"}, nil)
		r := NewResolver(b, zerolog.Nop())

		draft, err := r.Draft(ctx, "r9")

		assert.ErrorIs(t, err, ErrNoOwner)
		assert.Nil(t, draft)
	})
}

func TestResolver_ResolvedReturnsCopy(t *testing.T) {
	ctx := context.Background()
	b := &mockBackend{}
	b.On("GetResource", ctx, "r1").Return(&models.Resource{ID: "r1", Title: "Food Bank", OwnerID: "u3"}, nil)
	r := NewResolver(b, zerolog.Nop())

	_, err := r.Resolve(ctx, "r1")
	assert.NoError(t, err)

	first, _ := r.Resolved("r1")
	first.Title = "changed"
	second, _ := r.Resolved("r1")
	assert.Equal(t, "Food Bank", second.Title)
}
