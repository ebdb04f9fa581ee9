package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shohag/cardhook/internal/models"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateAddress is returned when an endpoint insert collides
	// on the address unique index.
	ErrDuplicateAddress = errors.New("duplicate address")
)

type Storage interface {
	// Endpoints
	CreateEndpoint(ctx context.Context, ep *models.Endpoint) error
	GetEndpoint(ctx context.Context, id string) (*models.Endpoint, error)
	GetEndpointByAddress(ctx context.Context, address string) (*models.Endpoint, error)
	ListEndpointsByCard(ctx context.Context, card string) ([]models.Endpoint, error)
	UpdateEndpoint(ctx context.Context, id, filter, token string) error
	DeleteEndpoint(ctx context.Context, id string) error

	// Requests
	AppendRequest(ctx context.Context, rec *models.RequestRecord) error
	RecentRequests(ctx context.Context, endpointID string, since time.Time, limit int) ([]models.RequestRecord, error)
	PurgeRequestsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
