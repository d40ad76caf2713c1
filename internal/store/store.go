package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ecowatch/ecowatch/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrFreeKeyConflict reports a violation of the one-live-free-key-per-owner
// index. It is distinct from ErrDuplicateKey so issuance can surface it as a
// business-rule conflict rather than a collision.
var ErrFreeKeyConflict = errors.New("owner already holds an active free key")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	// GetActiveKeyByPublicID looks up a key by its public lookup token,
	// restricted to active status. Inactive, expired, and revoked keys are
	// indistinguishable from nonexistent ones.
	GetActiveKeyByPublicID(ctx context.Context, publicKeyID string) (*models.APIKey, error)
	GetAPIKey(ctx context.Context, id uuid.UUID) (*models.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	CountActiveKeys(ctx context.Context, ownerID uuid.UUID, plan models.Plan) (int, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
	MarkExpired(ctx context.Context, id uuid.UUID) error
	// AdmitRequest atomically applies due window resets, checks the three
	// ceilings in minute -> day -> month order, and on success increments
	// all counters and returns the post-increment key record. A blocked
	// ceiling surfaces as *ratelimit.Rejection; a key that is no longer
	// active surfaces as ErrNotFound. Either way no partial state is left.
	AdmitRequest(ctx context.Context, id uuid.UUID, now time.Time) (*models.APIKey, error)

	ListPublicReports(ctx context.Context, filter ReportFilter) ([]*models.Report, int, error)
	ReportStats(ctx context.Context) (*models.ReportStats, error)
	MonthlyTrend(ctx context.Context, months int) ([]models.TrendPoint, error)
}

// ReportFilter narrows the public report listing.
type ReportFilter struct {
	Category string
	Region   string
	Status   string
	Page     int
	Limit    int
	MaxLimit int
}
