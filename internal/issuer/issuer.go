// Package issuer creates API keys. Trial keys are free and limited to one
// live key per owner; paid keys are created after payment capture, which is
// handled upstream. Upgrades are re-issuance: a new key with the new plan's
// snapshot, never mutation of an existing one.
package issuer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ecowatch/ecowatch/internal/keys"
	"github.com/ecowatch/ecowatch/internal/notify"
	"github.com/ecowatch/ecowatch/internal/plan"
	"github.com/ecowatch/ecowatch/internal/store"
	"github.com/ecowatch/ecowatch/pkg/models"
)

var ErrUnknownPlan = errors.New("unknown plan")
var ErrFreeKeyLimit = errors.New("owner already holds an active free key")

// Service issues API keys from the plan catalog.
type Service struct {
	store    store.Store
	notifier notify.Notifier
	clock    func() time.Time
}

type Option func(*Service)

// WithClock overrides the issuance clock, for tests.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) { s.clock = fn }
}

func NewService(st store.Store, n notify.Notifier, opts ...Option) *Service {
	s := &Service{store: st, notifier: n, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IssuedKey is the one-time issuance result. Credential is the only place the
// plaintext secret ever appears.
type IssuedKey struct {
	Key        *models.APIKey `json:"api_key"`
	Credential string         `json:"credential"`
}

// IssueTrial creates a free-plan key, at most one live per owner. The count
// here is only a fast path for a friendly error; the store's partial unique
// index is the real guard, so two racing signups cannot both get a key.
func (s *Service) IssueTrial(ctx context.Context, ownerID uuid.UUID, name string) (*IssuedKey, error) {
	n, err := s.store.CountActiveKeys(ctx, ownerID, models.PlanFree)
	if err != nil {
		return nil, fmt.Errorf("count free keys: %w", err)
	}
	if n > 0 {
		return nil, ErrFreeKeyLimit
	}
	return s.issue(ctx, ownerID, name, models.PlanFree)
}

// IssuePaid creates a key on a paid plan. The caller is responsible for
// having verified the payment.
func (s *Service) IssuePaid(ctx context.Context, ownerID uuid.UUID, name string, p models.Plan) (*IssuedKey, error) {
	if p == models.PlanFree {
		return nil, ErrUnknownPlan
	}
	return s.issue(ctx, ownerID, name, p)
}

func (s *Service) issue(ctx context.Context, ownerID uuid.UUID, name string, p models.Plan) (*IssuedKey, error) {
	tier, ok := plan.Lookup(p)
	if !ok {
		return nil, ErrUnknownPlan
	}

	pair, err := keys.Generate()
	if err != nil {
		return nil, err
	}
	hash, err := keys.Hash(pair.Secret)
	if err != nil {
		return nil, err
	}

	now := s.clock().UTC()
	expiresAt := tier.ExpiresAt(now)
	key := &models.APIKey{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		Name:        name,
		PublicKeyID: pair.PublicKeyID,
		SecretHash:  hash,
		Plan:        tier.Name,
		Status:      models.StatusActive,
		Permissions: tier.Permissions,
		RateLimit:   tier.RateLimit(),
		Usage: models.Usage{
			MinuteResetAt: &now,
			DayResetAt:    &now,
			MonthResetAt:  &now,
		},
		ExpiresAt: &expiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.CreateAPIKey(ctx, key); err != nil {
		if errors.Is(err, store.ErrFreeKeyConflict) {
			// A concurrent signup won the insert race.
			return nil, ErrFreeKeyLimit
		}
		return nil, fmt.Errorf("persist api key: %w", err)
	}

	credential := keys.Format(pair.PublicKeyID, pair.Secret)

	// Delivery is best-effort: the credential is also returned once in the
	// issuance response, so a notification failure must not void the key.
	if err := s.notifier.DeliverKey(ctx, ownerID, name, credential); err != nil {
		slog.Warn("key delivery notification failed",
			"owner_id", ownerID, "public_key_id", pair.PublicKeyID, "error", err)
	}

	return &IssuedKey{Key: key, Credential: credential}, nil
}
