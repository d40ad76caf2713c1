package store_test

import (
	"context"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ecowatch/ecowatch/internal/ratelimit"
	"github.com/ecowatch/ecowatch/internal/store"
	"github.com/ecowatch/ecowatch/pkg/models"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool + cleanup.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("ecowatch_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

// seedKey inserts an active free-tier key with the given ceilings. All reset
// timestamps start at the given instant, so a window is never "due" at seed
// time.
func seedKey(t *testing.T, s *store.PostgresStore, perMinute, perDay, perMonth int, at time.Time) *models.APIKey {
	t.Helper()
	expires := at.AddDate(0, 0, 14)
	key := &models.APIKey{
		ID:          uuid.New(),
		OwnerID:     uuid.New(),
		Name:        "test-key",
		PublicKeyID: "ew_" + uuid.NewString()[:16],
		SecretHash:  "$2a$04$placeholder-hash",
		Plan:        models.PlanFree,
		Status:      models.StatusActive,
		Permissions: []string{"reports:list"},
		RateLimit:   models.RateLimit{PerMinute: perMinute, PerDay: perDay, PerMonth: perMonth},
		Usage: models.Usage{
			MinuteResetAt: &at,
			DayResetAt:    &at,
			MonthResetAt:  &at,
		},
		ExpiresAt: &expires,
		CreatedAt: at,
		UpdatedAt: at,
	}
	require.NoError(t, s.CreateAPIKey(context.Background(), key))
	return key
}

func seedReport(t *testing.T, pool *pgxpool.Pool, category, region, status string, reportedAt time.Time, resolvedAt *time.Time) {
	t.Helper()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO reports (id, title, category, region, status, latitude, longitude, reported_at, resolved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		uuid.New(), "seeded report", category, region, status, 41.15, -8.61, reportedAt, resolvedAt)
	require.NoError(t, err)
}

// --- API key tests ---

func TestAPIKey_CreateAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	key := seedKey(t, s, 5, 100, 1000, now)

	got, err := s.GetActiveKeyByPublicID(ctx, key.PublicKeyID)
	require.NoError(t, err)
	assert.Equal(t, key.ID, got.ID)
	assert.Equal(t, key.SecretHash, got.SecretHash)
	assert.Equal(t, models.PlanFree, got.Plan)
	assert.Equal(t, []string{"reports:list"}, got.Permissions)
	assert.Equal(t, models.RateLimit{PerMinute: 5, PerDay: 100, PerMonth: 1000}, got.RateLimit)
	require.NotNil(t, got.Usage.MinuteResetAt)
	assert.True(t, got.Usage.MinuteResetAt.Equal(now))

	byID, err := s.GetAPIKey(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, key.PublicKeyID, byID.PublicKeyID)
}

func TestAPIKey_DuplicatePublicID(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	key := seedKey(t, s, 5, 100, 1000, now)

	// Collide only on public_key_id; a different owner keeps the free-key
	// index out of the picture.
	dup := *key
	dup.ID = uuid.New()
	dup.OwnerID = uuid.New()
	err := s.CreateAPIKey(ctx, &dup)
	assert.ErrorIs(t, err, store.ErrDuplicateKey)
}

func TestAPIKey_OneFreeKeyPerOwner(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	first := seedKey(t, s, 5, 100, 1000, now)

	second := *first
	second.ID = uuid.New()
	second.PublicKeyID = "ew_" + uuid.NewString()[:16]
	err := s.CreateAPIKey(ctx, &second)
	assert.ErrorIs(t, err, store.ErrFreeKeyConflict)

	// A different owner is unaffected.
	other := second
	other.ID = uuid.New()
	other.OwnerID = uuid.New()
	other.PublicKeyID = "ew_" + uuid.NewString()[:16]
	require.NoError(t, s.CreateAPIKey(ctx, &other))

	// Paid plans never occupy the free slot.
	paid := second
	paid.ID = uuid.New()
	paid.Plan = models.PlanBasic
	paid.PublicKeyID = "ew_" + uuid.NewString()[:16]
	require.NoError(t, s.CreateAPIKey(ctx, &paid))

	// Revoking the live free key frees the slot.
	require.NoError(t, s.RevokeAPIKey(ctx, first.ID))
	replacement := second
	replacement.ID = uuid.New()
	replacement.PublicKeyID = "ew_" + uuid.NewString()[:16]
	require.NoError(t, s.CreateAPIKey(ctx, &replacement))
}

func TestAPIKey_ConcurrentFreeSignupsAdmitOne(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	ownerID := uuid.New()
	expires := now.AddDate(0, 0, 14)

	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := &models.APIKey{
				ID:          uuid.New(),
				OwnerID:     ownerID,
				Name:        "racing signup",
				PublicKeyID: "ew_" + uuid.NewString()[:16],
				SecretHash:  "$2a$04$placeholder-hash",
				Plan:        models.PlanFree,
				Status:      models.StatusActive,
				Permissions: []string{"reports:list"},
				RateLimit:   models.RateLimit{PerMinute: 5, PerDay: 100, PerMonth: 1000},
				ExpiresAt:   &expires,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			results <- s.CreateAPIKey(ctx, key)
		}()
	}
	wg.Wait()
	close(results)

	created, conflicted := 0, 0
	for err := range results {
		if err == nil {
			created++
			continue
		}
		require.ErrorIs(t, err, store.ErrFreeKeyConflict)
		conflicted++
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, attempts-1, conflicted)

	n, err := s.CountActiveKeys(ctx, ownerID, models.PlanFree)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAPIKey_NonActiveInvisibleByPublicID(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	key := seedKey(t, s, 5, 100, 1000, now)
	require.NoError(t, s.RevokeAPIKey(ctx, key.ID))

	_, err := s.GetActiveKeyByPublicID(ctx, key.PublicKeyID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Still reachable by id for admin views.
	got, err := s.GetAPIKey(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRevoked, got.Status)
}

func TestCountActiveKeys(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	key := seedKey(t, s, 5, 100, 1000, now)

	n, err := s.CountActiveKeys(ctx, key.OwnerID, models.PlanFree)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Revoked keys free the slot.
	require.NoError(t, s.RevokeAPIKey(ctx, key.ID))
	n, err = s.CountActiveKeys(ctx, key.OwnerID, models.PlanFree)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Other owners do not count.
	n, err = s.CountActiveKeys(ctx, uuid.New(), models.PlanFree)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRevokeAPIKey(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	key := seedKey(t, s, 5, 100, 1000, now)

	require.NoError(t, s.RevokeAPIKey(ctx, key.ID))

	// Revoked is terminal: a second revoke finds nothing revocable.
	assert.ErrorIs(t, s.RevokeAPIKey(ctx, key.ID), store.ErrNotFound)
	assert.ErrorIs(t, s.RevokeAPIKey(ctx, uuid.New()), store.ErrNotFound)
}

func TestMarkExpired(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	key := seedKey(t, s, 5, 100, 1000, now)

	require.NoError(t, s.MarkExpired(ctx, key.ID))
	got, err := s.GetAPIKey(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, got.Status)

	// Idempotent, and never resurrects a revoked key.
	require.NoError(t, s.MarkExpired(ctx, key.ID))

	other := seedKey(t, s, 5, 100, 1000, now)
	require.NoError(t, s.RevokeAPIKey(ctx, other.ID))
	require.NoError(t, s.MarkExpired(ctx, other.ID))
	got, err = s.GetAPIKey(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRevoked, got.Status)
}

// --- Admission tests ---

func TestAdmitRequest_IncrementsAllWindows(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	t0 := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	key := seedKey(t, s, 5, 100, 1000, t0)

	got, err := s.AdmitRequest(ctx, key.ID, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, got.Usage.ThisMinute)
	assert.Equal(t, 1, got.Usage.Today)
	assert.Equal(t, 1, got.Usage.ThisMonth)
	assert.Equal(t, int64(1), got.Usage.TotalRequests)
	require.NotNil(t, got.Usage.LastRequestAt)
	assert.True(t, got.Usage.LastRequestAt.Equal(t0.Add(time.Second)))

	got, err = s.AdmitRequest(ctx, key.ID, t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, got.Usage.ThisMinute)
	assert.Equal(t, int64(2), got.Usage.TotalRequests)
}

func TestAdmitRequest_MinuteCeiling(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	t0 := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	key := seedKey(t, s, 3, 100, 1000, t0)

	for i := 0; i < 3; i++ {
		_, err := s.AdmitRequest(ctx, key.ID, t0.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}

	_, err := s.AdmitRequest(ctx, key.ID, t0.Add(3*time.Second))
	var rej *ratelimit.Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ratelimit.WindowMinute, rej.Window)
	assert.Equal(t, 3, rej.Limit)

	// The rejected request is not metered.
	got, err := s.GetAPIKey(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Usage.ThisMinute)
	assert.Equal(t, int64(3), got.Usage.TotalRequests)
}

func TestAdmitRequest_MinuteRollover(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	t0 := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	key := seedKey(t, s, 3, 100, 1000, t0)

	for i := 0; i < 3; i++ {
		_, err := s.AdmitRequest(ctx, key.ID, t0)
		require.NoError(t, err)
	}

	// 61 seconds after the seed reset the minute window rolls; the day and
	// month counters keep accumulating.
	got, err := s.AdmitRequest(ctx, key.ID, t0.Add(61*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, got.Usage.ThisMinute)
	assert.Equal(t, 4, got.Usage.Today)
	assert.Equal(t, 4, got.Usage.ThisMonth)
	require.NotNil(t, got.Usage.MinuteResetAt)
	assert.True(t, got.Usage.MinuteResetAt.Equal(t0.Add(61*time.Second)))
}

func TestAdmitRequest_DayBoundary(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	t0 := time.Date(2026, 3, 10, 23, 59, 30, 0, time.UTC)
	key := seedKey(t, s, 100, 100, 1000, t0)

	_, err := s.AdmitRequest(ctx, key.ID, t0)
	require.NoError(t, err)
	_, err = s.AdmitRequest(ctx, key.ID, t0.Add(10*time.Second))
	require.NoError(t, err)

	// 00:00:10 UTC next day: day counter restarts, month continues.
	got, err := s.AdmitRequest(ctx, key.ID, t0.Add(40*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, got.Usage.Today)
	assert.Equal(t, 3, got.Usage.ThisMonth)
}

func TestAdmitRequest_MonthBoundary(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	t0 := time.Date(2026, 3, 31, 23, 0, 0, 0, time.UTC)
	key := seedKey(t, s, 100, 100, 1000, t0)

	_, err := s.AdmitRequest(ctx, key.ID, t0)
	require.NoError(t, err)

	got, err := s.AdmitRequest(ctx, key.ID, time.Date(2026, 4, 1, 1, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, got.Usage.Today)
	assert.Equal(t, 1, got.Usage.ThisMonth)
	assert.Equal(t, int64(2), got.Usage.TotalRequests)
}

func TestAdmitRequest_DayCeilingOutlivesMinute(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	t0 := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	key := seedKey(t, s, 10, 3, 1000, t0)

	for i := 0; i < 3; i++ {
		_, err := s.AdmitRequest(ctx, key.ID, t0)
		require.NoError(t, err)
	}

	// A fresh minute does not help once the day is exhausted.
	_, err := s.AdmitRequest(ctx, key.ID, t0.Add(2*time.Minute))
	var rej *ratelimit.Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ratelimit.WindowDay, rej.Window)
	assert.Equal(t, 3, rej.Limit)
}

func TestAdmitRequest_NonActiveKey(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	key := seedKey(t, s, 5, 100, 1000, now)
	require.NoError(t, s.RevokeAPIKey(ctx, key.ID))

	_, err := s.AdmitRequest(ctx, key.ID, now)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.AdmitRequest(ctx, uuid.New(), now)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAdmitRequest_ConcurrentNeverOvershoots(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	t0 := time.Now().UTC().Truncate(time.Microsecond)
	key := seedKey(t, s, 5, 100, 1000, t0)

	const attempts = 20
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AdmitRequest(ctx, key.ID, t0)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	admitted, rejected := 0, 0
	for err := range results {
		if err == nil {
			admitted++
			continue
		}
		var rej *ratelimit.Rejection
		require.ErrorAs(t, err, &rej)
		rejected++
	}
	assert.Equal(t, 5, admitted)
	assert.Equal(t, attempts-5, rejected)

	got, err := s.GetAPIKey(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Usage.ThisMinute)
	assert.Equal(t, int64(5), got.Usage.TotalRequests)
}

// --- Report tests ---

func TestListPublicReports_FilterAndPaginate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	for i := 0; i < 5; i++ {
		seedReport(t, pool, "waste", "north", "submitted", now.Add(-time.Duration(i)*time.Hour), nil)
	}
	seedReport(t, pool, "water", "north", "resolved", now, &now)
	seedReport(t, pool, "waste", "south", "submitted", now, nil)

	reports, total, err := s.ListPublicReports(ctx, store.ReportFilter{Category: "waste", Region: "north"})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, reports, 5)
	// Newest first.
	assert.True(t, reports[0].ReportedAt.After(reports[4].ReportedAt))

	reports, total, err = s.ListPublicReports(ctx, store.ReportFilter{Category: "waste", Region: "north", Page: 2, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, reports, 2)

	reports, total, err = s.ListPublicReports(ctx, store.ReportFilter{Status: "resolved"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, reports, 1)
	assert.Equal(t, "water", reports[0].Category)
}

func TestListPublicReports_LimitClamped(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	now := time.Now().UTC()
	for i := 0; i < 12; i++ {
		seedReport(t, pool, "air", "east", "submitted", now.Add(-time.Duration(i)*time.Minute), nil)
	}

	reports, total, err := s.ListPublicReports(ctx, store.ReportFilter{Limit: 500, MaxLimit: 10})
	require.NoError(t, err)
	assert.Equal(t, 12, total)
	assert.Len(t, reports, 10)
}

func TestReportStats(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	now := time.Now().UTC()
	seedReport(t, pool, "waste", "north", "submitted", now, nil)
	seedReport(t, pool, "waste", "south", "in_review", now, nil)
	seedReport(t, pool, "water", "north", "resolved", now, &now)

	stats, err := s.ReportStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, map[string]int{"submitted": 1, "in_review": 1, "resolved": 1}, stats.ByStatus)
	assert.Equal(t, map[string]int{"waste": 2, "water": 1}, stats.ByCategory)
}

func TestMonthlyTrend(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	now := time.Now().UTC()
	// Mid-month anchors avoid end-of-month normalization surprises.
	thisMonth := time.Date(now.Year(), now.Month(), 15, 12, 0, 0, 0, time.UTC)
	lastMonth := thisMonth.AddDate(0, -1, 0)

	seedReport(t, pool, "waste", "north", "submitted", thisMonth, nil)
	seedReport(t, pool, "waste", "north", "resolved", thisMonth, &thisMonth)
	seedReport(t, pool, "water", "south", "resolved", lastMonth, &lastMonth)

	points, err := s.MonthlyTrend(ctx, 12)
	require.NoError(t, err)
	require.Len(t, points, 2)

	assert.Equal(t, lastMonth.Format("2006-01"), points[0].Month)
	assert.Equal(t, 1, points[0].Reported)
	assert.Equal(t, 1, points[0].Resolved)

	assert.Equal(t, thisMonth.Format("2006-01"), points[1].Month)
	assert.Equal(t, 2, points[1].Reported)
	assert.Equal(t, 1, points[1].Resolved)
}
