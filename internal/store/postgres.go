package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ecowatch/ecowatch/internal/ratelimit"
	"github.com/ecowatch/ecowatch/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API keys ---

const apiKeyColumns = `id, owner_id, name, public_key_id, secret_hash, plan, status, permissions,
	rate_limit_per_minute, rate_limit_per_day, rate_limit_per_month,
	total_requests, requests_this_minute, requests_today, requests_this_month,
	minute_reset_at, day_reset_at, month_reset_at, last_request_at,
	allowed_ips, allowed_domains, expires_at, created_at, updated_at`

func scanAPIKey(row pgx.Row) (*models.APIKey, error) {
	var k models.APIKey
	err := row.Scan(&k.ID, &k.OwnerID, &k.Name, &k.PublicKeyID, &k.SecretHash, &k.Plan, &k.Status,
		&k.Permissions,
		&k.RateLimit.PerMinute, &k.RateLimit.PerDay, &k.RateLimit.PerMonth,
		&k.Usage.TotalRequests, &k.Usage.ThisMinute, &k.Usage.Today, &k.Usage.ThisMonth,
		&k.Usage.MinuteResetAt, &k.Usage.DayResetAt, &k.Usage.MonthResetAt, &k.Usage.LastRequestAt,
		&k.AllowedIPs, &k.AllowedDomains, &k.ExpiresAt, &k.CreatedAt, &k.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, owner_id, name, public_key_id, secret_hash, plan, status, permissions,
			rate_limit_per_minute, rate_limit_per_day, rate_limit_per_month,
			minute_reset_at, day_reset_at, month_reset_at,
			allowed_ips, allowed_domains, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		key.ID, key.OwnerID, key.Name, key.PublicKeyID, key.SecretHash, key.Plan, key.Status, key.Permissions,
		key.RateLimit.PerMinute, key.RateLimit.PerDay, key.RateLimit.PerMonth,
		key.Usage.MinuteResetAt, key.Usage.DayResetAt, key.Usage.MonthResetAt,
		key.AllowedIPs, key.AllowedDomains, key.ExpiresAt, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			if pgErr.ConstraintName == "idx_api_keys_one_free" {
				return ErrFreeKeyConflict
			}
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetActiveKeyByPublicID(ctx context.Context, publicKeyID string) (*models.APIKey, error) {
	k, err := scanAPIKey(s.pool.QueryRow(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE public_key_id = $1 AND status = 'active'`,
		publicKeyID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api key by public id: %w", err)
	}
	return k, nil
}

func (s *PostgresStore) GetAPIKey(ctx context.Context, id uuid.UUID) (*models.APIKey, error) {
	k, err := scanAPIKey(s.pool.QueryRow(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return k, nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) CountActiveKeys(ctx context.Context, ownerID uuid.UUID, plan models.Plan) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM api_keys WHERE owner_id = $1 AND plan = $2 AND status = 'active'`,
		ownerID, plan).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active keys: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET status = 'revoked', updated_at = NOW()
		 WHERE id = $1 AND status IN ('active', 'inactive')`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkExpired(ctx context.Context, id uuid.UUID) error {
	// Idempotent: a concurrent revoke winning the race is fine.
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET status = 'expired', updated_at = NOW()
		 WHERE id = $1 AND status = 'active'`, id)
	if err != nil {
		return fmt.Errorf("mark api key expired: %w", err)
	}
	return nil
}

// Window-due predicates, shared by the SET and WHERE clauses of the admission
// statement. The minute window rolls 60s after its last reset; day and month
// follow UTC calendar boundaries.
const (
	minuteDue = `(minute_reset_at IS NULL OR $2 - minute_reset_at >= interval '1 minute')`
	dayDue    = `(day_reset_at IS NULL OR ($2 AT TIME ZONE 'UTC')::date > (day_reset_at AT TIME ZONE 'UTC')::date)`
	monthDue  = `(month_reset_at IS NULL OR date_trunc('month', $2 AT TIME ZONE 'UTC') > date_trunc('month', month_reset_at AT TIME ZONE 'UTC'))`
)

// admitQuery is a single conditional update: it either applies due resets and
// increments every counter, or matches no row at all. Postgres row locking
// makes it linearizable per key, so concurrent admissions can never push a
// counter past its ceiling.
var admitQuery = `UPDATE api_keys SET
	requests_this_minute = CASE WHEN ` + minuteDue + ` THEN 1 ELSE requests_this_minute + 1 END,
	minute_reset_at      = CASE WHEN ` + minuteDue + ` THEN $2 ELSE minute_reset_at END,
	requests_today       = CASE WHEN ` + dayDue + ` THEN 1 ELSE requests_today + 1 END,
	day_reset_at         = CASE WHEN ` + dayDue + ` THEN $2 ELSE day_reset_at END,
	requests_this_month  = CASE WHEN ` + monthDue + ` THEN 1 ELSE requests_this_month + 1 END,
	month_reset_at       = CASE WHEN ` + monthDue + ` THEN $2 ELSE month_reset_at END,
	total_requests       = total_requests + 1,
	last_request_at      = $2,
	updated_at           = $2
 WHERE id = $1 AND status = 'active'
   AND (` + minuteDue + ` OR requests_this_minute < rate_limit_per_minute)
   AND (` + dayDue + ` OR requests_today < rate_limit_per_day)
   AND (` + monthDue + ` OR requests_this_month < rate_limit_per_month)
 RETURNING ` + apiKeyColumns

func (s *PostgresStore) AdmitRequest(ctx context.Context, id uuid.UUID, now time.Time) (*models.APIKey, error) {
	// When the conditional update matches no row the key was either blocked
	// by a ceiling or is no longer active; a follow-up read tells us which.
	// A concurrent window reset can invalidate the classification, in which
	// case the update is simply retried.
	for attempt := 0; attempt < 3; attempt++ {
		k, err := scanAPIKey(s.pool.QueryRow(ctx, admitQuery, id, now))
		if err == nil {
			return k, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("admit request: %w", err)
		}

		k, err = s.GetAPIKey(ctx, id)
		if err != nil {
			return nil, err
		}
		if k.Status != models.StatusActive {
			return nil, ErrNotFound
		}
		if rej := ratelimit.Classify(k.RateLimit, k.Usage, now); rej != nil {
			return nil, rej
		}
	}
	return nil, fmt.Errorf("admit request: retries exhausted for key %s", id)
}

// --- Reports ---

const reportColumns = `id, title, category, region, status, latitude, longitude, reported_at, resolved_at`

func (s *PostgresStore) ListPublicReports(ctx context.Context, filter ReportFilter) ([]*models.Report, int, error) {
	conditions := []string{"1=1"}
	var args []any
	argIdx := 1

	if filter.Category != "" {
		conditions = append(conditions, fmt.Sprintf("category = $%d", argIdx))
		args = append(args, filter.Category)
		argIdx++
	}
	if filter.Region != "" {
		conditions = append(conditions, fmt.Sprintf("region = $%d", argIdx))
		args = append(args, filter.Region)
		argIdx++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM reports WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count reports: %w", err)
	}

	maxLimit := filter.MaxLimit
	if maxLimit <= 0 {
		maxLimit = 100
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	query := fmt.Sprintf(
		`SELECT %s FROM reports WHERE %s ORDER BY reported_at DESC LIMIT $%d OFFSET $%d`,
		reportColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var reports []*models.Report
	for rows.Next() {
		var r models.Report
		if err := rows.Scan(&r.ID, &r.Title, &r.Category, &r.Region, &r.Status,
			&r.Latitude, &r.Longitude, &r.ReportedAt, &r.ResolvedAt); err != nil {
			return nil, 0, fmt.Errorf("scan report: %w", err)
		}
		reports = append(reports, &r)
	}
	return reports, total, rows.Err()
}

func (s *PostgresStore) ReportStats(ctx context.Context) (*models.ReportStats, error) {
	stats := &models.ReportStats{
		ByStatus:   map[string]int{},
		ByCategory: map[string]int{},
	}

	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM reports`).Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("count reports: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM reports GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("report stats by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.ByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.pool.Query(ctx, `SELECT category, COUNT(*) FROM reports GROUP BY category`)
	if err != nil {
		return nil, fmt.Errorf("report stats by category: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var category string
		var n int
		if err := rows.Scan(&category, &n); err != nil {
			return nil, fmt.Errorf("scan category count: %w", err)
		}
		stats.ByCategory[category] = n
	}
	return stats, rows.Err()
}

func (s *PostgresStore) MonthlyTrend(ctx context.Context, months int) ([]models.TrendPoint, error) {
	if months <= 0 {
		months = 12
	}
	rows, err := s.pool.Query(ctx,
		`SELECT to_char(date_trunc('month', reported_at AT TIME ZONE 'UTC'), 'YYYY-MM') AS month,
		        COUNT(*), COUNT(resolved_at)
		 FROM reports
		 WHERE reported_at >= date_trunc('month', NOW() AT TIME ZONE 'UTC') - make_interval(months => $1 - 1)
		 GROUP BY 1 ORDER BY 1`, months)
	if err != nil {
		return nil, fmt.Errorf("monthly trend: %w", err)
	}
	defer rows.Close()

	var points []models.TrendPoint
	for rows.Next() {
		var p models.TrendPoint
		if err := rows.Scan(&p.Month, &p.Reported, &p.Resolved); err != nil {
			return nil, fmt.Errorf("scan trend point: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// uniqueViolation is the Postgres error code for a unique constraint breach.
const uniqueViolation = "23505"
