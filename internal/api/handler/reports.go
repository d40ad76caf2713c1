package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	mw "github.com/ecowatch/ecowatch/internal/api/middleware"
	"github.com/ecowatch/ecowatch/internal/api/response"
	"github.com/ecowatch/ecowatch/internal/cache"
	"github.com/ecowatch/ecowatch/internal/store"
	"github.com/ecowatch/ecowatch/pkg/models"
)

// Page-size ceilings. Export serves bulk consumers and gets a larger cap.
const (
	defaultPageLimit = 20
	listPageLimit    = 100
	exportPageLimit  = 1000
)

// Reports serves the public report projections to NGO clients.
type Reports struct {
	store    store.Store
	cache    cache.Cache
	statsTTL time.Duration
}

func NewReports(s store.Store, c cache.Cache, statsTTL time.Duration) *Reports {
	if statsTTL <= 0 {
		statsTTL = 5 * time.Minute
	}
	return &Reports{store: s, cache: c, statsTTL: statsTTL}
}

// List handles GET /api/v1/reports.
func (h *Reports) List(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, listPageLimit)
}

// Export handles GET /api/v1/reports/export: the same listing with a much
// larger page cap, for bulk consumers.
func (h *Reports) Export(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, exportPageLimit)
}

func (h *Reports) list(w http.ResponseWriter, r *http.Request, maxLimit int) {
	q := r.URL.Query()

	// Clamp before querying so the pagination meta reflects what was
	// actually served, not what the client asked for.
	page := queryInt(q.Get("page"), 1)
	if page < 1 {
		page = 1
	}
	limit := queryInt(q.Get("limit"), defaultPageLimit)
	if limit < 1 {
		limit = defaultPageLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	filter := store.ReportFilter{
		Category: q.Get("category"),
		Region:   q.Get("region"),
		Status:   q.Get("status"),
		Page:     page,
		Limit:    limit,
		MaxLimit: maxLimit,
	}

	reports, total, err := h.store.ListPublicReports(r.Context(), filter)
	if err != nil {
		slog.Error("list reports failed", "error", err)
		response.Error(w, http.StatusInternalServerError,
			mw.CodeInternal, "Failed to list reports")
		return
	}
	if reports == nil {
		reports = []*models.Report{}
	}

	response.Collection(w, reports, response.PaginationMeta{
		Page:    filter.Page,
		Limit:   filter.Limit,
		Total:   total,
		HasNext: filter.Page*filter.Limit < total,
	})
}

// Stats handles GET /api/v1/reports/stats. Aggregates are cached in Redis;
// a cache failure falls through to the database.
func (h *Reports) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cacheKey := cache.ReportStatsKey()

	if raw, found, err := h.cache.Get(ctx, cacheKey); err == nil && found {
		var stats models.ReportStats
		if json.Unmarshal(raw, &stats) == nil {
			response.JSON(w, &stats)
			return
		}
	}

	stats, err := h.store.ReportStats(ctx)
	if err != nil {
		slog.Error("report stats failed", "error", err)
		response.Error(w, http.StatusInternalServerError,
			mw.CodeInternal, "Failed to compute report stats")
		return
	}

	if raw, err := json.Marshal(stats); err == nil {
		if err := h.cache.Set(ctx, cacheKey, raw, h.statsTTL); err != nil {
			slog.Warn("stats cache write failed", "error", err)
		}
	}

	response.JSON(w, stats)
}

// Trend handles GET /api/v1/analytics/advanced: per-month reported/resolved
// counts over a trailing window.
func (h *Reports) Trend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	months := queryInt(r.URL.Query().Get("months"), 12)
	if months < 1 {
		months = 1
	}
	if months > 36 {
		months = 36
	}
	cacheKey := cache.MonthlyTrendKey(months)

	if raw, found, err := h.cache.Get(ctx, cacheKey); err == nil && found {
		var points []models.TrendPoint
		if json.Unmarshal(raw, &points) == nil {
			response.JSON(w, points)
			return
		}
	}

	points, err := h.store.MonthlyTrend(ctx, months)
	if err != nil {
		slog.Error("monthly trend failed", "error", err)
		response.Error(w, http.StatusInternalServerError,
			mw.CodeInternal, "Failed to compute analytics")
		return
	}
	if points == nil {
		points = []models.TrendPoint{}
	}

	if raw, err := json.Marshal(points); err == nil {
		if err := h.cache.Set(ctx, cacheKey, raw, h.statsTTL); err != nil {
			slog.Warn("trend cache write failed", "error", err)
		}
	}

	response.JSON(w, points)
}

func queryInt(s string, defaultVal int) int {
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return n
}
