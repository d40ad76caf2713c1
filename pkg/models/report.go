package models

import (
	"time"

	"github.com/google/uuid"
)

// Report is the public read model of a citizen complaint. The full lifecycle
// (submission, media, status history) lives in the reporting service; the API
// only ever serves this projection.
type Report struct {
	ID         uuid.UUID  `db:"id"          json:"id"`
	Title      string     `db:"title"       json:"title"`
	Category   string     `db:"category"    json:"category"`
	Region     string     `db:"region"      json:"region"`
	Status     string     `db:"status"      json:"status"`
	Latitude   float64    `db:"latitude"    json:"latitude"`
	Longitude  float64    `db:"longitude"   json:"longitude"`
	ReportedAt time.Time  `db:"reported_at" json:"reported_at"`
	ResolvedAt *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
}

// ReportStats is the aggregate view served to NGO clients.
type ReportStats struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"by_status"`
	ByCategory map[string]int `json:"by_category"`
}

// TrendPoint is one month of reporting activity.
type TrendPoint struct {
	Month    string `json:"month"` // YYYY-MM
	Reported int    `json:"reported"`
	Resolved int    `json:"resolved"`
}
