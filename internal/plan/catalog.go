// Package plan holds the static catalog of subscription tiers. The catalog is
// read-only at runtime; issuance copies a tier's limits and permissions onto
// the key so catalog changes never retroactively alter issued keys.
package plan

import (
	"time"

	"github.com/ecowatch/ecowatch/pkg/models"
)

// Tier describes one subscription plan.
type Tier struct {
	Name              models.Plan `json:"name"`
	DisplayName       string      `json:"display_name"`
	PriceMinorUnits   int         `json:"price_minor_units"`
	DurationDays      int         `json:"duration_days"`
	RequestsPerMinute int         `json:"requests_per_minute"`
	RequestsPerDay    int         `json:"requests_per_day"`
	RequestsPerMonth  int         `json:"requests_per_month"`
	Permissions       []string    `json:"permissions"`
}

// Tiers form a strict ladder: each one carries at least the limits and
// permissions of the one below it. Tests assert this monotonicity.
var catalog = map[models.Plan]Tier{
	models.PlanFree: {
		Name:              models.PlanFree,
		DisplayName:       "Free Trial",
		PriceMinorUnits:   0,
		DurationDays:      14,
		RequestsPerMinute: 5,
		RequestsPerDay:    100,
		RequestsPerMonth:  1000,
		Permissions:       []string{"reports:list"},
	},
	models.PlanBasic: {
		Name:              models.PlanBasic,
		DisplayName:       "Basic",
		PriceMinorUnits:   1900,
		DurationDays:      30,
		RequestsPerMinute: 30,
		RequestsPerDay:    2000,
		RequestsPerMonth:  20000,
		Permissions:       []string{"reports:list", "reports:stats"},
	},
	models.PlanPremium: {
		Name:              models.PlanPremium,
		DisplayName:       "Premium",
		PriceMinorUnits:   4900,
		DurationDays:      30,
		RequestsPerMinute: 120,
		RequestsPerDay:    10000,
		RequestsPerMonth:  150000,
		Permissions:       []string{"reports:list", "reports:stats", "analytics:advanced"},
	},
	models.PlanEnterprise: {
		Name:              models.PlanEnterprise,
		DisplayName:       "Enterprise",
		PriceMinorUnits:   14900,
		DurationDays:      365,
		RequestsPerMinute: 600,
		RequestsPerDay:    50000,
		RequestsPerMonth:  1000000,
		Permissions:       []string{"reports:list", "reports:stats", "analytics:advanced", "reports:export"},
	},
}

// order of tiers from cheapest to most expensive, for listing.
var order = []models.Plan{models.PlanFree, models.PlanBasic, models.PlanPremium, models.PlanEnterprise}

// Lookup returns the tier for a plan name. The returned value is a copy;
// callers can mutate it without touching the catalog.
func Lookup(p models.Plan) (Tier, bool) {
	t, ok := catalog[p]
	if !ok {
		return Tier{}, false
	}
	t.Permissions = append([]string(nil), t.Permissions...)
	return t, true
}

// All returns every tier, cheapest first.
func All() []Tier {
	tiers := make([]Tier, 0, len(order))
	for _, p := range order {
		t, _ := Lookup(p)
		tiers = append(tiers, t)
	}
	return tiers
}

// RateLimit converts the tier's ceilings into the key snapshot form.
func (t Tier) RateLimit() models.RateLimit {
	return models.RateLimit{
		PerMinute: t.RequestsPerMinute,
		PerDay:    t.RequestsPerDay,
		PerMonth:  t.RequestsPerMonth,
	}
}

// ExpiresAt returns the absolute deadline for a key issued now on this tier.
func (t Tier) ExpiresAt(now time.Time) time.Time {
	return now.AddDate(0, 0, t.DurationDays)
}
