package cache

import "fmt"

func ReportStatsKey() string {
	return "reports:stats"
}

func MonthlyTrendKey(months int) string {
	return fmt.Sprintf("reports:trend:%d", months)
}
