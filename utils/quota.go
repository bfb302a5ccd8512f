package utils

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GetDailyMailCount returns how many recipients were accepted by the
// transport today in the given time zone, aligning with SES quota resets.
func GetDailyMailCount(ctx context.Context, db *sql.DB, tz string) (int, error) {
	var count int
	query := `
		SELECT COALESCE(SUM(recipient_count), 0) FROM dispatch_logs
		WHERE status = 'Success'
		AND (sent_at AT TIME ZONE $1)::date = (CURRENT_TIMESTAMP AT TIME ZONE $1)::date
	`
	err := db.QueryRowContext(ctx, query, tz).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get daily mail count: %w", err)
	}
	return count, nil
}

// QuotaExceeded reports whether today's volume has reached limit. A limit of
// zero disables the quota.
func QuotaExceeded(ctx context.Context, db *sql.DB, tz string, limit int) (bool, int, error) {
	if limit <= 0 {
		return false, 0, nil
	}
	count, err := GetDailyMailCount(ctx, db, tz)
	if err != nil {
		return false, 0, err
	}
	return count >= limit, count, nil
}

// GetPageStatusDistribution sums recipients per page outcome (Success/Failed)
// for the current day.
func GetPageStatusDistribution(ctx context.Context, db *sql.DB, tz string) (map[string]int, error) {
	statusCounts := make(map[string]int)
	query := `
		SELECT status, COALESCE(SUM(recipient_count), 0) FROM dispatch_logs
		WHERE (sent_at AT TIME ZONE $1)::date = (CURRENT_TIMESTAMP AT TIME ZONE $1)::date
		GROUP BY status
	`
	rows, err := db.QueryContext(ctx, query, tz)
	if err != nil {
		return nil, fmt.Errorf("failed to get page status distribution: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status distribution row: %w", err)
		}
		statusCounts[status] = count
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over status distribution rows: %w", err)
	}

	// Ensure both keys exist even if count is 0 for consistent JSON
	if _, ok := statusCounts["Success"]; !ok {
		statusCounts["Success"] = 0
	}
	if _, ok := statusCounts["Failed"]; !ok {
		statusCounts["Failed"] = 0
	}

	return statusCounts, nil
}

// GetDailySendsOverPeriod retrieves the accepted recipient count per day for
// the last 'days' days.
func GetDailySendsOverPeriod(ctx context.Context, db *sql.DB, tz string, days int) (map[string]int, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid report time zone %q: %w", tz, err)
	}
	if days < 1 {
		days = 1
	}

	dailySends := make(map[string]int, days)
	today := time.Now().In(loc)
	for i := 0; i < days; i++ {
		dailySends[today.AddDate(0, 0, -i).Format("2006-01-02")] = 0
	}

	query := `
		SELECT (sent_at AT TIME ZONE $1)::date AS log_date, COALESCE(SUM(recipient_count), 0)
		FROM dispatch_logs
		WHERE status = 'Success'
		AND (sent_at AT TIME ZONE $1)::date >= (CURRENT_TIMESTAMP AT TIME ZONE $1)::date - $2::int
		GROUP BY log_date
		ORDER BY log_date ASC
	`
	rows, err := db.QueryContext(ctx, query, tz, days-1)
	if err != nil {
		return nil, fmt.Errorf("failed to get daily sends over period: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var logDate time.Time
		var count int
		if err := rows.Scan(&logDate, &count); err != nil {
			return nil, fmt.Errorf("failed to scan daily sends row: %w", err)
		}
		dailySends[logDate.Format("2006-01-02")] = count
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over daily sends rows: %w", err)
	}

	return dailySends, nil
}
