package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// EnsureStatistics creates the statistics record of a template when it does
// not exist yet. It reports whether a record was created.
func (s *Store) EnsureStatistics(ctx context.Context, templateID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO statistics (template_id) VALUES ($1)
		ON CONFLICT (template_id) DO NOTHING`, templateID)
	if err != nil {
		return false, fmt.Errorf("failed to ensure statistics for template %d: %w", templateID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to ensure statistics for template %d: %w", templateID, err)
	}
	return n > 0, nil
}

// CountEvent returns the size of one event set; a missing record counts zero.
func (s *Store) CountEvent(ctx context.Context, templateID int64, event string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM statistic_events WHERE template_id = $1 AND event = $2`,
		templateID, event).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s events for template %d: %w", event, templateID, err)
	}
	return count, nil
}

// AddEvents inserts addresses into an event set, ignoring duplicates.
func (s *Store) AddEvents(ctx context.Context, templateID int64, event string, emails []string) error {
	if len(emails) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO statistic_events (template_id, event, email)
		SELECT $1::bigint, $2::text, e FROM unnest($3::text[]) AS e
		ON CONFLICT DO NOTHING`, templateID, event, pq.Array(emails))
	if err != nil {
		return fmt.Errorf("failed to add %s events for template %d: %w", event, templateID, err)
	}
	return s.touchStatistics(ctx, templateID)
}

// RemoveEvents pulls addresses out of an event set.
func (s *Store) RemoveEvents(ctx context.Context, templateID int64, event string, emails []string) error {
	if len(emails) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM statistic_events WHERE template_id = $1 AND event = $2 AND email = ANY($3)`,
		templateID, event, pq.Array(emails))
	if err != nil {
		return fmt.Errorf("failed to remove %s events for template %d: %w", event, templateID, err)
	}
	return nil
}

// RecordSend adds a batch to both the delivery and send sets in one statement.
func (s *Store) RecordSend(ctx context.Context, templateID int64, emails []string) error {
	if len(emails) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO statistic_events (template_id, event, email)
		SELECT $1::bigint, ev.event, e
		FROM unnest($2::text[]) AS e
		CROSS JOIN (VALUES ('delivery'), ('send')) AS ev(event)
		ON CONFLICT DO NOTHING`, templateID, pq.Array(emails))
	if err != nil {
		return fmt.Errorf("failed to record sends for template %d: %w", templateID, err)
	}
	return s.touchStatistics(ctx, templateID)
}

// GetStatistics loads every event set of a template.
func (s *Store) GetStatistics(ctx context.Context, templateID int64) (*Statistics, error) {
	stats := &Statistics{TemplateID: templateID, Events: make(map[string][]string, len(StatisticEvents))}
	err := s.db.QueryRowContext(ctx,
		`SELECT updated_at FROM statistics WHERE template_id = $1`, templateID).Scan(&stats.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get statistics for template %d: %w", templateID, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event, email FROM statistic_events WHERE template_id = $1 ORDER BY event, created_at`, templateID)
	if err != nil {
		return nil, fmt.Errorf("failed to get statistic events for template %d: %w", templateID, err)
	}
	defer rows.Close()

	for _, e := range StatisticEvents {
		stats.Events[e] = []string{}
	}
	for rows.Next() {
		var event, email string
		if err := rows.Scan(&event, &email); err != nil {
			return nil, fmt.Errorf("failed to scan statistic event: %w", err)
		}
		stats.Events[event] = append(stats.Events[event], email)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over statistic events: %w", err)
	}
	return stats, nil
}

func (s *Store) touchStatistics(ctx context.Context, templateID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE statistics SET updated_at = NOW() WHERE template_id = $1`, templateID)
	if err != nil {
		return fmt.Errorf("failed to touch statistics for template %d: %w", templateID, err)
	}
	return nil
}
