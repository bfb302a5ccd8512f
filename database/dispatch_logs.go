package database

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
)

// InsertDispatchLog records the outcome of one page.
func (s *Store) InsertDispatchLog(ctx context.Context, l *DispatchLog) error {
	addresses := l.Addresses
	if addresses == nil {
		addresses = []string{}
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO dispatch_logs (run_id, template_id, audience_id, page, recipient_count, addresses, status, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, sent_at`,
		l.RunID, l.TemplateID, l.AudienceID, l.Page, l.RecipientCount, pq.Array(addresses), l.Status, l.Error,
	).Scan(&l.ID, &l.SentAt)
	if err != nil {
		return fmt.Errorf("failed to insert dispatch log: %w", err)
	}
	return nil
}

// DispatchLogFilter narrows ListDispatchLogs. A zero Day lists every day.
type DispatchLogFilter struct {
	Day        time.Time
	Location   *time.Location
	TemplateID int64
	Status     string
	Limit      uint64
}

// ListDispatchLogs returns page outcomes, newest first. Addresses are not
// loaded.
func (s *Store) ListDispatchLogs(ctx context.Context, f DispatchLogFilter) ([]DispatchLog, error) {
	q := s.psql.Select("id", "run_id", "template_id", "audience_id", "page", "recipient_count", "status", "error", "sent_at").
		From("dispatch_logs").
		OrderBy("sent_at DESC")
	if !f.Day.IsZero() {
		loc := f.Location
		if loc == nil {
			loc = time.UTC
		}
		start := time.Date(f.Day.Year(), f.Day.Month(), f.Day.Day(), 0, 0, 0, 0, loc)
		q = q.Where(sq.GtOrEq{"sent_at": start}).Where(sq.Lt{"sent_at": start.AddDate(0, 0, 1)})
	}
	if f.TemplateID > 0 {
		q = q.Where(sq.Eq{"template_id": f.TemplateID})
	}
	if f.Status != "" {
		q = q.Where(sq.Eq{"status": f.Status})
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build dispatch log query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dispatch logs: %w", err)
	}
	defer rows.Close()

	var logs []DispatchLog
	for rows.Next() {
		var l DispatchLog
		if err := rows.Scan(&l.ID, &l.RunID, &l.TemplateID, &l.AudienceID, &l.Page, &l.RecipientCount,
			&l.Status, &l.Error, &l.SentAt); err != nil {
			return nil, fmt.Errorf("failed to scan dispatch log row: %w", err)
		}
		logs = append(logs, l)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over dispatch log rows: %w", err)
	}
	return logs, nil
}
