package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// AudienceSubscriberCount returns how many live recipients are subscribed to
// an audience. An audience without members counts zero.
func (s *Store) AudienceSubscriberCount(ctx context.Context, audienceID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(m.subscribed, 0)
		FROM audiences a
		LEFT JOIN (
			SELECT am.audience_id, COUNT(*) AS subscribed
			FROM audience_members am
			JOIN recipients r ON r.id = am.recipient_id AND r.is_deleted = FALSE
			WHERE am.audience_id = $1 AND am.state = 'subscribed'
			GROUP BY am.audience_id
		) m ON m.audience_id = a.id
		WHERE a.id = $1 AND a.is_deleted = FALSE`, audienceID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count audience %d subscribers: %w", audienceID, err)
	}
	return count, nil
}

// SegmentSubscriberCount counts the segment members still subscribed to the
// segment's parent audience. Segments of another audience are not found.
func (s *Store) SegmentSubscriberCount(ctx context.Context, segmentID, audienceID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(m.subscribed, 0)
		FROM segments sg
		LEFT JOIN (
			SELECT sm.segment_id, COUNT(*) AS subscribed
			FROM segment_members sm
			JOIN recipients r ON r.id = sm.recipient_id AND r.is_deleted = FALSE
			JOIN audience_members am ON am.recipient_id = sm.recipient_id
				AND am.audience_id = $2 AND am.state = 'subscribed'
			WHERE sm.segment_id = $1
			GROUP BY sm.segment_id
		) m ON m.segment_id = sg.id
		WHERE sg.id = $1 AND sg.audience_id = $2 AND sg.is_deleted = FALSE`, segmentID, audienceID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count segment %d subscribers: %w", segmentID, err)
	}
	return count, nil
}

// RecipientPage reads up to limit subscribed recipients ordered by id,
// starting after afterID and skipping offset rows.
func (s *Store) RecipientPage(ctx context.Context, src RecipientSource, afterID int64, offset, limit int) ([]RecipientAddress, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if src.SegmentID == 0 {
		rows, err = s.db.QueryContext(ctx, `
			SELECT r.id, r.email
			FROM audience_members am
			JOIN recipients r ON r.id = am.recipient_id
			WHERE am.audience_id = $1 AND am.state = 'subscribed' AND r.is_deleted = FALSE AND r.id > $2
			ORDER BY r.id ASC
			LIMIT $3 OFFSET $4`, src.AudienceID, afterID, limit, offset)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT r.id, r.email
			FROM segment_members sm
			JOIN recipients r ON r.id = sm.recipient_id
			JOIN audience_members am ON am.recipient_id = r.id
				AND am.audience_id = $1 AND am.state = 'subscribed'
			WHERE sm.segment_id = $2 AND r.is_deleted = FALSE AND r.id > $3
			ORDER BY r.id ASC
			LIMIT $4 OFFSET $5`, src.AudienceID, src.SegmentID, afterID, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch recipient page: %w", err)
	}
	defer rows.Close()

	page := make([]RecipientAddress, 0, limit)
	for rows.Next() {
		var r RecipientAddress
		if err := rows.Scan(&r.ID, &r.Email); err != nil {
			return nil, fmt.Errorf("failed to scan recipient row: %w", err)
		}
		page = append(page, r)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over recipient rows: %w", err)
	}
	return page, nil
}

// SetMembership places a recipient in exactly one partition of an audience.
func (s *Store) SetMembership(ctx context.Context, audienceID, recipientID int64, state string) error {
	_, err := s.db.ExecContext(ctx, upsertMembership, audienceID, recipientID, state)
	if err != nil {
		return fmt.Errorf("failed to set membership of recipient %d: %w", recipientID, err)
	}
	return nil
}

// CleanRecipient unsubscribes a recipient after a negative delivery signal:
// it moves the membership to unsubscribed, records the audience as cleaned
// and marks the campaign as unsent for that recipient.
func (s *Store) CleanRecipient(ctx context.Context, audienceID, recipientID, templateID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, upsertMembership, audienceID, recipientID, Unsubscribed); err != nil {
			return fmt.Errorf("failed to unsubscribe recipient %d: %w", recipientID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO audience_cleaned (audience_id, recipient_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, audienceID, recipientID); err != nil {
			return fmt.Errorf("failed to record cleaned recipient %d: %w", recipientID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO recipient_campaigns (recipient_id, template_id, kind) VALUES ($1, $2, 'unsent')
			ON CONFLICT DO NOTHING`, recipientID, templateID); err != nil {
			return fmt.Errorf("failed to record unsent campaign for recipient %d: %w", recipientID, err)
		}
		return nil
	})
}

const upsertMembership = `
	INSERT INTO audience_members (audience_id, recipient_id, state) VALUES ($1, $2, $3)
	ON CONFLICT (audience_id, recipient_id) DO UPDATE SET state = EXCLUDED.state, updated_at = NOW()`
