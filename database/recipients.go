package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// FindRecipientByEmail looks up a live recipient by address.
func (s *Store) FindRecipientByEmail(ctx context.Context, email string) (*Recipient, error) {
	var (
		r     Recipient
		birth sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, first_name, last_name, birth_date, is_deleted
		FROM recipients WHERE LOWER(email) = LOWER($1) AND is_deleted = FALSE`, strings.TrimSpace(email),
	).Scan(&r.ID, &r.Email, &r.FirstName, &r.LastName, &birth, &r.IsDeleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find recipient: %w", err)
	}
	r.BirthDate = nullTime(birth)
	return &r, nil
}

// AddSentCampaign appends a campaign to the sent history of every recipient
// whose address is in emails.
func (s *Store) AddSentCampaign(ctx context.Context, emails []string, templateID int64) error {
	if len(emails) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recipient_campaigns (recipient_id, template_id, kind)
		SELECT id, $2::bigint, 'sent' FROM recipients WHERE email = ANY($1)
		ON CONFLICT DO NOTHING`, pq.Array(emails), templateID)
	if err != nil {
		return fmt.Errorf("failed to record sent campaign %d: %w", templateID, err)
	}
	return nil
}
