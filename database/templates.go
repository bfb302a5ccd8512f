package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

const templateColumns = "id, business_id, name, type, image_url, ses_template, status, used, replicated, " +
	"replicated_from, is_deleted, start_date, end_date, finished_at, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTemplate(row rowScanner) (*Template, error) {
	var (
		t              Template
		replicatedFrom sql.NullInt64
		start, end     sql.NullTime
		finished       sql.NullTime
	)
	err := row.Scan(&t.ID, &t.BusinessID, &t.Name, &t.Type, &t.ImageURL, &t.SESTemplate, &t.Status,
		&t.Used, &t.Replicated, &replicatedFrom, &t.IsDeleted, &start, &end, &finished,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if replicatedFrom.Valid {
		v := replicatedFrom.Int64
		t.ReplicatedFrom = &v
	}
	t.StartDate = nullTime(start)
	t.EndDate = nullTime(end)
	t.FinishedAt = nullTime(finished)
	return &t, nil
}

// GetTemplate loads a non-deleted template by id.
func (s *Store) GetTemplate(ctx context.Context, id int64) (*Template, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM templates WHERE id = $1 AND is_deleted = FALSE`, id)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template %d: %w", id, err)
	}
	return t, nil
}

// MarkTemplateUsed flags a template as claimed by a send. A template that
// is already used, missing or deleted yields ErrNotFound.
func (s *Store) MarkTemplateUsed(ctx context.Context, id int64) error {
	return s.execOne(ctx, "mark template used",
		`UPDATE templates SET used = TRUE, updated_at = NOW() WHERE id = $1 AND used = FALSE AND is_deleted = FALSE`, id)
}

// SetTemplateStatus moves a template to a lifecycle state. Finishing also
// stamps finished_at.
func (s *Store) SetTemplateStatus(ctx context.Context, id int64, status string) error {
	query := `UPDATE templates SET status = $2, updated_at = NOW() WHERE id = $1`
	if status == TemplateFinished {
		query = `UPDATE templates SET status = $2, finished_at = NOW(), updated_at = NOW() WHERE id = $1`
	}
	return s.execOne(ctx, "set template status", query, id, status)
}

// SoftDeleteTemplate hides a template without removing its history.
func (s *Store) SoftDeleteTemplate(ctx context.Context, id int64) error {
	return s.execOne(ctx, "delete template",
		`UPDATE templates SET is_deleted = TRUE, updated_at = NOW() WHERE id = $1 AND is_deleted = FALSE`, id)
}

// InsertTemplate stores a new template and fills in its generated fields.
func (s *Store) InsertTemplate(ctx context.Context, t *Template) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO templates (business_id, name, type, image_url, ses_template, status, used, replicated,
			replicated_from, start_date, end_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at`,
		t.BusinessID, t.Name, t.Type, t.ImageURL, t.SESTemplate, t.Status, t.Used, t.Replicated,
		t.ReplicatedFrom, t.StartDate, t.EndDate,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert template: %w", err)
	}
	return nil
}

// TemplateFilter narrows ListTemplates. Replicated copies are hidden unless
// IncludeReplicated is set.
type TemplateFilter struct {
	Status            string
	IncludeReplicated bool
	Limit             uint64
	Offset            uint64
}

// ListTemplates returns non-deleted templates, newest first.
func (s *Store) ListTemplates(ctx context.Context, f TemplateFilter) ([]*Template, error) {
	q := s.psql.Select(templateColumns).From("templates").
		Where(sq.Eq{"is_deleted": false}).
		OrderBy("created_at DESC")
	if !f.IncludeReplicated {
		q = q.Where(sq.Eq{"replicated": false})
	}
	if f.Status != "" {
		q = q.Where(sq.Eq{"status": f.Status})
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build template query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	var templates []*Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template row: %w", err)
		}
		templates = append(templates, t)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over template rows: %w", err)
	}
	return templates, nil
}

// execOne runs an update that must touch exactly one live row.
func (s *Store) execOne(ctx context.Context, op, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
