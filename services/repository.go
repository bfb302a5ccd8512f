package services

import (
	"context"

	"campaign-mailer/database"
)

// TemplateRepository persists campaign templates.
type TemplateRepository interface {
	GetTemplate(ctx context.Context, id int64) (*database.Template, error)
	MarkTemplateUsed(ctx context.Context, id int64) error
	InsertTemplate(ctx context.Context, t *database.Template) error
	SetTemplateStatus(ctx context.Context, id int64, status string) error
}

// AudienceRepository reads audiences and segments and moves recipients
// between membership partitions.
type AudienceRepository interface {
	AudienceSubscriberCount(ctx context.Context, audienceID int64) (int, error)
	SegmentSubscriberCount(ctx context.Context, segmentID, audienceID int64) (int, error)
	RecipientPage(ctx context.Context, src database.RecipientSource, afterID int64, offset, limit int) ([]database.RecipientAddress, error)
	SetMembership(ctx context.Context, audienceID, recipientID int64, state string) error
	CleanRecipient(ctx context.Context, audienceID, recipientID, templateID int64) error
}

// StatisticsRepository stores the per-template event sets.
type StatisticsRepository interface {
	EnsureStatistics(ctx context.Context, templateID int64) (bool, error)
	CountEvent(ctx context.Context, templateID int64, event string) (int, error)
	AddEvents(ctx context.Context, templateID int64, event string, emails []string) error
	RemoveEvents(ctx context.Context, templateID int64, event string, emails []string) error
	RecordSend(ctx context.Context, templateID int64, emails []string) error
	GetStatistics(ctx context.Context, templateID int64) (*database.Statistics, error)
}

// RecipientRepository looks up recipients and their campaign history.
type RecipientRepository interface {
	FindRecipientByEmail(ctx context.Context, email string) (*database.Recipient, error)
	AddSentCampaign(ctx context.Context, emails []string, templateID int64) error
}

// DispatchLogRepository records one row per page outcome.
type DispatchLogRepository interface {
	InsertDispatchLog(ctx context.Context, l *database.DispatchLog) error
}

// Store is everything the dispatch engine needs from persistence.
type Store interface {
	TemplateRepository
	AudienceRepository
	StatisticsRepository
	RecipientRepository
	DispatchLogRepository
}

var _ Store = (*database.Store)(nil)
