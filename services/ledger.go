package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"campaign-mailer/database"
	"campaign-mailer/logger"
)

// SendBuffer collects addresses accepted by the transport until they are
// written to the ledger. It is owned by a single run.
type SendBuffer struct {
	emails []string
}

func (b *SendBuffer) Add(emails ...string) {
	b.emails = append(b.emails, emails...)
}

func (b *SendBuffer) Len() int {
	return len(b.emails)
}

// Emails returns a copy of the buffered addresses.
func (b *SendBuffer) Emails() []string {
	out := make([]string, len(b.emails))
	copy(out, b.emails)
	return out
}

func (b *SendBuffer) Reset() {
	b.emails = b.emails[:0]
}

// StatisticsLedger keeps the deduplicated event sets of each template and
// applies the audience hygiene that negative delivery events imply.
type StatisticsLedger struct {
	stats      StatisticsRepository
	recipients RecipientRepository
	audiences  AudienceRepository
	logger     logger.Logger
}

func NewStatisticsLedger(stats StatisticsRepository, recipients RecipientRepository, audiences AudienceRepository, log logger.Logger) *StatisticsLedger {
	return &StatisticsLedger{stats: stats, recipients: recipients, audiences: audiences, logger: log}
}

// Ensure creates the statistics record of a template if it is missing.
func (l *StatisticsLedger) Ensure(ctx context.Context, templateID int64) error {
	created, err := l.stats.EnsureStatistics(ctx, templateID)
	if err != nil {
		return persistence(fmt.Sprintf("ensuring statistics of template %d", templateID), err)
	}
	if created {
		l.logger.WithField("template_id", templateID).Debug("Statistics record created")
	}
	return nil
}

// StartPage returns the first page not yet covered by the template's send
// set, so an interrupted run resumes where it stopped.
func (l *StatisticsLedger) StartPage(ctx context.Context, templateID int64, pageSize int) (int, error) {
	if pageSize <= 0 {
		return 0, fmt.Errorf("page size %d: %w", pageSize, ErrInvalidArgument)
	}
	sent, err := l.stats.CountEvent(ctx, templateID, database.EventSend)
	if err != nil {
		return 0, persistence(fmt.Sprintf("counting sends of template %d", templateID), err)
	}
	return (sent + pageSize - 1) / pageSize, nil
}

// RecordEvent adds address to one event set. Bounces and rejects also leave
// the delivery set, and bounces, complaints and rejects unsubscribe the
// recipient from the audience.
func (l *StatisticsLedger) RecordEvent(ctx context.Context, templateID, audienceID int64, event, address string) error {
	address = strings.TrimSpace(address)
	if templateID <= 0 || address == "" || !database.IsStatisticEvent(event) {
		return fmt.Errorf("event %q for %q: %w", event, address, ErrInvalidArgument)
	}

	if err := l.Ensure(ctx, templateID); err != nil {
		return err
	}
	if err := l.stats.AddEvents(ctx, templateID, event, []string{address}); err != nil {
		return persistence(fmt.Sprintf("recording %s for template %d", event, templateID), err)
	}

	if event == database.EventBounce || event == database.EventReject {
		if err := l.stats.RemoveEvents(ctx, templateID, database.EventDelivery, []string{address}); err != nil {
			return persistence(fmt.Sprintf("removing delivery for template %d", templateID), err)
		}
	}

	switch event {
	case database.EventBounce, database.EventComplaint, database.EventReject:
		l.clean(ctx, templateID, audienceID, event, address)
	}
	return nil
}

func (l *StatisticsLedger) clean(ctx context.Context, templateID, audienceID int64, event, address string) {
	log := l.logger.WithFields(map[string]interface{}{
		"template_id": templateID,
		"audience_id": audienceID,
		"event":       event,
	})
	if audienceID <= 0 {
		log.Warn("No audience for negative event, recipient left subscribed")
		return
	}

	r, err := l.recipients.FindRecipientByEmail(ctx, address)
	if errors.Is(err, database.ErrNotFound) {
		log.Warn("Recipient of negative event not found")
		return
	}
	if err != nil {
		log.Error("Failed to look up recipient: " + err.Error())
		return
	}
	if err := l.audiences.CleanRecipient(ctx, audienceID, r.ID, templateID); err != nil {
		log.WithField("recipient_id", r.ID).Error("Failed to unsubscribe recipient: " + err.Error())
		return
	}
	log.WithField("recipient_id", r.ID).Info("Recipient unsubscribed after negative event")
}

// BulkRecordSend adds the buffered addresses to the delivery and send sets.
// The buffer is cleared only when the write succeeds.
func (l *StatisticsLedger) BulkRecordSend(ctx context.Context, templateID int64, buf *SendBuffer) error {
	if buf.Len() == 0 {
		return nil
	}
	if err := l.stats.RecordSend(ctx, templateID, buf.Emails()); err != nil {
		return persistence(fmt.Sprintf("recording sends of template %d", templateID), err)
	}
	buf.Reset()
	return nil
}

// Statistics returns every event set of a template.
func (l *StatisticsLedger) Statistics(ctx context.Context, templateID int64) (*database.Statistics, error) {
	if templateID <= 0 {
		return nil, fmt.Errorf("template %d: %w", templateID, ErrInvalidArgument)
	}
	stats, err := l.stats.GetStatistics(ctx, templateID)
	if err != nil {
		return nil, persistence(fmt.Sprintf("loading statistics of template %d", templateID), err)
	}
	return stats, nil
}
