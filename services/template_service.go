package services

import (
	"context"
	"fmt"
	"strings"

	"campaign-mailer/database"
	"campaign-mailer/logger"

	"github.com/google/uuid"
)

// Merge tags accepted in template HTML
const (
	MergeTagUnsubscribe = "*|UNSUB|*"
	MergeTagEmail       = "*|EMAIL|*"
)

// TemplateStore is the persistence the template API needs.
type TemplateStore interface {
	TemplateRepository
	ListTemplates(ctx context.Context, f database.TemplateFilter) ([]*database.Template, error)
	SoftDeleteTemplate(ctx context.Context, id int64) error
}

// CreateTemplateInput describes a new campaign template.
type CreateTemplateInput struct {
	BusinessID int64  `json:"business_id" validate:"gte=0"`
	Name       string `json:"name" validate:"required,max=255"`
	Type       string `json:"type" validate:"max=64"`
	ImageURL   string `json:"image_url" validate:"omitempty,url"`
	Subject    string `json:"subject" validate:"required,max=998"`
	HTML       string `json:"html" validate:"required"`
	Text       string `json:"text"`
}

// TemplateService manages campaign templates on both sides: the database
// record and the transport template it names.
type TemplateService struct {
	store      TemplateStore
	transport  Transport
	mail       *MailService
	websiteURL string
	logger     logger.Logger
}

func NewTemplateService(store TemplateStore, transport Transport, mail *MailService, websiteURL string, log logger.Logger) *TemplateService {
	return &TemplateService{store: store, transport: transport, mail: mail, websiteURL: websiteURL, logger: log}
}

// ToTransportHTML rewrites merge tags into the per-recipient variables the
// bulk send fills in.
func ToTransportHTML(html string) string {
	html = strings.ReplaceAll(html, MergeTagUnsubscribe, "{{unsub}}")
	return strings.ReplaceAll(html, MergeTagEmail, "{{email}}")
}

// RenderForRecipient fills the per-recipient variables of a transport
// template body.
func RenderForRecipient(body, email, unsubURL string) string {
	body = strings.ReplaceAll(body, "{{unsub}}", unsubURL)
	return strings.ReplaceAll(body, "{{email}}", email)
}

// Create uploads the transport template and then stores the record. The
// transport template is removed again if the record cannot be stored.
func (s *TemplateService) Create(ctx context.Context, in CreateTemplateInput) (*database.Template, error) {
	name := uuid.NewString()
	content := TemplateContent{Subject: in.Subject, HTML: ToTransportHTML(in.HTML), Text: in.Text}
	if err := s.transport.CreateTemplate(ctx, name, content); err != nil {
		return nil, err
	}

	t := &database.Template{
		BusinessID:  in.BusinessID,
		Name:        in.Name,
		Type:        in.Type,
		ImageURL:    in.ImageURL,
		SESTemplate: name,
		Status:      database.TemplateDrafted,
	}
	if err := s.store.InsertTemplate(ctx, t); err != nil {
		if delErr := s.transport.DeleteTemplate(ctx, name); delErr != nil {
			s.logger.WithField("ses_template", name).Error("Failed to remove orphaned transport template: " + delErr.Error())
		}
		return nil, persistence("creating template", err)
	}
	return t, nil
}

// List returns templates matching status, or all when status is empty.
func (s *TemplateService) List(ctx context.Context, status string, limit, offset uint64) ([]*database.Template, error) {
	templates, err := s.store.ListTemplates(ctx, database.TemplateFilter{Status: status, Limit: limit, Offset: offset})
	if err != nil {
		return nil, persistence("listing templates", err)
	}
	return templates, nil
}

// Get loads one template.
func (s *TemplateService) Get(ctx context.Context, id int64) (*database.Template, error) {
	t, err := s.store.GetTemplate(ctx, id)
	if err != nil {
		return nil, persistence(fmt.Sprintf("loading template %d", id), err)
	}
	return t, nil
}

// Delete soft-deletes a template. Its transport template and statistics
// are kept.
func (s *TemplateService) Delete(ctx context.Context, id int64) error {
	if err := s.store.SoftDeleteTemplate(ctx, id); err != nil {
		return persistence(fmt.Sprintf("deleting template %d", id), err)
	}
	return nil
}

// SendTest renders a template for one address and mails it through the
// SMTP relay. audienceID only shapes the unsubscribe link.
func (s *TemplateService) SendTest(ctx context.Context, id int64, to string, audienceID int64) error {
	if s.mail == nil {
		return fmt.Errorf("test mail relay not configured: %w", ErrInvalidArgument)
	}
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	content, err := s.transport.GetTemplate(ctx, t.SESTemplate)
	if err != nil {
		return err
	}

	body := RenderForRecipient(content.HTML, to, UnsubscribeURL(s.websiteURL, to, audienceID))
	if body == "" {
		body = RenderForRecipient(content.Text, to, UnsubscribeURL(s.websiteURL, to, audienceID))
	}
	if err := s.mail.SendTestEmail(to, "[TEST] "+content.Subject, body); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}
