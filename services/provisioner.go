package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"campaign-mailer/database"
	"campaign-mailer/logger"

	"github.com/google/uuid"
)

// Campaign is the template a run actually sends.
type Campaign struct {
	TemplateID int64
	// CampaignID is the transport-side template name.
	CampaignID       string
	SourceTemplateID int64
	Cloned           bool
	// Resume marks a copy that continues an interrupted run of its source.
	Resume bool
}

// TemplateProvisioner claims templates for sending, clones them for
// re-sends and keeps the transport-side template and configuration set in
// step.
type TemplateProvisioner struct {
	templates TemplateRepository
	stats     StatisticsRepository
	transport Transport
	topicARN  string
	logger    logger.Logger

	now     func() time.Time
	newName func() string
}

func NewTemplateProvisioner(templates TemplateRepository, stats StatisticsRepository, transport Transport, topicARN string, log logger.Logger) *TemplateProvisioner {
	return &TemplateProvisioner{
		templates: templates,
		stats:     stats,
		transport: transport,
		topicARN:  topicARN,
		logger:    log,
		now:       time.Now,
		newName:   func() string { return uuid.NewString() },
	}
}

// Prepare returns the campaign to send for templateID. An unused template
// is claimed and returned. A used one is returned again only while nothing
// has been sent from it; otherwise a fresh copy is provisioned.
func (p *TemplateProvisioner) Prepare(ctx context.Context, templateID int64, resend bool) (*Campaign, error) {
	return p.prepare(ctx, templateID, resend, nil)
}

// PrepareRun is Prepare on behalf of a registered run. Another run of the
// same template in flight forces a fresh copy.
func (p *TemplateProvisioner) PrepareRun(ctx context.Context, token *RunToken, resend bool) (*Campaign, error) {
	return p.prepare(ctx, token.templateID, resend, token)
}

func (p *TemplateProvisioner) prepare(ctx context.Context, templateID int64, resend bool, token *RunToken) (*Campaign, error) {
	if templateID <= 0 {
		return nil, fmt.Errorf("template %d: %w", templateID, ErrInvalidArgument)
	}

	t, err := p.templates.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, persistence(fmt.Sprintf("loading template %d", templateID), err)
	}

	busy := token.Siblings() > 0
	own := &Campaign{TemplateID: t.ID, CampaignID: t.SESTemplate, SourceTemplateID: t.ID}
	if !t.Used {
		err := p.templates.MarkTemplateUsed(ctx, t.ID)
		if err == nil {
			return own, nil
		}
		if !errors.Is(err, database.ErrNotFound) {
			return nil, persistence(fmt.Sprintf("claiming template %d", t.ID), err)
		}
		// Claimed by a concurrent run in the meantime.
		busy = true
	}

	sent, err := p.stats.CountEvent(ctx, t.ID, database.EventSend)
	if err != nil {
		return nil, persistence(fmt.Sprintf("counting sends of template %d", t.ID), err)
	}
	interrupted := !resend && t.Status != database.TemplateFinished
	if interrupted && sent == 0 && !busy {
		return own, nil
	}

	c, err := p.clone(ctx, t)
	if err != nil {
		return nil, err
	}
	c.Resume = interrupted && !busy
	return c, nil
}

func (p *TemplateProvisioner) clone(ctx context.Context, src *database.Template) (*Campaign, error) {
	content, err := p.transport.GetTemplate(ctx, src.SESTemplate)
	if err != nil {
		return nil, fmt.Errorf("reading transport template of %d: %w", src.ID, err)
	}

	name := p.newName()
	if err := p.transport.CreateTemplate(ctx, name, *content); err != nil {
		return nil, err
	}

	copied := cloneTemplate(src, name, p.now())
	if err := p.templates.InsertTemplate(ctx, copied); err != nil {
		if delErr := p.transport.DeleteTemplate(ctx, name); delErr != nil {
			p.logger.WithField("ses_template", name).Error("Failed to remove orphaned transport template: " + delErr.Error())
		}
		return nil, persistence(fmt.Sprintf("replicating template %d", src.ID), err)
	}

	p.logger.WithFields(map[string]interface{}{
		"template_id":   copied.ID,
		"replicated_of": src.ID,
	}).Info("Template replicated for re-send")

	return &Campaign{
		TemplateID:       copied.ID,
		CampaignID:       copied.SESTemplate,
		SourceTemplateID: src.ID,
		Cloned:           true,
	}, nil
}

// cloneTemplate builds the record of a re-send copy. Only the content
// fields are carried over; lifecycle fields start fresh.
func cloneTemplate(src *database.Template, sesTemplate string, now time.Time) *database.Template {
	from := src.ID
	return &database.Template{
		BusinessID:     src.BusinessID,
		Name:           src.Name,
		Type:           src.Type,
		ImageURL:       src.ImageURL,
		SESTemplate:    sesTemplate,
		Status:         database.TemplateActive,
		Used:           false,
		Replicated:     true,
		ReplicatedFrom: &from,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// SyncSubject makes the transport template carry subject. An empty subject
// keeps the stored one.
func (p *TemplateProvisioner) SyncSubject(ctx context.Context, c *Campaign, subject string) error {
	if subject == "" {
		return nil
	}
	content, err := p.transport.GetTemplate(ctx, c.CampaignID)
	if err != nil {
		return err
	}
	if content.Subject == subject {
		return nil
	}
	content.Subject = subject
	return p.transport.UpdateTemplate(ctx, c.CampaignID, *content)
}

// EnsureConfigurationSet makes sure the named configuration set exists. A
// re-send recreates it so event tracking starts clean.
func (p *TemplateProvisioner) EnsureConfigurationSet(ctx context.Context, name string, resend bool) error {
	sets, err := p.transport.ListConfigurationSets(ctx)
	if err != nil {
		return err
	}

	exists := false
	for _, s := range sets {
		if s == name {
			exists = true
			break
		}
	}
	if exists && !resend {
		return nil
	}
	if exists {
		if err := p.transport.DeleteConfigurationSet(ctx, name); err != nil {
			return err
		}
	}
	return p.transport.CreateConfigurationSet(ctx, name, p.topicARN)
}

// ConfigurationSetName names the configuration set of a template sent to an
// audience.
func ConfigurationSetName(templateID, audienceID int64) string {
	return fmt.Sprintf("%d-%d", templateID, audienceID)
}

// ParseConfigurationSetName is the inverse of ConfigurationSetName.
func ParseConfigurationSetName(name string) (templateID, audienceID int64, err error) {
	left, right, ok := strings.Cut(name, "-")
	if !ok {
		return 0, 0, fmt.Errorf("configuration set %q: %w", name, ErrInvalidArgument)
	}
	templateID, err = ParseID(left)
	if err != nil {
		return 0, 0, err
	}
	audienceID, err = ParseID(right)
	if err != nil {
		return 0, 0, err
	}
	return templateID, audienceID, nil
}

// ParseID parses a positive base-10 identifier.
func ParseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("id %q: %w", raw, ErrInvalidArgument)
	}
	return id, nil
}
