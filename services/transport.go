package services

import "context"

// BulkDestination is one recipient of a bulk templated send together with
// the per-recipient template variables.
type BulkDestination struct {
	Address         string
	ReplacementData map[string]string
}

// BulkSendResult reports the per-recipient outcome of a bulk call. Only
// Accepted addresses count as sent.
type BulkSendResult struct {
	Accepted   []string
	Failed     []string
	MessageIDs []string
}

// TemplateContent is the transport-side body of a template.
type TemplateContent struct {
	Subject string
	HTML    string
	Text    string
}

// Transport is the bulk-email provider used by the dispatch engine.
type Transport interface {
	SendBulkTemplatedEmail(ctx context.Context, sender, templateName string, destinations []BulkDestination, configurationSet string) (*BulkSendResult, error)
	CreateTemplate(ctx context.Context, name string, content TemplateContent) error
	GetTemplate(ctx context.Context, name string) (*TemplateContent, error)
	UpdateTemplate(ctx context.Context, name string, content TemplateContent) error
	DeleteTemplate(ctx context.Context, name string) error
	CreateConfigurationSet(ctx context.Context, name, topicARN string) error
	DeleteConfigurationSet(ctx context.Context, name string) error
	ListConfigurationSets(ctx context.Context) ([]string, error)
}
