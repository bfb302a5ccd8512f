package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// SESAPI is the subset of the SES v2 client used by SESTransport.
type SESAPI interface {
	SendBulkEmail(ctx context.Context, params *sesv2.SendBulkEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendBulkEmailOutput, error)
	CreateEmailTemplate(ctx context.Context, params *sesv2.CreateEmailTemplateInput, optFns ...func(*sesv2.Options)) (*sesv2.CreateEmailTemplateOutput, error)
	GetEmailTemplate(ctx context.Context, params *sesv2.GetEmailTemplateInput, optFns ...func(*sesv2.Options)) (*sesv2.GetEmailTemplateOutput, error)
	UpdateEmailTemplate(ctx context.Context, params *sesv2.UpdateEmailTemplateInput, optFns ...func(*sesv2.Options)) (*sesv2.UpdateEmailTemplateOutput, error)
	DeleteEmailTemplate(ctx context.Context, params *sesv2.DeleteEmailTemplateInput, optFns ...func(*sesv2.Options)) (*sesv2.DeleteEmailTemplateOutput, error)
	CreateConfigurationSet(ctx context.Context, params *sesv2.CreateConfigurationSetInput, optFns ...func(*sesv2.Options)) (*sesv2.CreateConfigurationSetOutput, error)
	CreateConfigurationSetEventDestination(ctx context.Context, params *sesv2.CreateConfigurationSetEventDestinationInput, optFns ...func(*sesv2.Options)) (*sesv2.CreateConfigurationSetEventDestinationOutput, error)
	DeleteConfigurationSet(ctx context.Context, params *sesv2.DeleteConfigurationSetInput, optFns ...func(*sesv2.Options)) (*sesv2.DeleteConfigurationSetOutput, error)
	ListConfigurationSets(ctx context.Context, params *sesv2.ListConfigurationSetsInput, optFns ...func(*sesv2.Options)) (*sesv2.ListConfigurationSetsOutput, error)
}

// trackedEvents are published to the configuration set's SNS destination.
var trackedEvents = []types.EventType{
	types.EventTypeSend,
	types.EventTypeDelivery,
	types.EventTypeBounce,
	types.EventTypeComplaint,
	types.EventTypeReject,
	types.EventTypeOpen,
	types.EventTypeClick,
}

const (
	eventDestinationName = "campaign-events"
	defaultTemplateData  = `{"unsub":"","email":""}`
)

// SESTransport sends campaign mail through Amazon SES v2.
type SESTransport struct {
	client SESAPI
}

// NewSESTransport wraps an SES v2 client.
func NewSESTransport(client SESAPI) *SESTransport {
	return &SESTransport{client: client}
}

// NewSESClient builds an SES v2 client from static credentials. Empty keys
// fall back to the default AWS credential chain.
func NewSESClient(ctx context.Context, region, accessKey, secretKey string) (*sesv2.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return sesv2.NewFromConfig(awsCfg), nil
}

func (t *SESTransport) SendBulkTemplatedEmail(ctx context.Context, sender, templateName string, destinations []BulkDestination, configurationSet string) (*BulkSendResult, error) {
	if len(destinations) == 0 {
		return &BulkSendResult{}, nil
	}

	entries := make([]types.BulkEmailEntry, 0, len(destinations))
	for _, d := range destinations {
		data, err := json.Marshal(d.ReplacementData)
		if err != nil {
			return nil, fmt.Errorf("encoding replacement data for %s: %w", d.Address, err)
		}
		entries = append(entries, types.BulkEmailEntry{
			Destination: &types.Destination{ToAddresses: []string{d.Address}},
			ReplacementEmailContent: &types.ReplacementEmailContent{
				ReplacementTemplate: &types.ReplacementTemplate{
					ReplacementTemplateData: aws.String(string(data)),
				},
			},
		})
	}

	input := &sesv2.SendBulkEmailInput{
		FromEmailAddress: aws.String(sender),
		DefaultContent: &types.BulkEmailContent{
			Template: &types.Template{
				TemplateName: aws.String(templateName),
				TemplateData: aws.String(defaultTemplateData),
			},
		},
		BulkEmailEntries: entries,
	}
	if configurationSet != "" {
		input.ConfigurationSetName = aws.String(configurationSet)
	}

	out, err := t.client.SendBulkEmail(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("%w: sending bulk email: %v", ErrTransport, err)
	}

	// Results are positional, one per entry.
	result := &BulkSendResult{}
	for i, d := range destinations {
		if i >= len(out.BulkEmailEntryResults) {
			result.Failed = append(result.Failed, d.Address)
			continue
		}
		r := out.BulkEmailEntryResults[i]
		if r.Status != types.BulkEmailStatusSuccess {
			result.Failed = append(result.Failed, d.Address)
			continue
		}
		result.Accepted = append(result.Accepted, d.Address)
		result.MessageIDs = append(result.MessageIDs, aws.ToString(r.MessageId))
	}
	return result, nil
}

func (t *SESTransport) CreateTemplate(ctx context.Context, name string, content TemplateContent) error {
	_, err := t.client.CreateEmailTemplate(ctx, &sesv2.CreateEmailTemplateInput{
		TemplateName:    aws.String(name),
		TemplateContent: toSESContent(content),
	})
	if err != nil {
		return fmt.Errorf("%w: creating template %s: %v", ErrTransport, name, err)
	}
	return nil
}

func (t *SESTransport) GetTemplate(ctx context.Context, name string) (*TemplateContent, error) {
	out, err := t.client.GetEmailTemplate(ctx, &sesv2.GetEmailTemplateInput{TemplateName: aws.String(name)})
	if err != nil {
		var nf *types.NotFoundException
		if errors.As(err, &nf) {
			return nil, fmt.Errorf("template %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("%w: fetching template %s: %v", ErrTransport, name, err)
	}
	if out.TemplateContent == nil {
		return &TemplateContent{}, nil
	}
	return &TemplateContent{
		Subject: aws.ToString(out.TemplateContent.Subject),
		HTML:    aws.ToString(out.TemplateContent.Html),
		Text:    aws.ToString(out.TemplateContent.Text),
	}, nil
}

func (t *SESTransport) UpdateTemplate(ctx context.Context, name string, content TemplateContent) error {
	_, err := t.client.UpdateEmailTemplate(ctx, &sesv2.UpdateEmailTemplateInput{
		TemplateName:    aws.String(name),
		TemplateContent: toSESContent(content),
	})
	if err != nil {
		return fmt.Errorf("%w: updating template %s: %v", ErrTransport, name, err)
	}
	return nil
}

func (t *SESTransport) DeleteTemplate(ctx context.Context, name string) error {
	_, err := t.client.DeleteEmailTemplate(ctx, &sesv2.DeleteEmailTemplateInput{TemplateName: aws.String(name)})
	if err != nil {
		var nf *types.NotFoundException
		if errors.As(err, &nf) {
			return nil
		}
		return fmt.Errorf("%w: deleting template %s: %v", ErrTransport, name, err)
	}
	return nil
}

// CreateConfigurationSet creates the set and, when topicARN is set, an SNS
// event destination publishing the tracked events. An existing set or
// destination is not an error.
func (t *SESTransport) CreateConfigurationSet(ctx context.Context, name, topicARN string) error {
	_, err := t.client.CreateConfigurationSet(ctx, &sesv2.CreateConfigurationSetInput{
		ConfigurationSetName: aws.String(name),
	})
	if err != nil && !isAlreadyExists(err) {
		return fmt.Errorf("%w: creating configuration set %s: %v", ErrTransport, name, err)
	}
	if topicARN == "" {
		return nil
	}

	_, err = t.client.CreateConfigurationSetEventDestination(ctx, &sesv2.CreateConfigurationSetEventDestinationInput{
		ConfigurationSetName: aws.String(name),
		EventDestinationName: aws.String(eventDestinationName),
		EventDestination: &types.EventDestinationDefinition{
			Enabled:            true,
			MatchingEventTypes: trackedEvents,
			SnsDestination:     &types.SnsDestination{TopicArn: aws.String(topicARN)},
		},
	})
	if err != nil && !isAlreadyExists(err) {
		return fmt.Errorf("%w: creating event destination for %s: %v", ErrTransport, name, err)
	}
	return nil
}

func (t *SESTransport) DeleteConfigurationSet(ctx context.Context, name string) error {
	_, err := t.client.DeleteConfigurationSet(ctx, &sesv2.DeleteConfigurationSetInput{
		ConfigurationSetName: aws.String(name),
	})
	if err != nil {
		var nf *types.NotFoundException
		if errors.As(err, &nf) {
			return nil
		}
		return fmt.Errorf("%w: deleting configuration set %s: %v", ErrTransport, name, err)
	}
	return nil
}

func (t *SESTransport) ListConfigurationSets(ctx context.Context) ([]string, error) {
	var (
		names []string
		next  *string
	)
	for {
		out, err := t.client.ListConfigurationSets(ctx, &sesv2.ListConfigurationSetsInput{
			NextToken: next,
			PageSize:  aws.Int32(100),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: listing configuration sets: %v", ErrTransport, err)
		}
		names = append(names, out.ConfigurationSets...)
		if out.NextToken == nil || *out.NextToken == "" {
			return names, nil
		}
		next = out.NextToken
	}
}

func toSESContent(c TemplateContent) *types.EmailTemplateContent {
	content := &types.EmailTemplateContent{Subject: aws.String(c.Subject)}
	if c.HTML != "" {
		content.Html = aws.String(c.HTML)
	}
	if c.Text != "" {
		content.Text = aws.String(c.Text)
	}
	return content
}

func isAlreadyExists(err error) bool {
	var ae *types.AlreadyExistsException
	return errors.As(err, &ae)
}
