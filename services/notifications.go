package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"campaign-mailer/database"
	"campaign-mailer/logger"
)

// SNS message types
const (
	SNSSubscriptionConfirmation = "SubscriptionConfirmation"
	SNSNotification             = "Notification"
)

// SNSEnvelope is the outer document SNS posts to an HTTP subscriber.
type SNSEnvelope struct {
	Type         string `json:"Type"`
	MessageID    string `json:"MessageId"`
	TopicArn     string `json:"TopicArn"`
	Message      string `json:"Message"`
	SubscribeURL string `json:"SubscribeURL"`
}

type sesEventMessage struct {
	EventType string `json:"eventType"`
	Mail      struct {
		Destination []string            `json:"destination"`
		Tags        map[string][]string `json:"tags"`
	} `json:"mail"`
}

// DeliveryEvent is one SES event attributed to a campaign.
type DeliveryEvent struct {
	TemplateID int64
	AudienceID int64
	Event      string
	Address    string
}

// ParseDeliveryEvent extracts the event from the Message of an SNS
// notification. Unknown event types yield a nil event and no error.
func ParseDeliveryEvent(message string) (*DeliveryEvent, error) {
	var msg sesEventMessage
	if err := json.Unmarshal([]byte(message), &msg); err != nil {
		return nil, fmt.Errorf("event message: %w", ErrInvalidArgument)
	}

	event := strings.ToLower(msg.EventType)
	if !database.IsStatisticEvent(event) {
		return nil, nil
	}
	if len(msg.Mail.Destination) == 0 {
		return nil, fmt.Errorf("event without destination: %w", ErrInvalidArgument)
	}
	sets := msg.Mail.Tags["ses:configuration-set"]
	if len(sets) == 0 {
		return nil, fmt.Errorf("event without configuration set: %w", ErrInvalidArgument)
	}
	templateID, audienceID, err := ParseConfigurationSetName(sets[0])
	if err != nil {
		return nil, err
	}

	return &DeliveryEvent{
		TemplateID: templateID,
		AudienceID: audienceID,
		Event:      event,
		Address:    msg.Mail.Destination[0],
	}, nil
}

// Notification outcomes
const (
	NotificationConfirmed = "confirmed"
	NotificationRecorded  = "recorded"
	NotificationIgnored   = "ignored"
)

// NotificationService records SES delivery events posted through SNS.
type NotificationService struct {
	ledger *StatisticsLedger
	logger logger.Logger
}

func NewNotificationService(ledger *StatisticsLedger, log logger.Logger) *NotificationService {
	return &NotificationService{ledger: ledger, logger: log}
}

// Handle processes one SNS post and reports what was done with it.
func (s *NotificationService) Handle(ctx context.Context, body []byte) (string, error) {
	var env SNSEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", fmt.Errorf("sns envelope: %w", ErrInvalidArgument)
	}

	switch env.Type {
	case SNSSubscriptionConfirmation:
		s.logger.WithFields(map[string]interface{}{
			"topic_arn":     env.TopicArn,
			"subscribe_url": env.SubscribeURL,
		}).Info("SNS subscription confirmation received")
		return NotificationConfirmed, nil
	case SNSNotification:
	default:
		return NotificationIgnored, nil
	}

	ev, err := ParseDeliveryEvent(env.Message)
	if err != nil {
		return "", err
	}
	if ev == nil {
		return NotificationIgnored, nil
	}

	if err := s.ledger.RecordEvent(ctx, ev.TemplateID, ev.AudienceID, ev.Event, ev.Address); err != nil {
		return "", err
	}
	s.logger.WithFields(map[string]interface{}{
		"template_id": ev.TemplateID,
		"event":       ev.Event,
	}).Debug("Delivery event recorded")
	return NotificationRecorded, nil
}
