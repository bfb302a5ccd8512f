package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"campaign-mailer/database"
	"campaign-mailer/logger"
)

// UnsubscribeToken identifies a recipient inside one audience.
type UnsubscribeToken struct {
	Email    string `json:"email"`
	Audience int64  `json:"audiences"`
}

// EncodeUnsubscribeToken produces the opaque id carried by unsubscribe
// links: base64 of the JSON token with its characters reversed.
func EncodeUnsubscribeToken(email string, audienceID int64) string {
	raw, _ := json.Marshal(UnsubscribeToken{Email: email, Audience: audienceID})
	return reverse(base64.StdEncoding.EncodeToString(raw))
}

// DecodeUnsubscribeToken reverses EncodeUnsubscribeToken.
func DecodeUnsubscribeToken(id string) (*UnsubscribeToken, error) {
	raw, err := base64.StdEncoding.DecodeString(reverse(strings.TrimSpace(id)))
	if err != nil {
		return nil, fmt.Errorf("unsubscribe id: %w", ErrInvalidArgument)
	}
	var tok UnsubscribeToken
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("unsubscribe id: %w", ErrInvalidArgument)
	}
	if tok.Email == "" || tok.Audience <= 0 {
		return nil, fmt.Errorf("unsubscribe id: %w", ErrInvalidArgument)
	}
	return &tok, nil
}

// UnsubscribeURL builds the link placed in every campaign mail.
func UnsubscribeURL(base, email string, audienceID int64) string {
	return strings.TrimRight(base, "/") + "/unsubscribe?id=" + url.QueryEscape(EncodeUnsubscribeToken(email, audienceID))
}

func reverse(s string) string {
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}

// UnsubscribeService handles unsubscribe links.
type UnsubscribeService struct {
	recipients RecipientRepository
	audiences  AudienceRepository
	logger     logger.Logger
}

func NewUnsubscribeService(recipients RecipientRepository, audiences AudienceRepository, log logger.Logger) *UnsubscribeService {
	return &UnsubscribeService{recipients: recipients, audiences: audiences, logger: log}
}

// Unsubscribe moves the recipient named by id to the unsubscribed partition
// of the audience it was mailed through.
func (s *UnsubscribeService) Unsubscribe(ctx context.Context, id string) (*UnsubscribeToken, error) {
	tok, err := DecodeUnsubscribeToken(id)
	if err != nil {
		return nil, err
	}

	r, err := s.recipients.FindRecipientByEmail(ctx, tok.Email)
	if err != nil {
		return nil, persistence("finding recipient to unsubscribe", err)
	}
	if err := s.audiences.SetMembership(ctx, tok.Audience, r.ID, database.Unsubscribed); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("audience %d: %w", tok.Audience, ErrNotFound)
		}
		return nil, persistence("unsubscribing recipient", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"recipient_id": r.ID,
		"audience_id":  tok.Audience,
	}).Info("Recipient unsubscribed")
	return tok, nil
}
