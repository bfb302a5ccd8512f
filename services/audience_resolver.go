package services

import (
	"context"
	"errors"
	"fmt"

	"campaign-mailer/database"
	"campaign-mailer/logger"
)

// Resolution is the recipient population of a dispatch run.
type Resolution struct {
	AudienceID      int64
	SegmentID       int64
	SubscriberCount int
	Source          database.RecipientSource
	// SegmentMissing is set when a segment was requested but could not be
	// used; the whole audience is targeted instead.
	SegmentMissing bool
}

// AudienceResolver turns an audience and optional segment into a source of
// subscribed recipients and its size.
type AudienceResolver struct {
	repo   AudienceRepository
	logger logger.Logger
}

func NewAudienceResolver(repo AudienceRepository, log logger.Logger) *AudienceResolver {
	return &AudienceResolver{repo: repo, logger: log}
}

// Resolve counts the subscribed recipients of an audience, or of a segment
// of it when segmentID is non-zero.
func (r *AudienceResolver) Resolve(ctx context.Context, audienceID, segmentID int64) (*Resolution, error) {
	if audienceID <= 0 || segmentID < 0 {
		return nil, fmt.Errorf("audience %d segment %d: %w", audienceID, segmentID, ErrInvalidArgument)
	}

	count, err := r.repo.AudienceSubscriberCount(ctx, audienceID)
	if err != nil {
		return nil, persistence(fmt.Sprintf("resolving audience %d", audienceID), err)
	}

	res := &Resolution{
		AudienceID:      audienceID,
		SubscriberCount: count,
		Source:          database.RecipientSource{AudienceID: audienceID},
	}
	if segmentID == 0 {
		return res, nil
	}

	segCount, err := r.repo.SegmentSubscriberCount(ctx, segmentID, audienceID)
	switch {
	case errors.Is(err, database.ErrNotFound):
		r.logger.WithFields(map[string]interface{}{
			"audience_id": audienceID,
			"segment_id":  segmentID,
		}).Warn("Segment not found, sending to the whole audience")
		res.SegmentMissing = true
		return res, nil
	case err != nil:
		return nil, persistence(fmt.Sprintf("resolving segment %d", segmentID), err)
	}

	res.SegmentID = segmentID
	res.SubscriberCount = segCount
	res.Source.SegmentID = segmentID
	return res, nil
}
