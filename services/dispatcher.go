package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"campaign-mailer/database"
	"campaign-mailer/logger"
	"campaign-mailer/metrics"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Run states
const (
	StateResolving    = "resolving"
	StateProvisioning = "provisioning"
	StatePaging       = "paging"
	StateFinishing    = "finishing"
	StateFinished     = "finished"
	StateAborted      = "aborted"
	StateFailed       = "failed"
)

// DispatchRequest asks for a template to be sent to an audience, optionally
// narrowed to one of its segments.
type DispatchRequest struct {
	TemplateID int64  `json:"template" validate:"required,gt=0"`
	AudienceID int64  `json:"audiences" validate:"required,gt=0"`
	SegmentID  int64  `json:"segments" validate:"gte=0"`
	Subject    string `json:"subject" validate:"required,max=998"`
	Sender     string `json:"sender" validate:"omitempty,email"`
	Resend     bool   `json:"resend"`
}

// RunResult summarises a dispatch run.
type RunResult struct {
	RunID          string
	State          string
	TemplateID     int64
	CampaignID     string
	Cloned         bool
	SegmentMissing bool
	Total          int
	StartPage      int
	Pages          int
	FailedPages    int
	Sent           int
	Err            error
}

// MaxPageSize is the most destinations one bulk call may carry.
const MaxPageSize = 50

// DispatcherOptions tunes paging and retries.
type DispatcherOptions struct {
	PageSize      int
	PageRetries   int
	RetryDelay    time.Duration
	WebsiteURL    string
	DefaultSender string
}

// Dispatcher drives a campaign through resolving, provisioning and paging.
type Dispatcher struct {
	store       Store
	resolver    *AudienceResolver
	provisioner *TemplateProvisioner
	ledger      *StatisticsLedger
	progress    *ProgressReporter
	aborts      *AbortController
	transport   Transport
	opts        DispatcherOptions
	logger      logger.Logger

	wg sync.WaitGroup
}

func NewDispatcher(
	store Store,
	resolver *AudienceResolver,
	provisioner *TemplateProvisioner,
	ledger *StatisticsLedger,
	progress *ProgressReporter,
	aborts *AbortController,
	transport Transport,
	opts DispatcherOptions,
	log logger.Logger,
) *Dispatcher {
	if opts.PageSize <= 0 || opts.PageSize > MaxPageSize {
		log.WithField("page_size", opts.PageSize).Warn("Page size out of range, using the transport maximum")
		opts.PageSize = MaxPageSize
	}
	if opts.PageRetries < 0 {
		opts.PageRetries = 0
	}
	return &Dispatcher{
		store:       store,
		resolver:    resolver,
		provisioner: provisioner,
		ledger:      ledger,
		progress:    progress,
		aborts:      aborts,
		transport:   transport,
		opts:        opts,
		logger:      log,
	}
}

// Start runs a dispatch in the background and returns its run id.
func (d *Dispatcher) Start(req DispatchRequest) string {
	runID := uuid.NewString()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(context.Background(), runID, req)
	}()
	return runID
}

// Wait blocks until every started run has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Run executes a dispatch synchronously.
func (d *Dispatcher) Run(ctx context.Context, req DispatchRequest) *RunResult {
	return d.run(ctx, uuid.NewString(), req)
}

func (d *Dispatcher) run(ctx context.Context, runID string, req DispatchRequest) (res *RunResult) {
	res = &RunResult{RunID: runID, State: StateResolving, TemplateID: req.TemplateID}
	log := d.logger.WithFields(map[string]interface{}{
		"run_id":      runID,
		"template_id": req.TemplateID,
		"audience_id": req.AudienceID,
	})

	metrics.RunStarted()
	defer func() { metrics.RunEnded(res.State) }()

	token := d.aborts.Register(req.TemplateID)
	defer token.Release()

	log.Info("Dispatch started")

	resolution, err := d.resolver.Resolve(ctx, req.AudienceID, req.SegmentID)
	if err != nil {
		return d.fail(log, res, req, err)
	}
	res.Total = resolution.SubscriberCount
	res.SegmentMissing = resolution.SegmentMissing

	res.State = StateProvisioning
	campaign, start, err := d.provision(ctx, req, token)
	if err != nil {
		return d.fail(log, res, req, err)
	}
	res.TemplateID = campaign.TemplateID
	res.CampaignID = campaign.CampaignID
	res.Cloned = campaign.Cloned
	res.StartPage = start

	log = log.WithField("campaign_template_id", campaign.TemplateID)

	res.State = StatePaging
	buf := &SendBuffer{}
	if err := d.page(ctx, log, res, req, resolution, campaign, token, buf); err != nil {
		if errors.Is(err, ErrAborted) {
			res.State = StateAborted
			res.Err = ErrAborted
			log.WithField("pages", res.Pages).Warn("Dispatch aborted")
			return res
		}
		// Accepted sends are kept; the template stays resumable.
		if ferr := d.ledger.BulkRecordSend(ctx, campaign.TemplateID, buf); ferr != nil {
			log.Error("Failed to flush remaining sends: " + ferr.Error())
		}
		return d.fail(log, res, req, err)
	}

	res.State = StateFinishing
	if err := d.ledger.BulkRecordSend(ctx, campaign.TemplateID, buf); err != nil {
		log.Error("Failed to flush remaining sends: " + err.Error())
	}
	finished := []int64{campaign.TemplateID}
	if campaign.Resume {
		finished = append(finished, campaign.SourceTemplateID)
	}
	for _, id := range finished {
		if err := d.store.SetTemplateStatus(ctx, id, database.TemplateFinished); err != nil {
			log.WithField("finished_template_id", id).Error("Failed to mark template finished: " + err.Error())
			res.Err = persistence("finishing template", err)
		}
	}
	d.aborts.Reset()
	d.progress.Emit(EventEmailBuffer, EmailBuffer{
		Current:  res.Sent,
		Total:    res.Total,
		Template: req.TemplateID,
		Sending:  false,
		Status:   "finished",
		Message:  "Finished!",
	})
	res.State = StateFinished
	log.WithFields(map[string]interface{}{
		"sent":         res.Sent,
		"pages":        res.Pages,
		"failed_pages": res.FailedPages,
	}).Info("Dispatch finished")
	return res
}

// provision claims the campaign and its transport resources while the resume
// point of the requested template is computed.
func (d *Dispatcher) provision(ctx context.Context, req DispatchRequest, token *RunToken) (*Campaign, int, error) {
	var (
		campaign *Campaign
		start    int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := d.provisioner.PrepareRun(gctx, token, req.Resend)
		if err != nil {
			return err
		}
		if err := d.ledger.Ensure(gctx, c.TemplateID); err != nil {
			return err
		}
		if err := d.provisioner.SyncSubject(gctx, c, req.Subject); err != nil {
			return err
		}
		if err := d.provisioner.EnsureConfigurationSet(gctx, ConfigurationSetName(c.TemplateID, req.AudienceID), req.Resend); err != nil {
			return err
		}
		campaign = c
		return nil
	})
	g.Go(func() error {
		if req.TemplateID <= 0 {
			return nil
		}
		s, err := d.ledger.StartPage(gctx, req.TemplateID, d.opts.PageSize)
		if err != nil {
			return err
		}
		start = s
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	// A copy picks up where its source stopped only when it resumes it.
	if campaign.TemplateID != req.TemplateID && !campaign.Resume {
		start = 0
	}
	return campaign, start, nil
}

// page sends every remaining page. It returns ErrAborted when the run was
// aborted and a persistence error when recipients could not be read.
func (d *Dispatcher) page(
	ctx context.Context,
	log logger.Logger,
	res *RunResult,
	req DispatchRequest,
	resolution *Resolution,
	campaign *Campaign,
	token *RunToken,
	buf *SendBuffer,
) error {
	size := d.opts.PageSize
	totalPages := (resolution.SubscriberCount + size - 1) / size
	configSet := ConfigurationSetName(campaign.TemplateID, req.AudienceID)
	sender := req.Sender
	if sender == "" {
		sender = d.opts.DefaultSender
	}

	res.Sent = min(res.StartPage*size, resolution.SubscriberCount)
	offset := res.StartPage * size
	var afterID int64

	for p := res.StartPage; p < totalPages; p++ {
		if token.Aborted() || ctx.Err() != nil {
			return ErrAborted
		}

		// An unreadable page ends the run; a resume starts from it.
		recipients, err := d.fetchPage(ctx, resolution.Source, afterID, offset, size)
		if err != nil {
			log.WithField("page", p).Error("Failed to fetch recipients: " + err.Error())
			d.logPage(ctx, log, res, req.AudienceID, pageOutcome{page: p, status: database.LogFailed, cause: err})
			res.FailedPages++
			return err
		}
		if len(recipients) == 0 {
			break
		}
		offset = 0
		afterID = recipients[len(recipients)-1].ID

		destinations := make([]BulkDestination, 0, len(recipients))
		addresses := make([]string, 0, len(recipients))
		for _, r := range recipients {
			addresses = append(addresses, r.Email)
			destinations = append(destinations, BulkDestination{
				Address: r.Email,
				ReplacementData: map[string]string{
					"email": r.Email,
					"unsub": UnsubscribeURL(d.opts.WebsiteURL, r.Email, req.AudienceID),
				},
			})
		}

		result, err := d.sendWithRetry(ctx, sender, campaign.CampaignID, destinations, configSet)
		res.Pages++
		if err != nil {
			log.WithField("page", p).Error("Page failed: " + err.Error())
			d.logPage(ctx, log, res, req.AudienceID, pageOutcome{
				page:      p,
				count:     len(addresses),
				addresses: addresses,
				status:    database.LogFailed,
				cause:     err,
			})
			res.FailedPages++
			metrics.PageSent(database.LogFailed, 0)
			if token.Aborted() {
				return ErrAborted
			}
			continue
		}

		accepted := result.Accepted
		buf.Add(accepted...)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return d.ledger.BulkRecordSend(gctx, campaign.TemplateID, buf)
		})
		g.Go(func() error {
			if err := d.store.AddSentCampaign(gctx, accepted, campaign.TemplateID); err != nil {
				return persistence("recording sent campaigns", err)
			}
			return nil
		})
		if err := g.Wait(); err != nil {
			log.WithField("page", p).Warn("Page bookkeeping failed, retrying with the next page: " + err.Error())
		}

		res.Sent += len(accepted)
		d.progress.Emit(EventEmailBuffer, EmailBuffer{
			Current:  res.Sent,
			Total:    resolution.SubscriberCount,
			Template: req.TemplateID,
			Sending:  true,
			Status:   "active",
			Message:  "Please wait...",
		})

		d.logPage(ctx, log, res, req.AudienceID, pageOutcome{page: p, count: len(accepted), status: database.LogSuccess})
		if len(result.Failed) > 0 {
			d.logPage(ctx, log, res, req.AudienceID, pageOutcome{
				page:      p,
				count:     len(result.Failed),
				addresses: result.Failed,
				status:    database.LogFailed,
				cause:     fmt.Errorf("%d recipients rejected by transport", len(result.Failed)),
			})
		}
		metrics.PageSent(database.LogSuccess, len(accepted))

		if token.Aborted() || ctx.Err() != nil {
			return ErrAborted
		}
	}
	return nil
}

func (d *Dispatcher) fetchPage(ctx context.Context, src database.RecipientSource, afterID int64, offset, limit int) ([]database.RecipientAddress, error) {
	var err error
	for attempt := 0; attempt <= d.opts.PageRetries; attempt++ {
		if attempt > 0 && !d.pause(ctx) {
			break
		}
		var page []database.RecipientAddress
		page, err = d.store.RecipientPage(ctx, src, afterID, offset, limit)
		if err == nil {
			return page, nil
		}
	}
	return nil, persistence("fetching recipient page", err)
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, sender, template string, destinations []BulkDestination, configSet string) (*BulkSendResult, error) {
	var err error
	for attempt := 0; attempt <= d.opts.PageRetries; attempt++ {
		if attempt > 0 && !d.pause(ctx) {
			break
		}
		var result *BulkSendResult
		result, err = d.transport.SendBulkTemplatedEmail(ctx, sender, template, destinations, configSet)
		if err == nil {
			return result, nil
		}
	}
	if !errors.Is(err, ErrTransport) {
		err = fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil, err
}

func (d *Dispatcher) pause(ctx context.Context) bool {
	if d.opts.RetryDelay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d.opts.RetryDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// pageOutcome describes one row of the dispatch log.
type pageOutcome struct {
	page      int
	count     int
	addresses []string
	status    string
	cause     error
}

func (d *Dispatcher) logPage(ctx context.Context, log logger.Logger, res *RunResult, audienceID int64, o pageOutcome) {
	entry := &database.DispatchLog{
		RunID:          res.RunID,
		TemplateID:     res.TemplateID,
		AudienceID:     audienceID,
		Page:           o.page,
		RecipientCount: o.count,
		Addresses:      o.addresses,
		Status:         o.status,
	}
	if o.cause != nil {
		entry.Error = o.cause.Error()
	}
	if err := d.store.InsertDispatchLog(ctx, entry); err != nil {
		log.WithField("page", o.page).Error("Failed to write dispatch log: " + err.Error())
	}
}

func (d *Dispatcher) fail(log logger.Logger, res *RunResult, req DispatchRequest, err error) *RunResult {
	log.WithField("phase", res.State).Error("Dispatch failed: " + err.Error())
	res.State = StateFailed
	res.Err = err
	d.progress.Emit(EventEmailBuffer, EmailBuffer{
		Current:  0,
		Total:    0,
		Template: req.TemplateID,
		Sending:  false,
		Status:   StateFailed,
		Message:  err.Error(),
	})
	return res
}
