package crmsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mmdatafocus/formsync_backend/clock"
	"github.com/mmdatafocus/formsync_backend/config"
	"github.com/mmdatafocus/formsync_backend/crm"
	"github.com/mmdatafocus/formsync_backend/fieldmap"
	"github.com/mmdatafocus/formsync_backend/models"
	"github.com/mmdatafocus/formsync_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("github.com/mmdatafocus/formsync_backend/crmsync")

const (
	sweepLockKey    = "lock:crm-sync:sweep"
	maxErrorMessage = 2000
	// Fields dropped on CRM schema rejections within one attempt.
	maxSchemaDrops = 5
)

type Options struct {
	Provider      string
	DefaultModule string
	PollInterval  time.Duration
	BatchSize     int
	Concurrency   int
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	StaleAfter    time.Duration
	LockTTL       time.Duration
}

func (o *Options) setDefaults() {
	if o.Provider == "" {
		o.Provider = "zoho"
	}
	if o.DefaultModule == "" {
		o.DefaultModule = "Leads"
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 25
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 5
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 5 * time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = time.Hour
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 5 * time.Minute
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 2 * time.Minute
	}
}

// Deps are the collaborators of a Coordinator. Credentials, Schema,
// Validator and Archiver may be nil.
type Deps struct {
	Store       SubmissionStore
	Credentials CredentialChecker
	Mapper      Mapper
	Records     RecordWriter
	Schema      SchemaRefresher
	Forms       FormLookup
	Validator   PayloadValidator
	Archiver    Archiver
	Clock       clock.Clock
	Logger      *logrus.Logger
}

// Coordinator drains the submission queue into the CRM. A submission moves
// pending -> processing -> completed, back to pending with a backoff, or to
// failed once its retry budget is spent. Failed rows are only re-queued by an
// explicit retry.
type Coordinator struct {
	store     SubmissionStore
	creds     CredentialChecker
	mapper    Mapper
	records   RecordWriter
	schema    SchemaRefresher
	forms     FormLookup
	validator PayloadValidator
	archiver  Archiver
	clock     clock.Clock
	logger    *logrus.Logger
	opts      Options

	isProcessing atomic.Bool

	statusMu    sync.Mutex
	lastSweepAt *time.Time
	lastSweep   *SweepResult
	lastErr     error

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(deps Deps, opts Options) *Coordinator {
	opts.setDefaults()
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	return &Coordinator{
		store:     deps.Store,
		creds:     deps.Credentials,
		mapper:    deps.Mapper,
		records:   deps.Records,
		schema:    deps.Schema,
		forms:     deps.Forms,
		validator: deps.Validator,
		archiver:  deps.Archiver,
		clock:     deps.Clock,
		logger:    deps.Logger,
		opts:      opts,
	}
}

// Start polls the queue every PollInterval until Stop or ctx is done.
func (c *Coordinator) Start(ctx context.Context) {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	if c.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel, c.done = cancel, done
	ticker := c.clock.NewTicker(c.opts.PollInterval)

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				_, err := c.Sweep(loopCtx, SweepOptions{})
				if err != nil && !errors.Is(err, ErrSweepInProgress) && loopCtx.Err() == nil {
					c.logger.WithFields(logrus.Fields{"field": "CRMSync"}).WithError(err).Error("periodic sweep failed")
				}
			}
		}
	}()
}

// Stop ends the poll loop and waits for an in-flight sweep to finish.
func (c *Coordinator) Stop() {
	c.loopMu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.loopMu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Sweep processes one batch of eligible submissions. Only one sweep runs at
// a time in this process; with Redis configured the guard also spans
// processes.
func (c *Coordinator) Sweep(ctx context.Context, opts SweepOptions) (SweepResult, error) {
	if !c.isProcessing.CompareAndSwap(false, true) {
		return SweepResult{}, ErrSweepInProgress
	}
	defer c.isProcessing.Store(false)

	lock, err := utils.ObtainLock(ctx, sweepLockKey, c.opts.LockTTL, "CRMSync", "Sweep")
	if errors.Is(err, utils.ErrLockNotObtained) {
		return SweepResult{}, ErrSweepInProgress
	}
	if err != nil {
		c.logger.WithFields(logrus.Fields{"field": "CRMSync"}).WithError(err).Warn("sweep lock unavailable, continuing without it")
	}
	if lock != nil {
		defer lock.Release(context.WithoutCancel(ctx))
	}

	res, err := c.sweep(ctx, opts)

	c.statusMu.Lock()
	at := res.StartedAt
	c.lastSweepAt, c.lastSweep, c.lastErr = &at, &res, err
	c.statusMu.Unlock()
	return res, err
}

// RetryAll runs a sweep that also picks up failed rows with budget left.
func (c *Coordinator) RetryAll(ctx context.Context) (SweepResult, error) {
	return c.Sweep(ctx, SweepOptions{IncludeFailed: true})
}

func (c *Coordinator) sweep(ctx context.Context, opts SweepOptions) (SweepResult, error) {
	now := c.clock.Now()
	res := SweepResult{StartedAt: now}
	logger := c.logger.WithFields(logrus.Fields{"field": "CRMSync", "include_failed": opts.IncludeFailed})

	reclaimed, err := c.store.ReclaimStale(ctx, now.Add(-c.opts.StaleAfter), now)
	if err != nil {
		logger.WithError(err).Warn("reclaim stale claims failed")
	} else if reclaimed > 0 {
		res.Reclaimed = reclaimed
		logger.WithField("reclaimed", reclaimed).Warn("returned stale processing rows to pending")
	}

	if c.creds != nil {
		if _, err := c.creds.GetValidCredential(ctx, c.opts.Provider); err != nil {
			res.SkipReason = "credential_unavailable"
			logger.WithError(err).Warn("crm credential unavailable, sweep skipped")
			return res, nil
		}
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = c.opts.BatchSize
	}
	subs, err := c.store.ListEligible(ctx, now, limit, opts.IncludeFailed, c.opts.MaxRetries)
	if err != nil {
		return res, fmt.Errorf("list eligible submissions: %w", err)
	}
	res.Selected = len(subs)
	if len(subs) == 0 {
		return res, nil
	}

	from := []models.ProcessingStatus{models.ProcessingStatusPending}
	if opts.IncludeFailed {
		from = append(from, models.ProcessingStatusFailed)
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(c.opts.Concurrency)
	for i := range subs {
		sub := subs[i]
		g.Go(func() error {
			outcome, err := c.claimAndAttempt(ctx, &sub, from)
			if err != nil {
				logger.WithField("submission_id", sub.ID).WithError(err).Error("claim failed")
				outcome = models.SyncOutcomeSkipped
			}
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case models.SyncOutcomeSynced:
				res.Synced++
			case models.SyncOutcomeRetry:
				res.Retried++
			case models.SyncOutcomeFailed:
				res.Failed++
			default:
				res.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()

	logger.WithFields(logrus.Fields{
		"selected": res.Selected,
		"synced":   res.Synced,
		"retried":  res.Retried,
		"failed":   res.Failed,
		"skipped":  res.Skipped,
	}).Info("sweep finished")
	return res, nil
}

// claimAndAttempt returns an empty outcome when another worker owns the row.
func (c *Coordinator) claimAndAttempt(ctx context.Context, sub *models.Submission, from []models.ProcessingStatus) (models.SyncOutcome, error) {
	claimed, err := c.store.Claim(ctx, sub.ID, from, c.clock.Now())
	if err != nil {
		return "", err
	}
	if !claimed {
		return "", nil
	}
	return c.attempt(ctx, sub), nil
}

// ProcessNow syncs one pending submission immediately without touching its
// retry counters. Rows still inside their backoff window are left alone.
func (c *Coordinator) ProcessNow(ctx context.Context, id string) (models.SyncOutcome, error) {
	sub, err := c.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if sub.ProcessingStatus != models.ProcessingStatusPending {
		return "", ErrNotEligible
	}
	if sub.NextRetryAt != nil && sub.NextRetryAt.After(c.clock.Now()) {
		return "", ErrNotEligible
	}
	outcome, err := c.claimAndAttempt(ctx, sub, []models.ProcessingStatus{models.ProcessingStatusPending})
	if err != nil {
		return "", err
	}
	if outcome == "" {
		return "", ErrSubmissionBusy
	}
	return outcome, nil
}

// RetrySubmission resets the retry budget of a pending or failed submission
// and processes it right away.
func (c *Coordinator) RetrySubmission(ctx context.Context, id string) (models.SyncOutcome, error) {
	sub, err := c.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	switch {
	case sub.SyncStatus == models.SyncStatusSynced:
		return "", ErrAlreadySynced
	case sub.ProcessingStatus == models.ProcessingStatusProcessing:
		return "", ErrSubmissionBusy
	}
	if err := c.store.ResetForRetry(ctx, id, c.clock.Now()); err != nil {
		return "", err
	}
	sub, err = c.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	c.logger.WithFields(logrus.Fields{"field": "CRMSync", "submission_id": id}).Info("submission reset for manual retry")

	outcome, err := c.claimAndAttempt(ctx, sub, []models.ProcessingStatus{models.ProcessingStatusPending})
	if err != nil {
		return "", err
	}
	if outcome == "" {
		return "", ErrSubmissionBusy
	}
	return outcome, nil
}

// ResetFailed re-queues terminal failures for the periodic loop, optionally
// limited to one form.
func (c *Coordinator) ResetFailed(ctx context.Context, formName string) (int64, error) {
	n, err := c.store.ResetFailed(ctx, formName, c.clock.Now())
	if err == nil && n > 0 {
		c.logger.WithFields(logrus.Fields{"field": "CRMSync", "form": formName, "count": n}).Info("failed submissions re-queued")
	}
	return n, err
}

// ResyncSubmission pushes a synced submission again as an update of its CRM
// record. A record deleted on the CRM side is recreated.
func (c *Coordinator) ResyncSubmission(ctx context.Context, id string) (models.SyncOutcome, error) {
	sub, err := c.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if sub.SyncStatus != models.SyncStatusSynced || sub.ExternalRecordId == nil {
		return "", ErrNotSynced
	}
	claimed, err := c.store.Claim(ctx, id, []models.ProcessingStatus{models.ProcessingStatusCompleted}, c.clock.Now())
	if err != nil {
		return "", err
	}
	if !claimed {
		return "", ErrSubmissionBusy
	}

	ctx, span := c.startSpan(ctx, "crmsync.Resync", sub)
	defer span.End()
	start := c.clock.Now()
	logger := c.submissionLogger(sub)
	ev := &models.SubmissionSyncEvent{SubmissionId: sub.ID, Attempt: sub.RetryCount + 1}

	externalId := *sub.ExternalRecordId
	mapping, module, err := c.resolve(ctx, sub)
	if err == nil {
		err = c.writeDropping(ctx, module, mapping, logger, func(data map[string]any) error {
			return c.records.UpdateRecord(ctx, module, externalId, data)
		})
		var notFound *crm.NotFoundError
		if errors.As(err, &notFound) {
			logger.WithField("external_record_id", externalId).Warn("crm record missing, recreating")
			err = c.writeDropping(ctx, module, mapping, logger, func(data map[string]any) error {
				rec, err := c.records.CreateRecord(ctx, module, data)
				externalId = rec.ID
				return err
			})
		}
	}
	fillEvent(ev, mapping)
	now := c.clock.Now()
	ev.DurationMs = now.Sub(start).Milliseconds()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		ev.Outcome = models.SyncOutcomeFailed
		ev.ErrorClass, ev.Message = strPtr(string(crm.Classify(err))), strPtr(errorMessage(err))
		// The record stays synced; only the refresh failed.
		if uerr := c.store.Update(context.WithoutCancel(ctx), id, map[string]interface{}{
			"processing_status": models.ProcessingStatusCompleted,
			"claimed_at":        nil,
			"updated_at":        now,
		}); uerr != nil {
			logger.WithError(uerr).Error("restore completed status after failed resync")
		}
		c.addEvent(ctx, ev, logger)
		logger.WithError(err).Warn("resync failed")
		return models.SyncOutcomeFailed, err
	}

	if err := c.store.MarkSynced(ctx, id, externalId, now); err != nil {
		return "", err
	}
	ev.Outcome = models.SyncOutcomeSynced
	c.addEvent(ctx, ev, logger)
	logger.WithField("external_record_id", externalId).Info("submission resynced")
	return models.SyncOutcomeSynced, nil
}

func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	counts, err := c.store.CountByStatus(ctx)
	if err != nil {
		return Status{}, err
	}
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	st := Status{
		IsProcessing: c.isProcessing.Load(),
		LastSweepAt:  c.lastSweepAt,
		LastSweep:    c.lastSweep,
		Counts:       counts,
	}
	if c.lastErr != nil {
		st.LastSweepError = c.lastErr.Error()
	}
	return st, nil
}

// attempt runs one sync of a claimed submission and records the outcome.
func (c *Coordinator) attempt(ctx context.Context, sub *models.Submission) models.SyncOutcome {
	ctx, span := c.startSpan(ctx, "crmsync.Attempt", sub)
	defer span.End()

	start := c.clock.Now()
	logger := c.submissionLogger(sub)
	ev := &models.SubmissionSyncEvent{SubmissionId: sub.ID, Attempt: sub.RetryCount + 1}

	mapping, externalId, err := c.push(ctx, sub)
	fillEvent(ev, mapping)
	now := c.clock.Now()
	ev.DurationMs = now.Sub(start).Milliseconds()
	// Outcome writes must land even if the caller is shutting down.
	writeCtx := context.WithoutCancel(ctx)

	if err == nil {
		if err := c.store.MarkSynced(writeCtx, sub.ID, externalId, now); err != nil {
			logger.WithError(err).Error("mark synced failed")
		}
		ev.Outcome = models.SyncOutcomeSynced
		c.addEvent(writeCtx, ev, logger)
		logger.WithField("external_record_id", externalId).Info("submission synced")
		return models.SyncOutcomeSynced
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	class := string(crm.Classify(err))
	msg := errorMessage(err)
	ev.ErrorClass, ev.Message = strPtr(class), strPtr(msg)

	if ctx.Err() != nil {
		if rerr := c.store.Release(writeCtx, sub.ID, now); rerr != nil {
			logger.WithError(rerr).Error("release after cancellation failed")
		}
		ev.Outcome = models.SyncOutcomeSkipped
		c.addEvent(writeCtx, ev, logger)
		return models.SyncOutcomeSkipped
	}

	// A rate limit too long to wait out moves the row, not the budget.
	if wait := crm.DeferredBy(err); wait > 0 {
		next := now.Add(wait)
		if rerr := c.store.MarkRetry(writeCtx, sub.ID, sub.RetryCount, next, class, msg, now); rerr != nil {
			logger.WithError(rerr).Error("mark retry failed")
		}
		ev.Outcome = models.SyncOutcomeRetry
		c.addEvent(writeCtx, ev, logger)
		logger.WithFields(logrus.Fields{"error_class": class, "next_retry_at": next}).Warn("crm rate limited, submission deferred")
		return models.SyncOutcomeRetry
	}

	retryCount := sub.RetryCount + 1
	if !crm.Retryable(err) || retryCount >= c.opts.MaxRetries {
		if ferr := c.store.MarkFailed(writeCtx, sub.ID, retryCount, class, msg, now); ferr != nil {
			logger.WithError(ferr).Error("mark failed failed")
		}
		ev.Outcome = models.SyncOutcomeFailed
		c.addEvent(writeCtx, ev, logger)
		logger.WithFields(logrus.Fields{"error_class": class, "retry_count": retryCount}).WithError(err).Error("submission failed permanently")
		c.archive(writeCtx, sub, retryCount, class, msg, err, logger)
		return models.SyncOutcomeFailed
	}

	next := now.Add(Backoff(retryCount, c.opts.BackoffBase, c.opts.BackoffMax))
	if rerr := c.store.MarkRetry(writeCtx, sub.ID, retryCount, next, class, msg, now); rerr != nil {
		logger.WithError(rerr).Error("mark retry failed")
	}
	ev.Outcome = models.SyncOutcomeRetry
	c.addEvent(writeCtx, ev, logger)
	logger.WithFields(logrus.Fields{"error_class": class, "retry_count": retryCount, "next_retry_at": next}).WithError(err).Warn("submission sync failed, will retry")
	return models.SyncOutcomeRetry
}

// push maps the payload and creates the CRM record.
func (c *Coordinator) push(ctx context.Context, sub *models.Submission) (*fieldmap.Result, string, error) {
	mapping, module, err := c.resolve(ctx, sub)
	if err != nil {
		return mapping, "", err
	}
	var rec crm.RecordResult
	err = c.writeDropping(ctx, module, mapping, c.submissionLogger(sub), func(data map[string]any) error {
		var err error
		rec, err = c.records.CreateRecord(ctx, module, data)
		return err
	})
	if err != nil {
		return mapping, "", err
	}
	if rec.ID == "" {
		return mapping, "", &crm.TransientNetworkError{Message: "crm returned no record id"}
	}
	return mapping, rec.ID, nil
}

// writeDropping runs write with the resolved payload. When the CRM rejects a
// named field the cached schema no longer matches: the field is excluded, the
// module schema is reloaded once, and the write is repeated with what is left.
func (c *Coordinator) writeDropping(ctx context.Context, module string, mapping *fieldmap.Result, logger *logrus.Entry, write func(data map[string]any) error) error {
	refreshed := false
	for drops := 0; ; drops++ {
		err := write(mapping.ResolvedPayload)
		var schemaErr *crm.SchemaError
		if err == nil || !errors.As(err, &schemaErr) || drops >= maxSchemaDrops {
			return err
		}
		source, ok := excludeTarget(mapping, schemaErr)
		if !ok {
			return err
		}
		logger.WithFields(logrus.Fields{
			"module":      module,
			"crm_field":   schemaErr.Field,
			"source_key":  source,
			"schema_code": schemaErr.Code,
		}).Warn("crm rejected field, excluding it")
		if !refreshed && c.schema != nil {
			refreshed = true
			if _, rerr := c.schema.Refresh(ctx, module); rerr != nil {
				logger.WithError(rerr).Warn("schema refresh after rejected field failed")
			}
		}
		if len(mapping.ResolvedPayload) == 0 {
			return &crm.ValidationError{Message: "every mapped field was rejected by " + module}
		}
	}
}

// excludeTarget moves the mapping for the rejected CRM field into Excluded.
func excludeTarget(mapping *fieldmap.Result, schemaErr *crm.SchemaError) (string, bool) {
	if schemaErr.Field == "" {
		return "", false
	}
	for i, m := range mapping.Mapped {
		if !strings.EqualFold(m.TargetApiName, schemaErr.Field) {
			continue
		}
		mapping.Mapped = append(mapping.Mapped[:i:i], mapping.Mapped[i+1:]...)
		delete(mapping.ResolvedPayload, m.TargetApiName)
		if mapping.Excluded == nil {
			mapping.Excluded = map[string]string{}
		}
		mapping.Excluded[m.SourceKey] = schemaRejectionReason(schemaErr.Code)
		mapping.Unmapped = append(mapping.Unmapped, m.SourceKey)
		sort.Strings(mapping.Unmapped)
		return m.SourceKey, true
	}
	return "", false
}

func schemaRejectionReason(code string) string {
	switch code {
	case crm.SchemaCodeInvalidPicklist:
		return fieldmap.ReasonInvalidPicklist
	case crm.SchemaCodeInvalidValue:
		return fieldmap.ReasonInvalidValue
	}
	return fieldmap.ReasonUnknownField
}

func (c *Coordinator) resolve(ctx context.Context, sub *models.Submission) (*fieldmap.Result, string, error) {
	form, known := c.lookupForm(sub.FormName)
	module := sub.TargetModule
	if module == "" {
		module = form.TargetModule
	}
	if module == "" {
		module = c.opts.DefaultModule
	}

	payload, err := sub.Payload()
	if err != nil {
		return nil, module, &crm.ValidationError{Message: err.Error()}
	}
	if len(payload) == 0 {
		return nil, module, &crm.ValidationError{Message: "submission payload is empty"}
	}
	if c.validator != nil {
		if err := c.validator.Validate(sub.FormName, payload); err != nil {
			return nil, module, err
		}
	}

	policy := fieldmap.Policy{AllowFieldCreation: known && form.FieldCreationAllowed()}
	mapping, err := c.mapper.MapFields(ctx, payload, module, policy)
	if err != nil {
		return nil, module, fmt.Errorf("map fields: %w", err)
	}
	if len(mapping.ResolvedPayload) == 0 {
		return mapping, module, &crm.ValidationError{Message: "no submission field could be mapped to " + module}
	}
	return mapping, module, nil
}

func (c *Coordinator) lookupForm(name string) (config.FormDefinition, bool) {
	if c.forms == nil {
		return config.FormDefinition{}, false
	}
	return c.forms.Lookup(name)
}

func (c *Coordinator) archive(ctx context.Context, sub *models.Submission, retryCount int, class, msg string, cause error, logger *logrus.Entry) {
	if c.archiver == nil {
		return
	}
	snapshot := *sub
	snapshot.ProcessingStatus = models.ProcessingStatusFailed
	snapshot.SyncStatus = models.SyncStatusFailed
	snapshot.RetryCount = retryCount
	snapshot.ErrorClass, snapshot.ErrorMessage = strPtr(class), strPtr(msg)
	if err := c.archiver.Archive(ctx, &snapshot, cause); err != nil {
		logger.WithError(err).Warn("archive failed submission")
	}
}

func (c *Coordinator) addEvent(ctx context.Context, ev *models.SubmissionSyncEvent, logger *logrus.Entry) {
	if err := c.store.AddEvent(ctx, ev); err != nil {
		logger.WithError(err).Warn("write sync event failed")
	}
}

func (c *Coordinator) startSpan(ctx context.Context, name string, sub *models.Submission) (context.Context, trace.Span) {
	ctx = utils.SetSubmissionIdInContext(ctx, sub.ID)
	if sub.CorrelationId != "" {
		ctx = utils.SetCorrelationIdInContext(ctx, sub.CorrelationId)
	}
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(
		attribute.String("submission.id", sub.ID),
		attribute.String("submission.form", sub.FormName),
		attribute.Int("submission.retry_count", sub.RetryCount),
	)
	return ctx, span
}

func (c *Coordinator) submissionLogger(sub *models.Submission) *logrus.Entry {
	return c.logger.WithFields(logrus.Fields{
		"field":          "CRMSync",
		"submission_id":  sub.ID,
		"form":           sub.FormName,
		"attempt":        sub.RetryCount + 1,
		"correlation_id": sub.CorrelationId,
	})
}

func fillEvent(ev *models.SubmissionSyncEvent, mapping *fieldmap.Result) {
	if mapping == nil {
		return
	}
	ev.MappedCount = len(mapping.Mapped)
	ev.UnmappedKeysJSON = utils.JSONBytes(mapping.Unmapped)
	ev.TruncatedKeysJSON = utils.JSONBytes(mapping.Truncated)
	ev.CreatedFieldsJSON = utils.JSONBytes(mapping.CreatedFields)
}

func errorMessage(err error) string {
	msg, _ := utils.TruncateRunes(err.Error(), maxErrorMessage)
	return msg
}

func strPtr(s string) *string {
	return &s
}
