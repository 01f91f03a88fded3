package crmsync

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mmdatafocus/formsync_backend/config"
	"github.com/mmdatafocus/formsync_backend/crm"
	"github.com/mmdatafocus/formsync_backend/fieldmap"
	"github.com/mmdatafocus/formsync_backend/models"
	"github.com/mmdatafocus/formsync_backend/schemacache"
	"github.com/mmdatafocus/formsync_backend/tokenmanager"
	"github.com/mmdatafocus/formsync_backend/utils"
	"github.com/sirupsen/logrus"
)

// memStore is an in-memory SubmissionStore with the same state transitions
// as the gorm store.
type memStore struct {
	mu     sync.Mutex
	subs   map[string]*models.Submission
	events []models.SubmissionSyncEvent
}

func newMemStore() *memStore {
	return &memStore{subs: map[string]*models.Submission{}}
}

func (s *memStore) put(sub models.Submission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.ProcessingStatus == "" {
		sub.ProcessingStatus = models.ProcessingStatusPending
	}
	if sub.SyncStatus == "" {
		sub.SyncStatus = models.SyncStatusPending
	}
	cp := sub
	s.subs[sub.ID] = &cp
}

func (s *memStore) snapshot(id string) models.Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.subs[id]
}

func (s *memStore) eventsFor(id string) []models.SubmissionSyncEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SubmissionSyncEvent
	for _, ev := range s.events {
		if ev.SubmissionId == id {
			out = append(out, ev)
		}
	}
	return out
}

func (s *memStore) Create(ctx context.Context, sub *models.Submission) error {
	s.mu.Lock()
	_, exists := s.subs[sub.ID]
	s.mu.Unlock()
	if exists {
		return models.ErrDuplicateSubmission
	}
	s.put(*sub)
	return nil
}

func (s *memStore) Get(ctx context.Context, id string) (*models.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, models.ErrSubmissionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (s *memStore) Update(ctx context.Context, id string, partial map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return models.ErrSubmissionNotFound
	}
	for k, v := range partial {
		switch k {
		case "processing_status":
			sub.ProcessingStatus = v.(models.ProcessingStatus)
		case "claimed_at":
			sub.ClaimedAt = timePtr(v)
		case "updated_at":
			sub.UpdatedAt = v.(time.Time)
		}
	}
	return nil
}

func timePtr(v interface{}) *time.Time {
	if t, ok := v.(time.Time); ok {
		return &t
	}
	return nil
}

func (s *memStore) List(ctx context.Context, f models.SubmissionFilter) ([]models.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Submission
	for _, sub := range s.subs {
		if f.FormName != "" && sub.FormName != f.FormName {
			continue
		}
		if f.ProcessingStatus != "" && sub.ProcessingStatus != f.ProcessingStatus {
			continue
		}
		if f.SyncStatus != "" && sub.SyncStatus != f.SyncStatus {
			continue
		}
		out = append(out, *sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) ListByStatus(ctx context.Context, p models.ProcessingStatus, st models.SyncStatus, limit int) ([]models.Submission, error) {
	return s.List(ctx, models.SubmissionFilter{ProcessingStatus: p, SyncStatus: st, Limit: limit})
}

func (s *memStore) IncrementRetryCount(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return models.ErrSubmissionNotFound
	}
	sub.RetryCount++
	return nil
}

func (s *memStore) ListEligible(ctx context.Context, now time.Time, limit int, includeFailed bool, maxRetries int) ([]models.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Submission
	for _, sub := range s.subs {
		pending := sub.ProcessingStatus == models.ProcessingStatusPending && (sub.NextRetryAt == nil || !sub.NextRetryAt.After(now))
		failed := includeFailed && sub.ProcessingStatus == models.ProcessingStatusFailed && sub.RetryCount < maxRetries
		if pending || failed {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) Claim(ctx context.Context, id string, from []models.ProcessingStatus, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return false, nil
	}
	for _, st := range from {
		if sub.ProcessingStatus == st {
			sub.ProcessingStatus = models.ProcessingStatusProcessing
			sub.ClaimedAt = &now
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) MarkSynced(ctx context.Context, id string, externalId string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := s.subs[id]
	sub.ProcessingStatus = models.ProcessingStatusCompleted
	sub.SyncStatus = models.SyncStatusSynced
	sub.ExternalRecordId = &externalId
	sub.LastSyncAt = &now
	sub.NextRetryAt, sub.ErrorClass, sub.ErrorMessage, sub.ClaimedAt = nil, nil, nil, nil
	return nil
}

func (s *memStore) MarkRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, errClass, message string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := s.subs[id]
	sub.ProcessingStatus = models.ProcessingStatusPending
	sub.SyncStatus = models.SyncStatusPending
	sub.RetryCount = retryCount
	sub.LastRetryAt = &now
	sub.NextRetryAt = &nextRetryAt
	sub.ErrorClass, sub.ErrorMessage = &errClass, &message
	sub.ClaimedAt = nil
	return nil
}

func (s *memStore) MarkFailed(ctx context.Context, id string, retryCount int, errClass, message string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := s.subs[id]
	sub.ProcessingStatus = models.ProcessingStatusFailed
	sub.SyncStatus = models.SyncStatusFailed
	sub.RetryCount = retryCount
	sub.LastRetryAt = &now
	sub.NextRetryAt = nil
	sub.ErrorClass, sub.ErrorMessage = &errClass, &message
	sub.ClaimedAt = nil
	return nil
}

func (s *memStore) Release(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := s.subs[id]
	sub.ProcessingStatus = models.ProcessingStatusPending
	sub.ClaimedAt = nil
	return nil
}

func (s *memStore) ResetForRetry(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok || sub.SyncStatus == models.SyncStatusSynced || sub.ProcessingStatus == models.ProcessingStatusProcessing {
		return models.ErrSubmissionNotFound
	}
	sub.ProcessingStatus = models.ProcessingStatusPending
	sub.SyncStatus = models.SyncStatusPending
	sub.RetryCount = 0
	sub.NextRetryAt, sub.ErrorClass, sub.ErrorMessage = nil, nil, nil
	return nil
}

func (s *memStore) ResetFailed(ctx context.Context, formName string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, sub := range s.subs {
		if sub.ProcessingStatus != models.ProcessingStatusFailed || (formName != "" && sub.FormName != formName) {
			continue
		}
		sub.ProcessingStatus = models.ProcessingStatusPending
		sub.SyncStatus = models.SyncStatusPending
		sub.RetryCount = 0
		sub.NextRetryAt = nil
		sub.ErrorClass, sub.ErrorMessage = nil, nil
		n++
	}
	return n, nil
}

func (s *memStore) ReclaimStale(ctx context.Context, cutoff time.Time, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, sub := range s.subs {
		if sub.ProcessingStatus == models.ProcessingStatusProcessing && (sub.ClaimedAt == nil || sub.ClaimedAt.Before(cutoff)) {
			sub.ProcessingStatus = models.ProcessingStatusPending
			sub.ClaimedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *memStore) CountByStatus(ctx context.Context) (map[models.ProcessingStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[models.ProcessingStatus]int64{}
	for _, sub := range s.subs {
		out[sub.ProcessingStatus]++
	}
	return out, nil
}

func (s *memStore) AddEvent(ctx context.Context, ev *models.SubmissionSyncEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.ID = uint(len(s.events) + 1)
	s.events = append(s.events, *ev)
	return nil
}

func (s *memStore) ListEvents(ctx context.Context, id string) ([]models.SubmissionSyncEvent, error) {
	return s.eventsFor(id), nil
}

// passMapper maps every key onto a field of the same name.
type passMapper struct{}

func (passMapper) MapFields(ctx context.Context, payload map[string]any, module string, policy fieldmap.Policy) (*fieldmap.Result, error) {
	res := &fieldmap.Result{ResolvedPayload: map[string]any{}, Excluded: map[string]string{}}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		res.ResolvedPayload[k] = payload[k]
		res.Mapped = append(res.Mapped, fieldmap.FieldMatch{SourceKey: k, TargetApiName: k, MatchType: fieldmap.MatchExact, Confidence: 1})
	}
	return res, nil
}

type fakeRecords struct {
	mu      sync.Mutex
	creates int
	updates int
	create  func(ctx context.Context, data map[string]any) (crm.RecordResult, error)
	update  func(ctx context.Context, id string, data map[string]any) error
}

func (f *fakeRecords) CreateRecord(ctx context.Context, module string, data map[string]any) (crm.RecordResult, error) {
	f.mu.Lock()
	f.creates++
	f.mu.Unlock()
	if f.create == nil {
		return crm.RecordResult{ID: "rec-1"}, nil
	}
	return f.create(ctx, data)
}

func (f *fakeRecords) UpdateRecord(ctx context.Context, module, id string, data map[string]any) error {
	f.mu.Lock()
	f.updates++
	f.mu.Unlock()
	if f.update == nil {
		return nil
	}
	return f.update(ctx, id, data)
}

func (f *fakeRecords) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

type fakeSchema struct {
	mu        sync.Mutex
	refreshed []string
}

func (f *fakeSchema) Refresh(ctx context.Context, module string) (*schemacache.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed = append(f.refreshed, module)
	return &schemacache.Snapshot{Module: module}, nil
}

type fakeCreds struct {
	err error
}

func (f fakeCreds) GetValidCredential(ctx context.Context, provider string) (*models.Credential, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.Credential{Provider: provider, AccessToken: "tok", IsActive: utils.NewTrue()}, nil
}

var errNotConnected = tokenmanager.ErrNotFound

type fakeArchiver struct {
	mu       sync.Mutex
	archived []models.Submission
}

func (f *fakeArchiver) Archive(ctx context.Context, sub *models.Submission, lastErr error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived = append(f.archived, *sub)
	return nil
}

func openForms() *config.FormRegistry {
	forms, _ := config.LoadForms("", "Leads")
	return forms
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}
