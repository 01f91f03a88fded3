package models

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

var (
	ErrSubmissionNotFound  = errors.New("submission not found")
	ErrDuplicateSubmission = errors.New("submission already exists")
)

// Submission is one accepted form payload and its CRM sync state.
// ExternalRecordId is set exactly when SyncStatus is synced.
type Submission struct {
	ID               string           `gorm:"primary_key;size:36" json:"id"`
	FormName         string           `gorm:"size:100;not null;index" json:"form_name"`
	PayloadJSON      []byte           `gorm:"column:payload;type:json;not null" json:"-"`
	TargetModule     string           `gorm:"size:100;not null" json:"target_module"`
	ExternalRecordId *string          `gorm:"size:100" json:"external_record_id"`
	ProcessingStatus ProcessingStatus `gorm:"size:20;not null;index:idx_submission_queue,priority:1" json:"processing_status"`
	SyncStatus       SyncStatus       `gorm:"size:20;not null;index" json:"sync_status"`
	ErrorMessage     *string          `gorm:"type:text" json:"error_message"`
	ErrorClass       *string          `gorm:"size:40" json:"error_class"`
	RetryCount       int              `gorm:"not null;default:0" json:"retry_count"`
	LastRetryAt      *time.Time       `json:"last_retry_at"`
	NextRetryAt      *time.Time       `gorm:"index:idx_submission_queue,priority:2" json:"next_retry_at"`
	LastSyncAt       *time.Time       `json:"last_sync_at"`
	ClaimedAt        *time.Time       `json:"claimed_at"`
	CorrelationId    string           `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Submission) TableName() string {
	return "form_submissions"
}

// Payload decodes the stored JSON object. Numbers stay json.Number so
// coercion can parse them without float rounding.
func (s *Submission) Payload() (map[string]any, error) {
	out := map[string]any{}
	if len(s.PayloadJSON) == 0 {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(s.PayloadJSON))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode submission payload: %w", err)
	}
	return out, nil
}

type SubmissionFilter struct {
	FormName         string
	ProcessingStatus ProcessingStatus
	SyncStatus       SyncStatus
	Limit            int
	Offset           int
}

// SubmissionStore is the gorm-backed durable queue.
type SubmissionStore struct {
	db *gorm.DB
}

func NewSubmissionStore(db *gorm.DB) *SubmissionStore {
	return &SubmissionStore{db: db}
}

func (s *SubmissionStore) Create(ctx context.Context, sub *Submission) error {
	if sub.ProcessingStatus == "" {
		sub.ProcessingStatus = ProcessingStatusPending
	}
	if sub.SyncStatus == "" {
		sub.SyncStatus = SyncStatusPending
	}
	err := s.db.WithContext(ctx).Create(sub).Error
	if IsDuplicateKeyError(err) {
		return ErrDuplicateSubmission
	}
	return err
}

func (s *SubmissionStore) Get(ctx context.Context, id string) (*Submission, error) {
	var sub Submission
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubmissionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

// Update applies a partial column map.
func (s *SubmissionStore) Update(ctx context.Context, id string, partial map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&Submission{}).Where("id = ?", id).Updates(partial)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrSubmissionNotFound
	}
	return nil
}

func (s *SubmissionStore) ListByStatus(ctx context.Context, processing ProcessingStatus, sync SyncStatus, limit int) ([]Submission, error) {
	return s.List(ctx, SubmissionFilter{ProcessingStatus: processing, SyncStatus: sync, Limit: limit})
}

func (s *SubmissionStore) List(ctx context.Context, f SubmissionFilter) ([]Submission, error) {
	q := s.db.WithContext(ctx).Model(&Submission{})
	if f.FormName != "" {
		q = q.Where("form_name = ?", f.FormName)
	}
	if f.ProcessingStatus != "" {
		q = q.Where("processing_status = ?", f.ProcessingStatus)
	}
	if f.SyncStatus != "" {
		q = q.Where("sync_status = ?", f.SyncStatus)
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	var subs []Submission
	err := q.Order("created_at DESC").Limit(f.Limit).Offset(f.Offset).Find(&subs).Error
	return subs, err
}

func (s *SubmissionStore) IncrementRetryCount(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&Submission{}).
		Where("id = ?", id).
		Update("retry_count", gorm.Expr("retry_count + 1"))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrSubmissionNotFound
	}
	return nil
}

// ListEligible returns pending rows whose backoff has elapsed, oldest first.
// includeFailed adds failed rows that still have retry budget.
func (s *SubmissionStore) ListEligible(ctx context.Context, now time.Time, limit int, includeFailed bool, maxRetries int) ([]Submission, error) {
	q := s.db.WithContext(ctx).Model(&Submission{})
	pending := s.db.Where("processing_status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)", ProcessingStatusPending, now)
	if includeFailed {
		q = q.Where(pending.Or("processing_status = ? AND retry_count < ?", ProcessingStatusFailed, maxRetries))
	} else {
		q = q.Where(pending)
	}
	var subs []Submission
	err := q.Order("created_at ASC").Limit(limit).Find(&subs).Error
	return subs, err
}

// Claim flips a row from one of from to processing. It reports false when
// another worker got there first.
func (s *SubmissionStore) Claim(ctx context.Context, id string, from []ProcessingStatus, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Submission{}).
		Where("id = ? AND processing_status IN ?", id, from).
		Updates(map[string]interface{}{
			"processing_status": ProcessingStatusProcessing,
			"claimed_at":        now,
			"updated_at":        now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *SubmissionStore) MarkSynced(ctx context.Context, id string, externalId string, now time.Time) error {
	return s.Update(ctx, id, map[string]interface{}{
		"processing_status":  ProcessingStatusCompleted,
		"sync_status":        SyncStatusSynced,
		"external_record_id": externalId,
		"last_sync_at":       now,
		"next_retry_at":      nil,
		"error_message":      nil,
		"error_class":        nil,
		"claimed_at":         nil,
		"updated_at":         now,
	})
}

func (s *SubmissionStore) MarkRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, errClass, message string, now time.Time) error {
	return s.Update(ctx, id, map[string]interface{}{
		"processing_status": ProcessingStatusPending,
		"sync_status":       SyncStatusPending,
		"retry_count":       retryCount,
		"last_retry_at":     now,
		"next_retry_at":     nextRetryAt,
		"error_class":       errClass,
		"error_message":     message,
		"claimed_at":        nil,
		"updated_at":        now,
	})
}

// MarkFailed is terminal. The periodic loop never selects failed rows.
func (s *SubmissionStore) MarkFailed(ctx context.Context, id string, retryCount int, errClass, message string, now time.Time) error {
	return s.Update(ctx, id, map[string]interface{}{
		"processing_status": ProcessingStatusFailed,
		"sync_status":       SyncStatusFailed,
		"retry_count":       retryCount,
		"last_retry_at":     now,
		"next_retry_at":     nil,
		"error_class":       errClass,
		"error_message":     message,
		"claimed_at":        nil,
		"updated_at":        now,
	})
}

// Release returns a claimed row to pending without touching its retry
// fields, used when an attempt is skipped.
func (s *SubmissionStore) Release(ctx context.Context, id string, now time.Time) error {
	return s.Update(ctx, id, map[string]interface{}{
		"processing_status": ProcessingStatusPending,
		"claimed_at":        nil,
		"updated_at":        now,
	})
}

// ResetForRetry clears the retry budget of a non-synced submission.
func (s *SubmissionStore) ResetForRetry(ctx context.Context, id string, now time.Time) error {
	res := s.db.WithContext(ctx).Model(&Submission{}).
		Where("id = ? AND sync_status <> ? AND processing_status <> ?", id, SyncStatusSynced, ProcessingStatusProcessing).
		Updates(map[string]interface{}{
			"processing_status": ProcessingStatusPending,
			"sync_status":       SyncStatusPending,
			"retry_count":       0,
			"next_retry_at":     nil,
			"error_message":     nil,
			"error_class":       nil,
			"updated_at":        now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrSubmissionNotFound
	}
	return nil
}

// ResetFailed re-queues every terminal failure, optionally for one form.
func (s *SubmissionStore) ResetFailed(ctx context.Context, formName string, now time.Time) (int64, error) {
	q := s.db.WithContext(ctx).Model(&Submission{}).
		Where("processing_status = ?", ProcessingStatusFailed)
	if formName != "" {
		q = q.Where("form_name = ?", formName)
	}
	res := q.Updates(map[string]interface{}{
		"processing_status": ProcessingStatusPending,
		"sync_status":       SyncStatusPending,
		"retry_count":       0,
		"next_retry_at":     nil,
		"error_message":     nil,
		"error_class":       nil,
		"updated_at":        now,
	})
	return res.RowsAffected, res.Error
}

// ReclaimStale returns rows stuck in processing since before cutoff to pending.
func (s *SubmissionStore) ReclaimStale(ctx context.Context, cutoff time.Time, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&Submission{}).
		Where("processing_status = ? AND (claimed_at IS NULL OR claimed_at < ?)", ProcessingStatusProcessing, cutoff).
		Updates(map[string]interface{}{
			"processing_status": ProcessingStatusPending,
			"claimed_at":        nil,
			"updated_at":        now,
		})
	return res.RowsAffected, res.Error
}

func (s *SubmissionStore) CountByStatus(ctx context.Context) (map[ProcessingStatus]int64, error) {
	type row struct {
		ProcessingStatus ProcessingStatus
		Total            int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&Submission{}).
		Select("processing_status, COUNT(*) AS total").
		Group("processing_status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := map[ProcessingStatus]int64{}
	for _, r := range rows {
		out[r.ProcessingStatus] = r.Total
	}
	return out, nil
}

func (s *SubmissionStore) AddEvent(ctx context.Context, ev *SubmissionSyncEvent) error {
	return s.db.WithContext(ctx).Create(ev).Error
}

func (s *SubmissionStore) ListEvents(ctx context.Context, submissionId string) ([]SubmissionSyncEvent, error) {
	var events []SubmissionSyncEvent
	err := s.db.WithContext(ctx).
		Where("submission_id = ?", submissionId).
		Order("id ASC").
		Find(&events).Error
	return events, err
}

// IsDuplicateKeyError reports MySQL error 1062.
func IsDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}
