// Package crmsync moves accepted form submissions into the CRM: the durable
// queue contract, the retry coordinator and its HTTP surface.
package crmsync

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/formsync_backend/config"
	"github.com/mmdatafocus/formsync_backend/crm"
	"github.com/mmdatafocus/formsync_backend/fieldmap"
	"github.com/mmdatafocus/formsync_backend/models"
	"github.com/mmdatafocus/formsync_backend/schemacache"
)

var (
	ErrSweepInProgress = errors.New("a sync sweep is already running")
	ErrAlreadySynced   = errors.New("submission is already synced")
	ErrNotSynced       = errors.New("submission has not been synced yet")
	ErrSubmissionBusy  = errors.New("submission is being processed")
	ErrNotEligible     = errors.New("submission is not due for processing")
	ErrUnknownForm     = errors.New("unknown form")
)

// SubmissionStore is the durable queue. *models.SubmissionStore implements it.
type SubmissionStore interface {
	Create(ctx context.Context, sub *models.Submission) error
	Get(ctx context.Context, id string) (*models.Submission, error)
	Update(ctx context.Context, id string, partial map[string]interface{}) error
	List(ctx context.Context, f models.SubmissionFilter) ([]models.Submission, error)
	ListByStatus(ctx context.Context, processing models.ProcessingStatus, sync models.SyncStatus, limit int) ([]models.Submission, error)
	IncrementRetryCount(ctx context.Context, id string) error

	ListEligible(ctx context.Context, now time.Time, limit int, includeFailed bool, maxRetries int) ([]models.Submission, error)
	Claim(ctx context.Context, id string, from []models.ProcessingStatus, now time.Time) (bool, error)
	MarkSynced(ctx context.Context, id string, externalId string, now time.Time) error
	MarkRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, errClass, message string, now time.Time) error
	MarkFailed(ctx context.Context, id string, retryCount int, errClass, message string, now time.Time) error
	Release(ctx context.Context, id string, now time.Time) error
	ResetForRetry(ctx context.Context, id string, now time.Time) error
	ResetFailed(ctx context.Context, formName string, now time.Time) (int64, error)
	ReclaimStale(ctx context.Context, cutoff time.Time, now time.Time) (int64, error)
	CountByStatus(ctx context.Context) (map[models.ProcessingStatus]int64, error)

	AddEvent(ctx context.Context, ev *models.SubmissionSyncEvent) error
	ListEvents(ctx context.Context, submissionId string) ([]models.SubmissionSyncEvent, error)
}

// CredentialChecker is the token manager as seen by the coordinator.
type CredentialChecker interface {
	GetValidCredential(ctx context.Context, provider string) (*models.Credential, error)
}

type Mapper interface {
	MapFields(ctx context.Context, payload map[string]any, module string, policy fieldmap.Policy) (*fieldmap.Result, error)
}

// RecordWriter pushes records with token and rate-limit handling already
// applied. *crm.Bound implements it.
type RecordWriter interface {
	CreateRecord(ctx context.Context, module string, data map[string]any) (crm.RecordResult, error)
	UpdateRecord(ctx context.Context, module, id string, data map[string]any) error
}

// SchemaRefresher reloads a module's field list after the CRM rejects a
// cached field. *schemacache.Cache implements it.
type SchemaRefresher interface {
	Refresh(ctx context.Context, module string) (*schemacache.Snapshot, error)
}

type FormLookup interface {
	Lookup(name string) (config.FormDefinition, bool)
}

// Archiver keeps a copy of terminally failed submissions outside the DB.
type Archiver interface {
	Archive(ctx context.Context, sub *models.Submission, lastErr error) error
}

type SweepOptions struct {
	// IncludeFailed also selects failed rows that still have retry budget.
	IncludeFailed bool
	Limit         int
}

type SweepResult struct {
	StartedAt  time.Time `json:"started_at"`
	Selected   int       `json:"selected"`
	Reclaimed  int64     `json:"reclaimed"`
	Synced     int       `json:"synced"`
	Retried    int       `json:"retried"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	SkipReason string    `json:"skip_reason,omitempty"`
}

type Status struct {
	IsProcessing   bool                              `json:"is_processing"`
	LastSweepAt    *time.Time                        `json:"last_sweep_at"`
	LastSweep      *SweepResult                      `json:"last_sweep"`
	LastSweepError string                            `json:"last_sweep_error,omitempty"`
	Counts         map[models.ProcessingStatus]int64 `json:"counts"`
}
