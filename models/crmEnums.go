package models

type ProcessingStatus string

const (
	ProcessingStatusPending    ProcessingStatus = "pending"
	ProcessingStatusProcessing ProcessingStatus = "processing"
	ProcessingStatusCompleted  ProcessingStatus = "completed"
	ProcessingStatusFailed     ProcessingStatus = "failed"
)

func (s ProcessingStatus) Valid() bool {
	switch s {
	case ProcessingStatusPending, ProcessingStatusProcessing, ProcessingStatusCompleted, ProcessingStatusFailed:
		return true
	}
	return false
}

type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusFailed  SyncStatus = "failed"
)

func (s SyncStatus) Valid() bool {
	switch s {
	case SyncStatusPending, SyncStatusSynced, SyncStatusFailed:
		return true
	}
	return false
}

// SyncOutcome is recorded on each SubmissionSyncEvent.
type SyncOutcome string

const (
	SyncOutcomeSynced  SyncOutcome = "synced"
	SyncOutcomeRetry   SyncOutcome = "retry"
	SyncOutcomeFailed  SyncOutcome = "failed"
	SyncOutcomeSkipped SyncOutcome = "skipped"
)

const (
	DeactivationSuperseded    = "superseded"
	DeactivationRefreshFailed = "refresh_rejected"
	DeactivationRevoked       = "revoked"
)
