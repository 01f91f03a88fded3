package models

import (
	"encoding/json"
	"time"
)

// SubmissionSyncEvent is the audit row written for every sync attempt.
type SubmissionSyncEvent struct {
	ID                uint        `gorm:"primary_key" json:"id"`
	SubmissionId      string      `gorm:"size:36;not null;index" json:"submission_id"`
	Attempt           int         `gorm:"not null" json:"attempt"`
	Outcome           SyncOutcome `gorm:"size:20;not null" json:"outcome"`
	ErrorClass        *string     `gorm:"size:40" json:"error_class"`
	Message           *string     `gorm:"type:text" json:"message"`
	MappedCount       int         `gorm:"not null;default:0" json:"mapped_count"`
	UnmappedKeysJSON  []byte      `gorm:"column:unmapped_keys;type:json" json:"-"`
	TruncatedKeysJSON []byte      `gorm:"column:truncated_keys;type:json" json:"-"`
	CreatedFieldsJSON []byte      `gorm:"column:created_fields;type:json" json:"-"`
	DurationMs        int64       `json:"duration_ms"`
	CreatedAt         time.Time   `gorm:"autoCreateTime" json:"created_at"`
}

func (SubmissionSyncEvent) TableName() string {
	return "form_submission_sync_events"
}

func (e SubmissionSyncEvent) UnmappedKeys() []string  { return decodeKeys(e.UnmappedKeysJSON) }
func (e SubmissionSyncEvent) TruncatedKeys() []string { return decodeKeys(e.TruncatedKeysJSON) }
func (e SubmissionSyncEvent) CreatedFields() []string { return decodeKeys(e.CreatedFieldsJSON) }

// MarshalJSON exposes the json columns as arrays.
func (e SubmissionSyncEvent) MarshalJSON() ([]byte, error) {
	type plain SubmissionSyncEvent
	return json.Marshal(struct {
		plain
		UnmappedKeys  []string `json:"unmapped_keys"`
		TruncatedKeys []string `json:"truncated_keys"`
		CreatedFields []string `json:"created_fields"`
	}{plain(e), e.UnmappedKeys(), e.TruncatedKeys(), e.CreatedFields()})
}

func decodeKeys(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var keys []string
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil
	}
	return keys
}
