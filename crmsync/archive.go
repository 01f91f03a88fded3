package crmsync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
	"github.com/mmdatafocus/formsync_backend/crm"
	"github.com/mmdatafocus/formsync_backend/models"
	"github.com/mmdatafocus/formsync_backend/utils"
)

// GCSArchiver writes terminally failed submissions to a bucket, one object
// per submission and attempt.
type GCSArchiver struct {
	client *storage.Client
	bucket string
}

func NewGCSArchiver(client *storage.Client, bucket string) *GCSArchiver {
	return &GCSArchiver{client: client, bucket: bucket}
}

type archiveRecord struct {
	Submission *models.Submission `json:"submission"`
	Payload    json.RawMessage    `json:"payload"`
	ErrorClass crm.ErrorClass     `json:"error_class"`
	LastError  string             `json:"last_error"`
	ArchivedAt time.Time          `json:"archived_at"`
}

func archiveObjectName(sub *models.Submission) string {
	return fmt.Sprintf("failed-submissions/%s/%s/attempt-%d.json", sub.FormName, sub.ID, sub.RetryCount)
}

func buildArchiveRecord(sub *models.Submission, lastErr error, now time.Time) ([]byte, error) {
	rec := archiveRecord{
		Submission: sub,
		Payload:    json.RawMessage(sub.PayloadJSON),
		ErrorClass: crm.Classify(lastErr),
		ArchivedAt: now.UTC(),
	}
	if len(rec.Payload) == 0 {
		rec.Payload = json.RawMessage("{}")
	}
	if lastErr != nil {
		rec.LastError = lastErr.Error()
	}
	return json.MarshalIndent(rec, "", "  ")
}

func (a *GCSArchiver) Archive(ctx context.Context, sub *models.Submission, lastErr error) error {
	name := archiveObjectName(sub)
	exists, err := utils.ObjectExistsInGCS(ctx, a.client, a.bucket, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	data, err := buildArchiveRecord(sub, lastErr, time.Now())
	if err != nil {
		return err
	}
	return utils.UploadBytesToGCS(ctx, a.client, a.bucket, name, data, "application/json")
}
