package crmsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/formsync_backend/models"
	"github.com/sirupsen/logrus"
)

// Nudger tells the worker a new submission is waiting so it does not have
// to wait for the next poll.
type Nudger interface {
	Nudge(ctx context.Context, submissionId string) error
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type NudgePayload struct {
	SubmissionId string `json:"submission_id"`
}

type PubSubNudger struct {
	topic *pubsub.Topic
}

func NewPubSubNudger(topic *pubsub.Topic) *PubSubNudger {
	return &PubSubNudger{topic: topic}
}

func (n *PubSubNudger) Nudge(ctx context.Context, submissionId string) error {
	data, err := json.Marshal(NudgePayload{SubmissionId: submissionId})
	if err != nil {
		return err
	}
	res := n.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"submission_id": submissionId},
	})
	_, err = res.Get(ctx)
	return err
}

func (n *PubSubNudger) Stop() {
	n.topic.Stop()
}

// PubSubPushHandler receives push deliveries. It always answers 204 so a
// poison message is not redelivered forever; the poll loop is the backstop.
func PubSubPushHandler(coord *Coordinator, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusNoContent)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(http.StatusNoContent)
			return
		}
		var payload NudgePayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil || payload.SubmissionId == "" {
			c.Status(http.StatusNoContent)
			return
		}

		outcome, err := coord.ProcessNow(c.Request.Context(), payload.SubmissionId)
		entry := logger.WithFields(logrus.Fields{"field": "CRMSyncPush", "submission_id": payload.SubmissionId, "message_id": envelope.Message.ID})
		switch {
		case err == nil:
			entry.WithField("outcome", outcome).Info("processed pushed submission")
		case errors.Is(err, ErrNotEligible), errors.Is(err, ErrSubmissionBusy), errors.Is(err, models.ErrSubmissionNotFound):
			entry.WithError(err).Debug("push ignored")
		default:
			entry.WithError(err).Warn("push processing failed")
		}
		c.Status(http.StatusNoContent)
	}
}
