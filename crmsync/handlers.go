package crmsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/mmdatafocus/formsync_backend/config"
	"github.com/mmdatafocus/formsync_backend/crm"
	"github.com/mmdatafocus/formsync_backend/middlewares"
	"github.com/mmdatafocus/formsync_backend/models"
	"github.com/mmdatafocus/formsync_backend/tokenmanager"
	"github.com/mmdatafocus/formsync_backend/utils"
	"github.com/sirupsen/logrus"
)

const (
	maxSubmissionBytes = 1 << 20
	SubmissionIdHeader = "X-Submission-Id"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("formname", func(fl validator.FieldLevel) bool {
		return config.ValidFormName(fl.Field().String())
	})
	return v
}

type intakeMeta struct {
	FormName     string `validate:"required,formname"`
	SubmissionId string `validate:"omitempty,uuid"`
}

// RegisterRoutes mounts the intake, OAuth, admin and push endpoints.
func (s *Service) RegisterRoutes(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.POST("/pubsub/crm-sync", PubSubPushHandler(s.Coordinator, s.Logger))

	api := r.Group("/api", middlewares.CorrelationMiddleware(), middlewares.AuthMiddleware())
	api.POST("/forms/:formName/submissions", s.IntakeHandler())
	api.GET("/integrations/crm/connect", s.ConnectHandler())
	api.GET("/integrations/crm/callback", s.CallbackHandler())

	admin := api.Group("", middlewares.RequireAdmin())
	admin.POST("/integrations/crm/disconnect", s.DisconnectHandler())
	admin.GET("/integrations/crm/status", s.StatusHandler())
	admin.GET("/submissions", s.ListSubmissionsHandler())
	admin.POST("/submissions/retry-all", s.RetryAllHandler())
	admin.POST("/submissions/reset-failed", s.ResetFailedHandler())
	admin.GET("/submissions/:id", s.GetSubmissionHandler())
	admin.GET("/submissions/:id/events", s.SubmissionEventsHandler())
	admin.POST("/submissions/:id/retry", s.RetrySubmissionHandler())
	admin.POST("/submissions/:id/resync", s.ResyncSubmissionHandler())
	admin.POST("/schema/:module/refresh", s.RefreshSchemaHandler())
}

// IntakeHandler persists a submission and acknowledges it. Sync outcome is
// never reported here.
func (s *Service) IntakeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		meta := intakeMeta{
			FormName:     c.Param("formName"),
			SubmissionId: strings.TrimSpace(c.GetHeader(SubmissionIdHeader)),
		}
		if err := validate.Struct(meta); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
			return
		}

		form, ok := s.Forms.Lookup(meta.FormName)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": ErrUnknownForm.Error()})
			return
		}

		payload, err := decodePayload(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ctx, correlationId := utils.EnsureCorrelationId(c.Request.Context())
		id := meta.SubmissionId
		if id == "" {
			id = uuid.NewString()
		}
		sub := &models.Submission{
			ID:               id,
			FormName:         form.Name,
			PayloadJSON:      utils.JSONBytes(payload),
			TargetModule:     form.TargetModule,
			ProcessingStatus: models.ProcessingStatusPending,
			SyncStatus:       models.SyncStatusPending,
			CorrelationId:    correlationId,
		}
		logger := s.Logger.WithFields(logrus.Fields{"field": "Intake", "form": form.Name, "submission_id": id, "correlation_id": correlationId})

		err = s.Store.Create(ctx, sub)
		if errors.Is(err, models.ErrDuplicateSubmission) {
			c.JSON(http.StatusAccepted, gin.H{"id": id})
			return
		}
		if err != nil {
			config.LogError(s.Logger, "CRMSync", "IntakeHandler", "create submission", id, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not store submission"})
			return
		}
		logger.WithField("keys", len(payload)).Info("submission accepted")

		if s.Nudger != nil {
			nudgeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := s.Nudger.Nudge(nudgeCtx, id); err != nil {
				logger.WithError(err).Warn("publish nudge failed, poll loop will pick it up")
			}
			cancel()
		}
		c.JSON(http.StatusAccepted, gin.H{"id": id})
	}
}

func decodePayload(body io.Reader) (map[string]any, error) {
	raw, err := io.ReadAll(io.LimitReader(body, maxSubmissionBytes+1))
	if err != nil {
		return nil, errors.New("could not read body")
	}
	if len(raw) > maxSubmissionBytes {
		return nil, errors.New("submission too large")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, errors.New("body must be a JSON object")
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return payload, nil
}

// ConnectHandler starts the OAuth consent flow.
func (s *Service) ConnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		state, err := newOAuthState()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := s.States.Save(c.Request.Context(), state, oauthStateTTL); err != nil {
			config.LogError(s.Logger, "CRMSync", "ConnectHandler", "save oauth state", nil, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not start authorization"})
			return
		}
		c.Redirect(http.StatusFound, s.Tokens.AuthCodeURL(state))
	}
}

func (s *Service) CallbackHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if e := c.Query("error"); e != "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "authorization denied: " + e})
			return
		}
		state, code := c.Query("state"), c.Query("code")
		if state == "" || code == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "state and code are required"})
			return
		}
		ok, err := s.States.Consume(c.Request.Context(), state)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid or expired state"})
			return
		}

		cred, err := s.Tokens.Exchange(c.Request.Context(), s.Provider, code)
		if err != nil {
			s.Logger.WithFields(logrus.Fields{"field": "CRMSync", "provider": s.Provider}).WithError(err).Error("authorization code exchange failed")
			c.JSON(http.StatusBadGateway, gin.H{"error": "code exchange failed", "class": crm.Classify(err)})
			return
		}
		c.JSON(http.StatusOK, gin.H{"connected": true, "provider": cred.Provider, "expires_at": cred.ExpiresAt})
	}
}

func (s *Service) DisconnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		err := s.Tokens.Revoke(c.Request.Context(), s.Provider, models.DeactivationRevoked)
		if err != nil && !errors.Is(err, tokenmanager.ErrNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		s.adminLogger(c, "disconnect").Info("crm credential revoked")
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func (s *Service) StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := s.Coordinator.Status(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"credentials": s.Tokens.Status(c.Request.Context()),
			"sync":        status,
		})
	}
}

func (s *Service) ListSubmissionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := models.SubmissionFilter{
			FormName:         c.Query("form"),
			ProcessingStatus: models.ProcessingStatus(c.Query("processing_status")),
			SyncStatus:       models.SyncStatus(c.Query("sync_status")),
		}
		if filter.ProcessingStatus != "" && !filter.ProcessingStatus.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid processing_status"})
			return
		}
		if filter.SyncStatus != "" && !filter.SyncStatus.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sync_status"})
			return
		}
		filter.Limit, _ = strconv.Atoi(c.Query("limit"))
		filter.Offset, _ = strconv.Atoi(c.Query("offset"))

		subs, err := s.Store.List(c.Request.Context(), filter)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out := make([]submissionResponse, 0, len(subs))
		for i := range subs {
			out = append(out, newSubmissionResponse(&subs[i]))
		}
		c.JSON(http.StatusOK, gin.H{"submissions": out})
	}
}

func (s *Service) GetSubmissionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sub, err := s.Store.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeSubmissionError(c, err)
			return
		}
		c.JSON(http.StatusOK, newSubmissionResponse(sub))
	}
}

func (s *Service) SubmissionEventsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if _, err := s.Store.Get(c.Request.Context(), id); err != nil {
			writeSubmissionError(c, err)
			return
		}
		events, err := s.Store.ListEvents(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
	}
}

func (s *Service) RetrySubmissionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		outcome, err := s.Coordinator.RetrySubmission(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeSubmissionError(c, err)
			return
		}
		s.adminLogger(c, "retry").WithFields(logrus.Fields{"submission_id": c.Param("id"), "outcome": outcome}).Info("manual retry")
		c.JSON(http.StatusOK, gin.H{"outcome": outcome})
	}
}

func (s *Service) ResyncSubmissionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		outcome, err := s.Coordinator.ResyncSubmission(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeSubmissionError(c, err)
			return
		}
		s.adminLogger(c, "resync").WithField("submission_id", c.Param("id")).Info("manual resync")
		c.JSON(http.StatusOK, gin.H{"outcome": outcome})
	}
}

func (s *Service) RetryAllHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := s.Coordinator.RetryAll(c.Request.Context())
		if errors.Is(err, ErrSweepInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		s.adminLogger(c, "retry-all").WithField("selected", res.Selected).Info("manual sweep")
		c.JSON(http.StatusOK, res)
	}
}

func (s *Service) ResetFailedHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := s.Coordinator.ResetFailed(c.Request.Context(), c.Query("form"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		s.adminLogger(c, "reset-failed").WithFields(logrus.Fields{"form": c.Query("form"), "reset": n}).Info("failed submissions reset")
		c.JSON(http.StatusOK, gin.H{"reset": n})
	}
}

func (s *Service) RefreshSchemaHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		module := c.Param("module")
		snap, err := s.Schema.Refresh(c.Request.Context(), module)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "class": crm.Classify(err)})
			return
		}
		c.JSON(http.StatusOK, gin.H{"module": snap.Module, "fields": len(snap.Fields), "fetched_at": snap.FetchedAt})
	}
}

// adminLogger tags admin actions with the acting user from the JWT.
func (s *Service) adminLogger(c *gin.Context, action string) *logrus.Entry {
	userId, _ := utils.GetUserIdFromContext(c.Request.Context())
	return s.Logger.WithFields(logrus.Fields{"field": "CRMSyncAdmin", "action": action, "user_id": userId})
}

type submissionResponse struct {
	*models.Submission
	Payload json.RawMessage `json:"payload"`
}

func newSubmissionResponse(sub *models.Submission) submissionResponse {
	payload := json.RawMessage(sub.PayloadJSON)
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return submissionResponse{Submission: sub, Payload: payload}
}

func writeSubmissionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrSubmissionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrAlreadySynced), errors.Is(err, ErrNotSynced), errors.Is(err, ErrSubmissionBusy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case crm.Classify(err) != crm.ClassUnknown:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "class": crm.Classify(err)})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
