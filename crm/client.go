package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/formsync_backend/config"
	"github.com/mmdatafocus/formsync_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("github.com/mmdatafocus/formsync_backend/crm")

// HTTPClient talks the generic JSON dialect:
//
//	POST /{module}                    {"data":[{...}]}
//	PUT  /{module}/{id}               {"data":[{...}]}
//	GET  /{module}/{id}
//	GET  /settings/fields?module=M
//	POST /settings/fields?module=M    {"fields":[{...}]}
type HTTPClient struct {
	baseURL    string
	authScheme string
	timeout    time.Duration
	http       *http.Client
	limiter    *rate.Limiter
	logger     *logrus.Logger
}

func NewHTTPClient(cfg config.CRMConfig, logger *logrus.Logger) *HTTPClient {
	perMin := cfg.RateLimitPerMin
	if perMin <= 0 {
		perMin = 100
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = config.GetLogger()
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(cfg.APIBaseURL, "/"),
		authScheme: authSchemeFor(cfg.Provider),
		timeout:    timeout,
		http:       &http.Client{},
		limiter:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), 1),
		logger:     logger,
	}
}

func authSchemeFor(provider string) string {
	if strings.EqualFold(provider, "zoho") {
		return "Zoho-oauthtoken"
	}
	return "Bearer"
}

type recordEnvelope struct {
	Data []json.RawMessage `json:"data"`
}

type itemStatus struct {
	Code    string         `json:"code"`
	Status  string         `json:"status"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
	ID      string         `json:"id"`
}

type wireField struct {
	ApiName        string         `json:"api_name"`
	FieldLabel     string         `json:"field_label"`
	DataType       string         `json:"data_type"`
	CustomField    bool           `json:"custom_field"`
	Mandatory      bool           `json:"system_mandatory"`
	Length         int            `json:"length"`
	PickListValues []wirePickItem `json:"pick_list_values,omitempty"`
}

type wirePickItem struct {
	DisplayValue string `json:"display_value"`
	ActualValue  string `json:"actual_value"`
}

type fieldsEnvelope struct {
	Fields []json.RawMessage `json:"fields"`
}

func (c *HTTPClient) CreateRecord(ctx context.Context, token, module string, data map[string]any) (RecordResult, error) {
	var env recordEnvelope
	body := map[string]any{"data": []map[string]any{data}}
	if err := c.do(ctx, http.MethodPost, "/"+url.PathEscape(module), nil, token, body, &env); err != nil {
		return RecordResult{}, err
	}
	status, err := firstItemStatus(env.Data)
	if err != nil {
		return RecordResult{}, err
	}
	if err := status.asError(); err != nil {
		return RecordResult{}, err
	}
	id := status.ID
	if id == "" {
		if v, ok := status.Details["id"]; ok {
			id = fmt.Sprint(v)
		}
	}
	if id == "" {
		return RecordResult{}, &TransientNetworkError{Message: "create response carried no record id"}
	}
	return RecordResult{ID: id}, nil
}

func (c *HTTPClient) UpdateRecord(ctx context.Context, token, module, id string, data map[string]any) error {
	var env recordEnvelope
	body := map[string]any{"data": []map[string]any{data}}
	err := c.do(ctx, http.MethodPut, "/"+url.PathEscape(module)+"/"+url.PathEscape(id), nil, token, body, &env)
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return &NotFoundError{Module: module, ID: id}
		}
		return err
	}
	if len(env.Data) == 0 {
		return nil
	}
	status, err := firstItemStatus(env.Data)
	if err != nil {
		return err
	}
	if status.Code == "INVALID_DATA" && strings.EqualFold(fmt.Sprint(status.Details["api_name"]), "id") {
		return &NotFoundError{Module: module, ID: id}
	}
	return status.asError()
}

func (c *HTTPClient) GetRecord(ctx context.Context, token, module, id string) (map[string]any, error) {
	var env recordEnvelope
	err := c.do(ctx, http.MethodGet, "/"+url.PathEscape(module)+"/"+url.PathEscape(id), nil, token, nil, &env)
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return nil, &NotFoundError{Module: module, ID: id}
		}
		return nil, err
	}
	if len(env.Data) == 0 {
		return nil, &NotFoundError{Module: module, ID: id}
	}
	record := map[string]any{}
	if err := json.Unmarshal(env.Data[0], &record); err != nil {
		return nil, &TransientNetworkError{Message: "decode record", Err: err}
	}
	return record, nil
}

func (c *HTTPClient) ListFields(ctx context.Context, token, module string) ([]Field, error) {
	var env fieldsEnvelope
	q := url.Values{"module": {module}}
	if err := c.do(ctx, http.MethodGet, "/settings/fields", q, token, nil, &env); err != nil {
		return nil, err
	}
	fields := make([]Field, 0, len(env.Fields))
	for _, raw := range env.Fields {
		var wf wireField
		if err := json.Unmarshal(raw, &wf); err != nil {
			return nil, &TransientNetworkError{Message: "decode field", Err: err}
		}
		if wf.ApiName == "" {
			continue
		}
		fields = append(fields, wf.toField())
	}
	return fields, nil
}

func (c *HTTPClient) CreateField(ctx context.Context, token, module string, spec FieldSpec) (Field, error) {
	wf := wireField{
		FieldLabel: spec.Label,
		DataType:   spec.DataType,
		Length:     spec.MaxLength,
	}
	for _, v := range spec.PicklistValues {
		wf.PickListValues = append(wf.PickListValues, wirePickItem{DisplayValue: v, ActualValue: v})
	}
	var env fieldsEnvelope
	q := url.Values{"module": {module}}
	if err := c.do(ctx, http.MethodPost, "/settings/fields", q, token, map[string]any{"fields": []wireField{wf}}, &env); err != nil {
		return Field{}, fieldCreationError(err, spec.Label)
	}
	status, err := firstItemStatus(env.Fields)
	if err != nil {
		return Field{}, err
	}
	if err := status.asError(); err != nil {
		return Field{}, fieldCreationError(err, spec.Label)
	}
	apiName := ""
	if v, ok := status.Details["api_name"]; ok {
		apiName = fmt.Sprint(v)
	}
	if apiName == "" {
		apiName = DeriveApiName(spec.Label)
	}
	return Field{
		ApiName:        apiName,
		Label:          spec.Label,
		DataType:       spec.DataType,
		IsCustom:       true,
		MaxLength:      spec.MaxLength,
		PicklistValues: spec.PicklistValues,
	}, nil
}

// fieldCreationError reports a duplicate record error on the field
// endpoint as a duplicate field.
func fieldCreationError(err error, label string) error {
	var ve *ValidationError
	if errors.As(err, &ve) {
		for _, code := range ve.Fields {
			if code == "DUPLICATE_DATA" {
				return &SchemaError{Code: SchemaCodeDuplicateField, Field: label, Message: ve.Message}
			}
		}
	}
	var se *SchemaError
	if errors.As(err, &se) && se.Field == "" {
		se.Field = label
	}
	return err
}

var nonApiChars = regexp.MustCompile(`[^A-Za-z0-9]+`)

// DeriveApiName turns a label into the CRM api-name convention
// ("Preferred contact" -> "Preferred_contact").
func DeriveApiName(label string) string {
	return strings.Trim(nonApiChars.ReplaceAllString(strings.TrimSpace(label), "_"), "_")
}

func (wf wireField) toField() Field {
	f := Field{
		ApiName:    wf.ApiName,
		Label:      wf.FieldLabel,
		DataType:   strings.ToLower(wf.DataType),
		IsCustom:   wf.CustomField,
		IsRequired: wf.Mandatory,
		MaxLength:  wf.Length,
	}
	for _, p := range wf.PickListValues {
		v := p.ActualValue
		if v == "" {
			v = p.DisplayValue
		}
		if v == "" || v == "-None-" {
			continue
		}
		f.PicklistValues = append(f.PicklistValues, v)
	}
	return f
}

func firstItemStatus(items []json.RawMessage) (itemStatus, error) {
	if len(items) == 0 {
		return itemStatus{}, &TransientNetworkError{Message: "empty response envelope"}
	}
	var st itemStatus
	if err := json.Unmarshal(items[0], &st); err != nil {
		return itemStatus{}, &TransientNetworkError{Message: "decode response item", Err: err}
	}
	return st, nil
}

// asError classifies a per-item error carried inside a 2xx envelope.
func (s itemStatus) asError() error {
	if s.Status == "" || strings.EqualFold(s.Status, "success") {
		return nil
	}
	return classifyCode(http.StatusBadRequest, s.Code, s.Message, s.Details)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, token string, body any, out any) (err error) {
	ctx, span := tracer.Start(ctx, "crm "+method+" "+path)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return &TransientNetworkError{Message: "rate limiter wait", Err: err}
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &ValidationError{Message: "encode request: " + err.Error()}
		}
		reader = bytes.NewReader(payload)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, endpoint, reader)
	if err != nil {
		return &ValidationError{Message: "build request: " + err.Error()}
	}
	req.Header.Set("Authorization", c.authScheme+" "+token)
	req.Header.Set("Accept", "application/json")
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	if correlationId != "" {
		req.Header.Set("X-Correlation-Id", correlationId)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientNetworkError{Message: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	submissionId, _ := utils.GetSubmissionIdFromContext(ctx)
	c.logger.WithFields(logrus.Fields{
		"field":          "CRMClient",
		"method":         method,
		"path":           path,
		"status":         resp.StatusCode,
		"duration_ms":    time.Since(start).Milliseconds(),
		"submission_id":  submissionId,
		"correlation_id": correlationId,
	}).Debug("crm request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyResponse(resp.StatusCode, resp.Header, respBody)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &TransientNetworkError{Message: "decode response", Err: err}
	}
	return nil
}

type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]any    `json:"details"`
	Data    []json.RawMessage `json:"data"`
	Fields  []json.RawMessage `json:"fields"`
}

func classifyResponse(status int, header http.Header, body []byte) error {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)
	if eb.Code == "" {
		items := eb.Data
		if len(items) == 0 {
			items = eb.Fields
		}
		if st, err := firstItemStatus(items); err == nil {
			eb.Code, eb.Message, eb.Details = st.Code, st.Message, st.Details
		}
	}
	if eb.Message == "" {
		eb.Message = strings.TrimSpace(string(body))
	}
	if eb.Message == "" {
		eb.Message = http.StatusText(status)
	}

	if status == http.StatusTooManyRequests {
		return &RateLimitError{RetryAfter: parseRetryAfter(header.Get("Retry-After"), time.Now()), Message: eb.Message}
	}
	return classifyCode(status, eb.Code, eb.Message, eb.Details)
}

func classifyCode(status int, code, message string, details map[string]any) error {
	fieldName := ""
	if v, ok := details["api_name"]; ok && v != nil {
		fieldName = fmt.Sprint(v)
	}
	switch strings.ToUpper(code) {
	case "INVALID_TOKEN", "AUTHENTICATION_FAILURE", "OAUTH_SCOPE_MISMATCH", "AUTHORIZATION_FAILED":
		return &AuthError{Message: message}
	case "TOO_MANY_REQUESTS", "LIMIT_EXCEEDED":
		return &RateLimitError{Message: message}
	case "DUPLICATE_FIELD", "DUPLICATE_LABEL", "DUPLICATE_API_NAME":
		return &SchemaError{Code: SchemaCodeDuplicateField, Field: fieldName, Message: message}
	case "DUPLICATE_DATA":
		return &ValidationError{Message: message, Fields: map[string]string{fieldName: "DUPLICATE_DATA"}}
	case "INVALID_PICKLIST", "INVALID_PICKLIST_VALUE":
		return &SchemaError{Code: SchemaCodeInvalidPicklist, Field: fieldName, Message: message}
	case "UNKNOWN_FIELD", "INVALID_FIELD", "FIELD_NOT_FOUND":
		return &SchemaError{Code: SchemaCodeUnknownField, Field: fieldName, Message: message}
	case "LIMIT_REACHED", "FIELD_LIMIT_EXCEEDED":
		return &SchemaError{Code: SchemaCodeFieldLimit, Field: fieldName, Message: message}
	case "INVALID_DATA":
		if fieldName != "" {
			return &SchemaError{Code: SchemaCodeInvalidValue, Field: fieldName, Message: message}
		}
	case "MANDATORY_NOT_FOUND", "REQUIRED_PARAM_MISSING":
		return &ValidationError{Message: message, Fields: map[string]string{fieldName: "required"}}
	case "RECORD_NOT_FOUND", "INVALID_URL_PATTERN":
		return &NotFoundError{}
	}

	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return &AuthError{Message: message}
	case status == http.StatusNotFound:
		return &NotFoundError{}
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return &ValidationError{Message: message}
	case status == http.StatusConflict:
		return &SchemaError{Code: SchemaCodeDuplicateField, Field: fieldName, Message: message}
	case status == http.StatusRequestTimeout, status >= 500:
		return &TransientNetworkError{Message: fmt.Sprintf("status %d: %s", status, message)}
	}
	return &TransientNetworkError{Message: fmt.Sprintf("unexpected status %d: %s", status, message)}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
