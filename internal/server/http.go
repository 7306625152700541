package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fieldlock/fieldlock/internal/metrics"
	"github.com/fieldlock/fieldlock/internal/repository"
	"github.com/fieldlock/fieldlock/internal/service"
)

const (
	defaultStreamPollInterval = time.Second
	defaultMaxJSONBodyBytes   = 1 << 20
)

var errJSONBodyTooLarge = errors.New("json request body too large")

type HTTPServer struct {
	service            Service
	metrics            *metrics.Metrics
	streamPollInterval time.Duration
	maxJSONBodyBytes   int64
}

// Option configures the HTTP handler.
type Option func(*HTTPServer)

// WithStreamPollInterval overrides how often the SSE stream polls for new
// rule events.
func WithStreamPollInterval(interval time.Duration) Option {
	return func(s *HTTPServer) {
		if interval > 0 {
			s.streamPollInterval = interval
		}
	}
}

// WithMaxJSONBodySize overrides the request body size limit in bytes.
func WithMaxJSONBodySize(size int64) Option {
	return func(s *HTTPServer) {
		if size > 0 {
			s.maxJSONBodyBytes = size
		}
	}
}

type enforceJSONResponse struct {
	Allowed    bool                `json:"allowed"`
	Violations []service.Violation `json:"violations"`
}

type decisionsJSONResponse struct {
	Results []service.DecisionResult `json:"results"`
}

type governedJSONResponse struct {
	Entity     string   `json:"entity"`
	Attributes []string `json:"attributes"`
}

// NewHTTPHandler builds the API handler. The metrics argument may be nil,
// which disables instrumentation and the /metrics endpoint.
func NewHTTPHandler(svc Service, m *metrics.Metrics, opts ...Option) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		service:            svc,
		metrics:            m,
		streamPollInterval: defaultStreamPollInterval,
		maxJSONBodyBytes:   defaultMaxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/rules", server.handleCreateRule)
	mux.HandleFunc("GET /v1/rules", server.handleListRules)
	mux.HandleFunc("GET /v1/rules/{id}", server.handleGetRule)
	mux.HandleFunc("PUT /v1/rules/{id}", server.handleUpdateRule)
	mux.HandleFunc("DELETE /v1/rules/{id}", server.handleDeleteRule)
	mux.HandleFunc("POST /v1/decisions", server.handleDecide)
	mux.HandleFunc("POST /v1/enforce", server.handleEnforce)
	mux.HandleFunc("GET /v1/entities/{entity}/governed", server.handleGovernedAttributes)
	mux.HandleFunc("PUT /v1/schema", server.handleUpsertSchemaAttribute)
	mux.HandleFunc("GET /v1/schema/{entity}", server.handleListSchemaAttributes)
	mux.HandleFunc("GET /v1/schema/{entity}/{attribute}", server.handleGetSchemaAttribute)
	mux.HandleFunc("DELETE /v1/schema/{entity}/{attribute}", server.handleDeleteSchemaAttribute)
	mux.HandleFunc("GET /v1/stream", server.handleStream)
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}

	return server.withMetrics(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (s *HTTPServer) withMetrics(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(recorder, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(recorder.status)
		s.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

func (s *HTTPServer) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule repository.Rule
	if err := s.decodeJSONBody(w, r, &rule); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	created, err := s.service.CreateRule(r.Context(), rule)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleListRules(w http.ResponseWriter, r *http.Request) {
	entity := strings.TrimSpace(r.URL.Query().Get("entity"))

	rules, err := s.service.ListRules(r.Context(), entity)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rules)
}

func (s *HTTPServer) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id, err := parseRuleID(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid rule id")
		return
	}

	rule, err := s.service.GetRule(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

func (s *HTTPServer) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, err := parseRuleID(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid rule id")
		return
	}

	var rule repository.Rule
	if err := s.decodeJSONBody(w, r, &rule); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if rule.ID != uuid.Nil && rule.ID != id {
		writeJSONError(w, http.StatusBadRequest, "path id and body id must match")
		return
	}
	rule.ID = id

	updated, err := s.service.UpdateRule(r.Context(), rule)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := parseRuleID(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid rule id")
		return
	}

	if err := s.service.DeleteRule(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleDecide(w http.ResponseWriter, r *http.Request) {
	var request service.DecideRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	results, err := s.service.Decide(r.Context(), request)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if s.metrics != nil {
		for _, result := range results {
			s.metrics.RecordDecision(decisionOutcome(result))
		}
	}

	writeJSON(w, http.StatusOK, decisionsJSONResponse{Results: results})
}

func (s *HTTPServer) handleEnforce(w http.ResponseWriter, r *http.Request) {
	var request service.EnforceRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	violations, err := s.service.EnforceWrite(r.Context(), request)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if s.metrics != nil {
		s.metrics.RecordEnforcement(string(request.Operation), len(violations) > 0)
		for _, violation := range violations {
			s.metrics.RecordViolation(string(violation.Kind))
		}
	}

	writeJSON(w, http.StatusOK, enforceJSONResponse{
		Allowed:    len(violations) == 0,
		Violations: violations,
	})
}

func (s *HTTPServer) handleGovernedAttributes(w http.ResponseWriter, r *http.Request) {
	entity := strings.TrimSpace(r.PathValue("entity"))
	if entity == "" {
		writeJSONError(w, http.StatusBadRequest, "entity is required")
		return
	}

	attrs, err := s.service.GovernedAttributes(r.Context(), entity)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, governedJSONResponse{Entity: entity, Attributes: attrs})
}

func (s *HTTPServer) handleUpsertSchemaAttribute(w http.ResponseWriter, r *http.Request) {
	var attr repository.SchemaAttribute
	if err := s.decodeJSONBody(w, r, &attr); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	stored, err := s.service.UpsertSchemaAttribute(r.Context(), attr)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stored)
}

func (s *HTTPServer) handleListSchemaAttributes(w http.ResponseWriter, r *http.Request) {
	entity := strings.TrimSpace(r.PathValue("entity"))
	if entity == "" {
		writeJSONError(w, http.StatusBadRequest, "entity is required")
		return
	}

	attrs, err := s.service.ListSchemaAttributes(r.Context(), entity)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, attrs)
}

func (s *HTTPServer) handleGetSchemaAttribute(w http.ResponseWriter, r *http.Request) {
	entity := strings.TrimSpace(r.PathValue("entity"))
	attribute := strings.TrimSpace(r.PathValue("attribute"))
	if entity == "" || attribute == "" {
		writeJSONError(w, http.StatusBadRequest, "entity and attribute are required")
		return
	}

	attr, err := s.service.GetSchemaAttribute(r.Context(), entity, attribute)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, attr)
}

func (s *HTTPServer) handleDeleteSchemaAttribute(w http.ResponseWriter, r *http.Request) {
	entity := strings.TrimSpace(r.PathValue("entity"))
	attribute := strings.TrimSpace(r.PathValue("attribute"))
	if entity == "" || attribute == "" {
		writeJSONError(w, http.StatusBadRequest, "entity and attribute are required")
		return
	}

	if err := s.service.DeleteSchemaAttribute(r.Context(), entity, attribute); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	lastEventID, err := parseLastEventID(r.Header.Get("Last-Event-ID"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid Last-Event-ID")
		return
	}

	entity := strings.TrimSpace(r.URL.Query().Get("entity"))

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	if s.metrics != nil {
		s.metrics.ActiveStreams.Inc()
		defer s.metrics.ActiveStreams.Dec()
	}

	listEvents := func(ctx context.Context, sinceID int64) ([]repository.RuleEvent, error) {
		if entity != "" {
			return s.service.ListEventsSinceForEntity(ctx, sinceID, entity)
		}
		return s.service.ListEventsSince(ctx, sinceID)
	}

	currentEventID := lastEventID
	writeEvents := func(events []repository.RuleEvent) error {
		for _, event := range events {
			currentEventID = event.EventID
			eventName := toSSEEventName(event.EventType)
			if eventName == "" {
				continue
			}

			payload := event.Payload
			if len(payload) == 0 {
				payload = []byte(`{}`)
			}

			if err := writeSSEEvent(w, event.EventID, eventName, payload); err != nil {
				return err
			}
			flusher.Flush()
		}

		return nil
	}

	initialEvents, err := listEvents(r.Context(), currentEventID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := writeEvents(initialEvents); err != nil {
		return
	}

	ticker := time.NewTicker(s.streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			events, err := listEvents(r.Context(), currentEventID)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				writeSSEError(w, flusher, serviceErrorMessage(err))
				return
			}
			if err := writeEvents(events); err != nil {
				return
			}
		}
	}
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decisionOutcome classifies a client-scope decision for metrics: hidden
// wins over not-allowed wins over required.
func decisionOutcome(result service.DecisionResult) string {
	switch {
	case !result.Client.Visible:
		return "hidden"
	case result.Client.NotAllowed:
		return "not_allowed"
	case result.Client.Required:
		return "required"
	default:
		return "default"
	}
}

func parseRuleID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(strings.TrimSpace(r.PathValue("id")))
}

func parseLastEventID(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	eventID, err := strconv.ParseInt(value, 10, 64)
	if err != nil || eventID < 0 {
		return 0, errors.New("invalid event id")
	}

	return eventID, nil
}

func toSSEEventName(eventType string) string {
	switch strings.ToLower(strings.TrimSpace(eventType)) {
	case "update", "updated":
		return "update"
	case "delete", "deleted":
		return "delete"
	default:
		return ""
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidRule),
		errors.Is(err, service.ErrInvalidSchema),
		errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, service.ErrMissingPreImage):
		writeJSONError(w, http.StatusBadRequest, serviceErrorMessage(err))
	case errors.Is(err, service.ErrRuleNotFound), errors.Is(err, service.ErrSchemaNotFound):
		writeJSONError(w, http.StatusNotFound, serviceErrorMessage(err))
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, serviceErrorMessage(err))
	default:
		writeJSONError(w, http.StatusInternalServerError, serviceErrorMessage(err))
	}
}

func serviceErrorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrInvalidRule),
		errors.Is(err, service.ErrInvalidSchema),
		errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, service.ErrMissingPreImage):
		return err.Error()
	case errors.Is(err, service.ErrRuleNotFound):
		return "rule not found"
	case errors.Is(err, service.ErrSchemaNotFound):
		return "schema attribute not found"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	default:
		return "internal server error"
	}
}

func writeSSEError(w http.ResponseWriter, flusher http.Flusher, message string) {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		payload = []byte(`{"error":"internal server error"}`)
	}
	_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	flusher.Flush()
}

func writeSSEEvent(w io.Writer, eventID int64, eventName string, payload []byte) error {
	dataLines := compactSSEPayload(payload)
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\n", eventID, eventName); err != nil {
		return err
	}

	for _, line := range dataLines {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}

	_, err := fmt.Fprint(w, "\n")
	return err
}

func compactSSEPayload(payload []byte) []string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err == nil {
		return []string{compact.String()}
	}

	lines := strings.Split(string(payload), "\n")
	if len(lines) == 0 {
		return []string{""}
	}

	return lines
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxJSONBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
