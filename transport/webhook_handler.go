package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-syncpipe/core"
)

const defaultWebhookBodyLimit int64 = 1 << 20

var (
	defaultTopicHeaders       = []string{"X-Webhook-Topic", "X-Event-Type"}
	defaultIdempotencyHeaders = []string{"Idempotency-Key", "X-Idempotency-Key", "X-Webhook-Id"}
)

// Submitter accepts webhook deliveries. inbox.Inbox satisfies it.
type Submitter interface {
	Submit(ctx context.Context, event core.IncomingEvent) (core.SubmitResult, error)
}

// SourceConfig describes how to authenticate and read one webhook source.
type SourceConfig struct {
	Verifier          Verifier
	TopicHeader       string
	IdempotencyHeader string
	SignatureHeader   string
}

type WebhookHandler struct {
	Submitter Submitter
	// AllowUnknownSources accepts unverified deliveries for sources without
	// a registration.
	AllowUnknownSources bool
	MaxBodyBytes        int64
	Now                 func() time.Time
	Observer            core.Observer

	mu      sync.RWMutex
	sources map[string]SourceConfig
}

func NewWebhookHandler(submitter Submitter, maxBodyBytes int64) *WebhookHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultWebhookBodyLimit
	}
	return &WebhookHandler{
		Submitter:    submitter,
		MaxBodyBytes: maxBodyBytes,
		Now:          time.Now,
		sources:      map[string]SourceConfig{},
	}
}

func (h *WebhookHandler) RegisterSource(source string, cfg SourceConfig) error {
	source = normalizeSource(source)
	if source == "" {
		return fmt.Errorf("transport: webhook source is required")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sources == nil {
		h.sources = map[string]SourceConfig{}
	}
	h.sources[source] = cfg
	return nil
}

// Routes mounts the handler at POST /webhooks/{source}.
func (h *WebhookHandler) Routes(mux *http.ServeMux) {
	mux.Handle("POST /webhooks/{source}", h)
}

type submitResponse struct {
	Status         string   `json:"status"`
	EventID        string   `json:"event_id"`
	IdempotencyKey string   `json:"idempotency_key"`
	TaskIDs        []string `json:"task_ids"`
	Warning        string   `json:"warning,omitempty"`
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	startedAt := h.now()
	if h == nil || h.Submitter == nil {
		WriteError(w, transportError("transport: webhook submitter is not configured", goerrors.CategoryInternal, http.StatusInternalServerError, nil))
		return
	}
	if r.Method != http.MethodPost {
		WriteError(w, transportError("transport: webhook requires POST", goerrors.CategoryBadInput, http.StatusMethodNotAllowed, nil))
		return
	}
	source := normalizeSource(r.PathValue("source"))
	if source == "" {
		source = normalizeSource(lastPathSegment(r.URL.Path))
	}
	cfg, known := h.source(source)
	if !known && !h.AllowUnknownSources {
		WriteError(w, transportError(
			fmt.Sprintf("transport: webhook source %q is not registered", source),
			goerrors.CategoryNotFound,
			http.StatusNotFound,
			map[string]any{"source": source},
		))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, transportError(
				fmt.Sprintf("transport: webhook body exceeds %d bytes", h.MaxBodyBytes),
				goerrors.CategoryBadInput,
				http.StatusRequestEntityTooLarge,
				map[string]any{"source": source},
			))
			return
		}
		WriteError(w, transportWrapError(err, goerrors.CategoryBadInput, "transport: read webhook body", http.StatusBadRequest, nil))
		return
	}

	headers := flattenHeaders(r.Header)
	if cfg.Verifier != nil {
		if err := cfg.Verifier.Verify(r.Context(), WebhookRequest{Source: source, Headers: headers, Body: body}); err != nil {
			h.Observer.ObserveOperation(r.Context(), startedAt, "transport.webhook", err, map[string]any{"source": source})
			WriteError(w, err)
			return
		}
	}

	event := core.IncomingEvent{
		Source:         source,
		Topic:          firstHeader(headers, cfg.TopicHeader, defaultTopicHeaders...),
		Payload:        body,
		IdempotencyKey: firstHeader(headers, cfg.IdempotencyHeader, defaultIdempotencyHeaders...),
		Signature:      firstHeader(headers, cfg.SignatureHeader),
		Headers:        headers,
		ReceivedAt:     startedAt,
	}
	if event.Topic == "" {
		event.Topic = strings.TrimSpace(r.URL.Query().Get("topic"))
	}

	result, err := h.Submitter.Submit(r.Context(), event)
	h.Observer.ObserveOperation(r.Context(), startedAt, "transport.webhook", err, map[string]any{
		"source":  source,
		"topic":   event.Topic,
		"outcome": string(result.Status),
	})
	if err != nil {
		WriteError(w, err)
		return
	}

	status := http.StatusAccepted
	if result.Duplicate() {
		status = http.StatusOK
	}
	taskIDs := result.TaskIDs
	if taskIDs == nil {
		taskIDs = []string{}
	}
	writeJSON(w, status, submitResponse{
		Status:         string(result.Status),
		EventID:        result.EventID,
		IdempotencyKey: result.IdempotencyKey,
		TaskIDs:        taskIDs,
		Warning:        result.Warning,
	})
}

func (h *WebhookHandler) source(source string) (SourceConfig, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cfg, ok := h.sources[source]
	return cfg, ok
}

func (h *WebhookHandler) now() time.Time {
	if h != nil && h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}

func firstHeader(headers map[string]string, preferred string, fallbacks ...string) string {
	if preferred = strings.TrimSpace(preferred); preferred != "" {
		if value := headerValue(headers, preferred); value != "" {
			return value
		}
	}
	for _, key := range fallbacks {
		if value := headerValue(headers, key); value != "" {
			return value
		}
	}
	return ""
}

func flattenHeaders(headers http.Header) map[string]string {
	if len(headers) == 0 {
		return map[string]string{}
	}
	flat := make(map[string]string, len(headers))
	for key, values := range headers {
		if len(values) == 0 {
			flat[key] = ""
			continue
		}
		flat[key] = strings.Join(values, ",")
	}
	return flat
}

func normalizeSource(source string) string {
	return strings.TrimSpace(strings.ToLower(source))
}

func lastPathSegment(path string) string {
	path = strings.Trim(strings.TrimSpace(path), "/")
	if index := strings.LastIndex(path, "/"); index >= 0 {
		return path[index+1:]
	}
	return path
}
