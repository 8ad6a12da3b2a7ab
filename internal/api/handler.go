// Package api exposes the dispatch engine and the notification ledger over
// HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/notification-dispatch/internal/common"
	"github.com/example/notification-dispatch/internal/directory"
	"github.com/example/notification-dispatch/internal/dispatch"
	"github.com/example/notification-dispatch/internal/events"
	"github.com/example/notification-dispatch/internal/ledger"
)

const (
	defaultLimit = 50
	maxLimit     = 100
)

const (
	codeValidation   = "VALIDATION_ERROR"
	codeInvalidEvent = "INVALID_EVENT_TYPE"
	codeUserNotFound = "USER_NOT_FOUND"
	codeNotFound     = "NOT_FOUND"
	codeSend         = "SEND_ERROR"
	codeFetch        = "FETCH_ERROR"
	codeUpdate       = "UPDATE_ERROR"
	codeUnavailable  = "UNAVAILABLE"

	codeMethodNotAllowed = "METHOD_NOT_ALLOWED"
)

var (
	reqCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "api_requests_total",
		Help: "HTTP requests by route and response code",
	}, []string{"route", "code"})
	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "api_request_duration_seconds",
		Help:    "Latency of HTTP requests by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

type SendRequest struct {
	UserID         string         `json:"userId"`
	Event          string         `json:"event"`
	Payload        map[string]any `json:"payload"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
}

type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Message string     `json:"message,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

type Handler struct {
	dispatcher dispatch.Dispatcher
	ledger     ledger.Store
	checks     []func(context.Context) error
	origins    []string
	tracer     trace.Tracer
	logger     zerolog.Logger
}

// NewHandler builds the HTTP surface. Besides the ledger ping, /health runs
// every extra check given.
func NewHandler(dispatcher dispatch.Dispatcher, store ledger.Store, logger zerolog.Logger, checks ...func(context.Context) error) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		ledger:     store,
		checks:     checks,
		tracer:     otel.Tracer("api"),
		logger:     logger,
	}
}

// WithCORS allows browser calls from the given origins ("*" for any).
func (h *Handler) WithCORS(origins []string) *Handler {
	h.origins = origins
	return h
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(h.origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: h.origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
			MaxAge:         300,
		}))
	}
	r.NotFound(h.notFound)
	r.MethodNotAllowed(h.methodNotAllowed)

	r.Get("/health", h.health)
	r.Route("/v1/notifications", func(r chi.Router) {
		r.Post("/send", h.send)
		r.Get("/", h.list)
		r.Get("/unread-count", h.unreadCount)
		r.Get("/{id}", h.get)
		r.Put("/{id}/read", h.markRead)
	})
	return r
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "send")
	defer span.End()
	defer observe("send", time.Now())

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondErr(ctx, w, "send", http.StatusBadRequest, codeValidation, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.UserID == "" || req.Event == "" || req.Payload == nil {
		h.respondErr(ctx, w, "send", http.StatusBadRequest, codeValidation,
			errors.New("missing required fields: userId, event, and payload are required"))
		return
	}
	event, err := events.Parse(req.Event)
	if err != nil {
		h.respondErr(ctx, w, "send", http.StatusBadRequest, codeInvalidEvent, invalidEventError())
		return
	}
	span.SetAttributes(attribute.String("event", req.Event), attribute.String("user.id", req.UserID))

	res, err := h.dispatcher.Dispatch(ctx, dispatch.Request{
		UserID:         req.UserID,
		Event:          event,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
	})
	switch {
	case errors.Is(err, directory.ErrUserNotFound):
		h.respondErr(ctx, w, "send", http.StatusNotFound, codeUserNotFound, err)
		return
	case errors.Is(err, dispatch.ErrInvalidRequest):
		h.respondErr(ctx, w, "send", http.StatusBadRequest, codeValidation, err)
		return
	case err != nil:
		h.respondErr(ctx, w, "send", http.StatusInternalServerError, codeSend, err)
		return
	}

	h.respond(w, "send", http.StatusOK, envelope{
		Success: true,
		Data: map[string]any{
			"userId":  req.UserID,
			"event":   req.Event,
			"status":  "processing",
			"baseKey": res.BaseKey,
			"created": res.Created,
			"skipped": res.Skipped,
		},
		Message: "Notification sent successfully",
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "list")
	defer span.End()
	defer observe("list", time.Now())

	q := r.URL.Query()
	userID := q.Get("userId")
	if userID == "" {
		h.respondErr(ctx, w, "list", http.StatusBadRequest, codeValidation, errors.New("userId parameter is required"))
		return
	}
	limit, err := intParam(q.Get("limit"), defaultLimit, 1)
	if err != nil {
		h.respondErr(ctx, w, "list", http.StatusBadRequest, codeValidation, fmt.Errorf("limit: %w", err))
		return
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	offset, err := intParam(q.Get("offset"), 0, 0)
	if err != nil {
		h.respondErr(ctx, w, "list", http.StatusBadRequest, codeValidation, fmt.Errorf("offset: %w", err))
		return
	}

	records, err := h.ledger.FindByUser(ctx, userID, limit, offset)
	if err != nil {
		h.respondErr(ctx, w, "list", http.StatusInternalServerError, codeFetch, err)
		return
	}
	if records == nil {
		records = []ledger.Record{}
	}
	h.respond(w, "list", http.StatusOK, envelope{
		Success: true,
		Data:    map[string]any{"notifications": records, "count": len(records)},
	})
}

func (h *Handler) unreadCount(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "unread_count")
	defer span.End()
	defer observe("unread_count", time.Now())

	userID := r.URL.Query().Get("userId")
	if userID == "" {
		h.respondErr(ctx, w, "unread_count", http.StatusBadRequest, codeValidation, errors.New("userId parameter is required"))
		return
	}
	n, err := h.ledger.CountUnread(ctx, userID)
	if err != nil {
		h.respondErr(ctx, w, "unread_count", http.StatusInternalServerError, codeFetch, err)
		return
	}
	h.respond(w, "unread_count", http.StatusOK, envelope{
		Success: true,
		Data:    map[string]any{"userId": userID, "unread": n},
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "get")
	defer span.End()
	defer observe("get", time.Now())

	id := chi.URLParam(r, "id")
	rec, err := h.ledger.FindByID(ctx, id)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		h.respondErr(ctx, w, "get", http.StatusNotFound, codeNotFound, errors.New("notification not found"))
		return
	case err != nil:
		h.respondErr(ctx, w, "get", http.StatusInternalServerError, codeFetch, err)
		return
	}
	h.respond(w, "get", http.StatusOK, envelope{Success: true, Data: rec})
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "mark_read")
	defer span.End()
	defer observe("mark_read", time.Now())

	id := chi.URLParam(r, "id")
	rec, err := h.ledger.MarkAsRead(ctx, id)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		h.respondErr(ctx, w, "mark_read", http.StatusNotFound, codeNotFound, errors.New("notification not found"))
		return
	case err != nil:
		h.respondErr(ctx, w, "mark_read", http.StatusInternalServerError, codeUpdate, err)
		return
	}
	h.respond(w, "mark_read", http.StatusOK, envelope{
		Success: true,
		Data:    map[string]any{"id": rec.ID, "isRead": rec.IsRead, "readAt": rec.ReadAt},
		Message: "Notification marked as read",
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.ledger.Ping(ctx); err != nil {
		h.respondErr(ctx, w, "health", http.StatusServiceUnavailable, codeUnavailable, fmt.Errorf("ledger: %w", err))
		return
	}
	for _, check := range h.checks {
		if err := check(ctx); err != nil {
			h.respondErr(ctx, w, "health", http.StatusServiceUnavailable, codeUnavailable, err)
			return
		}
	}
	h.respond(w, "health", http.StatusOK, envelope{
		Success: true,
		Data:    map[string]any{"status": "ok", "timestamp": time.Now().UTC()},
	})
}

func (h *Handler) notFound(w http.ResponseWriter, r *http.Request) {
	h.respondErr(r.Context(), w, "unmatched", http.StatusNotFound, codeNotFound,
		fmt.Errorf("route %s %s not found", r.Method, r.URL.Path))
}

func (h *Handler) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.respondErr(r.Context(), w, "unmatched", http.StatusMethodNotAllowed, codeMethodNotAllowed,
		fmt.Errorf("method %s not allowed on %s", r.Method, r.URL.Path))
}

func (h *Handler) respond(w http.ResponseWriter, route string, status int, body envelope) {
	reqCounter.WithLabelValues(route, strconv.Itoa(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) respondErr(ctx context.Context, w http.ResponseWriter, route string, status int, code string, err error) {
	logger := common.WithContext(ctx, h.logger)
	evt := logger.Warn()
	if status >= http.StatusInternalServerError {
		evt = logger.Error()
	}
	evt.Err(err).Str("route", route).Int("status", status).Str("code", code).Msg("request failed")
	trace.SpanFromContext(ctx).RecordError(err)
	h.respond(w, route, status, envelope{Error: &errorBody{Message: err.Error(), Code: code}})
}

func observe(route string, start time.Time) {
	requestLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
}

func intParam(raw string, fallback, floor int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%q is not an integer", raw)
	}
	if n < floor {
		return 0, fmt.Errorf("must be at least %d", floor)
	}
	return n, nil
}

func invalidEventError() error {
	all := events.All()
	names := make([]string, len(all))
	for i, e := range all {
		names[i] = string(e)
	}
	return fmt.Errorf("invalid event type, must be one of: %s", strings.Join(names, ", "))
}
