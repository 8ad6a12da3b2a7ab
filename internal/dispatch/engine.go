// Package dispatch fans an application event out into one ledger record per
// channel and delivers each record in the background.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/example/notification-dispatch/internal/common"
	"github.com/example/notification-dispatch/internal/directory"
	"github.com/example/notification-dispatch/internal/events"
	"github.com/example/notification-dispatch/internal/ledger"
	"github.com/example/notification-dispatch/internal/templates"
	"github.com/example/notification-dispatch/internal/transport"
)

var ErrInvalidRequest = errors.New("invalid dispatch request")

const (
	reasonNoEmail = "No Email"
	reasonNoPhone = "No Phone"

	defaultPublishTimeout = 5 * time.Second
)

var (
	dispatchCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_requests_total",
		Help: "Dispatch calls by event and outcome",
	}, []string{"event", "outcome"})
	deliveryCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_deliveries_total",
		Help: "Finished channel deliveries by status",
	}, []string{"channel", "status"})
	deliveryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_delivery_duration_seconds",
		Help:    "Time from launch to ledger update of a channel delivery",
		Buckets: prometheus.DefBuckets,
	}, []string{"channel"})
)

type Request struct {
	UserID         string
	Event          events.Event
	Payload        map[string]any
	IdempotencyKey string
}

// Result describes the records a dispatch call persisted. Channels whose dedup
// key already existed are listed in Skipped and are not delivered again.
type Result struct {
	BaseKey string
	Created []ledger.Channel
	Skipped []ledger.Channel
}

// Engine wires the registry, templates, ledger and transports together. Email
// and SMS may be nil, in which case those channels fail at delivery time.
type Engine struct {
	Ledger    ledger.Store
	Directory directory.Directory
	Templates *templates.Resolver
	Email     transport.Sender
	SMS       transport.Sender
	Publisher StatusPublisher
	Logger    zerolog.Logger
	Clock     func() time.Time
	// PublishTimeout bounds each status event write. Zero means 5s.
	PublishTimeout time.Duration

	mu       sync.RWMutex
	closing  bool
	inflight sync.WaitGroup
}

// Dispatch validates the event, persists one pending record per channel and
// launches their deliveries. It returns once the records are stored; delivery
// outcomes only ever reach the ledger.
func (e *Engine) Dispatch(ctx context.Context, req Request) (Result, error) {
	ctx, span := otel.Tracer("dispatch").Start(ctx, "dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("event", string(req.Event)), attribute.String("user.id", req.UserID))
	logger := common.WithContext(ctx, e.Logger).With().
		Str("user_id", req.UserID).
		Str("event", string(req.Event)).
		Logger()

	if req.UserID == "" {
		return Result{}, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	cfg, err := events.Lookup(req.Event)
	if err != nil {
		dispatchCounter.WithLabelValues("unknown", "unknown_event").Inc()
		return Result{}, err
	}

	contact, err := e.Directory.Contact(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, directory.ErrUserNotFound) {
			logger.Warn().Msg("recipient not found, nothing dispatched")
			dispatchCounter.WithLabelValues(string(req.Event), "user_not_found").Inc()
			return Result{}, err
		}
		span.RecordError(err)
		dispatchCounter.WithLabelValues(string(req.Event), "error").Inc()
		return Result{}, fmt.Errorf("lookup recipient: %w", err)
	}

	now := e.now()
	base := req.IdempotencyKey
	if base == "" {
		base = fmt.Sprintf("%s_%s_%d", req.UserID, req.Event, now.UnixMilli())
	}
	records := buildRecords(req, cfg, e.Templates.Resolve(req.Event), base, now)

	created := make([]bool, len(records))
	var g errgroup.Group
	for i := range records {
		i := i
		g.Go(func() error {
			ok, err := e.Ledger.Create(ctx, records[i])
			if err != nil {
				return fmt.Errorf("create %s record: %w", records[i].Channel, err)
			}
			if !ok {
				logger.Info().Str("dedup_key", records[i].DedupKey).Msg("notification already exists, skipping")
			}
			created[i] = ok
			return nil
		})
	}
	createErr := g.Wait()

	res := Result{BaseKey: base}
	for i, rec := range records {
		if !created[i] {
			res.Skipped = append(res.Skipped, rec.Channel)
			continue
		}
		res.Created = append(res.Created, rec.Channel)
		e.launch(ctx, rec, contact)
	}

	if createErr != nil {
		span.RecordError(createErr)
		span.SetStatus(codes.Error, "ledger create failed")
		dispatchCounter.WithLabelValues(string(req.Event), "error").Inc()
		return res, createErr
	}
	dispatchCounter.WithLabelValues(string(req.Event), "accepted").Inc()
	logger.Info().Int("created", len(res.Created)).Int("skipped", len(res.Skipped)).Msg("notification dispatched")
	return res, nil
}

// Wait blocks until every launched delivery has updated the ledger. It must not
// run concurrently with Dispatch; use Close for that.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

// Close stops launching background deliveries and waits for the running ones.
// Dispatch calls that still arrive deliver inline before returning.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closing = true
	e.mu.Unlock()
	e.inflight.Wait()
}

func (e *Engine) now() time.Time {
	if e.Clock != nil {
		return e.Clock().UTC().Truncate(time.Millisecond)
	}
	return ledger.Now()
}

func buildRecords(req Request, cfg events.Config, set templates.Set, base string, now time.Time) []ledger.Record {
	records := make([]ledger.Record, 0, len(ledger.Channels))
	for _, ch := range ledger.Channels {
		tpl := templateFor(set, ch)
		records = append(records, ledger.Record{
			ID:        uuid.NewString(),
			UserID:    req.UserID,
			Event:     req.Event,
			Channel:   ch,
			Class:     cfg.Class,
			Title:     templates.Render(tpl.Subject, req.Payload),
			Message:   templates.Render(tpl.Body, req.Payload),
			Priority:  cfg.Priority,
			Status:    ledger.StatusPending,
			DedupKey:  base + "_" + string(ch),
			Metadata:  req.Payload,
			CreatedAt: now,
		})
	}
	return records
}

func templateFor(set templates.Set, ch ledger.Channel) templates.Template {
	switch ch {
	case ledger.ChannelEmail:
		return set.Email
	case ledger.ChannelSMS:
		return set.SMS
	default:
		return set.InApp
	}
}

// launch starts the delivery of rec detached from the caller's cancellation.
func (e *Engine) launch(ctx context.Context, rec ledger.Record, contact directory.Contact) {
	ctx = context.WithoutCancel(ctx)
	e.mu.RLock()
	if e.closing {
		e.mu.RUnlock()
		e.deliver(ctx, rec, contact)
		return
	}
	e.inflight.Add(1)
	e.mu.RUnlock()
	go func() {
		defer e.inflight.Done()
		e.deliver(ctx, rec, contact)
	}()
}

func (e *Engine) deliver(ctx context.Context, rec ledger.Record, contact directory.Contact) {
	ctx, span := otel.Tracer("dispatch").Start(ctx, "deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("notification.id", rec.ID),
		attribute.String("channel", string(rec.Channel)),
	)
	logger := common.WithContext(ctx, e.Logger).With().
		Str("notification_id", rec.ID).
		Str("channel", string(rec.Channel)).
		Str("dedup_key", rec.DedupKey).
		Logger()
	start := time.Now()

	status, reason := e.attempt(ctx, rec, contact)
	if status == ledger.StatusFailed {
		span.SetStatus(codes.Error, reason)
		logger.Warn().Str("reason", reason).Msg("delivery failed")
	}

	if err := e.Ledger.UpdateStatus(ctx, rec.ID, status, reason); err != nil {
		span.RecordError(err)
		if errors.Is(err, ledger.ErrNotFound) {
			logger.Warn().Msg("record vanished before status update")
		} else {
			logger.Error().Err(err).Str("status", string(status)).Msg("failed to update delivery status")
		}
		return
	}
	deliveryCounter.WithLabelValues(string(rec.Channel), string(status)).Inc()
	deliveryLatency.WithLabelValues(string(rec.Channel)).Observe(time.Since(start).Seconds())

	if e.Publisher == nil {
		return
	}
	evt := StatusEvent{
		NotificationID: rec.ID,
		UserID:         rec.UserID,
		Event:          string(rec.Event),
		Channel:        string(rec.Channel),
		Status:         string(status),
		ErrorMessage:   reason,
		EmittedAt:      time.Now().UTC(),
	}
	timeout := e.PublishTimeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	pubCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := e.Publisher.Publish(pubCtx, evt); err != nil {
		logger.Warn().Err(err).Msg("failed to publish status event")
	}
}

// attempt performs the channel send and maps the outcome to a terminal status
// and, for failures, a reason.
func (e *Engine) attempt(ctx context.Context, rec ledger.Record, contact directory.Contact) (ledger.Status, string) {
	var (
		sender transport.Sender
		msg    transport.Message
	)
	switch rec.Channel {
	case ledger.ChannelInApp:
		return ledger.StatusSent, ""
	case ledger.ChannelEmail:
		if contact.Email == "" {
			return ledger.StatusFailed, reasonNoEmail
		}
		sender = e.Email
		msg = transport.Message{To: contact.Email, Subject: rec.Title, Body: rec.Message}
	case ledger.ChannelSMS:
		if contact.PhoneNumber == "" {
			return ledger.StatusFailed, reasonNoPhone
		}
		sender = e.SMS
		msg = transport.Message{To: contact.PhoneNumber, Body: rec.Message}
	default:
		return ledger.StatusFailed, fmt.Sprintf("unsupported channel %q", rec.Channel)
	}
	if sender == nil {
		return ledger.StatusFailed, fmt.Sprintf("no %s transport configured", rec.Channel)
	}

	if err := safeSend(ctx, sender, msg); err != nil {
		return ledger.StatusFailed, err.Error()
	}
	return ledger.StatusSent, ""
}

func safeSend(ctx context.Context, sender transport.Sender, msg transport.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", sender.Name(), r)
		}
	}()
	return sender.Send(ctx, msg)
}
