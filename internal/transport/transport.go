// Package transport delivers rendered notifications through external email and
// SMS providers.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	// ErrRejected means the provider answered but did not accept the message.
	ErrRejected = errors.New("rejected by provider")
	// ErrUnavailable means the provider could not be reached.
	ErrUnavailable = errors.New("provider unavailable")
	// ErrNotConfigured means the provider has no credentials. It is permanent.
	ErrNotConfigured = errors.New("provider not configured")
)

var sendCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "transport_sends_total",
	Help: "Provider send attempts by outcome",
}, []string{"provider", "outcome"})

// Message is a rendered notification ready for a provider. Subject is only
// used by email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender hands a message to one provider. A nil error means the provider
// accepted it for delivery.
type Sender interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Failover tries each provider in order and stops at the first one that
// accepts the message.
type Failover struct {
	Providers []Sender
	Logger    zerolog.Logger
}

func (f *Failover) Name() string { return "failover" }

func (f *Failover) Send(ctx context.Context, msg Message) error {
	if len(f.Providers) == 0 {
		return ErrNotConfigured
	}
	var errs []error
	for _, p := range f.Providers {
		err := p.Send(ctx, msg)
		if err == nil {
			return nil
		}
		f.Logger.Warn().Err(err).Str("provider", p.Name()).Msg("provider send failed")
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// missingCredentials logs the absence of a provider's credentials once and
// reports ErrNotConfigured on every call.
type missingCredentials struct {
	once sync.Once
}

func (m *missingCredentials) fail(logger zerolog.Logger, provider, setting string) error {
	m.once.Do(func() {
		logger.Error().Str("provider", provider).Msgf("%s not configured", setting)
	})
	sendCounter.WithLabelValues(provider, "not_configured").Inc()
	return fmt.Errorf("%s: %w", provider, ErrNotConfigured)
}

func httpClient(c *http.Client, timeout time.Duration) *http.Client {
	if c != nil {
		return c
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func record(provider string, err error) error {
	outcome := "accepted"
	switch {
	case err == nil:
	case errors.Is(err, ErrRejected):
		outcome = "rejected"
	default:
		outcome = "unavailable"
	}
	sendCounter.WithLabelValues(provider, outcome).Inc()
	return err
}
