package transport

import (
	"context"
	"fmt"

	"github.com/mrz1836/postmark"
	"github.com/rs/zerolog"
)

// Postmark sends HTML email through Postmark's transactional API. A response
// with a non-zero ErrorCode is a rejection.
type Postmark struct {
	client  *postmark.Client
	from    string
	logger  zerolog.Logger
	missing missingCredentials
}

func NewPostmark(serverToken, accountToken, from string, logger zerolog.Logger) *Postmark {
	p := &Postmark{from: from, logger: logger}
	if serverToken != "" {
		p.client = postmark.NewClient(serverToken, accountToken)
	}
	return p
}

func (p *Postmark) Name() string { return "postmark" }

func (p *Postmark) Send(ctx context.Context, msg Message) error {
	if p.client == nil {
		return p.missing.fail(p.logger, p.Name(), "POSTMARK_SERVER_TOKEN")
	}

	resp, err := p.client.SendEmail(ctx, postmark.Email{
		From:       p.from,
		To:         msg.To,
		Subject:    msg.Subject,
		HTMLBody:   msg.Body,
		TrackOpens: true,
	})
	if err != nil {
		return record(p.Name(), fmt.Errorf("postmark: %w: %v", ErrUnavailable, err))
	}
	if resp.ErrorCode != 0 {
		return record(p.Name(), fmt.Errorf("postmark: %w: %d %s", ErrRejected, resp.ErrorCode, resp.Message))
	}
	return record(p.Name(), nil)
}
