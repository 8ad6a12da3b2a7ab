package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// SendGrid sends HTML email through the v3 mail send API. The API answers 202
// when it accepts a message.
type SendGrid struct {
	Endpoint string
	APIKey   string
	From     string
	Timeout  time.Duration
	Client   *http.Client
	Logger   zerolog.Logger

	missing missingCredentials
}

func (p *SendGrid) Name() string { return "sendgrid" }

type sendGridAddress struct {
	Email string `json:"email"`
}

type sendGridRequest struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	Content          []sendGridContent         `json:"content"`
}

type sendGridPersonalization struct {
	To      []sendGridAddress `json:"to"`
	Subject string            `json:"subject"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func (p *SendGrid) Send(ctx context.Context, msg Message) error {
	if p.APIKey == "" {
		return p.missing.fail(p.Logger, p.Name(), "SENDGRID_API_KEY")
	}

	body, err := json.Marshal(sendGridRequest{
		Personalizations: []sendGridPersonalization{{
			To:      []sendGridAddress{{Email: msg.To}},
			Subject: msg.Subject,
		}},
		From:    sendGridAddress{Email: p.From},
		Content: []sendGridContent{{Type: "text/html", Value: msg.Body}},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := httpClient(p.Client, p.Timeout).Do(req)
	if err != nil {
		return record(p.Name(), fmt.Errorf("sendgrid: %w: %v", ErrUnavailable, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return record(p.Name(), fmt.Errorf("sendgrid: %w: %s %s", ErrRejected, resp.Status, bytes.TrimSpace(detail)))
	}
	return record(p.Name(), nil)
}
