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

// Termii sends plain SMS through the Termii gateway. A message is accepted
// when the response carries a message_id.
type Termii struct {
	Endpoint string
	APIKey   string
	SenderID string
	Timeout  time.Duration
	Client   *http.Client
	Logger   zerolog.Logger

	missing missingCredentials
}

func (p *Termii) Name() string { return "termii" }

type termiiRequest struct {
	To      string `json:"to"`
	From    string `json:"from"`
	SMS     string `json:"sms"`
	Type    string `json:"type"`
	Channel string `json:"channel"`
	APIKey  string `json:"api_key"`
}

type termiiResponse struct {
	MessageID json.RawMessage `json:"message_id"`
	Message   string          `json:"message"`
}

func (r termiiResponse) accepted() bool {
	id := bytes.TrimSpace(r.MessageID)
	return len(id) > 0 && !bytes.Equal(id, []byte("null")) && !bytes.Equal(id, []byte(`""`))
}

func (p *Termii) Send(ctx context.Context, msg Message) error {
	if p.APIKey == "" {
		return p.missing.fail(p.Logger, p.Name(), "TERMII_API_KEY")
	}

	body, err := json.Marshal(termiiRequest{
		To:      msg.To,
		From:    p.SenderID,
		SMS:     msg.Body,
		Type:    "plain",
		Channel: "dnd",
		APIKey:  p.APIKey,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint+"/api/sms/send", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient(p.Client, p.Timeout).Do(req)
	if err != nil {
		return record(p.Name(), fmt.Errorf("termii: %w: %v", ErrUnavailable, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return record(p.Name(), fmt.Errorf("termii: %w: read response: %v", ErrUnavailable, err))
	}
	var out termiiResponse
	if err := json.Unmarshal(raw, &out); err != nil || !out.accepted() {
		detail := out.Message
		if detail == "" {
			detail = string(bytes.TrimSpace(raw))
		}
		return record(p.Name(), fmt.Errorf("termii: %w: %s %s", ErrRejected, resp.Status, detail))
	}
	return record(p.Name(), nil)
}
