package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendGridAccepted(t *testing.T) {
	var got sendGridRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/mail/send", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := &SendGrid{Endpoint: srv.URL, APIKey: "key", From: "noreply@example.com"}
	err := p.Send(context.Background(), Message{To: "ada@example.com", Subject: "Hi", Body: "<p>Hi</p>"})
	require.NoError(t, err)

	require.Len(t, got.Personalizations, 1)
	assert.Equal(t, "ada@example.com", got.Personalizations[0].To[0].Email)
	assert.Equal(t, "Hi", got.Personalizations[0].Subject)
	assert.Equal(t, "noreply@example.com", got.From.Email)
	assert.Equal(t, []sendGridContent{{Type: "text/html", Value: "<p>Hi</p>"}}, got.Content)
}

func TestSendGridRejectsNon202(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusBadRequest, http.StatusInternalServerError} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"errors":[{"message":"nope"}]}`))
		}))

		p := &SendGrid{Endpoint: srv.URL, APIKey: "key"}
		err := p.Send(context.Background(), Message{To: "ada@example.com"})
		assert.ErrorIs(t, err, ErrRejected, "status %d", status)
		assert.Contains(t, err.Error(), "nope")
		srv.Close()
	}
}

func TestSendGridUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	p := &SendGrid{Endpoint: srv.URL, APIKey: "key"}
	err := p.Send(context.Background(), Message{To: "ada@example.com"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestMissingCredentialsLoggedOnce(t *testing.T) {
	var buf bytes.Buffer
	p := &SendGrid{Endpoint: "http://unused", Logger: zerolog.New(&buf)}

	for i := 0; i < 3; i++ {
		err := p.Send(context.Background(), Message{To: "ada@example.com"})
		assert.ErrorIs(t, err, ErrNotConfigured)
	}
	assert.Equal(t, 1, strings.Count(buf.String(), "SENDGRID_API_KEY not configured"))
}

func TestPostmarkWithoutToken(t *testing.T) {
	p := NewPostmark("", "", "noreply@example.com", zerolog.Nop())
	err := p.Send(context.Background(), Message{To: "ada@example.com"})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestTermii(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{name: "message id", status: http.StatusOK, body: `{"message_id":"3017544054459493","message":"Successfully Sent"}`},
		{name: "numeric id", status: http.StatusOK, body: `{"message_id":3017544054459493}`},
		{name: "no id", status: http.StatusOK, body: `{"message":"Insufficient balance"}`, wantErr: ErrRejected},
		{name: "empty id", status: http.StatusOK, body: `{"message_id":""}`, wantErr: ErrRejected},
		{name: "not json", status: http.StatusBadGateway, body: `bad gateway`, wantErr: ErrRejected},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got termiiRequest
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/sms/send", r.URL.Path)
				_ = json.NewDecoder(r.Body).Decode(&got)
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			p := &Termii{Endpoint: srv.URL, APIKey: "key", SenderID: "Notify"}
			err := p.Send(context.Background(), Message{To: "2348000000000", Body: "Booking confirmed"})
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, termiiRequest{
				To: "2348000000000", From: "Notify", SMS: "Booking confirmed",
				Type: "plain", Channel: "dnd", APIKey: "key",
			}, got)
		})
	}
}

type stubSender struct {
	name  string
	err   error
	calls int
}

func (s *stubSender) Name() string { return s.name }

func (s *stubSender) Send(context.Context, Message) error {
	s.calls++
	return s.err
}

func TestFailoverStopsAtFirstAcceptance(t *testing.T) {
	first := &stubSender{name: "a", err: ErrRejected}
	second := &stubSender{name: "b"}
	third := &stubSender{name: "c"}
	f := &Failover{Providers: []Sender{first, second, third}, Logger: zerolog.Nop()}

	require.NoError(t, f.Send(context.Background(), Message{}))
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
	assert.Equal(t, 0, third.calls)
}

func TestFailoverJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	f := &Failover{Providers: []Sender{
		&stubSender{name: "a", err: ErrNotConfigured},
		&stubSender{name: "b", err: boom},
	}, Logger: zerolog.Nop()}

	err := f.Send(context.Background(), Message{})
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.ErrorIs(t, err, boom)

	assert.ErrorIs(t, (&Failover{}).Send(context.Background(), Message{}), ErrNotConfigured)
}
