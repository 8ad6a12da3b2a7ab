package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/notification-dispatch/internal/directory"
	"github.com/example/notification-dispatch/internal/dispatch"
	"github.com/example/notification-dispatch/internal/events"
	"github.com/example/notification-dispatch/internal/ledger"
)

type stubDispatcher struct {
	got dispatch.Request
	err error
}

func (d *stubDispatcher) Dispatch(_ context.Context, req dispatch.Request) (dispatch.Result, error) {
	d.got = req
	if d.err != nil {
		return dispatch.Result{}, d.err
	}
	return dispatch.Result{BaseKey: "base", Created: ledger.Channels}, nil
}

type downStore struct {
	*ledger.MemoryStore
}

func (downStore) Ping(context.Context) error { return errors.New("no reachable servers") }

type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *errorBody      `json:"error"`
}

func do(t *testing.T, h http.Handler, method, target, body string) (int, response) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec.Code, out
}

func seed(t *testing.T, store *ledger.MemoryStore, n int) []ledger.Record {
	t.Helper()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]ledger.Record, 0, n)
	for i := 0; i < n; i++ {
		rec := ledger.Record{
			ID:        "n" + string(rune('a'+i)),
			UserID:    "u1",
			Event:     events.UserSignup,
			Channel:   ledger.ChannelInApp,
			Status:    ledger.StatusSent,
			DedupKey:  "k" + string(rune('a'+i)),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		ok, err := store.Create(context.Background(), rec)
		require.NoError(t, err)
		require.True(t, ok)
		out = append(out, rec)
	}
	return out
}

func TestSend(t *testing.T) {
	d := &stubDispatcher{}
	h := NewHandler(d, ledger.NewMemoryStore(), zerolog.Nop()).Router()

	code, body := do(t, h, http.MethodPost, "/v1/notifications/send",
		`{"userId":"u1","event":"payment_failed","payload":{"failureReason":"card declined"},"idempotencyKey":"pay-9"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, body.Success)

	var data map[string]any
	require.NoError(t, json.Unmarshal(body.Data, &data))
	assert.Equal(t, "processing", data["status"])
	assert.Equal(t, "u1", data["userId"])
	assert.Equal(t, events.PaymentFailed, d.got.Event)
	assert.Equal(t, "pay-9", d.got.IdempotencyKey)
	assert.Equal(t, "card declined", d.got.Payload["failureReason"])
}

func TestSendErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
		wantErr  string
	}{
		{name: "malformed body", body: `{`, wantCode: http.StatusBadRequest, wantErr: codeValidation},
		{name: "missing user", body: `{"event":"user_signup","payload":{}}`, wantCode: http.StatusBadRequest, wantErr: codeValidation},
		{name: "missing payload", body: `{"userId":"u1","event":"user_signup"}`, wantCode: http.StatusBadRequest, wantErr: codeValidation},
		{name: "unknown event", body: `{"userId":"u1","event":"nonexistent_event","payload":{}}`, wantCode: http.StatusBadRequest, wantErr: codeInvalidEvent},
		{name: "unknown user", body: `{"userId":"ghost","event":"user_signup","payload":{}}`, err: directory.ErrUserNotFound, wantCode: http.StatusNotFound, wantErr: codeUserNotFound},
		{name: "ledger down", body: `{"userId":"u1","event":"user_signup","payload":{}}`, err: errors.New("create email record: timeout"), wantCode: http.StatusInternalServerError, wantErr: codeSend},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHandler(&stubDispatcher{err: tc.err}, ledger.NewMemoryStore(), zerolog.Nop()).Router()
			code, body := do(t, h, http.MethodPost, "/v1/notifications/send", tc.body)
			assert.Equal(t, tc.wantCode, code)
			assert.False(t, body.Success)
			require.NotNil(t, body.Error)
			assert.Equal(t, tc.wantErr, body.Error.Code)
		})
	}
}

func TestUnknownEventListsValidEvents(t *testing.T) {
	h := NewHandler(&stubDispatcher{}, ledger.NewMemoryStore(), zerolog.Nop()).Router()
	_, body := do(t, h, http.MethodPost, "/v1/notifications/send", `{"userId":"u1","event":"bogus","payload":{}}`)
	require.NotNil(t, body.Error)
	assert.Contains(t, body.Error.Message, "booking_confirmation")
	assert.Contains(t, body.Error.Message, "user_login")
}

func TestList(t *testing.T) {
	store := ledger.NewMemoryStore()
	seeded := seed(t, store, 5)
	h := NewHandler(&stubDispatcher{}, store, zerolog.Nop()).Router()

	code, body := do(t, h, http.MethodGet, "/v1/notifications?userId=u1&limit=2&offset=1", "")
	require.Equal(t, http.StatusOK, code)

	var data struct {
		Notifications []ledger.Record `json:"notifications"`
		Count         int             `json:"count"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &data))
	assert.Equal(t, 2, data.Count)
	require.Len(t, data.Notifications, 2)
	assert.Equal(t, seeded[3].ID, data.Notifications[0].ID)
	assert.Equal(t, seeded[2].ID, data.Notifications[1].ID)

	code, body = do(t, h, http.MethodGet, "/v1/notifications?userId=nobody", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"notifications":[],"count":0}`, string(body.Data))
}

func TestListValidation(t *testing.T) {
	h := NewHandler(&stubDispatcher{}, ledger.NewMemoryStore(), zerolog.Nop()).Router()

	for _, target := range []string{
		"/v1/notifications",
		"/v1/notifications?userId=u1&limit=abc",
		"/v1/notifications?userId=u1&limit=0",
		"/v1/notifications?userId=u1&offset=-1",
	} {
		code, body := do(t, h, http.MethodGet, target, "")
		assert.Equal(t, http.StatusBadRequest, code, target)
		require.NotNil(t, body.Error, target)
		assert.Equal(t, codeValidation, body.Error.Code, target)
	}
}

func TestListClampsLimit(t *testing.T) {
	store := ledger.NewMemoryStore()
	seed(t, store, 3)
	h := NewHandler(&stubDispatcher{}, store, zerolog.Nop()).Router()

	code, _ := do(t, h, http.MethodGet, "/v1/notifications?userId=u1&limit=1000", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestGetAndMarkRead(t *testing.T) {
	store := ledger.NewMemoryStore()
	seeded := seed(t, store, 2)
	h := NewHandler(&stubDispatcher{}, store, zerolog.Nop()).Router()

	code, body := do(t, h, http.MethodGet, "/v1/notifications/"+seeded[0].ID, "")
	require.Equal(t, http.StatusOK, code)
	var rec ledger.Record
	require.NoError(t, json.Unmarshal(body.Data, &rec))
	assert.Equal(t, seeded[0].DedupKey, rec.DedupKey)

	code, body = do(t, h, http.MethodGet, "/v1/notifications/unread-count?userId=u1", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"userId":"u1","unread":2}`, string(body.Data))

	code, body = do(t, h, http.MethodPut, "/v1/notifications/"+seeded[0].ID+"/read", "")
	require.Equal(t, http.StatusOK, code)
	var marked map[string]any
	require.NoError(t, json.Unmarshal(body.Data, &marked))
	assert.Equal(t, true, marked["isRead"])
	assert.NotEmpty(t, marked["readAt"])

	_, body = do(t, h, http.MethodGet, "/v1/notifications/unread-count?userId=u1", "")
	assert.JSONEq(t, `{"userId":"u1","unread":1}`, string(body.Data))
}

func TestMissingRecord(t *testing.T) {
	h := NewHandler(&stubDispatcher{}, ledger.NewMemoryStore(), zerolog.Nop()).Router()

	code, body := do(t, h, http.MethodGet, "/v1/notifications/missing", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, codeNotFound, body.Error.Code)

	code, body = do(t, h, http.MethodPut, "/v1/notifications/missing/read", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, codeNotFound, body.Error.Code)
}

func TestHealth(t *testing.T) {
	store := ledger.NewMemoryStore()
	code, body := do(t, NewHandler(&stubDispatcher{}, store, zerolog.Nop()).Router(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, body.Success)

	code, body = do(t, NewHandler(&stubDispatcher{}, downStore{store}, zerolog.Nop()).Router(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, codeUnavailable, body.Error.Code)
}

func TestHealthRunsExtraChecks(t *testing.T) {
	failing := func(context.Context) error { return errors.New("directory unreachable") }
	h := NewHandler(&stubDispatcher{}, ledger.NewMemoryStore(), zerolog.Nop(), failing).Router()

	code, body := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "directory unreachable", body.Error.Message)
}

func TestUnmatchedRoutesUseEnvelope(t *testing.T) {
	h := NewHandler(&stubDispatcher{}, ledger.NewMemoryStore(), zerolog.Nop()).Router()

	code, body := do(t, h, http.MethodGet, "/v1/unknown", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, body.Success)
	require.NotNil(t, body.Error)
	assert.Equal(t, codeNotFound, body.Error.Code)

	code, body = do(t, h, http.MethodDelete, "/v1/notifications/n1/read", "")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
	require.NotNil(t, body.Error)
	assert.Equal(t, codeMethodNotAllowed, body.Error.Code)
}

func TestCORS(t *testing.T) {
	h := NewHandler(&stubDispatcher{}, ledger.NewMemoryStore(), zerolog.Nop()).
		WithCORS([]string{"https://app.example.com"}).
		Router()

	req := httptest.NewRequest(http.MethodOptions, "/v1/notifications/send", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
