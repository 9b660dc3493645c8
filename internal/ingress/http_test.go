package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/harunnryd/toolbridge/internal/conversation"
	tbErrors "github.com/harunnryd/toolbridge/internal/errors"
	"github.com/harunnryd/toolbridge/internal/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockQuerier struct {
	mock.Mock
}

func (m *MockQuerier) Query(ctx context.Context, query string) (*conversation.Conversation, error) {
	args := m.Called(ctx, query)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*conversation.Conversation), args.Error(1)
}

func newTestHandler(q Querier, health HealthFunc) (http.Handler, *bytes.Buffer) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewHandler(q, health, "test", log).Routes(), &buf
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoot(t *testing.T) {
	h, _ := newTestHandler(&MockQuerier{}, nil)

	rec := do(h, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"msg":"Hello World"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}

func TestHealthcheckIsQuiet(t *testing.T) {
	h, logs := newTestHandler(&MockQuerier{}, nil)

	rec := do(h, http.MethodGet, "/healthcheck", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Empty(t, logs.String())
}

func TestHealthReportsComponents(t *testing.T) {
	health := func(context.Context) map[string]ComponentStatus {
		return map[string]ComponentStatus{
			"Bridge":     {Healthy: false, Error: "not connected"},
			"HTTPServer": {Healthy: true},
		}
	}
	h, _ := newTestHandler(&MockQuerier{}, health)

	rec := do(h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status     string                     `json:"status"`
		Version    string                     `json:"version"`
		Components map[string]ComponentStatus `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "test", body.Version)
	assert.Equal(t, "not connected", body.Components["Bridge"].Error)
}

func TestQuerySuccess(t *testing.T) {
	conv := conversation.New("what is 2+2")
	conv.Append(conversation.AssistantText("4"))

	q := &MockQuerier{}
	q.On("Query", mock.MatchedBy(func(ctx context.Context) bool { return ctx != nil }), "what is 2+2").Return(conv, nil).Once()
	h, logs := newTestHandler(q, nil)

	rec := do(h, http.MethodPost, "/query", `{"query":"what is 2+2"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"messages":[
		{"role":"user","content":"what is 2+2"},
		{"role":"assistant","content":"4"}
	]}`, rec.Body.String())

	assert.Contains(t, logs.String(), `"path":"/query"`)
	assert.Contains(t, logs.String(), `"request_id":"`+rec.Header().Get(RequestIDHeader)+`"`)
	q.AssertExpectations(t)
}

func TestQueryBadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"query":`},
		{"missing", `{}`},
		{"blank", `{"query":"   "}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &MockQuerier{}
			h, logs := newTestHandler(q, nil)

			rec := do(h, http.MethodPost, "/query", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), "detail")
			assert.Contains(t, logs.String(), `"level":"WARN"`)
			q.AssertNotCalled(t, "Query", mock.Anything, mock.Anything)
		})
	}
}

func TestQueryFailureHidesDetail(t *testing.T) {
	q := &MockQuerier{}
	q.On("Query", mock.Anything, "boom").Return(nil, tbErrors.Protocol("secret internal detail")).Once()
	h, logs := newTestHandler(q, nil)

	rec := do(h, http.MethodPost, "/query", `{"query":"boom"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"detail":"Error processing query"}`, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "secret")
	assert.Contains(t, logs.String(), `"level":"ERROR"`)
}

func TestQueryWrongMethod(t *testing.T) {
	h, _ := newTestHandler(&MockQuerier{}, nil)
	rec := do(h, http.MethodGet, "/query", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCORS(t *testing.T) {
	h, _ := newTestHandler(&MockQuerier{}, nil)

	req := httptest.NewRequest(http.MethodOptions, "/query", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "content-type")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "content-type", rec.Header().Get("Access-Control-Allow-Headers"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")

	rec = do(h, http.MethodGet, "/", "")
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestIDReachesHandlerContext(t *testing.T) {
	var seen string
	q := &MockQuerier{}
	q.On("Query", mock.Anything, "hi").Run(func(args mock.Arguments) {
		ctx := args.Get(0).(context.Context)
		seen = logger.GetTraceID(ctx)
	}).Return(conversation.New("hi"), nil).Once()
	h, _ := newTestHandler(q, nil)

	rec := do(h, http.MethodPost, "/query", `{"query":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, rec.Header().Get(RequestIDHeader), seen)
}
