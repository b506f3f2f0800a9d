package pipeline_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-bunny-service/internal/pipeline"
	"github.com/tinywideclouds/go-bunny-service/pkg/dispatch"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// logSink captures JSON log records so tests can assert on them.
type logSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *logSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *logSink) records(t *testing.T) []map[string]interface{} {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []map[string]interface{}
	sc := bufio.NewScanner(bytes.NewReader(s.buf.Bytes()))
	for sc.Scan() {
		var rec map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, rec)
	}
	return out
}

func (s *logSink) withMessage(t *testing.T, msg string) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, rec := range s.records(t) {
		if rec["msg"] == msg {
			out = append(out, rec)
		}
	}
	return out
}

func newCapturingLogger() (*slog.Logger, *logSink) {
	sink := &logSink{}
	return slog.New(slog.NewJSONHandler(sink, &slog.HandlerOptions{Level: slog.LevelDebug})), sink
}

// --- Typed Mocks ---

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) Send(ctx context.Context, tokens []string, p dispatch.Payload) dispatch.Result {
	args := m.Called(ctx, tokens, p)
	return args.Get(0).(dispatch.Result)
}

type panicGateway struct{}

func (panicGateway) Send(context.Context, []string, dispatch.Payload) dispatch.Result {
	panic("gateway exploded")
}

type mockResolver struct {
	mock.Mock
}

func (m *mockResolver) Resolve(ctx context.Context, serverID, conversationID string) dispatch.Resolution {
	args := m.Called(ctx, serverID, conversationID)
	return args.Get(0).(dispatch.Resolution)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Dispatch(ctx context.Context, tokens []dispatch.DeviceToken, p dispatch.Payload) {
	m.Called(ctx, tokens, p)
}

type mockPoster struct {
	mock.Mock
}

func (m *mockPoster) PostActivity(ctx context.Context, serverID, username, text, contextURL string) error {
	return m.Called(ctx, serverID, username, text, contextURL).Error(0)
}

type mockSocialHandler struct {
	mock.Mock
}

func (m *mockSocialHandler) HandleSocial(ctx context.Context, ev pipeline.SocialRelay) {
	m.Called(ctx, ev)
}
