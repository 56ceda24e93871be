package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/forge-ai/testforge/shared/events"
	"github.com/forge-ai/testforge/shared/ollama"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const calculator = `package com.example;

public class Calculator {
    public int add(int a, int b) { return a + b; }
}
`

type fakePublisher struct {
	mu     sync.Mutex
	err    error
	keys   []string
	bodies [][]byte
}

func (f *fakePublisher) Publish(_ context.Context, key string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, key)
	f.bodies = append(f.bodies, body)
	return nil
}

type fakeOllama struct {
	available bool
	models    []ollama.Model
	err       error
}

func (f *fakeOllama) CheckAvailability(context.Context, ollama.Settings) bool { return f.available }

func (f *fakeOllama) Models(context.Context, ollama.Settings) ([]ollama.Model, error) {
	return f.models, f.err
}

func testGateway(pub *fakePublisher, oll *fakeOllama) *Gateway {
	cfg := Config{MaxBodySize: 1 << 20, Ollama: ollama.DefaultSettings()}
	return newGateway(cfg, pub, oll)
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, rd))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

func TestCreateTestQueuesJob(t *testing.T) {
	pub := &fakePublisher{}
	g := testGateway(pub, &fakeOllama{})
	h := g.routes()

	rec := do(t, h, http.MethodPost, "/api/tests", map[string]any{
		"source":      calculator,
		"source_path": "src/main/java/com/example/Calculator.java",
		"use_mocking": false,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decode(t, rec)
	assert.Equal(t, "Calculator", resp["class_name"])
	assert.Equal(t, "CalculatorTest", resp["test_class_name"])
	assert.Equal(t, StatusQueued, resp["status"])

	require.Equal(t, []string{events.TestgenRequested, events.LogEvent}, pub.keys)
	p, err := events.Unwrap[events.TestgenRequestedPayload](pub.bodies[0])
	require.NoError(t, err)
	assert.Equal(t, resp["job_id"], p.JobID)
	assert.Equal(t, "Calculator", p.ClassName)
	assert.Equal(t, "com.example", p.PackageName)
	assert.True(t, strings.HasPrefix(p.ClassSource, "public class Calculator {"))
	require.NotNil(t, p.UseMocking)
	assert.False(t, *p.UseMocking)
	assert.Nil(t, p.IncludeComments)

	rec = do(t, h, http.MethodGet, "/api/tests/"+p.JobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, StatusQueued, decode(t, rec)["status"])
	assert.Equal(t, 1, g.activeJobs())
}

func TestCreateTestPicksNamedClass(t *testing.T) {
	pub := &fakePublisher{}
	h := testGateway(pub, &fakeOllama{}).routes()

	src := calculator + "\nclass Helper { int one() { return 1; } }\n"
	rec := do(t, h, http.MethodPost, "/api/tests", map[string]any{"source": src, "class_name": "Helper"})
	require.Equal(t, http.StatusCreated, rec.Code)

	p, err := events.Unwrap[events.TestgenRequestedPayload](pub.bodies[0])
	require.NoError(t, err)
	assert.Equal(t, "Helper", p.ClassName)
	assert.NotContains(t, p.ClassSource, "Calculator")
}

func TestCreateTestRejects(t *testing.T) {
	tests := []struct {
		name string
		body any
		code int
	}{
		{"not json", "{", http.StatusBadRequest},
		{"empty source", map[string]any{"source": "  "}, http.StatusBadRequest},
		{"no class", map[string]any{"source": "package a;"}, http.StatusUnprocessableEntity},
		{"unknown class", map[string]any{"source": calculator, "class_name": "Nope"}, http.StatusUnprocessableEntity},
		{"test class", map[string]any{"source": "class CalculatorTest {}"}, http.StatusUnprocessableEntity},
		{"test root", map[string]any{
			"source":      calculator,
			"source_path": "src/test/java/com/example/Calculator.java",
		}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &fakePublisher{}
			rec := do(t, testGateway(pub, &fakeOllama{}).routes(), http.MethodPost, "/api/tests", tt.body)
			assert.Equal(t, tt.code, rec.Code)
			assert.NotEmpty(t, decode(t, rec)["error"])
			assert.Empty(t, pub.keys)
		})
	}
}

func TestCreateTestBodyTooLarge(t *testing.T) {
	g := testGateway(&fakePublisher{}, &fakeOllama{})
	g.cfg.MaxBodySize = 16

	rec := do(t, g.routes(), http.MethodPost, "/api/tests", map[string]any{"source": calculator})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestCreateTestRateLimited(t *testing.T) {
	cfg := Config{MaxBodySize: 1 << 20, SubmitRate: 0.001, SubmitBurst: 1, Ollama: ollama.DefaultSettings()}
	h := newGateway(cfg, &fakePublisher{}, &fakeOllama{}).routes()

	rec := do(t, h, http.MethodPost, "/api/tests", map[string]any{"source": calculator})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/tests", map[string]any{"source": calculator})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestCreateTestQueueError(t *testing.T) {
	g := testGateway(&fakePublisher{err: errors.New("channel closed")}, &fakeOllama{})

	rec := do(t, g.routes(), http.MethodPost, "/api/tests", map[string]any{"source": calculator})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 0, g.activeJobs())
}

func TestGetTestUnknown(t *testing.T) {
	rec := do(t, testGateway(&fakePublisher{}, &fakeOllama{}).routes(), http.MethodGet, "/api/tests/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatus(t *testing.T) {
	g := testGateway(&fakePublisher{}, &fakeOllama{available: true})

	rec := do(t, g.routes(), http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode(t, rec)
	assert.Equal(t, "online", resp["status"])
	o := resp["ollama"].(map[string]any)
	assert.Equal(t, true, o["available"])
	assert.Equal(t, ollama.DefaultEndpointURL, o["endpoint"])
	assert.Equal(t, ollama.DefaultModel, o["model"])
	assert.EqualValues(t, 0, resp["clients"])
}

func TestModels(t *testing.T) {
	oll := &fakeOllama{models: []ollama.Model{{Name: "qwen2.5-coder:7b"}}}
	h := testGateway(&fakePublisher{}, oll).routes()

	rec := do(t, h, http.MethodGet, "/api/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode(t, rec)
	assert.Equal(t, ollama.DefaultModel, resp["default"])
	assert.Len(t, resp["models"], 1)

	oll.err = &ollama.ServerError{StatusCode: 500, Status: "500 Internal Server Error"}
	rec = do(t, h, http.MethodGet, "/api/models", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	rec := do(t, testGateway(&fakePublisher{}, &fakeOllama{}).routes(), http.MethodOptions, "/api/tests", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func wrap(t *testing.T, key string, payload any) []byte {
	t.Helper()
	b, err := events.Wrap(key, payload)
	require.NoError(t, err)
	return b
}

func TestRelayTracksJob(t *testing.T) {
	g := testGateway(&fakePublisher{}, &fakeOllama{})
	now := time.Now()
	g.addJob(&jobState{JobID: "j1", ClassName: "Calculator", Status: StatusQueued, SubmittedAt: now, UpdatedAt: now})

	require.NoError(t, g.relay(wrap(t, events.LogEvent, events.LogEventPayload{JobID: "j1", Step: "generating"})))
	j, _ := g.job("j1")
	assert.Equal(t, StatusQueued, j.Status)

	require.NoError(t, g.relay(wrap(t, events.TestgenComplete, events.TestgenCompletePayload{
		JobID: "j1", TestClassName: "CalculatorTest", Model: "m", DurationMS: 42,
	})))
	j, _ = g.job("j1")
	assert.Equal(t, StatusGenerated, j.Status)
	assert.Equal(t, "m", j.Model)
	assert.EqualValues(t, 42, j.DurationMS)

	require.NoError(t, g.relay(wrap(t, events.TestFileWritten, events.TestFileWrittenPayload{
		JobID: "j1", Path: "/w/CalculatorTest.java", Created: true,
	})))
	j, _ = g.job("j1")
	assert.Equal(t, StatusWritten, j.Status)
	assert.Equal(t, "/w/CalculatorTest.java", j.Path)
	assert.Equal(t, 0, g.activeJobs())

	// a late complete does not move a written job backwards
	require.NoError(t, g.relay(wrap(t, events.TestgenComplete, events.TestgenCompletePayload{JobID: "j1"})))
	j, _ = g.job("j1")
	assert.Equal(t, StatusWritten, j.Status)
}

func TestRelayFailure(t *testing.T) {
	g := testGateway(&fakePublisher{}, &fakeOllama{})
	now := time.Now()
	g.addJob(&jobState{JobID: "j1", Status: StatusQueued, SubmittedAt: now, UpdatedAt: now})

	require.NoError(t, g.relay(wrap(t, events.TestgenFailed, events.TestgenFailedPayload{
		JobID: "j1", Kind: ollama.KindTransport, Error: "connection refused",
	})))
	j, _ := g.job("j1")
	assert.Equal(t, StatusFailed, j.Status)
	assert.Equal(t, ollama.KindTransport, j.Kind)

	// unknown jobs are relayed without tracking
	assert.NoError(t, g.relay(wrap(t, events.TestgenFailed, events.TestgenFailedPayload{JobID: "other"})))
	_, ok := g.job("other")
	assert.False(t, ok)

	assert.Error(t, g.relay([]byte("not an envelope")))
}

func TestAddJobPrunesStale(t *testing.T) {
	g := testGateway(&fakePublisher{}, &fakeOllama{})
	old := time.Now().Add(-2 * jobTTL)
	g.addJob(&jobState{JobID: "done", Status: StatusWritten, SubmittedAt: old, UpdatedAt: old})
	g.addJob(&jobState{JobID: "stuck", Status: StatusGenerated, SubmittedAt: old, UpdatedAt: old})
	recent := time.Now().Add(-time.Minute)
	g.addJob(&jobState{JobID: "busy", Status: StatusGenerated, SubmittedAt: recent, UpdatedAt: recent})
	assert.Equal(t, 1, g.activeJobs())

	now := time.Now()
	g.addJob(&jobState{JobID: "new", Status: StatusQueued, SubmittedAt: now, UpdatedAt: now})

	_, ok := g.job("done")
	assert.False(t, ok)
	_, ok = g.job("stuck")
	assert.False(t, ok)
	_, ok = g.job("busy")
	assert.True(t, ok)
	assert.Equal(t, 2, g.activeJobs())
}

func TestRelayWriteFailure(t *testing.T) {
	g := testGateway(&fakePublisher{}, &fakeOllama{})
	now := time.Now()
	g.addJob(&jobState{JobID: "j1", Status: StatusQueued, SubmittedAt: now, UpdatedAt: now})

	require.NoError(t, g.relay(wrap(t, events.TestgenFailed, events.TestgenFailedPayload{
		JobID: "j1", Kind: events.KindWrite, Error: "permission denied",
	})))
	// complete relayed after the writer already failed
	require.NoError(t, g.relay(wrap(t, events.TestgenComplete, events.TestgenCompletePayload{JobID: "j1", Model: "m"})))

	j, _ := g.job("j1")
	assert.Equal(t, StatusFailed, j.Status)
	assert.Equal(t, events.KindWrite, j.Kind)
	assert.Equal(t, 0, g.activeJobs())
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Broadcast([]byte(`{"routing_key":"log.event"}`))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"routing_key":"log.event"}`, string(msg))

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
