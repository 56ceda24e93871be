package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/forge-ai/testforge/shared/events"
	"github.com/forge-ai/testforge/shared/ollama"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	key  string
	body []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (f *fakePublisher) Publish(_ context.Context, key string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{key, body})
	return nil
}

func (f *fakePublisher) byKey(key string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, m := range f.msgs {
		if m.key == key {
			out = append(out, m.body)
		}
	}
	return out
}

type fakeAcker struct {
	result chan string
}

func newAcker() *fakeAcker { return &fakeAcker{result: make(chan string, 1)} }

func (a *fakeAcker) Ack(uint64, bool) error { a.result <- "ack"; return nil }
func (a *fakeAcker) Nack(_ uint64, _ bool, requeue bool) error {
	if requeue {
		a.result <- "nack-requeue"
	} else {
		a.result <- "nack"
	}
	return nil
}
func (a *fakeAcker) Reject(uint64, bool) error { a.result <- "reject"; return nil }

func ollamaStub(t *testing.T, status int, body string) ollama.Settings {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)

	s := ollama.DefaultSettings()
	s.EndpointURL = server.URL
	s.TimeoutSeconds = 5
	return s
}

func runOne(t *testing.T, s ollama.Settings, body []byte) (*fakePublisher, string) {
	t.Helper()
	client := ollama.NewClient()
	t.Cleanup(client.Close)

	pub := &fakePublisher{}
	w := newWorker(0, client, pub, s)
	acker := newAcker()

	deliveries := make(chan amqp.Delivery, 1)
	deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: body}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.run(ctx, deliveries) }()

	var outcome string
	select {
	case outcome = <-acker.result:
	case <-time.After(10 * time.Second):
		t.Fatal("delivery never settled")
	}
	cancel()
	require.NoError(t, <-done)
	return pub, outcome
}

func request(t *testing.T, p events.TestgenRequestedPayload) []byte {
	t.Helper()
	b, err := events.Wrap(events.TestgenRequested, p)
	require.NoError(t, err)
	return b
}

func TestWorkerPublishesComplete(t *testing.T) {
	s := ollamaStub(t, http.StatusOK, `{"response":"`+"```java\\nclass CalculatorTest {}\\n```"+`","done":true}`)

	pub, outcome := runOne(t, s, request(t, events.TestgenRequestedPayload{
		JobID:       "job-1",
		ClassName:   "Calculator",
		ClassSource: "public class Calculator {}",
		PackageName: "com.example",
		SourcePath:  "/repo/src/main/java/com/example/Calculator.java",
	}))
	assert.Equal(t, "ack", outcome)

	complete := pub.byKey(events.TestgenComplete)
	require.Len(t, complete, 1)
	p, err := events.Unwrap[events.TestgenCompletePayload](complete[0])
	require.NoError(t, err)
	assert.Equal(t, "job-1", p.JobID)
	assert.Equal(t, "CalculatorTest", p.TestClassName)
	assert.Equal(t, "class CalculatorTest {}", p.Code)
	assert.Equal(t, "com.example", p.PackageName)
	assert.Equal(t, ollama.DefaultModel, p.Model)

	assert.Empty(t, pub.byKey(events.TestgenFailed))
	assert.Len(t, pub.byKey(events.LogEvent), 2)
}

func TestWorkerPublishesFailure(t *testing.T) {
	s := ollamaStub(t, http.StatusInternalServerError, `{"error":"out of memory"}`)

	pub, outcome := runOne(t, s, request(t, events.TestgenRequestedPayload{
		JobID:       "job-2",
		ClassName:   "Calculator",
		ClassSource: "public class Calculator {}",
	}))
	assert.Equal(t, "ack", outcome)

	failed := pub.byKey(events.TestgenFailed)
	require.Len(t, failed, 1)
	p, err := events.Unwrap[events.TestgenFailedPayload](failed[0])
	require.NoError(t, err)
	assert.Equal(t, ollama.KindServer, p.Kind)
	assert.True(t, strings.Contains(p.Error, "500"), p.Error)
	assert.Empty(t, pub.byKey(events.TestgenComplete))
}

func TestWorkerDropsUndecodable(t *testing.T) {
	s := ollamaStub(t, http.StatusOK, `{"response":"x"}`)
	pub, outcome := runOne(t, s, []byte("{{{"))
	assert.Equal(t, "nack", outcome)
	assert.Empty(t, pub.msgs)
}

func TestWorkerStopsWhenDeliveriesClose(t *testing.T) {
	w := newWorker(0, ollama.NewClient(), &fakePublisher{}, ollama.DefaultSettings())
	deliveries := make(chan amqp.Delivery)
	close(deliveries)
	assert.Error(t, w.run(context.Background(), deliveries))
}

func TestPrepareFlags(t *testing.T) {
	s := ollama.DefaultSettings()
	w := newWorker(0, nil, nil, s)

	_, req := w.prepare(events.TestgenRequestedPayload{ClassName: "A", ClassSource: "class A {}"})
	assert.Contains(t, req.Prompt, "Mockito")
	assert.Contains(t, req.Prompt, "comments")

	off := false
	got, req := w.prepare(events.TestgenRequestedPayload{
		ClassName: "A", ClassSource: "class A {}", UseMocking: &off, IncludeComments: &off,
	})
	assert.NotContains(t, req.Prompt, "Mockito")
	assert.NotContains(t, req.Prompt, "comments")
	assert.False(t, got.IncludeMockito)
	assert.True(t, w.settings.IncludeMockito, "worker settings must stay untouched")
}
