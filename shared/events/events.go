// Package events defines the message contract published on RabbitMQ.
// Services talk to each other only through these payloads.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ── Routing keys (RabbitMQ topic exchange: testforge.events) ─────────────────
const (
	TestgenRequested = "testgen.requested"
	TestgenComplete  = "testgen.complete"
	TestgenFailed    = "testgen.failed"
	TestFileWritten  = "testfile.written"
	LogEvent         = "log.event"
)

// ── Envelope wraps every message ─────────────────────────────────────────────

type Envelope struct {
	ID         string          `json:"id"`
	RoutingKey string          `json:"routing_key"`
	Timestamp  time.Time       `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func Wrap(routingKey string, payload any) ([]byte, error) {
	p, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		ID:         uuid.New().String(),
		RoutingKey: routingKey,
		Timestamp:  time.Now(),
		Payload:    p,
	})
}

func Unwrap[T any](raw []byte) (*T, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	var t T
	return &t, json.Unmarshal(env.Payload, &t)
}

func UnwrapEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	return &env, json.Unmarshal(raw, &env)
}

// ── Payload types ─────────────────────────────────────────────────────────────

// TestgenRequestedPayload asks for a test of one class. Nil flags fall back
// to the worker's settings.
type TestgenRequestedPayload struct {
	JobID           string `json:"job_id"`
	ClassName       string `json:"class_name"`
	ClassSource     string `json:"class_source"`
	PackageName     string `json:"package_name,omitempty"`
	SourcePath      string `json:"source_path,omitempty"`
	UseMocking      *bool  `json:"use_mocking,omitempty"`
	IncludeComments *bool  `json:"include_comments,omitempty"`
}

type TestgenCompletePayload struct {
	JobID         string `json:"job_id"`
	ClassName     string `json:"class_name"`
	TestClassName string `json:"test_class_name"`
	PackageName   string `json:"package_name,omitempty"`
	SourcePath    string `json:"source_path,omitempty"`
	Model         string `json:"model"`
	Code          string `json:"code"`
	DurationMS    int64  `json:"duration_ms"`
}

// KindWrite marks a TestgenFailedPayload sent by the writer; generation
// failures carry the Ollama error kinds.
const KindWrite = "write"

type TestgenFailedPayload struct {
	JobID     string `json:"job_id"`
	ClassName string `json:"class_name"`
	Kind      string `json:"kind"`
	Error     string `json:"error"`
}

type TestFileWrittenPayload struct {
	JobID         string `json:"job_id"`
	TestClassName string `json:"test_class_name"`
	Path          string `json:"path"`
	Created       bool   `json:"created"`
}

type LogEventPayload struct {
	JobID   string         `json:"job_id"`
	Level   string         `json:"level"`
	Step    string         `json:"step"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}
