package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/forge-ai/testforge/shared/events"
	"github.com/forge-ai/testforge/shared/mq"
	"github.com/forge-ai/testforge/shared/ollama"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Job states reported by GET /api/tests/{id}.
const (
	StatusQueued    = "queued"
	StatusGenerated = "generated"
	StatusFailed    = "failed"
	StatusWritten   = "written"
)

// Jobs not updated for jobTTL are forgotten, finished or not: a job whose
// writer died never reaches a final state.
const jobTTL = 30 * time.Minute

type jobState struct {
	JobID         string    `json:"job_id"`
	ClassName     string    `json:"class_name"`
	TestClassName string    `json:"test_class_name"`
	Status        string    `json:"status"`
	Model         string    `json:"model,omitempty"`
	Kind          string    `json:"kind,omitempty"`
	Error         string    `json:"error,omitempty"`
	Path          string    `json:"path,omitempty"`
	Created       bool      `json:"created,omitempty"`
	DurationMS    int64     `json:"duration_ms,omitempty"`
	SubmittedAt   time.Time `json:"submitted_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (j *jobState) finished() bool {
	return j.Status == StatusFailed || j.Status == StatusWritten
}

// ollamaAPI is the read-only part of the Ollama client the API uses.
type ollamaAPI interface {
	CheckAvailability(ctx context.Context, s ollama.Settings) bool
	Models(ctx context.Context, s ollama.Settings) ([]ollama.Model, error)
}

// Gateway accepts test requests over HTTP, publishes them to the workers
// and relays their progress to WebSocket clients.
type Gateway struct {
	cfg    Config
	broker *mq.Broker
	pub    mq.Publisher
	ollama ollamaAPI
	hub    *Hub
	submit *rate.Limiter

	mu   sync.RWMutex
	jobs map[string]*jobState
}

func NewGateway(cfg Config) (*Gateway, error) {
	if err := cfg.Ollama.Validate(); err != nil {
		return nil, err
	}
	broker, err := mq.New(cfg.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("mq connect: %w", err)
	}
	g := newGateway(cfg, broker, ollama.NewClient())
	g.broker = broker
	return g, nil
}

func newGateway(cfg Config, pub mq.Publisher, api ollamaAPI) *Gateway {
	limit := rate.Inf
	if cfg.SubmitRate > 0 {
		limit = rate.Limit(cfg.SubmitRate)
	}
	return &Gateway{
		cfg:    cfg,
		pub:    pub,
		ollama: api,
		hub:    NewHub(),
		submit: rate.NewLimiter(limit, max(cfg.SubmitBurst, 1)),
		jobs:   make(map[string]*jobState),
	}
}

func (g *Gateway) Close() {
	if c, ok := g.ollama.(*ollama.Client); ok {
		c.Close()
	}
	if g.broker != nil {
		g.broker.Close()
	}
}

// Run starts the hub, the API server and the event relays.
func (g *Gateway) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error { return g.hub.Run(ctx) })
	eg.Go(func() error { return g.serveAPI(ctx) })

	subs := []struct {
		queue   string
		pattern string
	}{
		{"gw.testgen.complete", events.TestgenComplete},
		{"gw.testgen.failed", events.TestgenFailed},
		{"gw.testfile.written", events.TestFileWritten},
		{"gw.log.relay", "log.#"},
	}

	for _, sub := range subs {
		sub := sub
		deliveries, err := g.broker.Subscribe(sub.queue, sub.pattern, 16)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", sub.queue, err)
		}
		eg.Go(func() error {
			return g.consume(ctx, deliveries)
		})
	}

	if g.ollama.CheckAvailability(ctx, g.cfg.Ollama) {
		log.Info().Str("endpoint", g.cfg.Ollama.EndpointURL).Msg("ollama reachable")
	} else {
		log.Warn().Str("endpoint", g.cfg.Ollama.EndpointURL).Msg("ollama not reachable, jobs will fail until it is")
	}

	return eg.Wait()
}

func (g *Gateway) consume(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			if err := g.relay(d.Body); err != nil {
				log.Error().Err(err).Str("key", d.RoutingKey).Msg("relay error")
				d.Nack(false, false)
			} else {
				d.Ack(false)
			}
		}
	}
}

// relay folds an event into the job table and forwards it to the hub.
func (g *Gateway) relay(body []byte) error {
	env, err := events.UnwrapEnvelope(body)
	if err != nil {
		return err
	}
	if err := g.track(env); err != nil {
		return fmt.Errorf("%s: %w", env.RoutingKey, err)
	}
	g.hub.Broadcast(body)
	return nil
}

func (g *Gateway) track(env *events.Envelope) error {
	var (
		jobID  string
		update func(*jobState)
	)

	switch env.RoutingKey {
	case events.TestgenComplete:
		var p events.TestgenCompletePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		jobID = p.JobID
		update = func(j *jobState) {
			// relay queues are independent; written or a write
			// failure may land first
			if !j.finished() {
				j.Status = StatusGenerated
			}
			j.TestClassName = p.TestClassName
			j.Model = p.Model
			j.DurationMS = p.DurationMS
		}
	case events.TestgenFailed:
		var p events.TestgenFailedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		jobID = p.JobID
		update = func(j *jobState) {
			j.Status = StatusFailed
			j.Kind = p.Kind
			j.Error = p.Error
		}
	case events.TestFileWritten:
		var p events.TestFileWrittenPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		jobID = p.JobID
		update = func(j *jobState) {
			j.Status = StatusWritten
			j.Path = p.Path
			j.Created = p.Created
		}
	default:
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	j, ok := g.jobs[jobID]
	if !ok {
		// submitted through another gateway or before a restart
		return nil
	}
	update(j)
	j.UpdatedAt = env.Timestamp
	return nil
}

func (g *Gateway) addJob(j *jobState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := j.SubmittedAt.Add(-jobTTL)
	for id, old := range g.jobs {
		if old.UpdatedAt.Before(cutoff) {
			delete(g.jobs, id)
		}
	}
	g.jobs[j.JobID] = j
}

func (g *Gateway) dropJob(id string) {
	g.mu.Lock()
	delete(g.jobs, id)
	g.mu.Unlock()
}

func (g *Gateway) job(id string) (jobState, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	j, ok := g.jobs[id]
	if !ok {
		return jobState{}, false
	}
	return *j, true
}

func (g *Gateway) activeJobs() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	cutoff := time.Now().Add(-jobTTL)
	n := 0
	for _, j := range g.jobs {
		if !j.finished() && !j.UpdatedAt.Before(cutoff) {
			n++
		}
	}
	return n
}
