package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/forge-ai/testforge/shared/events"
	"github.com/forge-ai/testforge/shared/mq"
	"github.com/forge-ai/testforge/shared/ollama"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

type generator interface {
	Generate(ctx context.Context, req ollama.GenerationRequest, s ollama.Settings) *ollama.Future[string]
}

// worker owns a Loop: generation results come back onto the worker's own
// goroutine, which publishes them and acks the delivery.
type worker struct {
	id       int
	gen      generator
	pub      mq.Publisher
	settings ollama.Settings
	loop     *ollama.Loop
}

func newWorker(id int, gen generator, pub mq.Publisher, s ollama.Settings) *worker {
	return &worker{id: id, gen: gen, pub: pub, settings: s, loop: ollama.NewLoop(8)}
}

func (w *worker) run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	defer w.loop.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-w.loop.Tasks():
			fn()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			w.dispatch(ctx, d)
		}
	}
}

func (w *worker) dispatch(ctx context.Context, d amqp.Delivery) {
	p, err := events.Unwrap[events.TestgenRequestedPayload](d.Body)
	if err != nil {
		log.Error().Err(err).Int("worker", w.id).Msg("undecodable testgen request, dropping")
		d.Nack(false, false)
		return
	}

	s, req := w.prepare(*p)
	log.Info().
		Str("job", p.JobID).
		Str("class", p.ClassName).
		Str("model", s.ModelName).
		Int("worker", w.id).
		Msg("generating test")
	mq.EmitLog(ctx, w.pub, p.JobID, "info", "testgen_start",
		fmt.Sprintf("generating %s with %s", ollama.TestClassName(p.ClassName), s.ModelName), nil)

	started := time.Now()
	w.gen.Generate(ctx, req, s).Then(w.loop, func(code string, genErr error) {
		if err := w.finish(ctx, *p, s, time.Since(started), code, genErr); err != nil {
			log.Error().Err(err).Str("job", p.JobID).Msg("testgen publish error")
			d.Nack(false, true)
			return
		}
		d.Ack(false)
	})
}

// prepare applies the per-job flags on top of the worker's settings.
func (w *worker) prepare(p events.TestgenRequestedPayload) (ollama.Settings, ollama.GenerationRequest) {
	s := w.settings
	if p.UseMocking != nil {
		s.IncludeMockito = *p.UseMocking
	}
	if p.IncludeComments != nil {
		s.IncludeComments = *p.IncludeComments
	}
	prompt := ollama.BuildPrompt(p.ClassName, p.ClassSource, s.IncludeMockito, s.IncludeComments)
	return s, ollama.BuildRequest(prompt, s)
}

func (w *worker) finish(ctx context.Context, p events.TestgenRequestedPayload, s ollama.Settings, took time.Duration, code string, genErr error) error {
	if genErr != nil {
		kind := ollama.Kind(genErr)
		log.Warn().Err(genErr).Str("job", p.JobID).Str("kind", kind).Msg("test generation failed")
		mq.EmitLog(ctx, w.pub, p.JobID, "error", "testgen_failed", genErr.Error(), map[string]any{"kind": kind})
		return mq.PublishEvent(ctx, w.pub, events.TestgenFailed, events.TestgenFailedPayload{
			JobID:     p.JobID,
			ClassName: p.ClassName,
			Kind:      kind,
			Error:     genErr.Error(),
		})
	}

	log.Info().
		Str("job", p.JobID).
		Str("class", p.ClassName).
		Int("bytes", len(code)).
		Dur("took", took).
		Msg("test generated")
	mq.EmitLog(ctx, w.pub, p.JobID, "success", "testgen_complete",
		fmt.Sprintf("%s generated (%d bytes)", ollama.TestClassName(p.ClassName), len(code)), nil)

	return mq.PublishEvent(ctx, w.pub, events.TestgenComplete, events.TestgenCompletePayload{
		JobID:         p.JobID,
		ClassName:     p.ClassName,
		TestClassName: ollama.TestClassName(p.ClassName),
		PackageName:   p.PackageName,
		SourcePath:    p.SourcePath,
		Model:         s.ModelName,
		Code:          code,
		DurationMS:    took.Milliseconds(),
	})
}
