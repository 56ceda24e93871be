// gateway is the public-facing HTTP service.
//
//	POST /api/tests       parse a Java source, publish testgen.requested
//	GET  /api/tests/{id}  job progress folded from relayed events
//	GET  /api/status      Ollama reachability plus queue stats
//	GET  /api/models      models installed on the Ollama server
//	/ws                   live testgen.*, testfile.* and log.* events
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/forge-ai/testforge/services/gateway/internal"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "1" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	_ = godotenv.Load()

	cfg := internal.ConfigFromEnv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Info().Msg("shutdown signal, stopping gateway")
		cancel()
	}()

	g, err := internal.NewGateway(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start gateway")
	}
	defer g.Close()

	log.Info().
		Str("amqp", cfg.AMQPURL).
		Str("api_port", cfg.APIPort).
		Str("ollama", cfg.Ollama.EndpointURL).
		Str("model", cfg.Ollama.ModelName).
		Msg("gateway online")

	if err := g.Run(ctx); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("gateway exited")
	}
}
