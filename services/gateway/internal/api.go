package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/forge-ai/testforge/shared/events"
	"github.com/forge-ai/testforge/shared/javasrc"
	"github.com/forge-ai/testforge/shared/mq"
	"github.com/forge-ai/testforge/shared/ollama"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

func (g *Gateway) serveAPI(ctx context.Context) error {
	srv := &http.Server{
		Addr:        ":" + g.cfg.APIPort,
		Handler:     g.routes(),
		ReadTimeout: 15 * time.Second,
		// /api/models waits on Ollama for up to the configured timeout
		WriteTimeout: g.cfg.Ollama.Timeout() + 5*time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Info().Str("addr", srv.Addr).Msg("gateway listening")
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/tests", g.handleCreateTest)
	mux.HandleFunc("GET /api/tests/{id}", g.handleGetTest)
	mux.HandleFunc("GET /api/status", g.handleStatus)
	mux.HandleFunc("GET /api/models", g.handleModels)
	mux.HandleFunc("/ws", g.hub.ServeWS)

	return cors(mux)
}

type createTestRequest struct {
	Source          string `json:"source"`
	SourcePath      string `json:"source_path"`
	ClassName       string `json:"class_name"`
	UseMocking      *bool  `json:"use_mocking"`
	IncludeComments *bool  `json:"include_comments"`
}

func (g *Gateway) handleCreateTest(w http.ResponseWriter, r *http.Request) {
	if !g.submit.Allow() {
		w.Header().Set("Retry-After", "1")
		jsonErr(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	var req createTestRequest
	r.Body = http.MaxBytesReader(w, r.Body, g.cfg.MaxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			jsonErr(w, "body too large", http.StatusRequestEntityTooLarge)
			return
		}
		jsonErr(w, "invalid body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Source) == "" {
		jsonErr(w, "source required", http.StatusBadRequest)
		return
	}

	file, err := javasrc.Parse(r.Context(), []byte(req.Source))
	if err != nil {
		jsonErr(w, "could not parse source", http.StatusBadRequest)
		return
	}

	var (
		class javasrc.Type
		ok    bool
	)
	if req.ClassName != "" {
		class, ok = file.Lookup(req.ClassName)
	} else {
		class, ok = file.Primary(req.SourcePath)
	}
	if !ok {
		jsonErr(w, "no class declaration found", http.StatusUnprocessableEntity)
		return
	}
	if file.IsTestClass(class, req.SourcePath) {
		jsonErr(w, fmt.Sprintf("%s is already a test class", class.Name), http.StatusUnprocessableEntity)
		return
	}

	now := time.Now()
	p := events.TestgenRequestedPayload{
		JobID:           uuid.New().String(),
		ClassName:       class.Name,
		ClassSource:     class.Source,
		PackageName:     file.Package,
		SourcePath:      req.SourcePath,
		UseMocking:      req.UseMocking,
		IncludeComments: req.IncludeComments,
	}

	// registered before publishing so a fast worker cannot outrun it
	g.addJob(&jobState{
		JobID:         p.JobID,
		ClassName:     p.ClassName,
		TestClassName: ollama.TestClassName(p.ClassName),
		Status:        StatusQueued,
		SubmittedAt:   now,
		UpdatedAt:     now,
	})

	if err := mq.PublishEvent(r.Context(), g.pub, events.TestgenRequested, p); err != nil {
		g.dropJob(p.JobID)
		log.Error().Err(err).Str("job", p.JobID).Msg("publish testgen.requested")
		jsonErr(w, "queue error", http.StatusInternalServerError)
		return
	}
	mq.EmitLog(r.Context(), g.pub, p.JobID, "info", "queued",
		fmt.Sprintf("queued test generation for %s", p.ClassName), nil)

	log.Info().Str("job", p.JobID).Str("class", p.ClassName).Msg("test job queued")

	jsonOK(w, map[string]any{
		"job_id":          p.JobID,
		"class_name":      p.ClassName,
		"test_class_name": ollama.TestClassName(p.ClassName),
		"status":          StatusQueued,
	}, http.StatusCreated)
}

func (g *Gateway) handleGetTest(w http.ResponseWriter, r *http.Request) {
	j, ok := g.job(r.PathValue("id"))
	if !ok {
		jsonErr(w, "job not found", http.StatusNotFound)
		return
	}
	jsonOK(w, j, http.StatusOK)
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	s := g.cfg.Ollama
	jsonOK(w, map[string]any{
		"status": "online",
		"ollama": map[string]any{
			"available": g.ollama.CheckAvailability(r.Context(), s),
			"endpoint":  s.EndpointURL,
			"model":     s.ModelName,
		},
		"active_jobs": g.activeJobs(),
		"clients":     g.hub.ClientCount(),
	}, http.StatusOK)
}

func (g *Gateway) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := g.ollama.Models(r.Context(), g.cfg.Ollama)
	if err != nil {
		log.Warn().Err(err).Str("kind", ollama.Kind(err)).Msg("list models")
		jsonErr(w, err.Error(), http.StatusBadGateway)
		return
	}
	if models == nil {
		models = []ollama.Model{}
	}
	jsonOK(w, map[string]any{
		"models":  models,
		"default": g.cfg.Ollama.ModelName,
	}, http.StatusOK)
}

func jsonOK(w http.ResponseWriter, v any, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonErr(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
