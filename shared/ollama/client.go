// Package ollama talks to a local Ollama server: it builds test-generation
// requests, sends them, and turns replies into clean source code.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/forge-ai/testforge/shared/codeblock"
	"github.com/rs/zerolog/log"
)

const (
	ConnectTimeout = 10 * time.Second

	generatePath = "/api/generate"
	tagsPath     = "/api/tags"
)

// Client holds the connection pool shared by every call. It carries no
// other state, so concurrent calls are independent.
type Client struct {
	http *http.Client
}

func NewClient() *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        16,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{http: &http.Client{Transport: transport}}
}

// Close drops idle pooled connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// Generate sends req in the background and resolves the returned future
// once with the extracted code or a *TransportError, *ServerError or
// *MalformedResponseError. There is no retry; s.Timeout() bounds the call.
func (c *Client) Generate(ctx context.Context, req GenerationRequest, s Settings) *Future[string] {
	f := newFuture[string]()
	go func() {
		code, err := c.generate(ctx, req, s)
		f.resolve(code, err)
	}()
	return f
}

// GenerateTest builds the prompt and request for one class from s and
// sends it.
func (c *Client) GenerateTest(ctx context.Context, className, classSource string, s Settings) *Future[string] {
	prompt := BuildPrompt(className, classSource, s.IncludeMockito, s.IncludeComments)
	return c.Generate(ctx, BuildRequest(prompt, s), s)
}

func (c *Client) generate(ctx context.Context, req GenerationRequest, s Settings) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, s.Timeout())
	defer cancel()

	url := s.url(generatePath)
	log.Debug().
		Str("url", url).
		Str("model", req.Model).
		Int("prompt_bytes", len(req.Prompt)).
		Dur("timeout", s.Timeout()).
		Msg("sending generate request")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", &TransportError{URL: url, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json; charset=utf-8")

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", &TransportError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TransportError{URL: url, Err: err}
	}

	log.Debug().
		Int("status", resp.StatusCode).
		Int("body_bytes", len(raw)).
		Dur("took", time.Since(start)).
		Msg("generate response received")

	if resp.StatusCode < 200 || resp.StatusCode > 299 || len(bytes.TrimSpace(raw)) == 0 {
		return "", &ServerError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       preview(raw, 200),
		}
	}

	var gr GenerationResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return "", &MalformedResponseError{Body: string(raw), Err: err}
	}
	if gr.Response == nil {
		return "", &MalformedResponseError{Body: string(raw), Err: errors.New(`missing "response" field`)}
	}

	return codeblock.ExtractCode(*gr.Response), nil
}

// CheckAvailability queries /api/tags. Any failure reads as unavailable.
func (c *Client) CheckAvailability(ctx context.Context, s Settings) bool {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url(tagsPath), nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("url", s.EndpointURL).Msg("ollama unreachable")
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}

type Model struct {
	Name       string       `json:"name"`
	ModifiedAt time.Time    `json:"modified_at"`
	Size       int64        `json:"size"`
	Digest     string       `json:"digest"`
	Details    ModelDetails `json:"details"`
}

type ModelDetails struct {
	Format            string   `json:"format"`
	Family            string   `json:"family"`
	Families          []string `json:"families"`
	ParameterSize     string   `json:"parameter_size"`
	QuantizationLevel string   `json:"quantization_level"`
}

// Models lists the models installed on the server.
func (c *Client) Models(ctx context.Context, s Settings) ([]Model, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout())
	defer cancel()

	url := s.url(tagsPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &TransportError{URL: url, Err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{URL: url, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ServerError{StatusCode: resp.StatusCode, Status: resp.Status, Body: preview(raw, 200)}
	}

	var out struct {
		Models []Model `json:"models"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &MalformedResponseError{Body: string(raw), Err: err}
	}
	return out.Models, nil
}

func preview(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
