package ollama

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultEndpointURL    = "http://localhost:11434"
	DefaultModel          = "qwen2.5-coder:7b"
	DefaultTimeoutSeconds = 60
	MinTimeoutSeconds     = 10
	MaxTimeoutSeconds     = 300
)

// Settings is a read-only snapshot handed to every call. Changing a copy
// after a call has started does not affect that call.
type Settings struct {
	EndpointURL     string
	ModelName       string
	TimeoutSeconds  int
	IncludeMockito  bool
	IncludeComments bool
	Temperature     float64
	MaxTokens       int
}

func DefaultSettings() Settings {
	return Settings{
		EndpointURL:     DefaultEndpointURL,
		ModelName:       DefaultModel,
		TimeoutSeconds:  DefaultTimeoutSeconds,
		IncludeMockito:  true,
		IncludeComments: true,
	}
}

// SettingsFromEnv starts from the defaults and applies OLLAMA_* and
// TESTGEN_* overrides. Unparseable values are ignored.
func SettingsFromEnv() Settings {
	s := DefaultSettings()
	s.EndpointURL = env("OLLAMA_URL", s.EndpointURL)
	s.ModelName = env("OLLAMA_MODEL", s.ModelName)
	s.TimeoutSeconds = envInt("OLLAMA_TIMEOUT_SECONDS", s.TimeoutSeconds)
	s.IncludeMockito = envBool("TESTGEN_INCLUDE_MOCKITO", s.IncludeMockito)
	s.IncludeComments = envBool("TESTGEN_INCLUDE_COMMENTS", s.IncludeComments)
	if v := os.Getenv("OLLAMA_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 2 {
			s.Temperature = f
		}
	}
	s.MaxTokens = envInt("OLLAMA_MAX_TOKENS", s.MaxTokens)
	return s
}

// Validate clamps the timeout into the supported range and rejects
// settings that cannot address a server.
func (s *Settings) Validate() error {
	s.EndpointURL = strings.TrimRight(strings.TrimSpace(s.EndpointURL), "/")
	if s.EndpointURL == "" {
		return errors.New("endpoint url is required")
	}
	if strings.TrimSpace(s.ModelName) == "" {
		return errors.New("model name is required")
	}
	switch {
	case s.TimeoutSeconds <= 0:
		s.TimeoutSeconds = DefaultTimeoutSeconds
	case s.TimeoutSeconds < MinTimeoutSeconds:
		s.TimeoutSeconds = MinTimeoutSeconds
	case s.TimeoutSeconds > MaxTimeoutSeconds:
		s.TimeoutSeconds = MaxTimeoutSeconds
	}
	return nil
}

// Timeout is the read/write budget of a single call.
func (s Settings) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

func (s Settings) url(path string) string {
	return strings.TrimRight(s.EndpointURL, "/") + path
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		n, _ := strconv.Atoi(v)
		if n > 0 {
			return n
		}
	}
	return def
}

func envBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
