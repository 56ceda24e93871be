package ollama

import (
	"fmt"
	"strings"
)

// GenerationRequest is the body of POST /api/generate.
type GenerationRequest struct {
	Model   string   `json:"model"`
	Prompt  string   `json:"prompt"`
	Stream  bool     `json:"stream"`
	Options *Options `json:"options,omitempty"`
}

type Options struct {
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"num_predict,omitempty"`
}

// GenerationResponse is the part of the /api/generate reply we read.
// Response is a pointer so a missing field can be told apart from an
// empty completion.
type GenerationResponse struct {
	Model    string  `json:"model"`
	Response *string `json:"response"`
	Done     bool    `json:"done"`
}

// BuildPrompt asks for a JUnit test of one class. Empty inputs still
// produce a prompt; quality is best effort.
func BuildPrompt(className, classSource string, useMocking, includeComments bool) string {
	var sb strings.Builder

	sb.WriteString("Generate a JUnit 5 unit test for the following Java class.\n\n")
	if useMocking {
		sb.WriteString("Use Mockito for mocking dependencies.\n")
	}
	if includeComments {
		sb.WriteString("Include clear comments explaining the tests.\n")
	}

	sb.WriteString("\nHere is the class to test:\n\n```java\n")
	sb.WriteString(classSource)
	sb.WriteString("\n```\n\n")
	sb.WriteString(fmt.Sprintf("Generate a complete test class named %s with comprehensive test methods for each public method.",
		TestClassName(className)))

	return sb.String()
}

// BuildRequest wraps a prompt for the configured model. Options are only
// attached when the settings carry any.
func BuildRequest(prompt string, s Settings) GenerationRequest {
	req := GenerationRequest{
		Model:  s.ModelName,
		Prompt: prompt,
		Stream: false,
	}
	if s.Temperature > 0 || s.MaxTokens > 0 {
		req.Options = &Options{Temperature: s.Temperature, MaxTokens: s.MaxTokens}
	}
	return req
}

func TestClassName(className string) string {
	return className + "Test"
}
