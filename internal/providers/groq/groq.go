// Package groq provides the adapter for Groq's OpenAI-compatible API.
package groq

import (
	"aiproxy/internal/core"
	"aiproxy/internal/providers"
	"aiproxy/internal/providers/openai"
)

// Registration provides factory registration for the Groq provider.
var Registration = providers.Registration{
	Type: "groq",
	New:  New,
}

const defaultBaseURL = "https://api.groq.com/openai/v1"

// New creates a Groq adapter.
func New(apiKey string, opts providers.ProviderOptions) core.Adapter {
	if opts.Name == "" {
		opts.Name = "groq"
	}
	return openai.NewCompatible(apiKey, opts, openai.CompatibleConfig{
		DefaultBaseURL:  defaultBaseURL,
		Capabilities:    core.Capabilities{Tools: true, Streaming: true},
		RequestIDHeader: "X-Request-ID",
	})
}
