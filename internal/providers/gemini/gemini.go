// Package gemini provides the adapter for Google Gemini through its OpenAI-compatible endpoint.
package gemini

import (
	"aiproxy/internal/core"
	"aiproxy/internal/providers"
	"aiproxy/internal/providers/openai"
)

// Registration provides factory registration for the Gemini provider.
var Registration = providers.Registration{
	Type: "gemini",
	New:  New,
}

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai"

// New creates a Gemini adapter.
func New(apiKey string, opts providers.ProviderOptions) core.Adapter {
	if opts.Name == "" {
		opts.Name = "gemini"
	}
	return openai.NewCompatible(apiKey, opts, openai.CompatibleConfig{
		DefaultBaseURL: defaultBaseURL,
		Capabilities:   core.Capabilities{Tools: true, Streaming: true},
	})
}
