// Package xai provides the adapter for xAI (Grok).
package xai

import (
	"aiproxy/internal/core"
	"aiproxy/internal/providers"
	"aiproxy/internal/providers/openai"
)

// Registration provides factory registration for the xAI provider.
var Registration = providers.Registration{
	Type: "xai",
	New:  New,
}

const defaultBaseURL = "https://api.x.ai/v1"

// New creates an xAI adapter.
func New(apiKey string, opts providers.ProviderOptions) core.Adapter {
	if opts.Name == "" {
		opts.Name = "xai"
	}
	return openai.NewCompatible(apiKey, opts, openai.CompatibleConfig{
		DefaultBaseURL:  defaultBaseURL,
		Capabilities:    core.Capabilities{Tools: true, Streaming: true},
		RequestIDHeader: "X-Request-ID",
	})
}
