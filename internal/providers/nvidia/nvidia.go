// Package nvidia provides the adapter for NVIDIA NIM's OpenAI-compatible API.
package nvidia

import (
	"aiproxy/internal/core"
	"aiproxy/internal/providers"
	"aiproxy/internal/providers/openai"
)

// Registration provides factory registration for the NVIDIA provider.
var Registration = providers.Registration{
	Type: "nvidia",
	New:  New,
}

const defaultBaseURL = "https://integrate.api.nvidia.com/v1"

// New creates an NVIDIA adapter.
func New(apiKey string, opts providers.ProviderOptions) core.Adapter {
	if opts.Name == "" {
		opts.Name = "nvidia"
	}
	return openai.NewCompatible(apiKey, opts, openai.CompatibleConfig{
		DefaultBaseURL: defaultBaseURL,
		Capabilities:   core.Capabilities{Tools: true, Streaming: true},
	})
}
