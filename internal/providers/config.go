package providers

import (
	"os"
	"strings"

	"aiproxy/config"
)

// ProviderConfig holds the resolved configuration of one provider after env overlays.
type ProviderConfig struct {
	Type   string
	APIKey string
	// APIKeys lists every usable key in rotation order; APIKey is the first.
	APIKeys   []string
	BaseURL   string
	Headers   map[string]string
	Tools     *bool
	Streaming *bool
}

// knownProviderEnvs maps well-known provider names to their environment variables.
// Setting one of these variables is enough to declare the provider.
var knownProviderEnvs = []struct {
	name         string
	providerType string
	apiKeyEnv    string
	baseURLEnv   string
}{
	{"openai", "openai", "OPENAI_API_KEY", "OPENAI_BASE_URL"},
	{"anthropic", "anthropic", "ANTHROPIC_API_KEY", "ANTHROPIC_BASE_URL"},
	{"nvidia", "nvidia", "NVIDIA_API_KEY", "NVIDIA_BASE_URL"},
	{"gemini", "gemini", "GEMINI_API_KEY", "GEMINI_BASE_URL"},
	{"xai", "xai", "XAI_API_KEY", "XAI_BASE_URL"},
	{"groq", "groq", "GROQ_API_KEY", "GROQ_BASE_URL"},
	{"ollama", "ollama", "OLLAMA_API_KEY", "OLLAMA_BASE_URL"},
}

// ResolvedProviders is the result of resolving the raw provider map.
type ResolvedProviders struct {
	// Usable providers have credentials and can be instantiated.
	Usable map[string]ProviderConfig
	// Declared holds every provider name present in config or env, usable or not.
	Declared map[string]struct{}
	// Discovered holds the providers declared only through environment variables.
	Discovered map[string]struct{}
}

// KnownEnvVars lists the environment variables that declare or override providers.
func KnownEnvVars() []string {
	vars := make([]string, 0, 2*len(knownProviderEnvs))
	for _, kp := range knownProviderEnvs {
		vars = append(vars, kp.apiKeyEnv, kp.baseURLEnv)
	}
	return vars
}

// resolveProviders applies env var overrides to the raw YAML provider map and
// separates providers with usable credentials from those without.
func resolveProviders(raw map[string]config.RawProviderConfig) ResolvedProviders {
	merged := applyProviderEnvVars(raw)
	declared := make(map[string]struct{}, len(merged))
	discovered := make(map[string]struct{})
	for name := range merged {
		declared[name] = struct{}{}
		if _, ok := raw[name]; !ok {
			discovered[name] = struct{}{}
		}
	}
	return ResolvedProviders{
		Usable:     buildProviderConfigs(filterEmptyProviders(merged)),
		Declared:   declared,
		Discovered: discovered,
	}
}

// applyProviderEnvVars overlays well-known provider env vars onto the raw YAML map.
// Env var values always win over YAML values for the same provider name.
func applyProviderEnvVars(raw map[string]config.RawProviderConfig) map[string]config.RawProviderConfig {
	result := make(map[string]config.RawProviderConfig, len(raw))
	for k, v := range raw {
		result[k] = v
	}

	for _, kp := range knownProviderEnvs {
		apiKey := os.Getenv(kp.apiKeyEnv)
		baseURL := os.Getenv(kp.baseURLEnv)

		if apiKey == "" && baseURL == "" {
			continue
		}

		existing, exists := result[kp.name]
		if exists {
			if apiKey != "" {
				existing.APIKey = apiKey
			}
			if baseURL != "" {
				existing.BaseURL = baseURL
			}
			result[kp.name] = existing
		} else {
			result[kp.name] = config.RawProviderConfig{
				Type:    kp.providerType,
				APIKey:  apiKey,
				BaseURL: baseURL,
			}
		}
	}

	return result
}

// filterEmptyProviders removes providers without valid credentials.
// Ollama is exempt from the API key requirement if it has a BaseURL.
func filterEmptyProviders(raw map[string]config.RawProviderConfig) map[string]config.RawProviderConfig {
	result := make(map[string]config.RawProviderConfig, len(raw))
	for name, p := range raw {
		if p.Type == "ollama" && p.BaseURL != "" {
			result[name] = p
			continue
		}
		if len(usableKeys(p)) > 0 {
			result[name] = p
		}
	}
	return result
}

func buildProviderConfigs(raw map[string]config.RawProviderConfig) map[string]ProviderConfig {
	result := make(map[string]ProviderConfig, len(raw))
	for name, r := range raw {
		keys := usableKeys(r)
		var first string
		if len(keys) > 0 {
			first = keys[0]
		}
		result[name] = ProviderConfig{
			Type:      r.Type,
			APIKey:    first,
			APIKeys:   keys,
			BaseURL:   r.BaseURL,
			Headers:   r.Headers,
			Tools:     r.Tools,
			Streaming: r.Streaming,
		}
	}
	return result
}

// usableKeys returns api_key followed by api_keys, skipping empty, duplicate and
// unexpanded ${VAR} entries.
func usableKeys(p config.RawProviderConfig) []string {
	var keys []string
	seen := make(map[string]struct{})
	for _, k := range append([]string{p.APIKey}, p.APIKeys...) {
		k = strings.TrimSpace(k)
		if k == "" || strings.Contains(k, "${") {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys
}
