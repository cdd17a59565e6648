package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aiproxy/config"
	"aiproxy/internal/core"
)

func testFactory() *ProviderFactory {
	f := NewProviderFactory()
	for _, typ := range []string{"openai", "anthropic"} {
		f.Add(Registration{Type: typ, New: func(_ string, opts ProviderOptions) core.Adapter {
			return &fakeAdapter{name: opts.Name, caps: core.Capabilities{Tools: true, Streaming: true}}
		}})
	}
	return f
}

func testConfig() *config.Config {
	return &config.Config{
		Providers: map[string]config.RawProviderConfig{
			"providerA": {Type: "openai", APIKey: "a"},
			"providerB": {Type: "anthropic", APIKey: "b"},
		},
		Models: map[string]config.ModelConfig{
			"fast": {Targets: []config.TargetConfig{{Provider: "providerA", Model: "small-1"}}},
		},
	}
}

func TestInit(t *testing.T) {
	clearProviderEnv(t)

	res, err := Init(testConfig(), testFactory())
	require.NoError(t, err)

	assert.Equal(t, []string{"providerA", "providerB"}, res.Registry.Names())
	assert.Equal(t, []string{"fast"}, res.Router.Aliases())

	a, ok := res.Registry.Adapter("providerA")
	require.True(t, ok)
	assert.Equal(t, "providerA", a.Name())
}

func TestInit_Errors(t *testing.T) {
	clearProviderEnv(t)

	_, err := Init(testConfig(), nil)
	require.Error(t, err)

	cfg := testConfig()
	cfg.Providers["weird"] = config.RawProviderConfig{Type: "carrier-pigeon", APIKey: "k"}
	_, err = Init(cfg, testFactory())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "providers.weird")
}

func TestInitResult_Reload(t *testing.T) {
	clearProviderEnv(t)

	res, err := Init(testConfig(), testFactory())
	require.NoError(t, err)

	next := testConfig()
	next.Models["deep-think"] = config.ModelConfig{
		Policy: config.PolicyConcatenate,
		Targets: []config.TargetConfig{
			{Provider: "providerA", Model: "big-1"},
			{Provider: "providerB", Model: "big-2"},
		},
	}
	require.NoError(t, res.Reload(next))
	assert.Equal(t, []string{"deep-think", "fast"}, res.Router.Aliases())

	broken := testConfig()
	broken.Models["bad"] = config.ModelConfig{Targets: []config.TargetConfig{{Provider: "ghost", Model: "m"}}}
	require.Error(t, res.Reload(broken))
	assert.Equal(t, []string{"deep-think", "fast"}, res.Router.Aliases(), "failed reload keeps the previous table")
}

func TestInit_SkipsEnvProviderOfUnregisteredType(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("GROQ_API_KEY", "stray")

	res, err := Init(testConfig(), testFactory())
	require.NoError(t, err)
	assert.Equal(t, []string{"providerA", "providerB"}, res.Registry.Names())
}

func TestInit_EnvProviderOfRegisteredType(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-env")

	res, err := Init(testConfig(), testFactory())
	require.NoError(t, err)
	assert.Equal(t, []string{"openai", "providerA", "providerB"}, res.Registry.Names())
}

func TestInit_PassesKeyRing(t *testing.T) {
	clearProviderEnv(t)
	cfg := testConfig()
	cfg.Providers["providerA"] = config.RawProviderConfig{
		Type:    "openai",
		APIKey:  "a",
		APIKeys: []string{"b", " ", "a", "${MISSING}", "c"},
	}

	res, err := Init(cfg, testFactory())
	require.NoError(t, err)

	a, ok := res.Registry.Adapter("providerA")
	require.True(t, ok)
	ring, ok := a.(core.KeyRing)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b", "c"}, ring.APIKeys())
}
