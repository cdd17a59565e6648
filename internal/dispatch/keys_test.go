package dispatch

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aiproxy/config"
	"aiproxy/internal/core"
)

// keyedAdapter is a scriptedAdapter configured with several upstream keys.
type keyedAdapter struct {
	*scriptedAdapter
	keys []string

	mu   sync.Mutex
	seen []string
}

func newKeyedAdapter(name string, keys ...string) *keyedAdapter {
	return &keyedAdapter{scriptedAdapter: newAdapter(name), keys: keys}
}

func (k *keyedAdapter) APIKeys() []string { return k.keys }

// use records the key of one call and returns it.
func (k *keyedAdapter) use(ctx context.Context) string {
	key := core.APIKey(ctx, "default")
	k.mu.Lock()
	k.seen = append(k.seen, key)
	k.mu.Unlock()
	return key
}

func (k *keyedAdapter) used() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.seen...)
}

func keyedEngine(a *keyedAdapter, retry config.RetryConfig) (*Engine, *captureLog) {
	log := &captureLog{}
	return New(fakeRouter{"r": route("r", target(a.name, "m"))}, fakeAdapters{a.name: a}, Options{Retry: retry, Log: log}), log
}

func TestChat_RotatesKeyOnRateLimit(t *testing.T) {
	a := newKeyedAdapter("a", "k1", "k2", "k3")
	a.invoke = func(ctx context.Context, attempt int) (*core.ChatResponse, error) {
		if a.use(ctx) == "k1" {
			return failWith(http.StatusTooManyRequests)(ctx, attempt)
		}
		return textResponse("second key"), nil
	}
	engine, log := keyedEngine(a, config.RetryConfig{})

	resp, err := engine.Chat(context.Background(), userRequest("r"))
	require.NoError(t, err)
	assert.Equal(t, "second key", resp.Choices[0].Message.Content)
	assert.Equal(t, []string{"k1", "k2"}, a.used())
	assert.Equal(t, 2, targetStatus(log.last(), "a").Attempts)
}

func TestChat_KeyRotationStopsOnClientError(t *testing.T) {
	a := newKeyedAdapter("a", "k1", "k2")
	a.invoke = func(ctx context.Context, attempt int) (*core.ChatResponse, error) {
		a.use(ctx)
		return failWith(http.StatusUnauthorized)(ctx, attempt)
	}
	engine, _ := keyedEngine(a, config.RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond})

	_, err := engine.Chat(context.Background(), userRequest("r"))
	require.Error(t, err)
	assert.Equal(t, []string{"k1"}, a.used())
}

func TestChat_KeysExhaustedEachAttempt(t *testing.T) {
	a := newKeyedAdapter("a", "k1", "k2")
	a.invoke = func(ctx context.Context, attempt int) (*core.ChatResponse, error) {
		a.use(ctx)
		return failWith(http.StatusServiceUnavailable)(ctx, attempt)
	}
	engine, log := keyedEngine(a, config.RetryConfig{MaxRetries: 1, InitialBackoff: time.Millisecond})

	_, err := engine.Chat(context.Background(), userRequest("r"))
	var gwErr *core.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, http.StatusServiceUnavailable, gwErr.HTTPStatusCode())
	assert.Equal(t, []string{"k1", "k2", "k1", "k2"}, a.used())
	assert.Equal(t, 4, targetStatus(log.last(), "a").Attempts)
}

func TestChat_SingleKeyUsesAdapterDefault(t *testing.T) {
	a := newKeyedAdapter("a", "only")
	a.invoke = func(ctx context.Context, _ int) (*core.ChatResponse, error) {
		a.use(ctx)
		return textResponse("ok"), nil
	}
	engine, _ := keyedEngine(a, config.RetryConfig{})

	_, err := engine.Chat(context.Background(), userRequest("r"))
	require.NoError(t, err)
	assert.Equal(t, []string{"default"}, a.used())
}

func TestStream_RotatesKeyBeforeFirstChunk(t *testing.T) {
	a := newKeyedAdapter("a", "k1", "k2")
	a.stream = func(ctx context.Context, attempt int) (core.ChunkStream, error) {
		if a.use(ctx) == "k1" {
			return failStream(http.StatusTooManyRequests)(ctx, attempt)
		}
		return &chunkStream{chunks: []*core.StreamChunk{contentChunk("ok")}}, nil
	}
	engine, log := keyedEngine(a, config.RetryConfig{})

	s, err := engine.Stream(context.Background(), userRequest("r"))
	require.NoError(t, err)
	chunks, err := drain(t, s)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	require.Len(t, chunks, 1)
	assert.Equal(t, []string{"k1", "k2"}, a.used())
	assert.Equal(t, 2, targetStatus(log.last(), "a").Attempts)
}
