package server

import (
	"context"

	"aiproxy/internal/core"
	"aiproxy/internal/dispatch"
)

// Dispatcher executes routed chat requests.
type Dispatcher interface {
	Chat(ctx context.Context, req *core.ChatRequest) (*core.ChatResponse, error)
	Stream(ctx context.Context, req *core.ChatRequest) (ChatStream, error)
}

// ChatStream is the chunk stream of the target selected for a streaming request.
type ChatStream interface {
	core.ChunkStream
	Provider() string
}

// AliasLister lists the client-facing model aliases.
type AliasLister interface {
	Aliases() []string
}

type engineDispatcher struct {
	engine *dispatch.Engine
}

// FromEngine exposes a dispatch engine as a Dispatcher.
func FromEngine(engine *dispatch.Engine) Dispatcher {
	return engineDispatcher{engine: engine}
}

func (d engineDispatcher) Chat(ctx context.Context, req *core.ChatRequest) (*core.ChatResponse, error) {
	return d.engine.Chat(ctx, req)
}

func (d engineDispatcher) Stream(ctx context.Context, req *core.ChatRequest) (ChatStream, error) {
	s, err := d.engine.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return s, nil
}
