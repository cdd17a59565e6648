package providers

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/tidwall/gjson"

	"aiproxy/internal/core"
)

// StreamDecoder turns one upstream event into zero or more normalized chunks.
// Returning io.EOF (with or without chunks) marks the end of the stream.
// event is the SSE event name and is always empty for NDJSON streams.
type StreamDecoder func(event string, data []byte) ([]*core.StreamChunk, error)

type framing int

const (
	framingSSE framing = iota
	framingNDJSON
)

// eventStream adapts a framed upstream body into a core.ChunkStream.
// Empty chunks are dropped and upstream order is preserved.
type eventStream struct {
	provider string
	body     io.ReadCloser
	reader   *bufio.Reader
	decode   StreamDecoder
	framing  framing

	pending []*core.StreamChunk
	done    bool
	err     error

	closeOnce sync.Once
	closeErr  error
}

// NewSSEStream reads a text/event-stream body. A "data: [DONE]" line ends the stream.
func NewSSEStream(provider string, body io.ReadCloser, decode StreamDecoder) core.ChunkStream {
	return &eventStream{
		provider: provider,
		body:     body,
		reader:   bufio.NewReaderSize(body, 64*1024),
		decode:   decode,
		framing:  framingSSE,
	}
}

// NewNDJSONStream reads a newline-delimited JSON body.
func NewNDJSONStream(provider string, body io.ReadCloser, decode StreamDecoder) core.ChunkStream {
	return &eventStream{
		provider: provider,
		body:     body,
		reader:   bufio.NewReaderSize(body, 64*1024),
		decode:   decode,
		framing:  framingNDJSON,
	}
}

func (s *eventStream) Next() (*core.StreamChunk, error) {
	for {
		for len(s.pending) > 0 {
			chunk := s.pending[0]
			s.pending = s.pending[1:]
			if !chunk.IsEmpty() {
				return chunk, nil
			}
		}
		if s.err != nil {
			return nil, s.err
		}
		if s.done {
			return nil, io.EOF
		}
		s.advance()
	}
}

// advance reads one upstream event and queues its chunks.
func (s *eventStream) advance() {
	var (
		event string
		data  []byte
		err   error
	)
	if s.framing == framingSSE {
		event, data, err = s.readSSEEvent()
	} else {
		data, err = s.readLine()
	}

	if len(data) > 0 {
		if s.framing == framingSSE && bytes.Equal(data, []byte("[DONE]")) {
			s.done = true
			return
		}
		if upstreamErr := detectStreamError(s.provider, event, data); upstreamErr != nil {
			s.err = upstreamErr
			return
		}
		chunks, decErr := s.decode(event, data)
		s.pending = append(s.pending, chunks...)
		if errors.Is(decErr, io.EOF) {
			s.done = true
			return
		}
		if decErr != nil {
			s.err = core.NewUpstreamError(s.provider, http.StatusBadGateway, "malformed stream event: "+decErr.Error(), decErr)
			return
		}
	}

	if err != nil {
		if errors.Is(err, io.EOF) {
			s.done = true
			return
		}
		s.err = core.AsGatewayError(s.provider, err)
	}
}

func (s *eventStream) readLine() ([]byte, error) {
	for {
		line, err := s.reader.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 || err != nil {
			return line, err
		}
	}
}

// readSSEEvent returns the next dispatched event. Multiple data lines are joined with "\n".
func (s *eventStream) readSSEEvent() (string, []byte, error) {
	var (
		event string
		data  [][]byte
	)
	for {
		line, err := s.reader.ReadBytes('\n')
		line = bytes.TrimRight(line, "\r\n")

		switch {
		case len(line) == 0:
			if len(data) > 0 || err != nil {
				return event, bytes.Join(data, []byte("\n")), err
			}
		case line[0] == ':':
			// comment / keep-alive
		default:
			field, value, _ := bytes.Cut(line, []byte(":"))
			value = bytes.TrimPrefix(value, []byte(" "))
			switch string(field) {
			case "event":
				event = string(value)
			case "data":
				data = append(data, value)
			}
		}

		if err != nil {
			return event, bytes.Join(data, []byte("\n")), err
		}
	}
}

// detectStreamError detects error objects sent in place of a chunk.
func detectStreamError(provider, event string, data []byte) *core.GatewayError {
	if event == "error" || gjson.GetBytes(data, "type").String() == "error" {
		msg := gjson.GetBytes(data, "error.message").String()
		if msg == "" {
			msg = string(data)
		}
		return core.NewUpstreamError(provider, http.StatusBadGateway, msg, nil)
	}
	errField := gjson.GetBytes(data, "error")
	if !errField.Exists() {
		return nil
	}
	switch errField.Type {
	case gjson.String:
		if errField.String() == "" {
			return nil
		}
		return core.NewUpstreamError(provider, http.StatusBadGateway, errField.String(), nil)
	case gjson.JSON:
		msg := errField.Get("message").String()
		if msg == "" {
			msg = errField.Raw
		}
		return core.NewUpstreamError(provider, http.StatusBadGateway, msg, nil)
	}
	return nil
}

func (s *eventStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}
