package providers

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aiproxy/internal/core"
)

type trackingBody struct {
	io.Reader
	closes int
}

func (b *trackingBody) Close() error {
	b.closes++
	return nil
}

func contentDecoder(_ string, data []byte) ([]*core.StreamChunk, error) {
	var v struct {
		Text string `json:"text"`
		Done bool   `json:"done"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	chunk := &core.StreamChunk{Object: "chat.completion.chunk", Choices: []core.StreamChoice{{Delta: core.Delta{Content: v.Text}}}}
	if v.Done {
		return []*core.StreamChunk{chunk}, io.EOF
	}
	return []*core.StreamChunk{chunk}, nil
}

func collect(t *testing.T, s core.ChunkStream) ([]string, error) {
	t.Helper()
	var out []string
	for {
		chunk, err := s.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, chunk.Choices[0].Delta.Content)
	}
}

func TestSSEStream(t *testing.T) {
	body := &trackingBody{Reader: strings.NewReader(
		": keep-alive\n\n" +
			"data: {\"text\":\"Hel\"}\n\n" +
			"data: {\"text\":\"\"}\n\n" +
			"event: delta\r\ndata: {\"text\":\"lo\"}\r\n\r\n" +
			"data: [DONE]\n\n" +
			"data: {\"text\":\"after done\"}\n\n",
	)}

	s := NewSSEStream("p", body, contentDecoder)
	got, err := collect(t, s)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, got)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, body.closes)
}

func TestSSEStream_EventNamePassedToDecoder(t *testing.T) {
	var events []string
	decoder := func(event string, data []byte) ([]*core.StreamChunk, error) {
		events = append(events, event)
		return nil, nil
	}
	s := NewSSEStream("p", io.NopCloser(strings.NewReader("event: message_start\ndata: {}\n\ndata: {}\n\n")), decoder)
	_, err := collect(t, s)
	require.NoError(t, err)
	assert.Equal(t, []string{"message_start", ""}, events)
}

func TestSSEStream_MultiLineData(t *testing.T) {
	var got string
	decoder := func(_ string, data []byte) ([]*core.StreamChunk, error) {
		got = string(data)
		return nil, nil
	}
	s := NewSSEStream("p", io.NopCloser(strings.NewReader("data: {\"a\":\ndata: 1}\n\n")), decoder)
	_, err := collect(t, s)
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":\n1}", got)
}

func TestSSEStream_NoTrailingBlankLine(t *testing.T) {
	s := NewSSEStream("p", io.NopCloser(strings.NewReader("data: {\"text\":\"a\"}\n\ndata: {\"text\":\"b\"}")), contentDecoder)
	got, err := collect(t, s)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestSSEStream_DecoderEOF(t *testing.T) {
	s := NewSSEStream("p", io.NopCloser(strings.NewReader(
		"data: {\"text\":\"a\"}\n\ndata: {\"text\":\"b\",\"done\":true}\n\ndata: {\"text\":\"c\"}\n\n")), contentDecoder)
	got, err := collect(t, s)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestSSEStream_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantMsg string
	}{
		{"openai error object", "data: {\"text\":\"a\"}\n\ndata: {\"error\":{\"message\":\"overloaded\"}}\n\n", "overloaded"},
		{"anthropic error event", "data: {\"text\":\"a\"}\n\nevent: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"busy\"}}\n\n", "busy"},
		{"malformed json", "data: {\"text\":\"a\"}\n\ndata: not-json\n\n", "malformed stream event"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSSEStream("prov", io.NopCloser(strings.NewReader(tt.input)), contentDecoder)
			got, err := collect(t, s)
			assert.Equal(t, []string{"a"}, got)

			var gwErr *core.GatewayError
			require.True(t, errors.As(err, &gwErr))
			assert.Equal(t, core.ErrorTypeUpstream, gwErr.Type)
			assert.Equal(t, "prov", gwErr.Provider)
			assert.Contains(t, gwErr.Message, tt.wantMsg)

			_, again := s.Next()
			assert.Equal(t, err, again)
		})
	}
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func TestSSEStream_ReadError(t *testing.T) {
	body := io.MultiReader(strings.NewReader("data: {\"text\":\"a\"}\n\n"), failingReader{err: errors.New("connection reset")})
	s := NewSSEStream("prov", io.NopCloser(body), contentDecoder)
	got, err := collect(t, s)
	assert.Equal(t, []string{"a"}, got)
	var gwErr *core.GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, core.ErrorTypeUpstream, gwErr.Type)
	assert.Contains(t, gwErr.Message, "connection reset")
}

func TestNDJSONStream(t *testing.T) {
	body := &trackingBody{Reader: strings.NewReader(
		"{\"text\":\"one\"}\n\n{\"text\":\"\"}\n{\"text\":\"two\"}\n{\"text\":\"three\",\"done\":true}\n{\"text\":\"ignored\"}\n",
	)}
	s := NewNDJSONStream("local", body, contentDecoder)
	got, err := collect(t, s)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, got)
	require.NoError(t, s.Close())
	assert.Equal(t, 1, body.closes)
}

func TestNDJSONStream_ErrorLine(t *testing.T) {
	s := NewNDJSONStream("local", io.NopCloser(strings.NewReader("{\"text\":\"one\"}\n{\"error\":\"model not found\"}\n")), contentDecoder)
	got, err := collect(t, s)
	assert.Equal(t, []string{"one"}, got)
	var gwErr *core.GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, "model not found", gwErr.Message)
}
