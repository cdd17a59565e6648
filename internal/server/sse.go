package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const sseDone = "[DONE]"

// sseWriter frames server-sent events as "data: <payload>\n\n" and flushes each frame.
// The [DONE] sentinel is written at most once.
type sseWriter struct {
	w       io.Writer
	flusher http.Flusher
	done    bool
}

func newSSEWriter(w io.Writer) *sseWriter {
	f, _ := w.(http.Flusher)
	return &sseWriter{w: w, flusher: f}
}

// writeJSON frames v as one data event.
func (s *sseWriter) writeJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.write(payload)
}

// close writes the [DONE] sentinel unless it was already written.
func (s *sseWriter) close() error {
	if s.done {
		return nil
	}
	s.done = true
	return s.write([]byte(sseDone))
}

func (s *sseWriter) write(payload []byte) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
