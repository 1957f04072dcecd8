// Package stream frames agent output as Server-Sent Events. Every event is
// one "data: <json>\n\n" line; silence is papered over with ": keepalive"
// comments so proxies keep the connection open.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// DefaultHeartbeat is how long the writer stays silent before emitting a
// keepalive comment.
const DefaultHeartbeat = 15 * time.Second

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("response writer does not support streaming")

// ErrOrdering is returned when an event would violate the stream grammar:
// zero or more status events, then zero or more content chunks, then an
// optional sources event, then exactly one complete.
var ErrOrdering = errors.New("event out of order")

// Source attributes one URL used to produce the answer.
type Source struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

type event struct {
	Type    string   `json:"type"`
	Label   string   `json:"label,omitempty"`
	Detail  string   `json:"detail,omitempty"`
	URL     string   `json:"url,omitempty"`
	Chunk   string   `json:"chunk,omitempty"`
	Sources []Source `json:"sources,omitempty"`
	Meta    any      `json:"meta,omitempty"`
}

type phase int

const (
	phaseStatus phase = iota
	phaseContent
	phaseSources
	phaseComplete
)

// Writer emits a single SSE stream. Methods are safe for concurrent use;
// the grammar is enforced per call.
type Writer struct {
	mu        sync.Mutex
	w         http.ResponseWriter
	flusher   http.Flusher
	phase     phase
	lastWrite time.Time

	stopHeartbeat chan struct{}
	heartbeatOnce sync.Once
}

// NewWriter prepares w for SSE and returns the stream writer. Headers are
// written immediately.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &Writer{
		w:             w,
		flusher:       flusher,
		lastWrite:     time.Now(),
		stopHeartbeat: make(chan struct{}),
	}, nil
}

func (s *Writer) emit(next phase, ev event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == phaseComplete {
		return fmt.Errorf("%w: stream already completed", ErrOrdering)
	}
	if next < s.phase {
		return fmt.Errorf("%w: %s after %s", ErrOrdering, ev.Type, phaseName(s.phase))
	}
	s.phase = next

	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	s.lastWrite = time.Now()
	return nil
}

func phaseName(p phase) string {
	switch p {
	case phaseStatus:
		return "status"
	case phaseContent:
		return "content"
	case phaseSources:
		return "sources"
	default:
		return "complete"
	}
}

// Status emits a progress frame. Detail and url may be empty.
func (s *Writer) Status(label, detail, url string) error {
	return s.emit(phaseStatus, event{Type: "status", Label: label, Detail: detail, URL: url})
}

// Content emits one answer chunk.
func (s *Writer) Content(chunk string) error {
	return s.emit(phaseContent, event{Type: "content", Chunk: chunk})
}

// Sources emits the source attribution list. At most one per stream.
func (s *Writer) Sources(sources []Source) error {
	s.mu.Lock()
	if s.phase == phaseSources {
		s.mu.Unlock()
		return fmt.Errorf("%w: duplicate sources event", ErrOrdering)
	}
	s.mu.Unlock()
	return s.emit(phaseSources, event{Type: "sources", Sources: sources})
}

// Complete terminates the stream. No events may follow.
func (s *Writer) Complete(meta any) error {
	return s.emit(phaseComplete, event{Type: "complete", Meta: meta})
}

// Completed reports whether the terminal event has been written. Handlers
// use it to tell a finished stream from one cut short by disconnect.
func (s *Writer) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == phaseComplete
}

// StartHeartbeat emits a keepalive comment whenever the stream has been
// silent for the given interval. It stops when ctx is canceled or Close is
// called.
func (s *Writer) StartHeartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHeartbeat
	}
	go func() {
		ticker := time.NewTicker(interval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopHeartbeat:
				return
			case <-ticker.C:
				s.mu.Lock()
				if s.phase != phaseComplete && time.Since(s.lastWrite) >= interval {
					if _, err := fmt.Fprint(s.w, ": keepalive\n\n"); err == nil {
						s.flusher.Flush()
						s.lastWrite = time.Now()
					}
				}
				s.mu.Unlock()
			}
		}
	}()
}

// Close stops the heartbeat goroutine. It does not emit anything: a stream
// closed without Complete signals an aborted request.
func (s *Writer) Close() {
	s.heartbeatOnce.Do(func() { close(s.stopHeartbeat) })
}

// Sink adapts a Writer to the agent's progress interface. Write errors are
// swallowed: a vanished client should not abort the run mid-dispatch, the
// context cancellation does that.
type Sink struct {
	W *Writer
}

func (s Sink) Status(message string) {
	_ = s.W.Status(message, "", "")
}

func (s Sink) Content(text string) {
	_ = s.W.Content(text)
}
