// Package sse streams server-sent events to a single HTTP client.
package sse

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// ErrClosed is returned by writes after the client went away.
var ErrClosed = errors.New("sse: stream closed")

// Writer serialises events onto a streaming response. It is safe for
// concurrent use; after the first failed write every call is a no-op.
type Writer struct {
	mu     sync.Mutex
	w      http.ResponseWriter
	rc     *http.ResponseController
	closed bool
}

// NewWriter commits the event-stream headers and flushes them.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	rc := http.NewResponseController(w)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := rc.Flush(); err != nil {
		return nil, fmt.Errorf("sse: response cannot be flushed: %w", err)
	}
	return &Writer{w: w, rc: rc}, nil
}

// Send writes v as one data event.
func (s *Writer) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	frame := make([]byte, 0, len(b)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, b...)
	frame = append(frame, '\n', '\n')
	return s.write(frame)
}

// Ping writes a comment line, which clients ignore.
func (s *Writer) Ping() error {
	return s.write([]byte(": ping\n\n"))
}

func (s *Writer) write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.w.Write(frame); err != nil {
		s.closed = true
		return err
	}
	if err := s.rc.Flush(); err != nil {
		s.closed = true
		return err
	}
	return nil
}

// Closed reports whether a write has failed.
func (s *Writer) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// KeepAlive pings every interval until ctx is done or the returned stop
// function is called. stop waits for the pinger to exit.
func (s *Writer) KeepAlive(ctx context.Context, interval time.Duration) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := s.Ping(); err != nil {
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
