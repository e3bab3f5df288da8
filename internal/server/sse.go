package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/appdraft/appdraft/internal/event"
)

var errStreamClosed = errors.New("event stream closed")

// sseSink adapts one live HTTP response to the hub's push interface. Send is
// called from hub goroutines while the handler goroutine blocks in
// handleEvents, so every write goes through the mutex; Close wakes the
// handler up.
type sseSink struct {
	mu      sync.Mutex
	w       gin.ResponseWriter
	closed  bool
	done    chan struct{}
	doneOne sync.Once
}

func newSSESink(w gin.ResponseWriter) *sseSink {
	return &sseSink{w: w, done: make(chan struct{})}
}

func (s *sseSink) Send(ev event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStreamClosed
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		s.closed = true
		return err
	}
	s.w.Flush()
	return nil
}

func (s *sseSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.doneOne.Do(func() { close(s.done) })
	return nil
}

// handleEvents attaches the response as a live event channel for the session
// and holds it open until the client goes away or the hub drops the channel
// (forced eviction or idle pruning). Completion does not end the stream:
// change requests keep emitting output events afterwards.
func (r *Router) handleEvents(c *gin.Context) {
	id := c.Param("id")
	if !isSafeName(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid session id"})
		return
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // Disable nginx buffering
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	sink := newSSESink(c.Writer)
	sub := r.wf.Subscribe(id, sink)

	select {
	case <-c.Request.Context().Done():
	case <-sink.done:
	}
	r.wf.Unsubscribe(id, sub)
}
