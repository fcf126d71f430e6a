package multiplexer

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sink is one client transport being fed upstream bytes.
//
// Write must be non-blocking: a sink that cannot accept a chunk reports an
// error and is dropped rather than stalling the broadcast. OnClose callbacks
// fire exactly once, no matter how the transport terminates.
type Sink interface {
	// ID returns the sink's connection id.
	ID() string
	// SubscribedAt returns when the sink was created.
	SubscribedAt() time.Time
	// Begin prepares the transport for streaming (headers, status).
	Begin()
	// Write queues a chunk for delivery. A non-nil error means the sink is
	// dead and must be removed.
	Write(p []byte) error
	// End closes the transport.
	End()
	// IsAlive reports whether the transport is still usable.
	IsAlive() bool
	// OnClose registers a callback invoked exactly once when the transport
	// terminates for any reason. Registering on a closed sink fires the
	// callback immediately.
	OnClose(fn func())
	// Done is closed when the sink has terminated.
	Done() <-chan struct{}
}

var (
	errSinkClosed     = errors.New("sink closed")
	errSinkBufferFull = errors.New("sink buffer full")
)

// HTTPSink adapts an inbound streaming HTTP response into a Sink.
//
// Disconnect detection is wired to the request context, not just write
// errors: Go's server cancels it when the client goes away, which covers
// aborted fetches whose response-side events are unreliable.
type HTTPSink struct {
	id           string
	w            http.ResponseWriter
	flusher      http.Flusher
	subscribedAt time.Time

	mu       sync.Mutex
	closed   bool
	closeFns []func()

	buffer chan []byte
	done   chan struct{}

	beginOnce sync.Once
}

// NewHTTPSink creates a sink over w, watching r's context for client
// disconnect. bufferBytes sizes the per-sink write buffer.
func NewHTTPSink(w http.ResponseWriter, r *http.Request, bufferBytes int) (*HTTPSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported")
	}

	// The server's WriteTimeout would otherwise kill long-lived streams.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	capacity := bufferBytes / (4 * 1024) // Assume ~4KB chunks
	if capacity < 1 {
		capacity = 1
	}
	s := &HTTPSink{
		id:           uuid.NewString(),
		w:            w,
		flusher:      flusher,
		subscribedAt: time.Now(),
		buffer:       make(chan []byte, capacity),
		done:         make(chan struct{}),
	}

	// Request-level disconnect detection.
	go func() {
		select {
		case <-r.Context().Done():
			s.close()
		case <-s.done:
		}
	}()

	go s.writeLoop()

	return s, nil
}

// ID returns the sink's connection id.
func (s *HTTPSink) ID() string { return s.id }

// SubscribedAt returns when the sink was created.
func (s *HTTPSink) SubscribedAt() time.Time { return s.subscribedAt }

// Begin sets streaming headers and commits the 200 status.
func (s *HTTPSink) Begin() {
	s.beginOnce.Do(func() {
		h := s.w.Header()
		h.Set("Content-Type", "application/json")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		s.w.WriteHeader(http.StatusOK)
		s.flusher.Flush()
	})
}

// Write queues a chunk for delivery without blocking.
func (s *HTTPSink) Write(p []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errSinkClosed
	}

	// Copy: the broadcast loop reuses its read buffer.
	chunk := make([]byte, len(p))
	copy(chunk, p)

	select {
	case s.buffer <- chunk:
		s.mu.Unlock()
		return nil
	default:
		// Buffer full: the client is too slow to keep the stream. Close off
		// the broadcast path; callers may hold the mux lock that the close
		// callbacks need.
		s.mu.Unlock()
		go s.close()
		return errSinkBufferFull
	}
}

// End closes the transport.
func (s *HTTPSink) End() { s.close() }

// IsAlive reports whether the transport is still usable.
func (s *HTTPSink) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// OnClose registers fn to run exactly once at termination.
func (s *HTTPSink) OnClose(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.closeFns = append(s.closeFns, fn)
	s.mu.Unlock()
}

// Done is closed when the sink has terminated.
func (s *HTTPSink) Done() <-chan struct{} { return s.done }

// close terminates the sink and fires close callbacks. Idempotent.
func (s *HTTPSink) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	fns := s.closeFns
	s.closeFns = nil
	close(s.done)
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// writeLoop drains the buffer onto the response, flushing each chunk.
func (s *HTTPSink) writeLoop() {
	for {
		select {
		case chunk := <-s.buffer:
			if _, err := s.w.Write(chunk); err != nil {
				s.close()
				return
			}
			s.flusher.Flush()
		case <-s.done:
			// Flush anything already queued before giving up the response.
			for {
				select {
				case chunk := <-s.buffer:
					if _, err := s.w.Write(chunk); err != nil {
						return
					}
					s.flusher.Flush()
				default:
					return
				}
			}
		}
	}
}
