package multiplexer

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/quotewire/streamgate/upstream"
)

// Connection is the per-key record: one upstream byte stream and the sinks
// subscribed to it. All fields except the pump's read buffer are guarded by
// the owning Multiplexer's mutex.
type Connection struct {
	key    string
	userID string

	subscribers map[string]Sink

	body       io.ReadCloser
	cancel     upstream.CancelFunc
	connCancel context.CancelFunc

	aborted       bool
	firstDataSent bool
	lastActivity  time.Time
	createdAt     time.Time

	initialDataTimer *time.Timer
	done             chan struct{}
}

func newConnection(key, userID string, body io.ReadCloser, cancel upstream.CancelFunc, connCancel context.CancelFunc) *Connection {
	now := time.Now()
	return &Connection{
		key:          key,
		userID:       userID,
		subscribers:  make(map[string]Sink),
		body:         body,
		cancel:       cancel,
		connCancel:   connCancel,
		lastActivity: now,
		createdAt:    now,
		done:         make(chan struct{}),
	}
}

// stopTimersLocked stops the liveness timers. Nil-safe and idempotent:
// destroy may run after the timers already fired or were cleared.
// Must be called with the mux lock held.
func (c *Connection) stopTimersLocked() {
	if c.initialDataTimer != nil {
		c.initialDataTimer.Stop()
		c.initialDataTimer = nil
	}
}

// pump reads the upstream body and hands chunks to the multiplexer until
// the stream ends or errors.
func (m *Multiplexer) pump(c *Connection) {
	buf := make([]byte, 32*1024) // 32KB read buffer

	for {
		n, err := c.body.Read(buf)
		if n > 0 {
			m.handleData(c, buf[:n])
		}
		if err != nil {
			if err == io.EOF {
				m.destroyConnection(c, "Upstream ended", nil)
			} else {
				m.destroyConnection(c, "Upstream error", err)
			}
			return
		}
	}
}

// handleData broadcasts one upstream chunk to every subscriber, dropping
// sinks that report dead.
func (m *Multiplexer) handleData(c *Connection, chunk []byte) {
	m.mu.Lock()

	if c.aborted {
		m.mu.Unlock()
		return
	}

	c.lastActivity = time.Now()

	if !c.firstDataSent {
		c.firstDataSent = true
		c.stopTimersLocked()
	}

	// Zombie guard: destruction should already have fired on last-close.
	if len(c.subscribers) == 0 {
		m.mu.Unlock()
		go m.closeIfEmpty(c, "No subscribers during broadcast")
		return
	}

	var dead []string
	for id, sink := range c.subscribers {
		if err := sink.Write(chunk); err != nil {
			dead = append(dead, id)
		}
	}

	var ended []Sink
	for _, id := range dead {
		if sink, ok := c.subscribers[id]; ok {
			ended = append(ended, sink)
			delete(c.subscribers, id)
		}
	}
	empty := len(c.subscribers) == 0
	m.mu.Unlock()

	for _, sink := range ended {
		sink.End()
	}

	// Destroy immediately rather than waiting for the sinks' close path,
	// which may be delayed.
	if empty {
		m.closeIfEmpty(c, "All subscribers dead")
	}
}

// watchActivity destroys the connection if the upstream goes idle.
func (m *Multiplexer) watchActivity(c *Connection) {
	ticker := time.NewTicker(m.cfg.ActivityCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			idle := time.Since(c.lastActivity)
			aborted := c.aborted
			m.mu.Unlock()

			if aborted {
				return
			}
			if idle > m.cfg.ActivityTimeout {
				m.destroyConnection(c, "Upstream idle", nil)
				return
			}
		case <-c.done:
			return
		}
	}
}

// isExpectedStreamError reports whether a pump error is a normal
// termination (peer close, cancellation, transport teardown) rather than
// something worth an ERROR log.
func isExpectedStreamError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return true
	}

	msg := err.Error()
	return strings.Contains(msg, "terminated") ||
		strings.Contains(msg, "body closed") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "stream error")
}
