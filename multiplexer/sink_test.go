package multiplexer

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTPSinkStreamsAndFlushes(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/stream/quotes", nil)

	sink, err := NewHTTPSink(rec, req, 64*1024)
	if err != nil {
		t.Fatalf("NewHTTPSink failed: %v", err)
	}
	defer sink.End()

	sink.Begin()
	if err := sink.Write([]byte("chunk-1\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := sink.Write([]byte("chunk-2\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(rec.Body.String(), "chunk-2") {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("unexpected content type %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-cache" {
		t.Fatalf("unexpected cache control %q", got)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "chunk-1") || !strings.Contains(body, "chunk-2") {
		t.Fatalf("body missing chunks: %q", body)
	}
	if !rec.Flushed {
		t.Fatal("response was never flushed")
	}
}

func TestHTTPSinkTinyBufferStillDelivers(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/stream/quotes", nil)

	// Below one chunk's worth of buffer the sink still gets capacity for a
	// single in-flight chunk rather than none.
	sink, err := NewHTTPSink(rec, req, 1)
	if err != nil {
		t.Fatalf("NewHTTPSink failed: %v", err)
	}
	defer sink.End()

	sink.Begin()
	for i := 0; i < 3; i++ {
		if err := sink.Write([]byte("tick\n")); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if strings.Count(rec.Body.String(), "tick") > i {
				break
			}
			time.Sleep(time.Millisecond)
		}
	}

	if !sink.IsAlive() {
		t.Fatal("sink died under a tiny buffer")
	}
	if got := strings.Count(rec.Body.String(), "tick"); got != 3 {
		t.Fatalf("expected 3 chunks delivered, got %d", got)
	}
}

func TestHTTPSinkClosesOnClientDisconnect(t *testing.T) {
	rec := httptest.NewRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/stream/quotes", nil).WithContext(ctx)

	sink, err := NewHTTPSink(rec, req, 64*1024)
	if err != nil {
		t.Fatalf("NewHTTPSink failed: %v", err)
	}

	closed := make(chan struct{})
	sink.OnClose(func() { close(closed) })

	cancel()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close callback did not fire on request cancellation")
	}

	select {
	case <-sink.Done():
	default:
		t.Fatal("Done not closed after disconnect")
	}
	if sink.IsAlive() {
		t.Fatal("sink still alive after disconnect")
	}
	if err := sink.Write([]byte("late")); err == nil {
		t.Fatal("expected error writing to closed sink")
	}
}

func TestHTTPSinkOnCloseAfterEndFiresImmediately(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/stream/quotes", nil)

	sink, err := NewHTTPSink(rec, req, 64*1024)
	if err != nil {
		t.Fatalf("NewHTTPSink failed: %v", err)
	}
	sink.End()
	sink.End() // idempotent

	fired := false
	sink.OnClose(func() { fired = true })
	if !fired {
		t.Fatal("OnClose on a closed sink did not fire immediately")
	}
}

func TestHTTPSinkIDsAreUnique(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/stream/quotes", nil)

	a, err := NewHTTPSink(rec, req, 4096)
	if err != nil {
		t.Fatalf("NewHTTPSink failed: %v", err)
	}
	defer a.End()
	b, err := NewHTTPSink(httptest.NewRecorder(), req, 4096)
	if err != nil {
		t.Fatalf("NewHTTPSink failed: %v", err)
	}
	defer b.End()

	if a.ID() == b.ID() {
		t.Fatal("sink IDs collide")
	}
	if a.ID() == "" {
		t.Fatal("empty sink ID")
	}
}
