package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(WARN, "[test]", &buf)

	logger.Debug("debug message", nil)
	logger.Info("info message", nil)
	logger.Warn("warn message", nil)
	logger.Error("error message", nil)

	out := buf.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Fatalf("messages below WARN were logged: %q", out)
	}
	if !strings.Contains(out, "warn message") || !strings.Contains(out, "error message") {
		t.Fatalf("WARN/ERROR messages missing: %q", out)
	}
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(ERROR, "[test]", &buf)

	logger.Info("before", nil)
	logger.SetLevel(DEBUG)
	logger.Info("after", nil)

	out := buf.String()
	if strings.Contains(out, "before") {
		t.Fatalf("message logged before level change: %q", out)
	}
	if !strings.Contains(out, "after") {
		t.Fatalf("message missing after level change: %q", out)
	}
}

func TestFieldsAreRendered(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(INFO, "[test]", &buf)

	logger.Info("something happened", map[string]interface{}{
		"key":   "u1|AAPL",
		"count": 3,
	})

	out := buf.String()
	if !strings.Contains(out, "key=u1|AAPL") || !strings.Contains(out, "count=3") {
		t.Fatalf("fields missing: %q", out)
	}
	if !strings.Contains(out, "[test]") {
		t.Fatalf("prefix missing: %q", out)
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"Warn":    WARN,
		"ERROR":   ERROR,
		"bogus":   INFO,
		"":        INFO,
	}
	for in, want := range cases {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLogConnectionDestroyedLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(DEBUG, "", &buf)

	logger.LogConnectionDestroyed("quotes", "u1|AAPL", "Upstream ended", nil, true)
	expected := buf.String()
	if !strings.HasPrefix(strings.TrimSpace(stripTimestamp(expected)), "DEBUG:") {
		t.Fatalf("expected termination not logged at DEBUG: %q", expected)
	}

	buf.Reset()
	logger.LogConnectionDestroyed("quotes", "u1|AAPL", "Upstream error", errors.New("reset by peer"), false)
	unexpected := buf.String()
	if !strings.Contains(unexpected, "ERROR:") {
		t.Fatalf("unexpected termination not logged at ERROR: %q", unexpected)
	}
	if !strings.Contains(unexpected, "reset by peer") {
		t.Fatalf("error detail missing: %q", unexpected)
	}
}

func TestStreamEventHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(DEBUG, "", &buf)

	logger.LogRateLimitHit("quotes", "u1|AAPL", "max_pending_opens")
	logger.LogZombieReaped("bars", "u1|MSFT|1|Minute|1|Default", 90*time.Second)
	logger.LogHighWatermark("quotes", 25, 7)
	logger.LogCredentialsPurged("u1", "refresh token rejected")
	logger.LogCircuitBreakerChange("CLOSED", "OPEN", "https://api.example.com")

	out := buf.String()
	for _, want := range []string{
		"event=rate_limit_hit",
		"event=zombie_reaped",
		"event=high_watermark",
		"event=credentials_purged",
		"event=circuit_state_change",
		"reason=max_pending_opens",
		"upstreams=25",
		"newState=OPEN",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %q", want, out)
		}
	}
}

// stripTimestamp drops the stdlib log date/time prefix.
func stripTimestamp(line string) string {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) == 3 {
		return parts[2]
	}
	return line
}
