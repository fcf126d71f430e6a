package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity level of a log message
type LogLevel int

// Log level constants define the severity hierarchy for filtering log output
const (
	DEBUG LogLevel = iota // DEBUG is the lowest severity level for detailed diagnostics
	INFO                  // INFO is for general informational messages
	WARN                  // WARN is for warning messages that don't prevent operation
	ERROR                 // ERROR is the highest severity for error conditions
)

func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel converts a string to a LogLevel
func ParseLogLevel(s string) LogLevel {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// Logger provides structured logging with configurable levels
type Logger struct {
	mu     sync.Mutex
	level  LogLevel
	logger *log.Logger
	prefix string
}

// New creates a new Logger with the specified level
func New(level LogLevel, prefix string) *Logger {
	return &Logger{
		level:  level,
		logger: log.New(os.Stderr, "", log.LstdFlags),
		prefix: prefix,
	}
}

// NewWithWriter creates a new Logger with custom output writer
func NewWithWriter(level LogLevel, prefix string, w io.Writer) *Logger {
	return &Logger{
		level:  level,
		logger: log.New(w, "", log.LstdFlags),
		prefix: prefix,
	}
}

// SetLevel changes the log level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// shouldLog checks if a message at the given level should be logged
func (l *Logger) shouldLog(level LogLevel) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return level >= l.level
}

// log writes a log message with the given level and fields
func (l *Logger) log(level LogLevel, msg string, fields map[string]interface{}) {
	if !l.shouldLog(level) {
		return
	}

	var sb strings.Builder

	if l.prefix != "" {
		sb.WriteString(l.prefix)
		sb.WriteString(" ")
	}

	sb.WriteString(level.String())
	sb.WriteString(": ")
	sb.WriteString(msg)

	if len(fields) > 0 {
		sb.WriteString(" |")
		for k, v := range fields {
			sb.WriteString(fmt.Sprintf(" %s=%v", k, v))
		}
	}

	l.logger.Println(sb.String())
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, fields map[string]interface{}) {
	l.log(DEBUG, msg, fields)
}

// Info logs an info message
func (l *Logger) Info(msg string, fields map[string]interface{}) {
	l.log(INFO, msg, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, fields map[string]interface{}) {
	l.log(WARN, msg, fields)
}

// Error logs an error message
func (l *Logger) Error(msg string, fields map[string]interface{}) {
	l.log(ERROR, msg, fields)
}

// StreamEvent represents a type of stream lifecycle event
type StreamEvent string

// Stream event constants identify notable multiplexer and auth events
const (
	EventRateLimitHit       StreamEvent = "rate_limit_hit"       // EventRateLimitHit indicates an open or subscribe was refused
	EventZombieReaped       StreamEvent = "zombie_reaped"        // EventZombieReaped indicates the sweep destroyed a subscriber-less upstream
	EventConnectionDestroy  StreamEvent = "connection_destroyed" // EventConnectionDestroy indicates an upstream connection was torn down
	EventHighWatermark      StreamEvent = "high_watermark"       // EventHighWatermark indicates upstream or pending-open counts are unusually high
	EventCredentialsPurged  StreamEvent = "credentials_purged"   // EventCredentialsPurged indicates stored tokens were deleted after a terminal auth failure
	EventCircuitStateChange StreamEvent = "circuit_state_change" // EventCircuitStateChange indicates a breaker transition
)

// LogRateLimitHit logs a refused open or subscribe (WARN level)
func (l *Logger) LogRateLimitHit(mux, key, reason string) {
	l.Warn("Rate limit hit", map[string]interface{}{
		"event":  EventRateLimitHit,
		"mux":    mux,
		"key":    key,
		"reason": reason,
	})
}

// LogZombieReaped logs a subscriber-less upstream destroyed by the sweep (WARN level)
func (l *Logger) LogZombieReaped(mux, key string, age time.Duration) {
	l.Warn("Zombie upstream reaped", map[string]interface{}{
		"event": EventZombieReaped,
		"mux":   mux,
		"key":   key,
		"age":   age.String(),
	})
}

// LogConnectionDestroyed logs a connection teardown. Expected terminations
// go to DEBUG, unexpected errors to ERROR.
func (l *Logger) LogConnectionDestroyed(mux, key, reason string, err error, expected bool) {
	fields := map[string]interface{}{
		"event":  EventConnectionDestroy,
		"mux":    mux,
		"key":    key,
		"reason": reason,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	if expected {
		l.Debug("Connection destroyed", fields)
	} else {
		l.Error("Connection destroyed", fields)
	}
}

// LogHighWatermark logs unusually high upstream or pending-open counts (WARN level)
func (l *Logger) LogHighWatermark(mux string, upstreams, pendingOpens int) {
	l.Warn("High connection counts", map[string]interface{}{
		"event":        EventHighWatermark,
		"mux":          mux,
		"upstreams":    upstreams,
		"pendingOpens": pendingOpens,
	})
}

// LogCredentialsPurged logs deletion of stored tokens (WARN level)
func (l *Logger) LogCredentialsPurged(userID, reason string) {
	l.Warn("Stored credentials purged", map[string]interface{}{
		"event":  EventCredentialsPurged,
		"userID": userID,
		"reason": reason,
	})
}

// LogCircuitBreakerChange logs a circuit breaker state change (WARN level)
func (l *Logger) LogCircuitBreakerChange(oldState, newState string, host string) {
	fields := map[string]interface{}{
		"event":    EventCircuitStateChange,
		"oldState": oldState,
		"newState": newState,
	}
	if host != "" {
		fields["host"] = host
	}
	l.Warn("Circuit breaker state changed", fields)
}
