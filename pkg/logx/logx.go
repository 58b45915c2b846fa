// Package logx is the logging layer for the orchestration service. Every
// component (story engine, wave scheduler, step runner, agent registry,
// transport) logs through a component-scoped Logger; debug output is
// gated globally and per domain via environment variables, and recent
// entries are retained in a ring buffer the HTTP surface can expose.
package logx

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is a log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

const timeLayout = "2006-01-02T15:04:05.000Z"

// Logger writes leveled, component-tagged lines to stderr and mirrors
// them into the shared ring buffer.
type Logger struct {
	component string
	out       *log.Logger
}

// Entry is one retained log line, shaped for the JSON API.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Component string `json:"component"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Domain    string `json:"domain,omitempty"`
}

// ringBuffer keeps the most recent entries for the HTTP logs endpoint.
type ringBuffer struct {
	mu      sync.RWMutex
	entries []Entry
	cap     int
}

type debugSettings struct {
	enabled bool
	domains map[string]bool // nil = every domain
}

var (
	debugMu sync.RWMutex
	debug   debugSettings

	ring = &ringBuffer{cap: 1000}
)

// Debug domains follow the component vocabulary: "story", "wave",
// "step", "react", "registry", "gate", "transport".
//
//	DEBUG=1                         every domain
//	DEBUG=1 DEBUG_DOMAINS=wave,react only those domains
func init() { //nolint:gochecknoinits // env-driven debug gating
	if v := os.Getenv("DEBUG"); v == "1" || strings.EqualFold(v, "true") {
		debug.enabled = true
	}
	if v := os.Getenv("DEBUG_DOMAINS"); v != "" {
		debug.domains = make(map[string]bool)
		for _, d := range strings.Split(v, ",") {
			debug.domains[strings.TrimSpace(d)] = true
		}
	}
}

// NewLogger returns a Logger tagged with the given component name.
func NewLogger(component string) *Logger {
	return &Logger{
		component: component,
		out:       log.New(os.Stderr, "", 0),
	}
}

// SetDebug overrides the env-derived debug gate. Empty domains enables
// every domain.
func SetDebug(enabled bool, domains ...string) {
	debugMu.Lock()
	defer debugMu.Unlock()
	debug.enabled = enabled
	if len(domains) == 0 {
		debug.domains = nil
		return
	}
	debug.domains = make(map[string]bool, len(domains))
	for _, d := range domains {
		debug.domains[strings.TrimSpace(d)] = true
	}
}

// DebugEnabled reports whether debug logging is on for the domain.
func DebugEnabled(domain string) bool {
	debugMu.RLock()
	defer debugMu.RUnlock()
	if !debug.enabled {
		return false
	}
	return debug.domains == nil || debug.domains[domain]
}

func (b *ringBuffer) add(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, e)
	if len(b.entries) > b.cap {
		b.entries = b.entries[len(b.entries)-b.cap:]
	}
}

func (b *ringBuffer) snapshot(domain string, since time.Time) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Entry, 0, len(b.entries))
	for _, e := range b.entries {
		if domain != "" && e.Domain != "" && !strings.EqualFold(e.Domain, domain) {
			continue
		}
		if !since.IsZero() {
			ts, err := time.Parse(timeLayout, e.Timestamp)
			if err != nil || ts.Before(since) {
				continue
			}
		}
		out = append(out, e)
	}
	return out
}

// Recent returns retained entries, optionally filtered by domain and
// minimum timestamp. Serves the transport's logs endpoint.
func Recent(domain string, since time.Time) []Entry {
	return ring.snapshot(domain, since)
}

func (l *Logger) log(level Level, domain, format string, args ...any) {
	ts := time.Now().UTC().Format(timeLayout)
	msg := fmt.Sprintf(format, args...)
	l.out.Printf("[%s] [%s] %s: %s", ts, l.component, level, msg)
	ring.add(Entry{
		Timestamp: ts,
		Component: l.component,
		Level:     string(level),
		Message:   msg,
		Domain:    domain,
	})
}

// Info logs at INFO.
func (l *Logger) Info(format string, args ...any) { l.log(LevelInfo, "", format, args...) }

// Warn logs at WARN.
func (l *Logger) Warn(format string, args ...any) { l.log(LevelWarn, "", format, args...) }

// Error logs at ERROR.
func (l *Logger) Error(format string, args ...any) { l.log(LevelError, "", format, args...) }

// Debug logs at DEBUG when the global gate is open.
func (l *Logger) Debug(format string, args ...any) {
	debugMu.RLock()
	on := debug.enabled
	debugMu.RUnlock()
	if !on {
		return
	}
	l.log(LevelDebug, "", format, args...)
}

// Component returns the component tag this Logger was created with.
func (l *Logger) Component() string { return l.component }

// Debug logs a domain-scoped debug line. The component is taken from the
// context value set by WithComponent, falling back to "system".
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !DebugEnabled(domain) {
		return
	}
	component := "system"
	if ctx != nil {
		if c, ok := ctx.Value(componentKey{}).(string); ok && c != "" {
			component = c
		}
	}
	NewLogger(component).log(LevelDebug, domain, format, args...)
}

type componentKey struct{}

// WithComponent tags a context so Debug lines attribute to a component.
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey{}, component)
}

var defaultLogger = NewLogger("system")

// Debugf logs at DEBUG via the shared system logger.
func Debugf(format string, args ...any) { defaultLogger.Debug(format, args...) }

// Infof logs at INFO via the shared system logger.
func Infof(format string, args ...any) { defaultLogger.Info(format, args...) }

// Warnf logs at WARN via the shared system logger.
func Warnf(format string, args ...any) { defaultLogger.Warn(format, args...) }

// Errorf logs the formatted error and returns it, so call sites can log
// and propagate in one expression.
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs and returns fmt.Errorf("%s: %w", msg, err); nil passes
// through untouched.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrapped.Error())
	return wrapped
}
