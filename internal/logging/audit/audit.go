package audit

import (
	"time"

	"github.com/rs/zerolog"
)

// Logger records archive events that change what is stored or who may
// reference it: stores, references, deletes, retention changes, fragment
// recovery and the outcome of deletion safety checks. Every event carries
// an event_type field for filtering.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new audit logger from a zerolog.Logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

// Nop returns an audit logger that discards everything.
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

func levelFor(result string) zerolog.Level {
	if result == "ok" {
		return zerolog.InfoLevel
	}
	return zerolog.WarnLevel
}

// LogStore logs the outcome of storing an object.
// object: the link id handed back to the caller (empty on failure)
// result: "ok" or "failed"
func (l *Logger) LogStore(object string, size int64, chunks int, result, details string) {
	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "store").
		Str("object", object).
		Int64("size", size).
		Int("chunks", chunks).
		Str("result", result)

	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Store event")
}

// LogReference logs a new reference to existing data.
// source: the link the caller referenced
// link: the new link id (empty on failure)
func (l *Logger) LogReference(source, link, result, details string) {
	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "reference").
		Str("source", source).
		Str("result", result)

	if link != "" {
		event = event.Str("link", link)
	}
	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Reference event")
}

// LogDelete logs a delete request. result is "ok", "already_deleted",
// "retained" or "failed".
func (l *Logger) LogDelete(object, result, details string) {
	level := levelFor(result)
	if result == "already_deleted" {
		level = zerolog.InfoLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "delete").
		Str("object", object).
		Str("result", result)

	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Delete event")
}

// LogSafetyCheck logs a deletion safety check on one referee fragment.
// outcome: "passed", "corrected" or "failed"
// checked: how many fragments contributed to the decision
func (l *Logger) LogSafetyCheck(referee string, frag int, outcome string, maxRefCount int32, checked int) {
	level := zerolog.InfoLevel
	if outcome == "failed" {
		level = zerolog.WarnLevel
	}

	l.logger.WithLevel(level).
		Str("event_type", "safety_check").
		Str("referee", referee).
		Int("frag", frag).
		Str("outcome", outcome).
		Int32("max_ref_count", maxRefCount).
		Int("checked", checked).
		Msg("Safety check")
}

// LogRetention logs a retention change.
func (l *Logger) LogRetention(object string, until time.Time, result, details string) {
	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "retention").
		Str("object", object).
		Time("until", until).
		Str("result", result)

	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Retention event")
}

// LogRecovery logs the rebuild of a single fragment.
func (l *Logger) LogRecovery(object string, frag int, disk, result, details string) {
	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "recovery").
		Str("object", object).
		Int("frag", frag).
		Str("disk", disk).
		Str("result", result)

	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Fragment recovery")
}
