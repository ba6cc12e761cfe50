// Package diagnostics provides the logging and event-sink capability
// consumed by every other package in this module. Components never
// write to stdout/stderr directly; they hold a Logger and, where
// relevant, a Sink, both supplied by the host application at
// construction.
package diagnostics

// Logger is the capability every component is constructed with. It
// mirrors the shape of a conventional leveled logger so a host
// application can plug in logrus, zap, or anything else that can be
// adapted to this interface.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Level is the diagnostic severity used by Sink.Emit and filtered by
// FilteredSink.Minimum.
type Level int

const (
	Trace Level = iota
	Debug
	Info
	Warning
	Error
)

func (l Level) String() string {
	switch l {
	case Trace:
		return "TRACE"
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warning:
		return "WARNING"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event is a single diagnostic occurrence.
type Event struct {
	Level   Level
	Source  string
	Message string
}

// Sink is the event channel supplied at construction. Emit must never
// block the caller for long; a host application that wants to persist
// or display events is expected to drain it promptly.
type Sink interface {
	Emit(Event)
}

// FilteredSink wraps a Sink and drops events below a minimum level.
type FilteredSink struct {
	Minimum Level
	Next    Sink
}

func (f FilteredSink) Emit(e Event) {
	if e.Level < f.Minimum {
		return
	}
	if f.Next != nil {
		f.Next.Emit(e)
	}
}

// NullSink discards every event. Used as the default when the host
// application does not care about diagnostics.
type NullSink struct{}

func (NullSink) Emit(Event) {}
