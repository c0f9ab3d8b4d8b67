// Package log defines the structured logging interface every quorum
// store actor holds: a minimal Logger interface
// (logger.Log(level, msg, keyvals...)) rather than tying every
// component to a concrete logging library. The default implementation
// is backed by go.uber.org/zap.
package log

// Level is a log severity.
type Level int8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// Logger is the structured logging sink every actor is constructed
// with. keyvals is an alternating key/value sequence.
type Logger interface {
	Log(level Level, msg string, keyvals ...interface{})
	// With returns a Logger that prefixes every call with component.
	With(component string) Logger
}

// Nop discards everything. Useful as a safe default and in tests that
// don't care about log output.
type Nop struct{}

func (Nop) Log(Level, string, ...interface{}) {}
func (n Nop) With(string) Logger              { return n }
