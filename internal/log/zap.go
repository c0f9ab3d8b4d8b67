package log

import "go.uber.org/zap"

// zapLogger adapts a *zap.SugaredLogger to the Logger interface.
type zapLogger struct {
	s         *zap.SugaredLogger
	component string
}

// NewZap builds a Logger backed by zap's production configuration.
// Errors building the underlying zap core fall back to Nop so a
// logging misconfiguration never prevents the store from starting.
func NewZap() Logger {
	base, err := zap.NewProduction()
	if err != nil {
		return Nop{}
	}
	return &zapLogger{s: base.Sugar()}
}

func (z *zapLogger) Log(level Level, msg string, keyvals ...interface{}) {
	args := keyvals
	if z.component != "" {
		args = append([]interface{}{"component", z.component}, keyvals...)
	}
	switch level {
	case LevelDebug:
		z.s.Debugw(msg, args...)
	case LevelInfo:
		z.s.Infow(msg, args...)
	case LevelWarn:
		z.s.Warnw(msg, args...)
	case LevelError:
		z.s.Errorw(msg, args...)
	default:
		z.s.Infow(msg, args...)
	}
}

func (z *zapLogger) With(component string) Logger {
	return &zapLogger{s: z.s, component: component}
}
