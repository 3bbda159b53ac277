package qbdi

import "log"

// Logger is the diagnostic sink a VM reports translation and
// instrumentation warnings to. The standard library's *log.Logger has no
// Debugf/Warnf methods; StdLogger below adapts it.
type Logger interface {
	Debugf(format string, args ...any)
	Warnf(format string, args ...any)
}

// noopLogger discards everything; the default for NewConfig().
type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Warnf(string, ...any)  {}

// StdLogger adapts a *log.Logger to Logger, prefixing warnings so they
// stand out alongside debug output on the same writer.
type StdLogger struct {
	*log.Logger
}

func (l StdLogger) Debugf(format string, args ...any) { l.Printf(format, args...) }
func (l StdLogger) Warnf(format string, args ...any)  { l.Printf("WARN: "+format, args...) }
