package datasource

import "log"

// Logger interface for injecting custom loggers
type Logger interface {
	Printf(format string, v ...any)
	Errorf(format string, v ...any)
	Debugf(format string, v ...any)
}

// defaultLogger implements Logger using the standard log package
type defaultLogger struct{}

func (l *defaultLogger) Printf(format string, v ...any) {
	log.Printf("[DATASOURCE] "+format, v...)
}

func (l *defaultLogger) Errorf(format string, v ...any) {
	log.Printf("[DATASOURCE ERROR] "+format, v...)
}

func (l *defaultLogger) Debugf(_ string, _ ...any) {
	// Silent by default
}

// debugLogger promotes Debugf to Printf when the config debug flag is on.
type debugLogger struct {
	Logger
}

func (d debugLogger) Debugf(format string, v ...any) {
	d.Printf(format, v...)
}
