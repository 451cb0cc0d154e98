package logging

import (
	"github.com/sirupsen/logrus"
)

// Logger instances provide custom logging.
type Logger interface {

	// Log with level ERROR
	Error(...interface{})

	// Log formatted messages with level ERROR
	Errorf(string, ...interface{})

	// Log with level WARN
	Warn(...interface{})

	// Log formatted messages with level WARN
	Warnf(string, ...interface{})

	// Log with level INFO
	Info(...interface{})

	// Log formatted messages with level INFO
	Infof(string, ...interface{})

	// Log with level DEBUG
	Debug(...interface{})

	// Log formatted messages with level DEBUG
	Debugf(string, ...interface{})

	// WithFields returns a Logger that adds the fields to every
	// entry. The receiver is not modified.
	WithFields(map[string]interface{}) Logger
}

// DefaultLog provides a default implementation of the Logger
// interface, backed by the logrus standard logger. The zero value is
// ready to use.
type DefaultLog struct {
	entry *logrus.Entry
}

// New returns a DefaultLog writing through the given logrus logger.
// When l is nil, the logrus standard logger is used.
func New(l *logrus.Logger) *DefaultLog {
	if l == nil {
		l = logrus.StandardLogger()
	}

	return &DefaultLog{entry: logrus.NewEntry(l)}
}

func (dl *DefaultLog) e() *logrus.Entry {
	if dl.entry == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}

	return dl.entry
}

func (dl *DefaultLog) Error(a ...interface{})            { dl.e().Error(a...) }
func (dl *DefaultLog) Errorf(f string, a ...interface{}) { dl.e().Errorf(f, a...) }
func (dl *DefaultLog) Warn(a ...interface{})             { dl.e().Warn(a...) }
func (dl *DefaultLog) Warnf(f string, a ...interface{})  { dl.e().Warnf(f, a...) }
func (dl *DefaultLog) Info(a ...interface{})             { dl.e().Info(a...) }
func (dl *DefaultLog) Infof(f string, a ...interface{})  { dl.e().Infof(f, a...) }
func (dl *DefaultLog) Debug(a ...interface{})            { dl.e().Debug(a...) }
func (dl *DefaultLog) Debugf(f string, a ...interface{}) { dl.e().Debugf(f, a...) }

func (dl *DefaultLog) WithFields(fields map[string]interface{}) Logger {
	return &DefaultLog{entry: dl.e().WithFields(logrus.Fields(fields))}
}
