package voice

import "github.com/sirupsen/logrus"

// logrusLogger adapts a *logrus.Logger to the Logger interface, pairing
// trailing key/value pairs into logrus.Fields the way the structured
// calling convention throughout this package expects.
type logrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger wraps l as a Logger. A nil l uses logrus's standard
// logger.
func NewLogrusLogger(l *logrus.Logger) Logger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

func (l *logrusLogger) Debug(msg string, args ...interface{}) {
	l.withFields(args).Debug(msg)
}

func (l *logrusLogger) Info(msg string, args ...interface{}) {
	l.withFields(args).Info(msg)
}

func (l *logrusLogger) Warn(msg string, args ...interface{}) {
	l.withFields(args).Warn(msg)
}

func (l *logrusLogger) Error(msg string, args ...interface{}) {
	l.withFields(args).Error(msg)
}

func (l *logrusLogger) withFields(args []interface{}) *logrus.Entry {
	if len(args) == 0 {
		return l.entry
	}
	fields := make(logrus.Fields, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		fields[key] = args[i+1]
	}
	return l.entry.WithFields(fields)
}
