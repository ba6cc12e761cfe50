package diagnostics

import (
	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/sirupsen/logrus"
)

// DefaultLogger is the Logger used when the host application does not
// supply its own: a thin wrapper over a logrus entry tagged with the
// owning component.
type DefaultLogger struct {
	entry *logrus.Entry
}

// NewDefaultLogger builds a DefaultLogger writing colorized,
// level-prefixed lines to stdout through a colorable writer so colors
// survive on Windows terminals too.
func NewDefaultLogger(component string) *DefaultLogger {
	base := logrus.New()
	base.SetOutput(colorable.NewColorableStdout())
	base.SetFormatter(&levelColorFormatter{})
	return &DefaultLogger{entry: base.WithField("component", component)}
}

func (l *DefaultLogger) Debugf(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

func (l *DefaultLogger) Infof(format string, args ...interface{}) {
	l.entry.Infof(format, args...)
}

func (l *DefaultLogger) Warnf(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

func (l *DefaultLogger) Errorf(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

// levelColorFormatter renders "[LEVEL] component: message" with the
// level prefix colorized per severity.
type levelColorFormatter struct{}

func (levelColorFormatter) Format(e *logrus.Entry) ([]byte, error) {
	var c *color.Color
	switch e.Level {
	case logrus.DebugLevel:
		c = color.New(color.FgCyan)
	case logrus.InfoLevel:
		c = color.New(color.FgGreen)
	case logrus.WarnLevel:
		c = color.New(color.FgYellow)
	default:
		c = color.New(color.FgRed)
	}
	prefix := c.Sprintf("[%s]", levelFromLogrus(e.Level))
	component, _ := e.Data["component"].(string)
	line := prefix + " " + component + ": " + e.Message + "\n"
	return []byte(line), nil
}

func levelFromLogrus(l logrus.Level) string {
	switch l {
	case logrus.DebugLevel:
		return "DEBUG"
	case logrus.InfoLevel:
		return "INFO"
	case logrus.WarnLevel:
		return "WARN"
	default:
		return "ERROR"
	}
}
