package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the logging interface handed to components. It is satisfied by
// both *logrus.Logger and *logrus.Entry.
type Logger interface {
	logrus.FieldLogger
	Writer() *io.PipeWriter
}

// Component returns a child logger tagged with the given component name.
func Component(log Logger, name string) Logger {
	return log.WithField("component", name)
}
