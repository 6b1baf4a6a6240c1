// Package logging provides the Logger abstraction threaded through every
// Trust0 component constructor. It keeps the teacher's "forkable, named"
// logger shape (see the original chshare.Logger) but backs it with logrus
// instead of a hand-rolled level/writer pair.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is a named, forkable logging handle. Fork returns a child logger
// whose "component" field is set to the formatted name, mirroring the
// parent/child naming chain components use to identify themselves in logs
// (e.g. "trust0/gwservice" or "trust0/udp-sessions:200").
type Logger interface {
	Debugf(f string, args ...interface{})
	Infof(f string, args ...interface{})
	Warnf(f string, args ...interface{})
	Errorf(f string, args ...interface{})
	Fatalf(f string, args ...interface{})

	// Fork returns a child Logger with a component name appended to the
	// parent's, joined with "/".
	Fork(f string, args ...interface{}) Logger

	// Name returns this logger's fully-qualified component name.
	Name() string
}

type logger struct {
	entry *logrus.Entry
	name  string
}

// New creates a root Logger at the given level ("debug", "info", "warn",
// "error"), writing to stderr.
func New(level string) Logger {
	return NewWithWriter(level, os.Stderr)
}

// NewWithWriter creates a root Logger writing to an arbitrary io.Writer;
// used by tests to capture output.
func NewWithWriter(level string, w io.Writer) Logger {
	base := logrus.New()
	base.SetOutput(w)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	base.SetLevel(lvl)
	return &logger{entry: logrus.NewEntry(base), name: "trust0"}
}

func (l *logger) Debugf(f string, args ...interface{}) { l.entry.Debugf(f, args...) }
func (l *logger) Infof(f string, args ...interface{})  { l.entry.Infof(f, args...) }
func (l *logger) Warnf(f string, args ...interface{})  { l.entry.Warnf(f, args...) }
func (l *logger) Errorf(f string, args ...interface{}) { l.entry.Errorf(f, args...) }
func (l *logger) Fatalf(f string, args ...interface{}) { l.entry.Fatalf(f, args...) }

func (l *logger) Name() string { return l.name }

func (l *logger) Fork(f string, args ...interface{}) Logger {
	child := fmt.Sprintf(f, args...)
	name := child
	if l.name != "" {
		name = l.name + "/" + child
	}
	return &logger{
		entry: l.entry.WithField("component", name),
		name:  name,
	}
}
