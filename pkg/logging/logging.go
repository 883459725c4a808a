// Package logging wires the teacher's Logger interface to a leveled
// backend instead of a no-op, so the gateway daemon gets structured output
// the way doismellburning-samoyed's direwolf wrapper does.
package logging

import (
	"os"

	charmlog "github.com/charmbracelet/log"
)

// Logger is the minimal structured-logging shape every package in this
// module depends on, so call sites never import a concrete backend.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// NoOp discards everything; used by tests and by components that receive a
// nil logger, matching the teacher's NoOpLogger convention.
type NoOp struct{}

func (NoOp) Debug(string, ...interface{}) {}
func (NoOp) Info(string, ...interface{})  {}
func (NoOp) Warn(string, ...interface{})  {}
func (NoOp) Error(string, ...interface{}) {}

// charmLogger adapts *charmlog.Logger to the Logger interface.
type charmLogger struct {
	l *charmlog.Logger
}

func New(name string) Logger {
	l := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
		ReportCaller:    false,
		Prefix:          name,
	})
	l.SetLevel(charmlog.InfoLevel)
	return &charmLogger{l: l}
}

func NewWithLevel(name string, debug bool) Logger {
	l := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
		Prefix:          name,
	})
	if debug {
		l.SetLevel(charmlog.DebugLevel)
	} else {
		l.SetLevel(charmlog.InfoLevel)
	}
	return &charmLogger{l: l}
}

func (c *charmLogger) Debug(msg string, args ...interface{}) { c.l.Debug(msg, args...) }
func (c *charmLogger) Info(msg string, args ...interface{})  { c.l.Info(msg, args...) }
func (c *charmLogger) Warn(msg string, args ...interface{})  { c.l.Warn(msg, args...) }
func (c *charmLogger) Error(msg string, args ...interface{}) { c.l.Error(msg, args...) }
