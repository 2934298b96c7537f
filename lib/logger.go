package lib

import "testing"

type Logger interface {
	Print(a ...any)
	Println(a ...any)
	Printf(format string, a ...any)
}

type NoLog struct{}

func (l *NoLog) Print(a ...any)                 {}
func (l *NoLog) Println(a ...any)               {}
func (l *NoLog) Printf(format string, a ...any) {}

// prefixLogger sends everything to the parent logger with a prefix in front
type prefixLogger struct {
	parent Logger
	prefix string
}

// WithPrefix returns a logger adding prefix in front of each line.
// A nil parent gives a logger discarding everything.
func WithPrefix(parent Logger, prefix string) Logger {
	if parent == nil {
		return &NoLog{}
	}
	if _, ok := parent.(*NoLog); ok {
		return parent
	}
	return &prefixLogger{parent: parent, prefix: prefix}
}

func (l *prefixLogger) Print(a ...any) {
	l.parent.Print(append([]any{l.prefix + ": "}, a...)...)
}

func (l *prefixLogger) Println(a ...any) {
	l.parent.Println(append([]any{l.prefix + ":"}, a...)...)
}

func (l *prefixLogger) Printf(format string, a ...any) {
	l.parent.Printf(l.prefix+": "+format, a...)
}

type TestLogger struct {
	t      *testing.T
	prefix string
}

func NewTestLogger(t *testing.T, prefix string) *TestLogger {
	return &TestLogger{
		t:      t,
		prefix: prefix,
	}
}

func (l *TestLogger) Print(a ...any) {
	l.t.Helper()
	if l.prefix == "" {
		l.t.Log(a...)
	} else {
		l.t.Log(append([]any{l.prefix + ":"}, a...)...)
	}
}

func (l *TestLogger) Println(a ...any) {
	l.t.Helper()
	l.Print(a...)
}

func (l *TestLogger) Printf(format string, a ...any) {
	l.t.Helper()
	if l.prefix != "" {
		format = l.prefix + ": " + format
	}
	l.t.Logf(format, a...)
}
