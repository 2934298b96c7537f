package term

import (
	"fmt"
	"strings"

	"github.com/creativeprojects/offmail/lib"
	"github.com/pterm/pterm"
)

// Logger sends the engine debug messages to the console
type Logger struct {
	level Level
}

// NewLogger returns a lib.Logger printing at debug level
func NewLogger() *Logger {
	return &Logger{level: LevelDebug}
}

func (l *Logger) Print(a ...any) {
	l.print(fmt.Sprint(a...))
}

func (l *Logger) Println(a ...any) {
	l.print(fmt.Sprintln(a...))
}

func (l *Logger) Printf(format string, a ...any) {
	l.print(fmt.Sprintf(format, a...))
}

func (l *Logger) print(message string) {
	if !Enabled(l.level) {
		return
	}
	pterm.FgGray.Println(strings.TrimSuffix(message, "\n"))
}

var _ lib.Logger = &Logger{}
