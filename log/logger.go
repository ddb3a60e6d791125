package log

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// Level is the severity of the log message. Messages below the logger's level are dropped.
type Level int

const (
	// LevelTrace is the most verbose level, used for per-instruction and per-row messages.
	LevelTrace Level = iota
	// LevelDebug is used for the events like breakpoint hits and process exits.
	LevelDebug
	// LevelError is used for failures.
	LevelError
	// LevelNone silences the logger.
	LevelNone
)

var levelNames = []string{"trace", "debug", "error", "none"}

func (l Level) String() string {
	if l < LevelTrace || l > LevelNone {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLevel converts the level name to the Level.
func ParseLevel(name string) (Level, error) {
	for i, levelName := range levelNames {
		if strings.EqualFold(name, levelName) {
			return Level(i), nil
		}
	}
	return LevelNone, fmt.Errorf("unknown log level: %s", name)
}

func (l Level) logrusLevel() logrus.Level {
	switch l {
	case LevelTrace:
		return logrus.TraceLevel
	case LevelDebug:
		return logrus.DebugLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.PanicLevel
	}
}

// Logger is the leveled logger handle. Create one at the process start and pass it to the constructors.
type Logger struct {
	entry *logrus.Entry
	level Level
}

// New returns the logger which writes the messages at or above the level to out.
// The messages are colorized if out is a terminal.
func New(level Level, out io.Writer) *Logger {
	formatter := &levelFormatter{}
	if f, ok := out.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		out = colorable.NewColorable(f)
		formatter.colored = true
	}
	if level == LevelNone {
		out = ioutil.Discard
	}

	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetFormatter(formatter)
	logger.SetLevel(level.logrusLevel())
	return &Logger{entry: logrus.NewEntry(logger), level: level}
}

// Discard returns the logger which drops all the messages.
func Discard() *Logger {
	return New(LevelNone, ioutil.Discard)
}

// WithLayer returns the logger which tags the messages with the layer name.
func (l *Logger) WithLayer(layer string) *Logger {
	return &Logger{entry: l.entry.WithField("layer", layer), level: l.level}
}

// Enabled returns true if the message at the level is written.
func (l *Logger) Enabled(level Level) bool {
	return level != LevelNone && level >= l.level
}

// Logf writes the message at the level.
func (l *Logger) Logf(level Level, format string, v ...interface{}) {
	if !l.Enabled(level) {
		return
	}
	l.entry.Logf(level.logrusLevel(), format, v...)
}

// Tracef writes the trace-level message.
func (l *Logger) Tracef(format string, v ...interface{}) {
	l.Logf(LevelTrace, format, v...)
}

// Debugf writes the debug-level message.
func (l *Logger) Debugf(format string, v ...interface{}) {
	l.Logf(LevelDebug, format, v...)
}

// Errorf writes the error-level message.
func (l *Logger) Errorf(format string, v ...interface{}) {
	l.Logf(LevelError, format, v...)
}

const (
	colorRed       = 31
	colorGreen     = 32
	colorLightBlue = 94
)

type levelFormatter struct {
	colored bool
}

func (f *levelFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var buf bytes.Buffer
	if layer, ok := entry.Data["layer"]; ok {
		fmt.Fprintf(&buf, "%v: ", layer)
	}
	buf.WriteString(entry.Message)

	if !f.colored {
		buf.WriteByte('\n')
		return buf.Bytes(), nil
	}

	var color int
	switch entry.Level {
	case logrus.TraceLevel:
		color = colorLightBlue
	case logrus.DebugLevel:
		color = colorGreen
	default:
		color = colorRed
	}
	return []byte(fmt.Sprintf("\x1b[%dm%s\x1b[0m\n", color, buf.String())), nil
}
