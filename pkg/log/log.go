package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

const severityCritical = "CRITICAL"

// Logger is a named zerolog logger. Every entry carries the logger name and,
// once set with WithGroup, the log group of the component that wrote it.
type Logger struct {
	logger zerolog.Logger
	name   string
	group  string
}

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
		return filepath.Base(file) + ":" + strconv.Itoa(line)
	}

	log := zerolog.New(os.Stdout).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &log
}

func SetGlobalLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

// ParseLevel accepts the usual level names ("debug", "info", ...) and falls
// back to info for an empty string.
func ParseLevel(level string) (zerolog.Level, error) {
	if strings.TrimSpace(level) == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return lvl, nil
}

func NewLogger(name string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	logger := zerolog.New(output).
		With().
		Timestamp().
		Str("logger", name).
		CallerWithSkipFrameCount(zerolog.CallerSkipFrameCount + 1).
		Logger()

	return &Logger{
		logger: logger,
		name:   name,
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop(), name: "nop"}
}

func (l *Logger) Name() string {
	return l.name
}

func (l *Logger) Group() string {
	return l.group
}

// WithGroup returns a child logger tagged with the given log group.
func (l *Logger) WithGroup(group string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("group", group).Logger(),
		name:   l.name,
		group:  group,
	}
}

// With returns a child logger carrying an extra structured field.
func (l *Logger) With(key string, value any) *Logger {
	return &Logger{
		logger: l.logger.With().Interface(key, value).Logger(),
		name:   l.name,
		group:  l.group,
	}
}

func (l *Logger) Debugf(format string, args ...any) {
	l.logger.Debug().Msgf(format, args...)
}

func (l *Logger) Infof(format string, args ...any) {
	l.logger.Info().Msgf(format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.logger.Warn().Msgf(format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.logger.Error().Msgf(format, args...)
}

// Criticalf writes an error entry flagged with severity=CRITICAL. It is used
// for bookkeeping corruption that needs an operator, never for ordinary
// failures.
func (l *Logger) Criticalf(format string, args ...any) {
	l.logger.Error().Str("severity", severityCritical).Msgf(format, args...)
}

var defaultLogger = NewLogger("default", nil)

// Infof and Fatalf log through the default logger; its caller hook reports
// the call site.
func Infof(format string, args ...any) {
	defaultLogger.logger.Info().Msgf(format, args...)
}

// Fatalf exits the process once the entry is written.
func Fatalf(format string, args ...any) {
	defaultLogger.logger.Fatal().Msgf(format, args...)
}
