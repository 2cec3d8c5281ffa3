package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings for the service log file.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// SlogConfig controls the structured logger.
type SlogConfig struct {
	Level      Level
	Format     Format
	Color      bool // only honored for text output
	TimeStamps bool
	Source     bool
}

// FileConfig describes an optional rotating log file. Rotation follows
// lumberjack semantics. An empty Path disables file output.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Config is the logging section of the service configuration.
type Config struct {
	Slog SlogConfig
	File FileConfig
}

// DefaultConfig returns text logging at info level with timestamps.
func DefaultConfig() Config {
	return Config{Slog: SlogConfig{Level: LevelInfo, Format: FormatText, TimeStamps: true}}
}

// Writer returns the destination for log records: stderr, the rotating file,
// or both when a file is configured and alsoStderr is true.
func (c Config) Writer(alsoStderr bool) io.Writer {
	fw := c.FileWriter()
	if fw == nil {
		return os.Stderr
	}
	if alsoStderr {
		return io.MultiWriter(os.Stderr, fw)
	}
	return fw
}

// FileWriter returns a lumberjack writer for File.Path, or nil when unset.
func (c Config) FileWriter() io.WriteCloser {
	if strings.TrimSpace(c.File.Path) == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   c.File.Path,
		MaxSize:    valOr(c.File.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.File.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.File.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.File.Compress,
	}
}

// NewSlogger builds a *slog.Logger writing to w.
func (c Config) NewSlogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     c.Slog.Level.slogLevel(),
		AddSource: c.Slog.Source,
	}
	if !c.Slog.TimeStamps {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		}
	}
	var h slog.Handler
	switch {
	case c.Slog.Format == FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	case c.Slog.Color:
		h = NewColorTextHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// WithComponent returns a child logger tagged with a component name.
func WithComponent(l *slog.Logger, name string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", name)
}

func (l Level) slogLevel() slog.Level {
	switch Level(strings.ToLower(string(l))) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel reports whether s names a known level.
func ParseLevel(s string) (Level, bool) {
	switch l := Level(strings.ToLower(strings.TrimSpace(s))); l {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return l, true
	case "":
		return LevelInfo, true
	default:
		return LevelInfo, false
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
