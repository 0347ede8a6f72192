package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	log = zerolog.New(os.Stdout).With().Timestamp().Logger()
	mu  sync.RWMutex
)

type LogMode string

const (
	LogModeDebug  LogMode = "debug"
	LogModePretty LogMode = "pretty"
	LogModeInfo   LogMode = "info"
	LogModeProd   LogMode = "prod"
	LogModeTest   LogMode = "test"
)

type Config struct {
	Level         zerolog.Level
	Pretty        bool
	TimeFormat    string
	CallerEnabled bool
	NoColor       bool
	Output        io.Writer
}

func ConfigForMode(mode LogMode) Config {
	cfg := Config{
		Level:         zerolog.InfoLevel,
		TimeFormat:    time.RFC3339,
		CallerEnabled: true,
	}

	switch mode {
	case LogModeDebug:
		cfg.Level = zerolog.DebugLevel
		cfg.Pretty = true
	case LogModePretty:
		cfg.Pretty = true
	case LogModeProd:
		cfg.TimeFormat = time.RFC3339Nano
		cfg.CallerEnabled = false
		cfg.NoColor = true
	case LogModeTest:
		cfg.Level = zerolog.ErrorLevel
		cfg.CallerEnabled = false
		cfg.NoColor = true
	}

	return cfg
}

// ParseMode maps a --log flag value to a mode, falling back to pretty.
func ParseMode(s string) LogMode {
	switch LogMode(s) {
	case LogModeDebug, LogModePretty, LogModeInfo, LogModeProd, LogModeTest:
		return LogMode(s)
	default:
		return LogModePretty
	}
}

func InitWithMode(mode LogMode) {
	Init(ConfigForMode(mode))
}

func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.Pretty {
		output = consoleWriter(output, cfg)
	}

	zerolog.SetGlobalLevel(cfg.Level)
	zerolog.TimeFieldFormat = cfg.TimeFormat

	logCtx := zerolog.New(output).With().Timestamp()
	if cfg.CallerEnabled {
		logCtx = logCtx.Caller()
	}

	log = logCtx.Logger()
	zerolog.DefaultContextLogger = &log
}

func consoleWriter(out io.Writer, cfg Config) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: cfg.TimeFormat,
		NoColor:    cfg.NoColor,
		FormatLevel: func(i interface{}) string {
			return colorizeLevel(fmt.Sprint(i))
		},
		FormatFieldName: func(i interface{}) string {
			return colorize(fmt.Sprintf("%s=", i), dim+cyan)
		},
		FormatFieldValue: func(i interface{}) string {
			switch v := i.(type) {
			case json.Number:
				return colorize(v.String(), magenta)
			case nil:
				return ""
			default:
				return colorize(fmt.Sprint(v), blue)
			}
		},
		FormatMessage: func(i interface{}) string {
			return colorize(fmt.Sprint(i), bold)
		},
		FormatTimestamp: func(i interface{}) string {
			return colorize(fmt.Sprint(i), dim+gray)
		},
		PartsOrder: []string{
			zerolog.TimestampFieldName,
			zerolog.LevelFieldName,
			"component",
			zerolog.CallerFieldName,
			zerolog.MessageFieldName,
		},
		FieldsExclude: []string{"component"},
	}
}

const (
	gray    = "\x1b[37m"
	blue    = "\x1b[34m"
	cyan    = "\x1b[36m"
	red     = "\x1b[31m"
	green   = "\x1b[32m"
	yellow  = "\x1b[33m"
	magenta = "\x1b[35m"
	bold    = "\x1b[1m"
	dim     = "\x1b[2m"
	reset   = "\x1b[0m"
)

func colorize(s, color string) string {
	return color + s + reset
}

func colorizeLevel(level string) string {
	switch level {
	case "debug":
		return colorize("DBG", dim+magenta)
	case "info":
		return colorize("INF", bold+green)
	case "warn":
		return colorize("WRN", bold+yellow)
	case "error":
		return colorize("ERR", bold+red)
	case "fatal":
		return colorize("FTL", bold+red+"\x1b[7m")
	default:
		return colorize(level, blue)
	}
}

func Get() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

func WithComponent(component string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log.With().Str("component", component).Logger()
}
