package logger

import (
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/mattn/go-isatty"
)

const (
	FLAG_NONE  = 0
	FLAG_ERROR = 1
	FLAG_WARN  = 2
	FLAG_INFO  = 3
	FLAG_DEBUG = 4
	FLAG_TRACE = 5
)

type LoggerConfig struct {
	Flag       int
	Identifier string
	// JSON switches the output to one JSON object per line.
	JSON    bool
	Outputs []io.Writer
}

var (
	mu     sync.RWMutex
	config = &LoggerConfig{
		Flag:    FLAG_INFO,
		Outputs: []io.Writer{os.Stdout},
	}
	root = build(config)
)

func SetConfig(newConfig *LoggerConfig) {
	mu.Lock()
	defer mu.Unlock()
	c := *newConfig
	config = &c
	root = build(config)
	log.SetDefault(root)
}

func SetOutputs(outputs ...io.Writer) {
	update(func(c *LoggerConfig) { c.Outputs = outputs })
}

func SetFlag(flag int) {
	update(func(c *LoggerConfig) { c.Flag = flag })
}

func SetIdentifier(identifier string) {
	update(func(c *LoggerConfig) { c.Identifier = identifier })
}

func SetJSON(json bool) {
	update(func(c *LoggerConfig) { c.JSON = json })
}

func update(fn func(c *LoggerConfig)) {
	mu.Lock()
	defer mu.Unlock()
	c := *config
	fn(&c)
	config = &c
	root = build(config)
	log.SetDefault(root)
}

// Root returns the process logger. Loggers returned earlier by New keep the
// handler that was active when they were created.
func Root() log.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// New returns a child logger carrying the given key/value context.
func New(ctx ...interface{}) log.Logger {
	return Root().New(ctx...)
}

func Trace(msg string, ctx ...interface{}) { Root().Trace(msg, ctx...) }
func Debug(msg string, ctx ...interface{}) { Root().Debug(msg, ctx...) }
func Info(msg string, ctx ...interface{})  { Root().Info(msg, ctx...) }
func Warn(msg string, ctx ...interface{})  { Root().Warn(msg, ctx...) }
func Error(msg string, ctx ...interface{}) { Root().Error(msg, ctx...) }

func levelFromFlag(flag int) slog.Level {
	switch {
	case flag >= FLAG_TRACE:
		return log.LevelTrace
	case flag == FLAG_DEBUG:
		return log.LevelDebug
	case flag == FLAG_INFO:
		return log.LevelInfo
	case flag == FLAG_WARN:
		return log.LevelWarn
	case flag == FLAG_ERROR:
		return log.LevelError
	default:
		return log.LevelCrit + 1
	}
}

func build(c *LoggerConfig) log.Logger {
	var w io.Writer = io.Discard
	switch len(c.Outputs) {
	case 0:
	case 1:
		w = c.Outputs[0]
	default:
		w = io.MultiWriter(c.Outputs...)
	}
	level := levelFromFlag(c.Flag)

	var h slog.Handler
	if c.JSON {
		h = log.JSONHandlerWithLevel(w, level)
	} else {
		h = log.NewTerminalHandlerWithLevel(w, level, useColor(c.Outputs))
	}
	l := log.NewLogger(h)
	if c.Identifier != "" {
		l = l.With("id", c.Identifier)
	}
	return l
}

func useColor(outputs []io.Writer) bool {
	if len(outputs) != 1 {
		return false
	}
	f, ok := outputs[0].(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
