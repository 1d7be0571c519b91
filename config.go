package caio

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/kmrgirish/caio/caioruntime"
	"github.com/kmrgirish/caio/internal/caiolog"
)

// Flag tweaks how a Runtime runs.
type Flag uint32

const (
	// FlagSignals kills all tasks on SIGINT or SIGTERM.
	FlagSignals Flag = 1 << iota
	// FlagLockThread keeps Run on a single OS thread.
	FlagLockThread
)

var flagFormatter = &caiolog.Formatter{
	Flags: []caiolog.Flag{
		{Value: uint32(FlagSignals), Name: "SIGNALS"},
		{Value: uint32(FlagLockThread), Name: "LOCKTHREAD"},
	},
	Zero: "NONE",
}

func (f Flag) String() string {
	return flagFormatter.Format(uint32(f))
}

// BackendKind selects the I/O backend of a Runtime.
type BackendKind string

const (
	BackendEpoll BackendKind = "epoll"
	BackendUring BackendKind = "uring"
	// BackendNone runs without I/O. Tasks can still sleep and park.
	BackendNone BackendKind = "none"
)

func (k *BackendKind) Set(s string) error {
	switch b := BackendKind(s); b {
	case BackendEpoll, BackendUring, BackendNone:
		*k = b
		return nil
	}
	return fmt.Errorf("bad backend %q", s)
}

func (k BackendKind) String() string { return string(k) }

// LogFormat selects how log records are written to Config.LogOutput.
type LogFormat string

const (
	// LogRaw writes one JSON object per line.
	LogRaw LogFormat = "raw"
	// LogIndented writes indented JSON.
	LogIndented LogFormat = "indented"
	// LogPretty writes one colored line per record.
	LogPretty LogFormat = "pretty"
)

func (f *LogFormat) Set(s string) error {
	switch k := LogFormat(s); k {
	case LogRaw, LogIndented, LogPretty:
		*f = k
		return nil
	}
	return fmt.Errorf("bad log kind %q", s)
}

func (f LogFormat) String() string { return string(f) }

// LogLevelEnv overrides Config.LogLevel when set.
const LogLevelEnv = "CAIO_LOG_LEVEL"

// Config configures a Runtime. The zero value is usable; fields left zero
// get the values of DefaultConfig.
type Config struct {
	// MaxTasks is the number of tasks that can be live at once, and the
	// number of io_uring submission entries.
	MaxTasks int
	// CallStackDepth bounds the nesting of coroutine calls in a task.
	CallStackDepth int
	Flags          Flag
	Backend        BackendKind

	LogLevel  slog.Level
	LogFormat LogFormat
	// LogOutput defaults to os.Stderr.
	LogOutput io.Writer
}

// DefaultConfig returns the configuration RegisterFlags starts from.
func DefaultConfig() Config {
	return Config{
		MaxTasks:       caioruntime.DefaultMaxTasks,
		CallStackDepth: caioruntime.DefaultMaxDepth,
		Backend:        BackendEpoll,
		LogLevel:       slog.LevelError,
		LogFormat:      LogPretty,
		LogOutput:      os.Stderr,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxTasks <= 0 {
		c.MaxTasks = def.MaxTasks
	}
	if c.CallStackDepth <= 0 {
		c.CallStackDepth = def.CallStackDepth
	}
	if c.Backend == "" {
		c.Backend = def.Backend
	}
	if c.LogFormat == "" {
		c.LogFormat = def.LogFormat
	}
	if c.LogOutput == nil {
		c.LogOutput = def.LogOutput
	}
	return c
}

// level returns the log level, honoring LogLevelEnv.
func (c Config) level() (slog.Level, error) {
	s, ok := os.LookupEnv(LogLevelEnv)
	if !ok || s == "" {
		return c.LogLevel, nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("%s: %w", LogLevelEnv, err)
	}
	return l, nil
}

func positive(name string, dst *int) func(string) error {
	return func(s string) error {
		n, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		if n <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, n)
		}
		*dst = n
		return nil
	}
}

// RegisterFlags binds the configuration to -maxtasks, -callstack, -backend,
// -log-level, -logformat and -signals on fs. Fields keep their current
// values as defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.Func("maxtasks", fmt.Sprintf("maximum number of live tasks (default %d)", c.MaxTasks), positive("maxtasks", &c.MaxTasks))
	fs.Func("callstack", fmt.Sprintf("maximum coroutine call depth (default %d)", c.CallStackDepth), positive("callstack", &c.CallStackDepth))
	fs.Var(&c.Backend, "backend", "io backend: epoll|uring|none")
	fs.TextVar(&c.LogLevel, "log-level", c.LogLevel, "caio slog log level")
	fs.Var(&c.LogFormat, "logformat", "caio log formatting: raw|indented|pretty")
	fs.BoolFunc("signals", "kill all tasks on SIGINT and SIGTERM", func(s string) error {
		on, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		if on {
			c.Flags |= FlagSignals
		} else {
			c.Flags &^= FlagSignals
		}
		return nil
	})
}
