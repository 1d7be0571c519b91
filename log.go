package caio

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	zapslog "github.com/tommoulard/zap-slog"
	"go.uber.org/zap"

	"github.com/kmrgirish/caio/internal/prettylog"
)

type indentedWriter struct {
	out io.Writer
}

func (w *indentedWriter) Write(p []byte) (n int, err error) {
	if len(p) > 0 && p[len(p)-1] == '\n' {
		var x any
		if err := json.Unmarshal(p, &x); err == nil {
			o := json.NewEncoder(w.out)
			o.SetIndent("", "  ")
			if err := o.Encode(x); err != nil {
				return 0, err
			}
			return len(p), nil
		}
	}
	if _, err := w.out.Write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func makeConsoleWriter(out io.Writer, format LogFormat) (io.Writer, error) {
	switch format {
	case LogRaw:
		return out, nil
	case LogIndented:
		return &indentedWriter{
			out: out,
		}, nil
	case LogPretty:
		return prettylog.NewWriter(out), nil
	default:
		return nil, fmt.Errorf("bad log kind %q", format)
	}
}

func makeHandler(cfg Config) (slog.Handler, error) {
	level, err := cfg.level()
	if err != nil {
		return nil, err
	}
	out, err := makeConsoleWriter(cfg.LogOutput, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	return slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
	}), nil
}

// ZapLogger returns a zap logger whose entries are written through the
// runtime's slog logger, so they carry the same task and step attributes
// as the runtime's own logs.
func (r *Runtime) ZapLogger() (*zap.Logger, error) {
	return zap.NewProduction(zapslog.WrapCore(r.sched.Logger()))
}
