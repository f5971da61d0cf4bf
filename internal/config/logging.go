package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func NewLogger(cfg LoggingConfig) zerolog.Logger {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg LoggingConfig, out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	output := out
	if strings.EqualFold(cfg.Format, "console") {
		output = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

	logger := zerolog.New(output).Level(level).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}

// NewSlogLogger returns a log/slog logger whose records become zerolog events of the
// matching level, for libraries that take a *slog.Logger.
func NewSlogLogger(logger zerolog.Logger) *slog.Logger {
	return slog.New(&zerologHandler{logger: logger})
}

// zerologHandler is a slog.Handler writing through a zerolog.Logger. Attributes of
// groups are flattened into dotted keys.
type zerologHandler struct {
	logger zerolog.Logger
	attrs  []slog.Attr
	prefix string
}

func (h *zerologHandler) Enabled(_ context.Context, level slog.Level) bool {
	return zerologLevel(level) >= h.logger.GetLevel()
}

func (h *zerologHandler) Handle(_ context.Context, r slog.Record) error {
	evt := h.logger.WithLevel(zerologLevel(r.Level))
	for _, a := range h.attrs {
		addAttr(evt, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		addAttr(evt, h.prefix, a)
		return true
	})
	evt.Msg(r.Message)
	return nil
}

func (h *zerologHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		next.attrs = append(next.attrs, a)
	}
	return &next
}

func (h *zerologHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

func addAttr(evt *zerolog.Event, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if a.Key == "" && v.Kind() != slog.KindGroup {
		return
	}
	key := prefix + a.Key
	switch v.Kind() {
	case slog.KindGroup:
		groupPrefix := prefix
		if a.Key != "" {
			groupPrefix = key + "."
		}
		for _, ga := range v.Group() {
			addAttr(evt, groupPrefix, ga)
		}
	case slog.KindString:
		evt.Str(key, v.String())
	case slog.KindInt64:
		evt.Int64(key, v.Int64())
	case slog.KindUint64:
		evt.Uint64(key, v.Uint64())
	case slog.KindFloat64:
		evt.Float64(key, v.Float64())
	case slog.KindBool:
		evt.Bool(key, v.Bool())
	case slog.KindDuration:
		evt.Dur(key, v.Duration())
	case slog.KindTime:
		evt.Time(key, v.Time())
	default:
		if err, ok := v.Any().(error); ok {
			evt.AnErr(key, err)
			return
		}
		evt.Interface(key, v.Any())
	}
}

func zerologLevel(level slog.Level) zerolog.Level {
	switch {
	case level < slog.LevelInfo:
		return zerolog.DebugLevel
	case level < slog.LevelWarn:
		return zerolog.InfoLevel
	case level < slog.LevelError:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}
