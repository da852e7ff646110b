package engram

import (
	"context"
	"log/slog"
)

// nopLogger is a logger that discards all output. Used when no logger is
// configured.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// NopLogger returns a logger that discards everything. Subpackages use it as
// the fallback when the caller does not wire a logger.
func NopLogger() *slog.Logger { return nopLogger }
