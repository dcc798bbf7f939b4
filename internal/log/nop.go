package log

import "context"

type discard struct{}

// Nop returns a Logger that drops everything. Tests and unset options use it.
func Nop() Logger { return discard{} }

func (d discard) With(...any) Logger                         { return d }
func (discard) Debug(context.Context, string, ...any)        {}
func (discard) Info(context.Context, string, ...any)         {}
func (discard) Warn(context.Context, string, ...any)         {}
func (discard) Error(context.Context, error, string, ...any) {}
func (discard) Sync() error                                  { return nil }
