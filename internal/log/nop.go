package log

import "context"

// Nop returns a Logger that discards everything. Safe default for
// libraries and tests that don't care about output.
func Nop() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) With(kv ...any) Logger                                       { return nopLogger{} }
func (nopLogger) Debug(ctx context.Context, msg string, kv ...any)            {}
func (nopLogger) Info(ctx context.Context, msg string, kv ...any)             {}
func (nopLogger) Warn(ctx context.Context, msg string, kv ...any)             {}
func (nopLogger) Error(ctx context.Context, err error, msg string, kv ...any) {}
func (nopLogger) Sync() error                                                 { return nil }
