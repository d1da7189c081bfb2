// Package logx provides structured logging for remibot on top of zerolog.
//
// It exposes a value-type Logger (safe zero value, cheap With) and a Service
// that owns the configured sinks (console, file, optional Telegram chat) and
// can be re-applied at runtime when the config file changes.
package logx
