// Package logger builds the daemon's slog logger and offers nil-safe
// attribute helpers so call sites never need explicit nil checks:
//
//	log.Error("task failed", logger.Error(err), logger.Component("scheduler"))
package logger
