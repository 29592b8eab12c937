// Package logging provides structured logging using uber/zap.
//
// This package offers production-ready logging with two modes:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// Partition loggers:
//   - Partition(id, name) returns a named child logger carrying the
//     partition id, used by both the client and the server side of the SPM
//
// Log Levels:
//   - Debug: per-message traffic (connect, call, disconnect)
//   - Info: lifecycle (start, reset, shutdown)
//   - Warn: refused connections, exhausted handle table
//   - Error: protocol violations
//
// Example Usage:
//
//	logger, err := logging.New(logging.DefaultConfig())
//	logger.Info("SPM starting", zap.Int("partitions", 3))
//	logger.Partition(1, "crypto").Error("violation", zap.Error(err))
package logging
