// Package config provides 12-factor configuration management for the SPM.
//
// Configuration is loaded from environment variables with sensible defaults.
// CLI flags can override environment variables for development flexibility.
// The SPM section is read once at startup and never changes at runtime.
//
// Configuration Sections:
//   - SPM: vector count, transmit/response limits, handle table size, manifest
//   - Admin: diagnostics HTTP server (host, port, enabled)
//   - Logging: Log level and output format
//   - RateLimit: admin API rate limiting
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	limits := cfg.SPM.Limits()
//
// Environment Variables:
//   - SPM_MAX_IOVEC, SPM_TX_BUF_LIMIT, SPM_RX_BUF_LIMIT, SPM_MAX_HANDLES
//   - SPM_MANIFEST, SPM_ALLOW_DISCONNECT_RHANDLE
//   - ADMIN_HOST, ADMIN_PORT, ADMIN_ENABLED
//   - LOG_LEVEL, LOG_DEV
//   - RATE_LIMIT_RPS, RATE_LIMIT_BURST, RATE_LIMIT_ENABLED
package config
