// Package main runs a Secure Partition Manager with a demo set of partitions.
//
// The manager routes connect, call and close requests from clients to the
// services that partitions expose. A violation by any partition halts the
// manager until it is reset.
//
// The process hosts:
//   - the partition manager and its demo providers (echo, counter)
//   - a supervisor that reboots the manager after a fault, behind a breaker
//   - an optional admin API with status, services, reset and /metrics
//   - an optional client workload that keeps traffic flowing
//
// Configuration:
//   - Environment variables (SPM_*, ADMIN_*, LOG_*, RATE_LIMIT_*, RECOVERY_*)
//   - CLI flags (override env vars)
//   - A built-in manifest when none is given
//
// Usage:
//
//	# Built-in manifest, admin API on 127.0.0.1:8090
//	./spm
//
//	# Custom manifest, console logs, no background traffic
//	./spm --manifest partitions.toml --dev --workload-rps 0
//
//	# Stay halted after the first fault
//	./spm --no-recovery
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
