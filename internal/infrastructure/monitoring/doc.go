/*
Package monitoring provides metrics collection for the partition manager.

# Overview

This package implements Prometheus-based metrics for the SPM: IPC operation
counts and latencies, bytes moved across the boundary, live handles, signals,
protocol violations and resets. Each Metrics value owns its registry.

# Usage

	metrics := monitoring.NewMetrics()

	// Time an IPC operation
	timer := monitoring.NewTimer(metrics, "call")
	// ... deliver the message, wait for end ...
	timer.Stop("success")

	// Count a violation
	metrics.RecordViolation("null_handle", "call")

# Metrics Endpoint

	router.GET("/metrics", gin.WrapH(monitoring.Handler(metrics)))
*/
package monitoring
