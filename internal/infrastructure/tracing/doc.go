/*
Package tracing provides lightweight spans for IPC messages and admin requests.

# Overview

Every message the partition manager delivers gets a span that starts when the
message is queued for the service and finishes when the service ends it. The
trace id is shared by all messages on one connection, so a connect, its calls
and the close can be correlated in the logs.

# Usage

	tracer := tracing.New("spm", logger)
	defer tracer.Close()

	router.Use(tracing.HTTPMiddleware(tracer))

	span, ctx := tracer.StartSpan(ctx, "call")
	span.SetTag("sid", "0x1001")
	span.Finish()
	tracer.Submit(span)

# Trace Format

Admin requests propagate trace context with these headers:
- X-Trace-ID: Unique identifier for the request flow
- X-Span-ID: Identifier for the current operation

Finished spans are buffered (1000) and logged asynchronously.
*/
package tracing
