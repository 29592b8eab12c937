package tracing

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Trace propagation headers
const (
	HeaderTraceID = "X-Trace-ID"
	HeaderSpanID  = "X-Span-ID"
)

// Annotator adds tags to an admin request span once the handler has run
type Annotator func(c *gin.Context, span *Span)

type spanKey struct{}

// SpanFromContext returns the admin request span carried by ctx, if any
func SpanFromContext(ctx context.Context) *Span {
	span, _ := ctx.Value(spanKey{}).(*Span)
	return span
}

// HTTPMiddleware opens one span per admin request. The span continues the
// caller's trace when the request carries trace headers, is reachable from
// handlers through SpanFromContext and is submitted after the annotators ran.
func HTTPMiddleware(tracer *Tracer, annotators ...Annotator) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		traceID, parentID := ExtractTraceContext(map[string]string{
			HeaderTraceID: c.GetHeader(HeaderTraceID),
			HeaderSpanID:  c.GetHeader(HeaderSpanID),
		})
		if traceID != "" {
			ctx = WithTrace(ctx, traceID)
		}
		if parentID != "" {
			ctx = context.WithValue(ctx, spanIDKey, parentID)
		}

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		span, ctx := tracer.StartSpan(ctx, c.Request.Method+" "+route)
		span.SetTag("http.route", route)
		span.SetTag("http.client_ip", c.ClientIP())

		c.Request = c.Request.WithContext(context.WithValue(ctx, spanKey{}, span))
		c.Header(HeaderTraceID, string(span.TraceID))
		c.Header(HeaderSpanID, string(span.SpanID))

		c.Next()

		status := c.Writer.Status()
		span.SetStatus(status)
		span.SetTag("http.status", strconv.Itoa(status))
		if err := c.Errors.Last(); err != nil {
			span.SetError(err)
		}
		for _, annotate := range annotators {
			annotate(c, span)
		}

		span.Finish()
		tracer.Submit(span)
	}
}
