package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/cimillas/stockroom/internal/transport/http"

// RequestObserver records request latency by method and status.
type RequestObserver interface {
	ObserveHTTP(method, status string, seconds float64)
}

type loggerKey struct{}

func loggerFrom(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
		return l
	}
	return zap.NewNop()
}

// RequestLogger traces each request, logs its outcome and latency, and reports it to
// observer when one is given.
func RequestLogger(next http.Handler, logger *zap.Logger, observer RequestObserver) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := otel.Tracer(tracerName)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
			),
		)
		defer span.End()

		reqLogger := logger.With(zap.String("method", r.Method), zap.String("path", r.URL.Path))
		if sc := span.SpanContext(); sc.HasTraceID() {
			reqLogger = reqLogger.With(zap.String("trace_id", sc.TraceID().String()))
		}
		ctx = context.WithValue(ctx, loggerKey{}, reqLogger)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		elapsed := time.Since(start)
		span.SetAttributes(attribute.Int("http.response.status_code", rec.status))
		reqLogger.Info("request",
			zap.Int("status", rec.status),
			zap.Duration("duration", elapsed),
		)
		if observer != nil {
			observer.ObserveHTTP(r.Method, strconv.Itoa(rec.status), elapsed.Seconds())
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
