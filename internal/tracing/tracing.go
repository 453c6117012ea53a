// Package tracing turns store operations and HTTP requests into OpenTelemetry
// spans.
package tracing

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"managed-kvstore/internal/config"
	"managed-kvstore/internal/kv"
	"managed-kvstore/internal/logging"
)

const instrumentationName = "managed-kvstore"

// Service owns the tracer provider for the process.
type Service struct {
	config   config.TracingConfig
	tracer   oteltrace.Tracer
	provider *trace.TracerProvider
}

// NewService builds the exporter named by cfg.ExporterType ("console" or
// "otlp"). A disabled config yields a no-op tracer.
func NewService(cfg config.TracingConfig) (*Service, error) {
	if !cfg.Enabled {
		return &Service{config: cfg, tracer: noop.NewTracerProvider().Tracer(instrumentationName)}, nil
	}

	exporter, err := newExporter(cfg, os.Stdout)
	if err != nil {
		return nil, err
	}
	return NewServiceWithExporter(cfg, exporter)
}

// NewServiceWithExporter builds a service exporting to exporter regardless of
// cfg.ExporterType.
func NewServiceWithExporter(cfg config.TracingConfig, exporter trace.SpanExporter) (*Service, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	samplingRatio := cfg.SamplingRatio
	if samplingRatio <= 0 {
		samplingRatio = 1.0
	}

	tp := trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithBatcher(exporter),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(samplingRatio))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Service{
		config:   cfg,
		tracer:   tp.Tracer(instrumentationName),
		provider: tp,
	}, nil
}

func newExporter(cfg config.TracingConfig, console io.Writer) (trace.SpanExporter, error) {
	switch cfg.ExporterType {
	case "otlp":
		exporter, err := otlptracehttp.New(context.Background(),
			otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
			otlptracehttp.WithHeaders(cfg.OTLPHeaders),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		return exporter, nil
	case "console", "":
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(console), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create console exporter: %w", err)
		}
		return exporter, nil
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.ExporterType)
	}
}

func (s *Service) Tracer() oteltrace.Tracer {
	return s.tracer
}

func (s *Service) StartSpan(ctx context.Context, name string, opts ...oteltrace.SpanStartOption) (context.Context, oteltrace.Span) {
	return s.tracer.Start(ctx, name, opts...)
}

// RecordError marks span as failed with err.
func RecordError(span oteltrace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceOperation runs fn inside a span named operationName.
func (s *Service) TraceOperation(ctx context.Context, operationName string, fn func(context.Context, oteltrace.Span) error) error {
	ctx, span := s.StartSpan(ctx, operationName)
	defer span.End()

	if err := fn(ctx, span); err != nil {
		RecordError(span, err)
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// ForceFlush exports every finished span still buffered.
func (s *Service) ForceFlush(ctx context.Context) error {
	if s.provider == nil {
		return nil
	}
	return s.provider.ForceFlush(ctx)
}

// Close flushes and shuts down the exporter.
func (s *Service) Close(ctx context.Context) error {
	if s.provider == nil {
		return nil
	}
	return s.provider.Shutdown(ctx)
}

// Middleware wraps every request in a server span continuing any trace
// propagated by the caller.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := s.StartSpan(ctx, fmt.Sprintf("http.%s %s", r.Method, r.URL.Path),
			oteltrace.WithSpanKind(oteltrace.SpanKindServer),
			oteltrace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", r.URL.Path),
				attribute.String("request.id", logging.ExtractRequestID(r.Context())),
			),
		)
		defer span.End()

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", sw.status))
		if sw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// SpanListener is a kv.StatsListener recording one span per store operation.
// Stats arrive after the operation completes, so spans are backdated by the
// elapsed time.
type SpanListener struct {
	tracer oteltrace.Tracer
}

var _ kv.StatsListener = (*SpanListener)(nil)

func NewSpanListener(s *Service) *SpanListener {
	return &SpanListener{tracer: s.Tracer()}
}

func (l *SpanListener) Report(s kv.Stat) {
	end := time.Now()
	_, span := l.tracer.Start(context.Background(), "kv."+s.Op,
		oteltrace.WithTimestamp(end.Add(-s.Elapsed)),
		oteltrace.WithAttributes(
			attribute.String("kv.store", s.Store),
			attribute.String("kv.operation", s.Op),
			attribute.Int("kv.count", s.Count),
		),
	)
	if s.Err != nil {
		RecordError(span, s.Err)
	}
	span.End(oteltrace.WithTimestamp(end))
}
