package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// installTracer registers an in-memory tracer provider globally for the
// duration of the test.
func installTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureDefaultLog redirects slog.Default into a buffer for the test.
func captureDefaultLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestStartSpan_RecordsNamedSpan(t *testing.T) {
	exp := installTracer(t)

	ctx, span := StartSpan(context.Background(), "negotiate.Start")
	cid := CorrelationID(ctx)
	span.End()

	if len(cid) != 32 || strings.Trim(cid, "0123456789abcdef") != "" {
		t.Errorf("CorrelationID = %q, want 32 lowercase hex chars", cid)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "negotiate.Start" {
		t.Fatalf("spans = %+v, want one named negotiate.Start", spans)
	}
	if got := spans[0].InstrumentationScope.Name; got != instrumentationScope {
		t.Errorf("scope = %q, want %q", got, instrumentationScope)
	}
}

func TestStartSpan_ChildSharesCorrelationID(t *testing.T) {
	installTracer(t)

	ctx, parent := StartSpan(context.Background(), "call.Start")
	defer parent.End()
	child, span := StartSpan(ctx, "negotiate.Start")
	defer span.End()

	if CorrelationID(ctx) != CorrelationID(child) {
		t.Errorf("child correlation ID %q differs from parent %q", CorrelationID(child), CorrelationID(ctx))
	}

	other, span2 := StartSpan(context.Background(), "call.Start")
	defer span2.End()
	if CorrelationID(other) == CorrelationID(ctx) {
		t.Error("independent spans share a correlation ID")
	}
}

func TestCorrelationID_EmptyWithoutSpan(t *testing.T) {
	t.Parallel()
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID = %q, want empty", got)
	}
}

func TestLogger(t *testing.T) {
	tests := []struct {
		name      string
		withSpan  bool
		wantTrace bool
	}{
		{name: "inside span", withSpan: true, wantTrace: true},
		{name: "no span", withSpan: false, wantTrace: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			installTracer(t)
			buf := captureDefaultLog(t)

			ctx := context.Background()
			if tt.withSpan {
				c, s := StartSpan(ctx, "log-test")
				defer s.End()
				ctx = c
			}
			Logger(ctx).Info("call active")

			out := buf.String()
			if got := strings.Contains(out, "trace_id="); got != tt.wantTrace {
				t.Errorf("trace_id present = %v, want %v: %s", got, tt.wantTrace, out)
			}
			if got := strings.Contains(out, "span_id="); got != tt.wantTrace {
				t.Errorf("span_id present = %v, want %v: %s", got, tt.wantTrace, out)
			}
		})
	}
}
