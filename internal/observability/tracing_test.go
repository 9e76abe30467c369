package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/casework/internal/config"
	"github.com/pitabwire/casework/model"
)

// recordSpans installs an always-sampling provider that keeps finished spans
// in memory for the duration of the test.
func recordSpans(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})
	return exporter
}

func attrs(s tracetest.SpanStub) map[string]string {
	m := make(map[string]string, len(s.Attributes))
	for _, a := range s.Attributes {
		m[string(a.Key)] = a.Value.Emit()
	}
	return m
}

func TestInitTracing(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.TracingConfig
		wantErr bool
	}{
		{"disabled", config.TracingConfig{}, false},
		{"stdout", config.TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1}, false},
		{"unsupported exporter", config.TracingConfig{Enabled: true, Exporter: "zipkin"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := otel.GetTracerProvider()
			t.Cleanup(func() { otel.SetTracerProvider(prev) })

			shutdown, err := InitTracing(context.Background(), tt.cfg, "casework", "test")
			if tt.wantErr {
				if err == nil {
					t.Fatal("InitTracing() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("InitTracing() error = %v", err)
			}
			if err := shutdown(context.Background()); err != nil {
				t.Errorf("shutdown() error = %v", err)
			}
		})
	}
}

func TestNewSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{0, "TraceIDRatioBased{0.1}"},
		{-1, "TraceIDRatioBased{0.1}"},
		{0.25, "TraceIDRatioBased{0.25}"},
		{1, "AlwaysOnSampler"},
		{3, "AlwaysOnSampler"},
	}
	for _, tt := range tests {
		desc := newSampler(tt.rate).Description()
		if !strings.HasPrefix(desc, "ParentBased{") || !strings.Contains(desc, tt.want) {
			t.Errorf("newSampler(%v) = %s, want parent based over %s", tt.rate, desc, tt.want)
		}
	}
}

func TestNewSampler_followsSampledParent(t *testing.T) {
	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		SpanID:     trace.SpanID{1},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	res := newSampler(0.01).ShouldSample(sdktrace.SamplingParameters{
		ParentContext: trace.ContextWithRemoteSpanContext(context.Background(), parent),
		TraceID:       parent.TraceID(),
		Name:          "workflow.apply_event",
	})
	if res.Decision != sdktrace.RecordAndSample {
		t.Errorf("decision = %v, want RecordAndSample under a sampled parent", res.Decision)
	}
}

func TestStartSpan_tagsTenantFromIdentity(t *testing.T) {
	exporter := recordSpans(t)

	ctx := model.WithIdentity(context.Background(), model.Identity{NationalID: "0101302989", TenantID: "tenant-7"})
	_, span := StartSpan(ctx, "workflow.update_answers", AttrApplicationID.String("app-1"))
	span.End()
	_, anon := StartSpan(context.Background(), "lifecycle.prune")
	anon.End()

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	got := attrs(spans[0])
	if got["casework.tenant_id"] != "tenant-7" || got["casework.application_id"] != "app-1" {
		t.Errorf("attributes = %v", got)
	}
	if _, ok := attrs(spans[1])["casework.tenant_id"]; ok {
		t.Error("span without an Identity should not carry a tenant")
	}
}

func TestApplicationAttrs(t *testing.T) {
	exporter := recordSpans(t)

	app := &model.Application{ID: "app-9", TypeID: "residence-permit", State: "review"}
	_, span := StartSpan(context.Background(), "workflow.get_application", ApplicationAttrs(app)...)
	span.End()

	got := attrs(exporter.GetSpans()[0])
	want := map[string]string{
		"casework.application_id": "app-9",
		"casework.type_id":        "residence-permit",
		"casework.state":          "review",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
}

func TestEndSpanWithError(t *testing.T) {
	exporter := recordSpans(t)

	_, failed := StartSpan(context.Background(), "dataprovider.provide")
	EndSpanWithError(failed, errors.New("registry unavailable"))
	_, ok := StartSpan(context.Background(), "dataprovider.provide")
	EndSpanWithError(ok, nil)

	spans := exporter.GetSpans()
	if spans[0].Status.Code != codes.Error || spans[0].Status.Description != "registry unavailable" {
		t.Errorf("failed span status = %+v", spans[0].Status)
	}
	if len(spans[0].Events) == 0 {
		t.Error("failed span should record the error as an event")
	}
	if spans[1].Status.Code == codes.Error {
		t.Error("span ended without error should not be marked as failed")
	}
}

func TestTraceIDFromContext(t *testing.T) {
	recordSpans(t)

	if got := TraceIDFromContext(context.Background()); got != "" {
		t.Errorf("TraceIDFromContext() without span = %q, want empty", got)
	}
	ctx, span := StartSpan(context.Background(), "workflow.apply_event")
	defer span.End()
	if got := TraceIDFromContext(ctx); got != span.SpanContext().TraceID().String() {
		t.Errorf("TraceIDFromContext() = %q, want %q", got, span.SpanContext().TraceID())
	}
}

func TestRequestLogger_correlatesActiveSpan(t *testing.T) {
	recordSpans(t)
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	ctx, span := StartSpan(context.Background(), "workflow.apply_event")
	defer span.End()
	RequestLogger(ctx, logger).Info("transition applied")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v", err)
	}
	if entry["trace_id"] != span.SpanContext().TraceID().String() {
		t.Errorf("trace_id = %v, want %s", entry["trace_id"], span.SpanContext().TraceID())
	}
	if entry["span_id"] != span.SpanContext().SpanID().String() {
		t.Errorf("span_id = %v, want %s", entry["span_id"], span.SpanContext().SpanID())
	}
}
