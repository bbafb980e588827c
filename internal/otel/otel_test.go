package otel

import (
	"context"
	"testing"
)

func TestInit_DisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if p.TracerProvider != nil {
		t.Fatal("disabled provider should not build an SDK tracer provider")
	}
	_, span := p.Tracer.Start(context.Background(), "noop")
	if span.SpanContext().IsValid() {
		t.Fatal("noop tracer produced a recording span")
	}
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_NoneExporterStillSamples(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: ExporterNone, SampleRate: 1})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	ctx, span := StartSpan(context.Background(), p.Tracer, "session.call",
		AttrSkill.String("share-links"),
		AttrScript.String("create_share_link"),
	)
	defer span.End()
	if !span.SpanContext().IsValid() || !span.SpanContext().IsSampled() {
		t.Fatal("expected a sampled span")
	}
	_, child := StartClientSpan(ctx, p.Tracer, "mcp.call", AttrModel.String("claude-sonnet-4-5"))
	if child.SpanContext().TraceID() != span.SpanContext().TraceID() {
		t.Fatal("child span not in parent trace")
	}
	child.End()
	_, srv := StartServerSpan(context.Background(), p.Tracer, "mcp.serve")
	srv.End()
}

func TestInit_ShutdownTwice(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: ExporterNone})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", Config{}, false},
		{"stdout", Config{Exporter: ExporterStdout, SampleRate: 0.5}, false},
		{"unknown exporter", Config{Exporter: "magic-pixie-dust"}, true},
		{"negative rate", Config{SampleRate: -0.1}, true},
		{"rate above one", Config{SampleRate: 1.5}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestInit_RejectsInvalidConfig(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestIsLoopback(t *testing.T) {
	tests := map[string]bool{
		"localhost:4318":       true,
		"127.0.0.1:4318":       true,
		"[::1]:4318":           true,
		"collector.internal":   false,
		"10.0.0.5:4318":        false,
		"otel.example.com:443": false,
	}
	for in, want := range tests {
		if got := isLoopback(in); got != want {
			t.Errorf("isLoopback(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestOTLPOptions(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want int
	}{
		{"default endpoint is insecure", Config{}, 2},
		{"remote host", Config{Endpoint: "otel.example.com:4318"}, 1},
		{"remote host insecure", Config{Endpoint: "otel.example.com:4318", Insecure: true}, 2},
		{"https url with headers", Config{Endpoint: "https://otel.example.com/v1/traces", Headers: map[string]string{"x-api-key": "k"}}, 2},
		{"http url", Config{Endpoint: "http://collector:4318/v1/traces"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(otlpOptions(tt.cfg)); got != tt.want {
				t.Fatalf("len(otlpOptions) = %d, want %d", got, tt.want)
			}
		})
	}
}
