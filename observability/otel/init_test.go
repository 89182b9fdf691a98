package otel

import (
	"context"
	"testing"
)

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders(" authorization=Bearer abc , x-team=relay,,broken, =skip")
	if len(got) != 2 || got["authorization"] != "Bearer abc" || got["x-team"] != "relay" {
		t.Fatalf("unexpected headers %v", got)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "api-key=secret")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "true")

	cfg := Config{ServiceName: "relayd"}
	ApplyEnv(&cfg)
	if cfg.Endpoint != "collector:4318" || !cfg.Insecure || cfg.Headers["api-key"] != "secret" {
		t.Fatalf("unexpected config %+v", cfg)
	}

	explicit := Config{Endpoint: "otel:4318", Headers: map[string]string{"a": "b"}}
	ApplyEnv(&explicit)
	if explicit.Endpoint != "otel:4318" || explicit.Headers["a"] != "b" {
		t.Fatalf("explicit settings must win, got %+v", explicit)
	}
}

func TestInitWithoutExportersIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "relayd"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatalf("expected service name to be required")
	}
}
