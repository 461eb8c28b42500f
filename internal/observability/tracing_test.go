package observability

import (
	"testing"
)

func TestTracingConfigFromEnvDefaults(t *testing.T) {
	for _, k := range []string{"GPS_OTEL_EXPORTER", "GPS_OTEL_ENDPOINT", "GPS_OTEL_INSECURE", "GPS_OTEL_HEADERS", "GPS_OTEL_SAMPLE_RATIO"} {
		t.Setenv(k, "")
	}
	cfg, err := TracingConfigFromEnv()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.Exporter != ExporterNone || !cfg.Insecure || cfg.SampleRatio != 1 || len(cfg.Headers) != 0 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestTracingConfigFromEnvParsesSettings(t *testing.T) {
	t.Setenv("GPS_OTEL_EXPORTER", "OTLPHTTP")
	t.Setenv("GPS_OTEL_ENDPOINT", "https://collector:4318")
	t.Setenv("GPS_OTEL_INSECURE", "false")
	t.Setenv("GPS_OTEL_HEADERS", "authorization=Bearer x, broken ,team=gps")
	t.Setenv("GPS_OTEL_SAMPLE_RATIO", "0.25")
	cfg, err := TracingConfigFromEnv()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.Exporter != ExporterOTLPHTTP || cfg.Endpoint != "https://collector:4318" || cfg.Insecure || cfg.SampleRatio != 0.25 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if len(cfg.Headers) != 2 || cfg.Headers["authorization"] != "Bearer x" || cfg.Headers["team"] != "gps" {
		t.Fatalf("unexpected headers %v", cfg.Headers)
	}
}

func TestTracingConfigFromEnvRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"GPS_OTEL_EXPORTER":     "zipkin",
		"GPS_OTEL_INSECURE":     "maybe",
		"GPS_OTEL_SAMPLE_RATIO": "1.5",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			if _, err := TracingConfigFromEnv(); err == nil {
				t.Fatalf("%s=%s accepted", key, val)
			}
		})
	}
}
