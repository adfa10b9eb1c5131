// Package telemetry provides OpenTelemetry instrumentation for docqa.
//
// # Overview
//
// Traces and metrics are exported over OTLP (gRPC or HTTP/protobuf) to a
// collector. Prometheus scraping of the /metrics endpoint is independent of
// this package and always on.
//
// # Usage
//
//	tel, err := telemetry.New(ctx, telemetry.FromConfig(cfg, version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Packages obtain tracers from the global provider, so spans started with
// otel.Tracer("docqa.rag") are exported once New has installed the SDK.
//
// # Configuration
//
//	observability:
//	  enable_telemetry: true
//	  service_name: "docqa"
//	  otlp_endpoint: "localhost:4317"
//	  otlp_protocol: "grpc"   # or "http/protobuf"
//	  otlp_insecure: true
//
// # Error Handling
//
// Exporter failures do not stop the server. The instance is marked degraded
// and the global no-op providers stay in place.
//
// # Testing
//
//	tt := telemetry.NewTestTelemetry()
//	_, span := tt.Tracer("test").Start(ctx, "test-span")
//	span.End()
//	tt.AssertSpanExists(t, "test-span")
package telemetry
