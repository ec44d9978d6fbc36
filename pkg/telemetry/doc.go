// Package telemetry provides observability instrumentation for fabprov.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry) and metrics (Prometheus) behind one Telemetry bundle that
// the CLI builds at startup and hands to the transport, poller and driver.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	logger := tel.Logger.NewComponentLogger("driver").WithRunID(runID)
//	logger.Info("run started")
//
// # Metrics
//
// A nil or disabled *Metrics records nothing, so components accept one
// unconditionally:
//
//	tel.Metrics.RecordAPICall("POST", "accepted", elapsed)
//	tel.Metrics.RecordPollOutcome("succeeded")
//
// Metrics are served at the configured listen address, if any.
//
// # Tracing
//
// NewTracer installs the provider globally. Packages start spans with
// otel.Tracer(name) and record failures with RecordError.
package telemetry
