/*
Package metrics provides Prometheus metrics for LowFive.

# Overview

Collector implements types.MetricsCollector. The connector reports every
intercepted operation with its routing mode, the transport reports every
round by role, and the mirror reports every best-effort copy. The collector
keeps a Prometheus registry for monitoring systems and per-operation
summaries for the diagnostics API.

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9464,
		Path:      "/metrics",
		Namespace: "lowfive",
	})
	if err != nil {
		log.Fatal(err)
	}
	conn := vol.New(vol.Config{Metrics: collector})

# Exported Metrics

	lowfive_operations_total{operation,mode,status}
	lowfive_operation_duration_seconds{operation,mode}
	lowfive_operation_size_bytes{operation,mode}
	lowfive_rounds_total{role,status}
	lowfive_round_duration_seconds{role}
	lowfive_round_bytes_total{role}
	lowfive_mirror_copies_total{status}
	lowfive_errors_total{operation,code}
	lowfive_resident_files

Errors are labelled by their error code (NOT_FOUND, NOT_READY, ...), with
"timeout" and "canceled" for context errors and "other" for uncoded ones.

# Serving

Handler returns the exposition handler, mounted at /metrics by the
diagnostics API. Start serves it on a dedicated port for deployments that
scrape metrics separately:

	if err := collector.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer collector.Stop(ctx)

A disabled collector accepts every call and records nothing.
*/
package metrics
