/*
Package types provides the shared interfaces and data structures of LowFive.

It sits below every other package so that the object model, the routing
engine, the connector and the diagnostics surfaces can agree on a few
vocabulary types without import cycles.

# Routing vocabulary

Mode names the backend that serves an operation:

	ModePassthru  delegate to the persistent store
	ModeMemory    serve from the in-process object model
	ModeRemote    fulfil through a transport channel

OpClass groups intercepted operations (structural, data-read, data-write) so
rules can be restricted to some of them.

# Interfaces

Backend abstracts a blob store (S3, a local directory, memory) used by the
pass-through backend. MetricsCollector is satisfied by internal/metrics and
Inspector by the connector; the HTTP diagnostics server builds its source
interface on Inspector.
*/
package types
