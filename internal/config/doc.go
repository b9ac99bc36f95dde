/*
Package config provides configuration management for LowFive.

Configuration is layered: compiled-in defaults, then a YAML file, then
LOWFIVE_* environment variables. Command-line flags are applied last by the
lowfive command.

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("lowfive.yaml"); err != nil {
		return err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

# Sections

	log:        level, format, file
	routing:    default mode, route rules, mirrors, zerocopy, channel rules
	retention:  default keep, keep/release file patterns, keep channels
	storage:    pass-through store URI (mem://, file:///dir, s3://bucket/prefix) and S3 options
	transport:  process groups, listen/connect address, segment size, compression, bandwidth
	mirror:     retry policy and circuit breaker of best-effort mirror copies
	metrics:    Prometheus exporter
	api:        diagnostics HTTP API
	inspect:    read-only inspection mount

Route rules are evaluated in file order and the first match wins; the
default mode is appended as a "*" / "*" catch-all:

	routing:
	  default: memory
	  rules:
	    - file: "restart-*.h5"
	      mode: passthru
	    - file: "*.h5"
	      object: "/particles/*"
	      mode: remote
	      ops: [structural, write]
	  mirrors:
	    - file: "*.h5"
	      object: "/grid"
	  channels:
	    - file: "*.h5"
	      channel: analysis

RoutingConfig.BuildEngine and RetentionConfig.Apply turn the sections into a
routing engine and a retention manager; LogConfig.Logger builds the
structured logger.

# Environment Variables

	LOWFIVE_LOG_LEVEL, LOWFIVE_LOG_FORMAT, LOWFIVE_LOG_FILE
	LOWFIVE_MODE            default routing mode
	LOWFIVE_KEEP            keep buffers after their consumers are done
	LOWFIVE_STORAGE_URI, LOWFIVE_S3_REGION, LOWFIVE_S3_ENDPOINT
	LOWFIVE_GROUP, LOWFIVE_REMOTE_GROUP, LOWFIVE_LISTEN, LOWFIVE_CONNECT
	LOWFIVE_COMPRESS, LOWFIVE_SERVE_ON_CLOSE
	LOWFIVE_METRICS_ENABLED, LOWFIVE_METRICS_PORT
	LOWFIVE_API_ADDRESS     enables the diagnostics API
	LOWFIVE_MOUNT_POINT

Validation failures carry the CONFIG_VALIDATION error code; read and parse
failures carry CONFIG_LOAD.
*/
package config
