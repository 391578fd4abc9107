/*
Package log provides structured logging for Conductor using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Usage

Initialize once at startup, then use the global logger or derive child
loggers per component:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("orchestrator")
	logger.Info().Str("instance_id", id).Msg("instance registered")

Child logger helpers attach the fields that recur throughout the control
plane: component, instance_id, and stream_id. Background monitors should log
through a component logger so their output can be filtered independently of
request handling.

# Output Modes

JSONOutput=true emits newline-delimited JSON for log aggregation. The
console mode wraps output in zerolog's ConsoleWriter with RFC3339 timestamps
for local development.
*/
package log
