// Package logging: see logger.go for the Logger interface, the slog adapter and
// the StructuredLogger used by the command line binaries.
//
// Components accept a Logger through their functional options and default to
// NoOpLogger{}. Message keys are dotted event names such as
// "router.call.timeout" or "engine.session.suspended"; details are passed as
// key/value pairs.
package logging
