// Package flagrelay relays Optimizely Agent notifications to analytics
// backends.
//
// The pipeline subscribes to an Agent's server-sent event stream, parses
// and deduplicates notification frames, classifies them into decision and
// track events, and fans each event out to the configured sinks (Amplitude,
// Google Analytics 4, NATS) through a bounded retrying delivery queue.
//
// Layout:
//
//	cmd/flagrelay     entry point: flags, logging, signal handling
//	config            file + environment configuration
//	service           orchestrator wiring the pipeline together
//	input/agentstream streaming connection manager
//	dedup             event identity cache
//	notification      normalized event shape and classifier
//	dispatch          bounded delivery queue with retry
//	processor/fanout  sink fan-out
//	output/*          delivery sinks
//	pkg/*             reusable building blocks (parser, buffer, cache, retry)
package flagrelay
