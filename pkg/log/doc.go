/*
Package log provides structured logging for warrend using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support
filtering by severity level.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("scheduler")               │          │
	│  │  - WithNode("node-a")                       │          │
	│  │  - WithInstance("instance-uuid")             │          │
	│  │  - WithNetwork("network-uuid")               │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "scheduler",                │          │
	│  │    "time": "2026-07-29T10:30:00Z",          │          │
	│  │    "message": "instance placed"              │          │
	│  │  }                                           │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  2026-07-29T10:30:00Z INF instance placed component=scheduler │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all warren packages

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)
  - Fatal: Critical errors (process exits)

Configuration:
  - Level: Filter messages below threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

Context Loggers:
  - WithComponent: Add component name to all logs
  - WithNode: Add node name context
  - WithInstance: Add instance UUID context
  - WithNetwork: Add network UUID context

# Usage

Initializing the Logger:

	import "github.com/nimbusfleet/warren/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Simple Logging:

	log.Info("cluster initialized")
	log.Debug("checking node status")
	log.Warn("high memory usage detected")
	log.Error("failed to reach image origin")
	log.Fatal("cannot start without coordination store") // exits process

Structured Logging:

	log.Logger.Info().
		Str("instance_uuid", "instance-123").
		Int("vcpus", 4).
		Msg("instance created")

Component Loggers:

	schedLog := log.WithComponent("scheduler")
	schedLog.Info().Msg("placement cycle started")
	schedLog.Debug().Str("instance_uuid", "instance-123").Msg("evaluating candidates")

Context Logger Helpers:

	nodeLog := log.WithNode("node-a")
	nodeLog.Info().Msg("node joined cluster")

	instLog := log.WithInstance("instance-123")
	instLog.Info().Msg("power on requested")

	netLog := log.WithNetwork("network-abc")
	netLog.Info().Msg("dhcp lease table updated")

# Integration Points

This package integrates with:

  - pkg/store: Logs Raft membership and apply errors
  - pkg/scheduler: Logs placement decisions
  - pkg/pipeline: Logs instance create/delete phases
  - pkg/hypervisor: Logs power-state transitions
  - pkg/httpapi: Logs request handling and proxying
  - pkg/supervisor: Logs worker fork/restart events
  - pkg/cleaner: Logs stale-resource reaping

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance, initialized once at startup
  - Accessible from all packages without passing a logger down the call stack

Context Logger Pattern:
  - Create child loggers with context fields (node, instance, network)
  - Pass context loggers into functions that need the extra fields on every line

Structured Logging Pattern:
  - Use typed fields (.Str, .Int, .Err) rather than string concatenation,
    so logs stay parseable by downstream aggregation tools

# Security

  - Never log secrets, passwords, or JWT tokens
  - Use typed fields for any user-supplied data rather than interpolating
    it into the message string

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
*/
package log
