// Package hubstream provides a live-telemetry ingestion pipeline for a fleet
// of networked hubs, each multiplexing several serial-attached sensor devices.
//
// # Architecture
//
// Four components, composed leaves-first by the pipeline service:
//
//	┌─────────────────────────────────────┐
//	│        stream.Manager               │  Single websocket session,
//	│  (connect, reconnect, subscribe)    │  backoff + intent queue
//	└──────────────────┬──────────────────┘
//	                   │ inbound frames
//	┌──────────────────▼──────────────────┐
//	│        pipeline.Service             │  Routes by message type
//	└───────┬──────────────────┬──────────┘
//	        │                  │
//	┌───────▼────────┐  ┌──────▼─────────┐
//	│ telemetry.Store│  │  task.Tracker  │
//	│ (ring buffers, │  │ (one in-flight │
//	│  1h retention, │  │  command per   │
//	│  merge groups) │  │  port, timeout)│
//	└───────┬────────┘  └────────────────┘
//	        │ sticky mapping per device
//	┌───────▼────────┐
//	│ protocol       │  Stateless decode/detect/parse
//	│ (kv, csv, json)│  of line-oriented sensor formats
//	└────────────────┘
//
// # Packages
//
// Core:
//   - stream: websocket connection manager with capped exponential backoff
//     reconnection and queued, deduplicated subscription intents
//   - protocol: sensor format detection and numeric line parsing
//   - telemetry: bounded time-windowed series store with runtime merge/split
//     of chart series across devices
//   - task: device command tracking with per-port mutual exclusion and
//     wall-clock timeouts
//   - pipeline: composition layer wiring the above and exposing the query
//     surface consumed by the rendering layer
//
// Infrastructure:
//   - config: configuration loading and validation (JSON or YAML)
//   - metric: Prometheus metrics registry
//   - errors: structured, classified error handling
//   - component: component lifecycle and health contracts
//   - pkg/retry: exponential backoff policies
//   - pkg/ring: bounded ring buffer with drop-oldest overflow
//   - pkg/timestamp: canonical Unix-millisecond time handling
//
// # Design Principles
//
// Failure isolation:
//   - One malformed frame never interrupts an otherwise-healthy stream
//   - One invalid user-authored mapping never aborts format detection
//   - One panicking message handler never starves the others
//
// Bounded resources:
//   - Raw-line buffers cap at 1000 lines per device (drop oldest)
//   - Field series prune to a one-hour retention horizon on every insert
//   - Change notification coalesces to bound consumer redraw frequency
package hubstream
