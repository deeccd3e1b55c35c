// Package sub001 is the data-source ingestion pipeline behind the dashboard
// grid: it connects to a push-based messaging endpoint, performs a
// snapshot-then-stream handshake, infers a field schema from untyped sample
// payloads, and merges keyed row updates into a live in-memory table.
//
// The pipeline is assembled from small packages:
//
//   - connection: one duplex connection per data source with heartbeats,
//     reconnect-with-backoff, and topic pub/sub primitives
//   - snapshot: the snapshot acquisition state machine (subscribe, trigger,
//     collect until end-token or timeout)
//   - schema: recursive field-type inference over raw row samples
//   - rowstore: the keyed in-memory table and its merge engine
//   - stats: connection and throughput statistics
//   - datasource: the orchestrator tying the pieces together and exposing
//     TestConnection, InferFields, Activate and Deactivate to the UI layer
//
// Transports live under connection/transport/: a NATS client, a WebSocket
// client, and an in-process broker used by tests. The metric, health and
// component packages give operators a Prometheus scrape endpoint, an HTTP
// health report, and a lifecycle contract for embedding sources in a larger
// service.
package sub001
