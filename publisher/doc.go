// Package publisher streams logical decoding output to external systems
// (Kafka, NATS).
//
// # Architecture
//
// Each configured slot gets a Worker. The worker owns the slot for as long
// as it runs: it creates the slot on first start, initializes it with the
// configured output plugin and finds a consistent start point, or resumes
// decoding from the slot's confirmed position. Every chunk the plugin
// writes is published synchronously to the worker's Sink with exponential
// backoff. Once a batch of records has been decoded and published the
// worker confirms the read position to the slot, which lets the slot
// release WAL and catalog rows it no longer needs.
//
// # Delivery semantics
//
// Delivery is at-least-once. A crash between publishing and confirming
// replays the transactions that commit after the last confirmed position.
// Transactions are published in commit order; all output of a slot uses
// the slot name as key so ordered sinks keep it on one partition.
//
// # Recovery conflicts
//
// On a standby the session may be terminated because the primary removed
// catalog rows the slot needs. The worker logs the termination, releases
// the slot and reconnects after a backoff.
//
// # Sinks
//
// Sinks register a factory per type with RegisterSink, usually from an
// init function in the sink package:
//
//	publisher.RegisterSink("kafka", func(c cfg.SinkConfiguration) (publisher.Sink, error) {
//		return sink.NewKafkaSink(sink.DefaultKafkaConfig(c.Brokers))
//	})
package publisher
