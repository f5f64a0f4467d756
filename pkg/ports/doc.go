/*
Package ports defines the driven ports (interfaces) of the stepgraph engine.

These interfaces decouple the engine and supervisor from concrete storage and
transport, so the same run loop works against memory, Redis or SQL stores and
against in-process or Redis-backed event fan-out.

# Key Interfaces

  - RunStore: durable run records addressed by run ID.
  - StoreOpener: hands out an isolated RunStore handle per run.
  - EventSink: per-run fan-out of live events to subscribers.
  - DistributedLocker: cross-replica lock guarding the single writer of a run.

Reusable contract suites (RunStoreContract, EventSinkContract) verify that an
adapter honors these interfaces.
*/
package ports
