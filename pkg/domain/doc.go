/*
Package domain contains the core data model of the stepgraph engine.

It defines the records a run produces and consumes: the key-value State that flows
through a graph, the Run record with its status and step history, and the Events
streamed to live observers. The package is kept pure and free of I/O so that every
adapter (memory, redis, sql, http) can share the same types.

# Key Entities

  - State: the run's accumulated key-value record, merged key-wise after each step.
  - StepRecord: an immutable, ordered log entry for one executed step.
  - Run: one execution of a graph, with status, current state and history.
  - Event: a live feed entry, either a step or the single terminal event of a run.
*/
package domain
