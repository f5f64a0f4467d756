/*
Package supervisor launches and tracks graph runs.

A Supervisor accepts submissions, writes the pending run record and starts
the run on its own goroutine, detached from the submitter. Each run gets a
private store handle and an exclusive per-run guard that can be backed by
a distributed lock when several replicas share one store.
*/
package supervisor
