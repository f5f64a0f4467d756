/*
Package observability turns engine lifecycle hooks into metrics and logs.

Metrics registers Prometheus collectors and exposes hooks that feed them;
LogHooks writes one structured log line per run and step. Both return
domain.LifecycleHooks and can be chained with Combine.
*/
package observability
