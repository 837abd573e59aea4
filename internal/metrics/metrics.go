// Package metrics provides application-level counters using stdlib expvar.
// Counters are automatically exported on the /debug/vars HTTP endpoint
// when net/http/pprof is imported in the main binary.
package metrics

import "expvar"

// Operation counters.
var (
	QueryTotal      = expvar.NewInt("memento_query_total")
	StoreTotal      = expvar.NewInt("memento_store_total")
	ProcessTotal    = expvar.NewInt("memento_process_total")
	EvictedTotal    = expvar.NewInt("memento_evicted_total")
	CompressedTotal = expvar.NewInt("memento_compressed_total")
	DecayExpired    = expvar.NewInt("memento_decay_expired_total")
	ErrorTotal      = expvar.NewInt("memento_error_total")
)

// Inc increments the given counter by 1.
func Inc(counter *expvar.Int) { counter.Add(1) }
