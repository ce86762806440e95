// Package metrics declares the Prometheus collectors exported by both
// producer and consumer binaries, namespaced under federator_*.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "federator_cache_hits_total",
	Help: "counter of config cache reads that found an unexpired entry",
}, []string{"kind"})

var CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "federator_cache_misses_total",
	Help: "counter of config cache reads that found no entry or an expired one",
}, []string{"kind"})

var CacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "federator_cache_evictions_total",
	Help: "counter of config cache entries evicted to respect capacity",
}, []string{"kind"})

var BatchesEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "federator_dispatcher_batches_emitted_total",
	Help: "counter of wire batches sent by the dispatcher after filtering",
}, []string{"topic"})

var BatchesFiltered = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "federator_dispatcher_batches_filtered_total",
	Help: "counter of source records denied by the attribute filter",
}, []string{"topic"})

var WorkerRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "federator_worker_retries_total",
	Help: "counter of transient-error retries performed by a ClientWorker",
}, []string{"peer", "topic"})

var WorkerFatal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "federator_worker_fatal_total",
	Help: "counter of ClientWorker stops caused by a non-retryable error",
}, []string{"peer", "topic"})

var CursorOffset = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "federator_worker_cursor_offset",
	Help: "last persisted cursor offset for a (peer, topic) worker",
}, []string{"peer", "topic"})

var FileChunksSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "federator_filestreamer_chunks_sent_total",
	Help: "counter of Chunk messages emitted by the file streamer",
}, []string{"topic"})

var FileBytesSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "federator_filestreamer_bytes_sent_total",
	Help: "counter of payload bytes emitted by the file streamer",
}, []string{"topic"})

var FileAssemblyFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "federator_fileassembler_failures_total",
	Help: "counter of file assemblies aborted by a checksum or size mismatch",
}, []string{"reason"})

var ReconcilerActions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "federator_reconciler_actions_total",
	Help: "counter of scheduler reconcile actions taken against the live-jobs registry",
}, []string{"action"})

var ReloadFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "federator_scheduler_reload_failures_total",
	Help: "counter of failed reload ticks; the previous live set is preserved on failure",
})
