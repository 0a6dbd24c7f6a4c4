// Package metrics is a thin, optional Prometheus wiring over the
// loader's own counters, mirroring Voskan-arena-cache/pkg/metrics.go:
// passing a nil *prometheus.Registry disables metrics entirely and the
// hot path pays nothing for it; passing a real registry gets gauges
// and counters for the things an operator running many loads actually
// wants to watch.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Sink receives the loader's own event stream. The nil-registry case
// uses noopSink so Loader never has to branch on whether metrics are
// enabled.
type Sink interface {
	SetGPUBuffers(n int)
	SetGPUBytes(b uint64)
	SetShardCacheLen(n int)
	IncShardCacheHit()
	IncShardCacheMiss()
	IncShardCacheEviction()
	AddBytesMaterialized(b uint64)
}

type noopSink struct{}

func (noopSink) SetGPUBuffers(int)          {}
func (noopSink) SetGPUBytes(uint64)         {}
func (noopSink) SetShardCacheLen(int)       {}
func (noopSink) IncShardCacheHit()          {}
func (noopSink) IncShardCacheMiss()         {}
func (noopSink) IncShardCacheEviction()     {}
func (noopSink) AddBytesMaterialized(uint64) {}

type promSink struct {
	gpuBuffers    prometheus.Gauge
	gpuBytes      prometheus.Gauge
	shardCacheLen prometheus.Gauge

	shardHits   prometheus.Counter
	shardMisses prometheus.Counter
	shardEvicts prometheus.Counter
	materialized prometheus.Counter
}

func newPromSink(reg *prometheus.Registry) *promSink {
	ps := &promSink{
		gpuBuffers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rdrr", Name: "gpu_buffers", Help: "Live device buffers held by the loader.",
		}),
		gpuBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rdrr", Name: "gpu_bytes", Help: "Live device bytes held by the loader.",
		}),
		shardCacheLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rdrr", Name: "shard_cache_len", Help: "Entries currently resident in the shard cache.",
		}),
		shardHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rdrr", Name: "shard_cache_hits_total", Help: "Shard cache hits.",
		}),
		shardMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rdrr", Name: "shard_cache_misses_total", Help: "Shard cache misses.",
		}),
		shardEvicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rdrr", Name: "shard_cache_evictions_total", Help: "Shard cache evictions.",
		}),
		materialized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rdrr", Name: "bytes_materialized_total", Help: "Total tensor bytes materialized to device buffers.",
		}),
	}
	reg.MustRegister(ps.gpuBuffers, ps.gpuBytes, ps.shardCacheLen,
		ps.shardHits, ps.shardMisses, ps.shardEvicts, ps.materialized)
	return ps
}

func (p *promSink) SetGPUBuffers(n int)        { p.gpuBuffers.Set(float64(n)) }
func (p *promSink) SetGPUBytes(b uint64)       { p.gpuBytes.Set(float64(b)) }
func (p *promSink) SetShardCacheLen(n int)     { p.shardCacheLen.Set(float64(n)) }
func (p *promSink) IncShardCacheHit()          { p.shardHits.Inc() }
func (p *promSink) IncShardCacheMiss()         { p.shardMisses.Inc() }
func (p *promSink) IncShardCacheEviction()     { p.shardEvicts.Inc() }
func (p *promSink) AddBytesMaterialized(b uint64) { p.materialized.Add(float64(b)) }

// New returns a Sink backed by reg, or a no-op sink if reg is nil.
func New(reg *prometheus.Registry) Sink {
	if reg == nil {
		return noopSink{}
	}
	return newPromSink(reg)
}
