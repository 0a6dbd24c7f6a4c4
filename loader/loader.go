// Package loader implements the public façade: init, shard-source/
// manifest injection, load, unload, and post-load accessors (§4.1).
//
// Modeled on llm/server_load.go's LoadOperation lifecycle enum and
// slog-based progress logging, and on model.New's path-keyed
// construction (a model is addressed by a filesystem path the same way
// a model_id here addresses a directory under the loader's base
// directory).
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rdrr/loader/device"
	"github.com/rdrr/loader/envconfig"
	"github.com/rdrr/loader/format"
	"github.com/rdrr/loader/fs/rdrr"
	"github.com/rdrr/loader/integrity"
	"github.com/rdrr/loader/materialize"
	"github.com/rdrr/loader/metrics"
	"github.com/rdrr/loader/resolve"
	"github.com/rdrr/loader/shard"
	"github.com/rdrr/loader/weights"
)

// Operation names one stage of the Loader's lifecycle, for log lines
// and progress events, the way llm.LoadOperation names llamaServer's
// fit/alloc/commit/close stages.
type Operation string

const (
	OperationInit      Operation = "init"
	OperationManifest  Operation = "manifest"
	OperationIntegrity Operation = "integrity"
	OperationLayer     Operation = "layer"
	OperationComplete  Operation = "complete"
	OperationUnload    Operation = "unload"
)

// ProgressEvent is delivered to the on_progress callback at manifest
// parse, each layer loaded, final weights loaded, and completion (§4.1).
type ProgressEvent struct {
	SessionID uuid.UUID
	Stage     Operation
	Layer     int
	Total     int
	Progress  float64
}

// ProgressFunc receives ProgressEvents during Load.
type ProgressFunc func(ProgressEvent)

// LoadOptions configures one Load call (§6: "Configuration recognized
// by load()").
type LoadOptions struct {
	OnProgress ProgressFunc

	// VerifyHashes runs the integrity scan before materialization.
	// Defaults to true via DefaultLoadOptions; a caller constructing
	// LoadOptions directly and leaving this unset gets false, so use
	// DefaultLoadOptions when in doubt.
	VerifyHashes bool
}

// DefaultLoadOptions returns the documented defaults (verify_hashes
// true, no progress callback).
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{VerifyHashes: true}
}

// ShardSourceOptions configures SetShardSource (§6).
type ShardSourceOptions struct {
	// Verify hash-checks each fetched shard against the manifest before
	// caching. Defaults to true via DefaultShardSourceOptions; the zero
	// value of ShardSourceOptions leaves it false.
	Verify bool
}

// DefaultShardSourceOptions returns the documented defaults (verify
// true).
func DefaultShardSourceOptions() ShardSourceOptions {
	return ShardSourceOptions{Verify: true}
}

// Stats is the aggregate snapshot returned by Loader.Stats (§4.1).
type Stats struct {
	GPUBuffers   int
	GPUBytes     uint64
	ShardCacheLen int
}

// Loader is the public façade: it owns the lifecycle of every other
// component (§2's dependency chain, rooted here).
type Loader struct {
	baseDir     string
	supportsF16 bool

	mu          sync.Mutex
	initialized bool

	// Injected collaborators, set before Load and surviving Unload
	// (§4.1: "retain an externally injected manifest across the
	// unload").
	customSource     shard.Source
	verifyCustom     bool
	injectedManifest *rdrr.Manifest

	// metrics is disabled (noop) until SetMetrics is called; wired into
	// every cache/materializer constructed by Load so optional Prometheus
	// reporting covers the whole lifecycle, not just Stats().
	metrics metrics.Sink

	// Process-scoped device handle (§5: "shared with the compute layer;
	// the loader acquires it via the device handle and does not destroy
	// it on unload()"). Created once by Init.
	pool *device.Pool

	// Current load's state; nil/zero after Unload.
	loaded    bool
	manifest  *rdrr.Manifest
	cache     *shard.Cache
	resolver  *resolve.Resolver
	mz        *materialize.Materializer
	builder   *weights.Builder
	set       *weights.Set
	layerName []string // "layers.N." prefix per index, for LoadExpert
}

// New constructs a Loader rooted at baseDir: the default (non-injected)
// shard source and manifest are read from baseDir/<modelID>/ (a
// manifest.json file plus the shard files it names), mirroring the
// teacher's content-addressed local blob cache rooted at one directory.
// supportsF16 reports whether the device can hold 16-bit float buffers.
func New(baseDir string, supportsF16 bool) *Loader {
	return &Loader{baseDir: baseDir, supportsF16: supportsF16, metrics: metrics.New(nil)}
}

// SetMetrics attaches a Prometheus-backed (or no-op, if reg is nil)
// metrics sink, propagated to every shard cache and materializer built
// by subsequent Load calls.
func (l *Loader) SetMetrics(m metrics.Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.metrics = m
}

// Init performs one-time setup: acquires the process-scoped device
// buffer pool. Idempotent (§4.1).
func (l *Loader) Init(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.initialized {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return ErrCancelled
	}

	l.pool = device.NewPool()
	l.initialized = true
	slog.Info("rdrr: loader initialized", "base_dir", l.baseDir, "supports_f16", l.supportsF16)
	return nil
}

// SetShardSource injects a custom shard-fetch callback, switching the
// loader off its default local-store backend (§4.1, §4.2). Must be
// called before Load.
func (l *Loader) SetShardSource(fn shard.SourceFunc, opts ShardSourceOptions) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Verification needs the manifest's hash algorithm, not known until
	// Load; the raw callback is wrapped in a VerifyingSource at Load
	// time once the manifest is in hand.
	l.customSource = fn
	l.verifyCustom = opts.Verify
}

// SetManifest injects a pre-parsed manifest, used when the manifest was
// fetched over a non-local channel (§4.1).
func (l *Loader) SetManifest(m *rdrr.Manifest) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.injectedManifest = m
}

// Load parses (or reuses an injected) manifest, runs the integrity scan,
// and drives WeightSetBuilder through the full ordered load (§4.1,
// §4.8). It fails atomically: any device buffer acquired during a
// failed load is released before Load returns.
func (l *Loader) Load(ctx context.Context, modelID string, opts LoadOptions) (rdrr.Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.initialized {
		return nil, ErrNotInitialized
	}
	if l.loaded {
		l.unloadLocked()
	}

	session := uuid.New()
	slog.Info("rdrr: load starting", "session", session, "model_id", modelID)

	manifest, err := l.resolveManifest(modelID)
	if err != nil {
		return nil, &ParseError{Err: err}
	}

	rawSource, err := l.resolveSource(modelID, manifest)
	if err != nil {
		return nil, err
	}

	l.emitProgress(opts.OnProgress, session, OperationManifest, 0, 0, 0)

	if opts.VerifyHashes {
		checker := integrity.NewChecker(rawSource)
		report, err := checker.Check(ctx, manifest)
		if err != nil {
			return nil, err
		}
		if !report.Valid {
			slog.Warn("rdrr: integrity check failed", "session", session,
				"missing", report.Missing, "corrupt", report.Corrupt)
			return nil, &IntegrityError{Report: report}
		}
		l.emitProgress(opts.OnProgress, session, OperationIntegrity, 0, 0, 0)
	}

	cache := shard.NewCache(rawSource, envconfig.ShardCacheSize())
	cache.SetMetrics(l.metrics)
	mz := materialize.New(manifest, cache, l.pool, l.supportsF16)
	mz.SetMetrics(l.metrics)
	resolver := resolve.NewResolver(resolve.DefaultPrefixes(), resolve.DefaultRewrites(), func(name string) bool {
		_, ok := manifest.Tensors[name]
		return ok
	})

	onBuilderProgress := func(stage string, layer, total int, progress float64) {
		var op Operation
		switch stage {
		case "layer":
			op = OperationLayer
		case "complete":
			op = OperationComplete
		default:
			op = OperationManifest
		}
		l.emitProgress(opts.OnProgress, session, op, layer, total, progress)
	}
	builder := weights.New(manifest, resolver, mz, onBuilderProgress)

	set, err := builder.Build(ctx)
	if err != nil {
		slog.Error("rdrr: load failed, releasing partial state", "session", session, "error", err)
		l.pool.ReleaseAll()
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		return nil, classifyBuildError(err)
	}

	layerNames := make([]string, len(set.Layers))
	for i := range layerNames {
		layerNames[i] = fmt.Sprintf("layers.%d.", i)
	}

	l.manifest = manifest
	l.cache = cache
	l.resolver = resolver
	l.mz = mz
	l.builder = builder
	l.set = set
	l.layerName = layerNames
	l.loaded = true

	liveBuffers, liveBytes := l.pool.Stats()
	l.metrics.SetGPUBuffers(liveBuffers)
	l.metrics.SetGPUBytes(liveBytes)
	l.metrics.SetShardCacheLen(cache.Len())

	slog.Info("rdrr: load complete", "session", session, "model_id", modelID,
		"layers", len(set.Layers), "resident", format.HumanBytes(liveBytes))
	return manifest.Config, nil
}

// classifyBuildError sorts a WeightSetBuilder failure into the taxonomy
// §7 describes: a missing required tensor (resolve/materialize
// NotFoundError) or a span overrun propagates unchanged, since both are
// failure kinds distinct from a device failure; anything else is
// assumed to originate from the device layer, which has no distinct
// error type of its own to match on.
func classifyBuildError(err error) error {
	var notFound *resolve.NotFoundError
	if errors.As(err, &notFound) {
		return err
	}
	var materializeNotFound *materialize.NotFoundError
	if errors.As(err, &materializeNotFound) {
		return err
	}
	var overrun *materialize.SpanOverrunError
	if errors.As(err, &overrun) {
		return err
	}
	return fmt.Errorf("rdrr: build weight set: %w", &DeviceError{Err: err})
}

func (l *Loader) emitProgress(fn ProgressFunc, session uuid.UUID, op Operation, layer, total int, progress float64) {
	if fn == nil {
		return
	}
	fn(ProgressEvent{SessionID: session, Stage: op, Layer: layer, Total: total, Progress: progress})
}

// resolveManifest returns the injected manifest if one was set,
// otherwise reads baseDir/<modelID>/manifest.json.
func (l *Loader) resolveManifest(modelID string) (*rdrr.Manifest, error) {
	if l.injectedManifest != nil {
		return l.injectedManifest, nil
	}
	path := filepath.Join(l.baseDir, modelID, "manifest.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	m, err := rdrr.Decode(raw)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// resolveSource returns the injected custom source (wrapped in a
// VerifyingSource if requested) or the default local store rooted at
// baseDir/<modelID>.
func (l *Loader) resolveSource(modelID string, m *rdrr.Manifest) (shard.Source, error) {
	if l.customSource != nil {
		if !l.verifyCustom {
			return l.customSource, nil
		}
		return &shard.VerifyingSource{Inner: l.customSource, Manifest: m, Verify: true}, nil
	}
	return shard.OpenLocalStore(filepath.Join(l.baseDir, modelID), m)
}

// Unload releases every device buffer, clears the shard cache and name
// tables, and drops the manifest unless it was externally injected
// (§4.1).
func (l *Loader) Unload() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unloadLocked()
}

func (l *Loader) unloadLocked() {
	if l.pool != nil {
		l.pool.ReleaseAll()
	}
	if l.cache != nil {
		l.cache.Clear()
	}

	l.cache = nil
	l.resolver = nil
	l.mz = nil
	l.builder = nil
	l.set = nil
	l.layerName = nil
	l.loaded = false

	if l.injectedManifest != nil {
		l.manifest = l.injectedManifest
	} else {
		l.manifest = nil
	}

	l.metrics.SetGPUBuffers(0)
	l.metrics.SetGPUBytes(0)
	l.metrics.SetShardCacheLen(0)

	slog.Info("rdrr: unloaded")
}

// GetLayer returns layer i's weight bundle. Errors if no model is
// loaded or i is out of range.
func (l *Loader) GetLayer(i int) (*weights.LayerWeights, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.loaded {
		return nil, ErrNotLoaded
	}
	if i < 0 || i >= len(l.set.Layers) {
		return nil, fmt.Errorf("rdrr: layer %d out of range [0, %d)", i, len(l.set.Layers))
	}
	return &l.set.Layers[i], nil
}

// LoadExpert materializes (or returns the cached view of) one MoE
// expert for layer, lazily (§4.8).
func (l *Loader) LoadExpert(ctx context.Context, layer, expertIdx int) (weights.ExpertWeights, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.loaded {
		return weights.ExpertWeights{}, ErrNotLoaded
	}
	if layer < 0 || layer >= len(l.set.Layers) {
		return weights.ExpertWeights{}, fmt.Errorf("rdrr: layer %d out of range [0, %d)", layer, len(l.set.Layers))
	}
	moe := l.set.Layers[layer].MoE
	if moe == nil {
		return weights.ExpertWeights{}, fmt.Errorf("rdrr: layer %d has no MoE bundle", layer)
	}
	return l.builder.LoadExpert(ctx, l.layerName[layer], moe, expertIdx)
}

// GetConfig returns the loaded manifest's architecture config.
func (l *Loader) GetConfig() (rdrr.Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.loaded {
		return nil, ErrNotLoaded
	}
	return l.manifest.Config, nil
}

// Stats returns the aggregate device/cache snapshot (§4.1).
func (l *Loader) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	var st Stats
	if l.pool != nil {
		st.GPUBuffers, st.GPUBytes = l.pool.Stats()
	}
	if l.cache != nil {
		st.ShardCacheLen = l.cache.Len()
	}
	return st
}
