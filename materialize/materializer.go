// Package materialize implements TensorMaterializer: resolving a tensor's
// location(s), streaming bytes from shards into a device buffer (or host
// array), applying dequantization/widening, and optionally downcasting
// (§4.6).
//
// Modeled on ml/backend/ggml/backend_load.go's loadTensor/
// loadStandardTensor/loadBF16ToFP32Tensor family: a chunked
// io.SectionReader read loop accumulating into a fixed-size buffer,
// reporting progress by bytes copied. That code streams straight from an
// os.File section; here the source is the shard cache instead of a file
// offset, since RDRR shards are sharded, not one contiguous container.
package materialize

import (
	"context"
	"fmt"

	"github.com/rdrr/loader/dequant"
	"github.com/rdrr/loader/device"
	"github.com/rdrr/loader/envconfig"
	"github.com/rdrr/loader/fs/rdrr"
	"github.com/rdrr/loader/metrics"
	"github.com/rdrr/loader/shard"
)

// SpanOverrunError is the diagnostic §7 requires: it must name the
// tensor, the shard, the required byte window, and the actual shard
// size.
type SpanOverrunError struct {
	Tensor         string
	ShardIndex     int
	RequiredOffset uint64
	RequiredEnd    uint64
	ActualSize     uint64
}

func (e *SpanOverrunError) Error() string {
	return fmt.Sprintf("rdrr: tensor %q: span [%d, %d) overruns shard %d (actual size %d)",
		e.Tensor, e.RequiredOffset, e.RequiredEnd, e.ShardIndex, e.ActualSize)
}

// NotFoundError reports a required tensor absent under every known alias.
type NotFoundError struct {
	Tensor string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("rdrr: tensor %q: not found under any known alias", e.Tensor)
}

// Result is the materialized output of one tensor: either a device
// handle or, for the host path, raw float32 elements.
type Result struct {
	Handle    device.Handle
	OnDevice  bool
	Host      []float32
	Dtype     rdrr.Dtype
	ByteCount uint64
}

// Materializer is TensorMaterializer: it owns no state of its own beyond
// references to the manifest and its collaborators, per §4.6.
type Materializer struct {
	manifest *rdrr.Manifest
	cache    *shard.Cache
	pool     *device.Pool

	// SupportsF16 reports whether the device can hold 16-bit float
	// buffers; when false, decode targets fall back to 32-bit float,
	// which §7 classifies as the *Capability* fallback, not an error.
	SupportsF16 bool

	metrics metrics.Sink
}

// New constructs a Materializer against manifest m, reading shard bytes
// through cache and allocating buffers from pool. Metrics are disabled
// until SetMetrics is called.
func New(m *rdrr.Manifest, cache *shard.Cache, pool *device.Pool, supportsF16 bool) *Materializer {
	return &Materializer{manifest: m, cache: cache, pool: pool, SupportsF16: supportsF16, metrics: metrics.New(nil)}
}

// SetMetrics attaches a metrics sink for the bytes-materialized counter.
func (mz *Materializer) SetMetrics(m metrics.Sink) {
	mz.metrics = m
}

// targetDtype picks the output dtype for a decoded tensor per §4.4: matrix
// multiply weight tensors target 16-bit float when the device supports
// it; everything else targets 32-bit float.
func (mz *Materializer) targetDtype(isMatMulWeight bool) rdrr.Dtype {
	if isMatMulWeight && mz.SupportsF16 {
		return rdrr.DtypeF16
	}
	return rdrr.DtypeF32
}

// fetchSpan returns the bytes of one span, bounds-checked against the
// shard's declared size (§4.6: "every span access must validate offset +
// size <= shard.size").
func (mz *Materializer) fetchSpan(ctx context.Context, tensorName string, sp rdrr.Span) ([]byte, error) {
	sh, ok := mz.manifest.ShardByIndex(sp.ShardIndex)
	if !ok {
		return nil, fmt.Errorf("rdrr: tensor %q: references unknown shard %d", tensorName, sp.ShardIndex)
	}
	if sp.Offset+sp.Size > sh.Size {
		return nil, &SpanOverrunError{
			Tensor:         tensorName,
			ShardIndex:     sp.ShardIndex,
			RequiredOffset: sp.Offset,
			RequiredEnd:    sp.Offset + sp.Size,
			ActualSize:     sh.Size,
		}
	}

	full, err := mz.cache.Fetch(ctx, sp.ShardIndex)
	if err != nil {
		return nil, err
	}
	if uint64(len(full)) < sp.Offset+sp.Size {
		return nil, &SpanOverrunError{
			Tensor:         tensorName,
			ShardIndex:     sp.ShardIndex,
			RequiredOffset: sp.Offset,
			RequiredEnd:    sp.Offset + sp.Size,
			ActualSize:     uint64(len(full)),
		}
	}
	return full[sp.Offset : sp.Offset+sp.Size], nil
}

// assembleBytes concatenates every span of a tensor's location into one
// contiguous buffer, in order. Each span is copied in
// envconfig.ReadBufferBytes-sized chunks rather than in one shot,
// checking ctx between chunks, the same loop shape as the teacher's
// loadStandardTensor (a fixed-size buffer read in a loop from an
// io.SectionReader) — here the chunking is a copy off an
// already-cache-resident shard rather than a disk read, since shards are
// fetched whole by shard.Cache, but a multi-span tensor or a large span
// still pays ctx cancellation at chunk granularity instead of only
// between spans.
func (mz *Materializer) assembleBytes(ctx context.Context, name string, loc rdrr.TensorLocation) ([]byte, error) {
	out := make([]byte, 0, loc.TotalSize())
	chunkSize := envconfig.ReadBufferBytes()
	for _, sp := range loc.Spans {
		b, err := mz.fetchSpan(ctx, name, sp)
		if err != nil {
			return nil, err
		}
		for len(b) > 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			n := uint64(len(b))
			if chunkSize > 0 && n > chunkSize {
				n = chunkSize
			}
			out = append(out, b[:n]...)
			b = b[n:]
		}
	}
	return out, nil
}

// Materialize resolves concreteName in the manifest and produces a
// Result, either on-device or in host memory, per the algorithm in §4.6.
func (mz *Materializer) Materialize(ctx context.Context, concreteName string, toDevice, isMatMulWeight bool) (Result, error) {
	t, ok := mz.manifest.Tensors[concreteName]
	if !ok {
		return Result{}, &NotFoundError{Tensor: concreteName}
	}

	raw, err := mz.assembleBytes(ctx, concreteName, t.Location)
	if err != nil {
		return Result{}, err
	}

	var res Result
	if toDevice {
		res, err = mz.materializeDevice(concreteName, t, raw, isMatMulWeight)
	} else {
		res, err = mz.materializeHost(t, raw)
	}
	if err != nil {
		return Result{}, err
	}
	mz.metrics.AddBytesMaterialized(res.ByteCount)
	return res, nil
}

func (mz *Materializer) materializeHost(t rdrr.Tensor, raw []byte) (Result, error) {
	switch {
	case t.Dtype.IsQuantized():
		out, err := dequant.DecodeQ4K(raw)
		if err != nil {
			return Result{}, err
		}
		return Result{Host: out, Dtype: rdrr.DtypeF32, ByteCount: uint64(len(out)) * 4}, nil
	case t.Dtype == rdrr.DtypeBF16:
		out := dequant.DecodeBF16(raw)
		return Result{Host: out, Dtype: rdrr.DtypeF32, ByteCount: uint64(len(out)) * 4}, nil
	case t.Dtype == rdrr.DtypeF16:
		out := dequant.DecodeF16(raw)
		return Result{Host: out, Dtype: rdrr.DtypeF32, ByteCount: uint64(len(out)) * 4}, nil
	default:
		return Result{}, fmt.Errorf("rdrr: host materialization of dtype %s not supported", t.Dtype)
	}
}

func (mz *Materializer) materializeDevice(name string, t rdrr.Tensor, raw []byte, isMatMulWeight bool) (Result, error) {
	if !t.Dtype.RequiresDecode() {
		h, err := mz.pool.Acquire(uint64(len(raw)), t.Dtype, name)
		if err != nil {
			return Result{}, err
		}
		if err := mz.pool.Write(h, raw); err != nil {
			mz.pool.Release(h)
			return Result{}, err
		}
		return Result{Handle: h, OnDevice: true, Dtype: t.Dtype, ByteCount: uint64(len(raw))}, nil
	}

	// Decode path: stage the raw bytes, decode to float32 on the
	// "device" (our pure-Go stand-in), release the staging buffer, and
	// write the result into a new buffer of the chosen output dtype
	// (§4.6).
	staging, err := mz.pool.Acquire(uint64(len(raw)), t.Dtype, name+".staging")
	if err != nil {
		return Result{}, err
	}
	if err := mz.pool.Write(staging, raw); err != nil {
		mz.pool.Release(staging)
		return Result{}, err
	}

	var decoded []float32
	switch t.Dtype {
	case rdrr.DtypeQ4K:
		decoded, err = dequant.DecodeQ4K(raw)
	case rdrr.DtypeBF16:
		decoded = dequant.DecodeBF16(raw)
	default:
		err = fmt.Errorf("rdrr: device materialization of dtype %s not supported", t.Dtype)
	}
	mz.pool.Release(staging)
	if err != nil {
		return Result{}, err
	}

	outDtype := mz.targetDtype(isMatMulWeight)
	encoded := EncodeFloat32(decoded, outDtype)

	out, err := mz.pool.Acquire(uint64(len(encoded)), outDtype, name)
	if err != nil {
		return Result{}, err
	}
	if err := mz.pool.Write(out, encoded); err != nil {
		mz.pool.Release(out)
		return Result{}, err
	}
	return Result{Handle: out, OnDevice: true, Dtype: outDtype, ByteCount: uint64(len(encoded))}, nil
}

// Downcast applies the device's fused F32->F16 downcast to a buffer that
// was materialized at full precision, releasing the original (§4.8.6). A
// no-op (returns r unchanged) when the device can't hold F16 or r is
// already not F32 — matrix-multiply weights only; norms, embeddings, and
// the tied LM-head alias must never be passed here.
func (mz *Materializer) Downcast(r Result) (Result, error) {
	if !mz.SupportsF16 || r.Dtype != rdrr.DtypeF32 {
		return r, nil
	}

	raw, err := mz.pool.Read(r.Handle)
	if err != nil {
		return Result{}, err
	}
	values := DecodeF32Bytes(raw)
	encoded := EncodeFloat32(values, rdrr.DtypeF16)

	out, err := mz.pool.Acquire(uint64(len(encoded)), rdrr.DtypeF16, "downcast")
	if err != nil {
		return Result{}, err
	}
	if err := mz.pool.Write(out, encoded); err != nil {
		mz.pool.Release(out)
		return Result{}, err
	}
	mz.pool.Release(r.Handle)

	return Result{Handle: out, OnDevice: true, Dtype: rdrr.DtypeF16, ByteCount: uint64(len(encoded))}, nil
}

// ApplyNormOffset performs the "+1" readback/writeback transform §4.8.5
// describes: read the device buffer as float32, add 1.0 elementwise,
// write a new buffer, release the original. Only defined for F32-resident
// norms: a buffer that skipped decode (RequiresDecode() == false, e.g. a
// norm stored as raw F16) would have its bytes misread as F32 by
// DecodeF32Bytes, so callers must downcast after offsetting, never before.
func (mz *Materializer) ApplyNormOffset(ctx context.Context, r Result) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if r.Dtype != rdrr.DtypeF32 {
		return Result{}, fmt.Errorf("rdrr: norm offset: expected F32-resident norm, got dtype %s", r.Dtype)
	}
	raw, err := mz.pool.Read(r.Handle)
	if err != nil {
		return Result{}, err
	}
	values := DecodeF32Bytes(raw)
	for i := range values {
		values[i] += 1.0
	}
	encoded := EncodeFloat32(values, rdrr.DtypeF32)

	out, err := mz.pool.Acquire(uint64(len(encoded)), rdrr.DtypeF32, "norm+1")
	if err != nil {
		return Result{}, err
	}
	if err := mz.pool.Write(out, encoded); err != nil {
		mz.pool.Release(out)
		return Result{}, err
	}
	mz.pool.Release(r.Handle)

	return Result{Handle: out, OnDevice: true, Dtype: rdrr.DtypeF32, ByteCount: uint64(len(encoded))}, nil
}
