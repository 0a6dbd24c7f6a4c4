// Package device models the accelerator-memory contract TensorMaterializer
// writes into: acquire/release/dtype-tracking handles, without any actual
// compute kernels (§4.5). Real device kernels are out of scope; this is
// the pure-Go stand-in the spec calls for.
//
// Modeled on the teacher's ml.Backend/ml.Context buffer-facing surface
// (BackendMemory, BackendParams.AllocMemory, DType) minus the cgo-bound
// compute graph (ml.Context's Mulmat/Softmax/etc, which belong to the
// compute layer this spec explicitly excludes).
package device

import (
	"fmt"
	"sync"

	"github.com/rdrr/loader/fs/rdrr"
)

// Handle is an opaque reference to an acquired device buffer. Handles are
// exclusively owned by the caller until Release (§4.5).
type Handle struct {
	id int
}

type bufferEntry struct {
	size  uint64
	dtype rdrr.Dtype
	label string
	free  bool
	data  []byte
}

// Pool is the DeviceBufferPool contract: acquire(size_bytes, dtype_tag,
// debug_label) -> handle, release(handle), dtype_of(handle). The pool may
// reuse freed buffers of sufficient size rather than allocating fresh
// ones each time.
type Pool struct {
	mu      sync.Mutex
	buffers map[int]*bufferEntry
	nextID  int
}

// NewPool constructs an empty buffer pool.
func NewPool() *Pool {
	return &Pool{buffers: make(map[int]*bufferEntry)}
}

// Acquire reserves a buffer of at least sizeBytes tagged with dtype, for
// diagnostics under debugLabel. It reuses a free buffer of sufficient
// size and matching dtype when one exists.
func (p *Pool) Acquire(sizeBytes uint64, dtype rdrr.Dtype, debugLabel string) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, e := range p.buffers {
		if e.free && e.dtype == dtype && e.size >= sizeBytes {
			e.free = false
			e.label = debugLabel
			return Handle{id: id}, nil
		}
	}

	id := p.nextID
	p.nextID++
	p.buffers[id] = &bufferEntry{size: sizeBytes, dtype: dtype, label: debugLabel}
	return Handle{id: id}, nil
}

// Release returns a buffer to the pool for future reuse.
func (p *Pool) Release(h Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.buffers[h.id]
	if !ok {
		return fmt.Errorf("rdrr: device: release of unknown handle")
	}
	e.free = true
	return nil
}

// DtypeOf returns the dtype recorded at acquisition time.
func (p *Pool) DtypeOf(h Handle) (rdrr.Dtype, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.buffers[h.id]
	if !ok {
		return 0, fmt.Errorf("rdrr: device: dtype_of of unknown handle")
	}
	return e.dtype, nil
}

// Write stores data as h's content. The device is a pure-Go stand-in
// with no real accelerator memory behind it (§4.5's compute kernels are
// out of scope); this is what a "device-queue write" suspension point
// (§5) resolves to here.
func (p *Pool) Write(h Handle, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.buffers[h.id]
	if !ok {
		return fmt.Errorf("rdrr: device: write to unknown handle")
	}
	e.data = append(e.data[:0], data...)
	return nil
}

// Read returns the bytes last written to h.
func (p *Pool) Read(h Handle) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.buffers[h.id]
	if !ok {
		return nil, fmt.Errorf("rdrr: device: read of unknown handle")
	}
	return e.data, nil
}

// Retag overwrites the dtype recorded for h. A buffer whose content has
// been rewritten with a different dtype must be retagged before DtypeOf
// is trusted again (§4.5).
func (p *Pool) Retag(h Handle, dtype rdrr.Dtype) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.buffers[h.id]
	if !ok {
		return fmt.Errorf("rdrr: device: retag of unknown handle")
	}
	e.dtype = dtype
	return nil
}

// Stats reports the number of live (non-free) buffers, for Loader.stats().
func (p *Pool) Stats() (liveBuffers int, liveBytes uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range p.buffers {
		if !e.free {
			liveBuffers++
			liveBytes += e.size
		}
	}
	return liveBuffers, liveBytes
}

// ReleaseAll frees every outstanding (non-free) buffer, used to implement
// the "any partially allocated device buffer is released before
// returning the error" failure semantics of load() (§4.1) and the full
// teardown of unload().
func (p *Pool) ReleaseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range p.buffers {
		e.free = true
	}
}
