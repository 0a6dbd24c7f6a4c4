package loader

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rdrr/loader/fs/rdrr"
	"github.com/rdrr/loader/materialize"
	"github.com/rdrr/loader/shard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manifestMissingNorm declares only "embed_tokens", with no tensor
// resolving the required final norm under any known alias.
func manifestMissingNorm(t *testing.T, hash string) *rdrr.Manifest {
	t.Helper()
	raw := []byte(fmt.Sprintf(`{
		"architecture":"llama",
		"config":{"num_hidden_layers":0},
		"shards":[{"index":0,"filename":"s0","size":4,"hash":%q}],
		"tensors":{
			"embed_tokens":{"shard":0,"offset":0,"size":4,"shape":[1],"dtype":"F32"}
		}
	}`, hash))
	m, err := rdrr.Decode(raw)
	require.NoError(t, err)
	return m
}

// singleTensorManifest builds a zero-layer manifest with two shards: one
// backing "embed_tokens" and one backing the required final "norm"
// tensor, so WeightSetBuilder's ordered load (embeddings, no layers,
// final norm, tied-embedding LM head) succeeds. embedHash/normHash are
// the manifest's declared digests for shards 0/1 respectively.
func singleTensorManifest(t *testing.T, embedHash, normHash string) *rdrr.Manifest {
	t.Helper()
	raw := []byte(fmt.Sprintf(`{
		"architecture":"llama",
		"config":{"num_hidden_layers":0},
		"shards":[
			{"index":0,"filename":"s0","size":4,"hash":%q},
			{"index":1,"filename":"s1","size":4,"hash":%q}
		],
		"tensors":{
			"embed_tokens":{"shard":0,"offset":0,"size":4,"shape":[1],"dtype":"F32"},
			"norm":{"shard":1,"offset":0,"size":4,"shape":[1],"dtype":"F32"}
		}
	}`, embedHash, normHash))
	m, err := rdrr.Decode(raw)
	require.NoError(t, err)
	return m
}

func TestLoader_RequiresInit(t *testing.T) {
	ld := New(t.TempDir(), true)
	_, err := ld.Load(context.Background(), "m1", DefaultLoadOptions())
	assert.ErrorIs(t, err, ErrNotInitialized)
}

// Scenario D: integrity failure allocates no device buffers.
func TestLoader_IntegrityFailureAllocatesNothing(t *testing.T) {
	goodData := []byte{1, 2, 3, 4}
	wrongHash := rdrr.Sum256([]byte{9, 9, 9, 9})
	m := singleTensorManifest(t, wrongHash, rdrr.Sum256(goodData))

	ld := New(t.TempDir(), true)
	require.NoError(t, ld.Init(context.Background()))
	ld.SetManifest(m)
	ld.SetShardSource(shard.SourceFunc(func(ctx context.Context, index int) ([]byte, error) {
		return goodData, nil
	}), ShardSourceOptions{Verify: false})

	_, err := ld.Load(context.Background(), "m1", DefaultLoadOptions())
	require.Error(t, err)
	var integrityErr *IntegrityError
	require.ErrorAs(t, err, &integrityErr)
	assert.Contains(t, integrityErr.Report.Corrupt, 0)

	assert.Equal(t, 0, ld.Stats().GPUBuffers)
}

// Scenario F: model switch with preserved manifest, no stale bytes.
func TestLoader_ModelSwitchPreservesManifestNoStaleBytes(t *testing.T) {
	data1 := []byte{1, 0, 0, 0}
	data2 := []byte{2, 0, 0, 0}
	hash1 := rdrr.Sum256(data1)
	m := singleTensorManifest(t, hash1, hash1)

	current := data1
	ld := New(t.TempDir(), true)
	require.NoError(t, ld.Init(context.Background()))
	ld.SetManifest(m)
	ld.SetShardSource(shard.SourceFunc(func(ctx context.Context, index int) ([]byte, error) {
		return current, nil
	}), ShardSourceOptions{Verify: false})

	_, err := ld.Load(context.Background(), "m1", LoadOptions{VerifyHashes: false})
	require.NoError(t, err)

	raw1, err := ld.pool.Read(ld.set.Embeddings.Handle)
	require.NoError(t, err)
	assert.Equal(t, data1, raw1)

	// Switch content and "model" without re-injecting the manifest: Load
	// must preserve the externally injected manifest across the
	// implicit unload, and the new embeddings buffer must reflect
	// data2, never a cached copy of data1.
	current = data2
	require.NotNil(t, ld.injectedManifest, "manifest should still be injected before the second load")

	_, err = ld.Load(context.Background(), "m2", LoadOptions{VerifyHashes: false})
	require.NoError(t, err)

	raw2, err := ld.pool.Read(ld.set.Embeddings.Handle)
	require.NoError(t, err)
	assert.Equal(t, data2, raw2)
}

func TestLoader_UnloadReleasesBuffersAndClearsCache(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	h := rdrr.Sum256(data)
	m := singleTensorManifest(t, h, h)

	ld := New(t.TempDir(), true)
	require.NoError(t, ld.Init(context.Background()))
	ld.SetManifest(m)
	ld.SetShardSource(shard.SourceFunc(func(ctx context.Context, index int) ([]byte, error) {
		return data, nil
	}), ShardSourceOptions{Verify: false})

	_, err := ld.Load(context.Background(), "m1", LoadOptions{VerifyHashes: false})
	require.NoError(t, err)
	assert.Equal(t, 2, ld.Stats().GPUBuffers)

	ld.Unload()
	assert.Equal(t, 0, ld.Stats().GPUBuffers)
	assert.Equal(t, 0, ld.Stats().ShardCacheLen)

	_, err = ld.GetConfig()
	assert.ErrorIs(t, err, ErrNotLoaded)
	// injected manifest must survive Unload
	assert.NotNil(t, ld.injectedManifest)
}

// A missing required tensor is a distinct failure kind from a device
// error (§4.1/§7) and must propagate as the underlying NotFoundError,
// not get relabeled.
func TestLoader_MissingRequiredTensorPropagatesNotFound(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	m := manifestMissingNorm(t, rdrr.Sum256(data))

	ld := New(t.TempDir(), true)
	require.NoError(t, ld.Init(context.Background()))
	ld.SetManifest(m)
	ld.SetShardSource(shard.SourceFunc(func(ctx context.Context, index int) ([]byte, error) {
		return data, nil
	}), ShardSourceOptions{Verify: false})

	_, err := ld.Load(context.Background(), "m1", LoadOptions{VerifyHashes: false})
	require.Error(t, err)

	var deviceErr *DeviceError
	assert.False(t, errors.As(err, &deviceErr), "missing-tensor failure must not be classified as a device error")

	var notFound *materialize.NotFoundError
	assert.True(t, errors.As(err, &notFound), "expected the underlying materialize.NotFoundError to propagate")
}

func TestLoader_ProgressEventsReported(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	h := rdrr.Sum256(data)
	m := singleTensorManifest(t, h, h)

	ld := New(t.TempDir(), true)
	require.NoError(t, ld.Init(context.Background()))
	ld.SetManifest(m)
	ld.SetShardSource(shard.SourceFunc(func(ctx context.Context, index int) ([]byte, error) {
		return data, nil
	}), ShardSourceOptions{Verify: false})

	var stages []Operation
	opts := LoadOptions{
		VerifyHashes: false,
		OnProgress: func(ev ProgressEvent) {
			stages = append(stages, ev.Stage)
		},
	}
	_, err := ld.Load(context.Background(), "m1", opts)
	require.NoError(t, err)
	assert.Contains(t, stages, OperationComplete)
}
