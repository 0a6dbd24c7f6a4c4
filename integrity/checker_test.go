package integrity

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/rdrr/loader/fs/rdrr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	data map[int][]byte
	fail map[int]bool
}

func (s *fakeSource) Fetch(ctx context.Context, index int) ([]byte, error) {
	if s.fail[index] {
		return nil, fmt.Errorf("shard %d unavailable", index)
	}
	return s.data[index], nil
}

func buildManifest(t *testing.T, shardData map[int][]byte) *rdrr.Manifest {
	t.Helper()
	shards := ""
	for i := 0; i < len(shardData); i++ {
		d := shardData[i]
		if i > 0 {
			shards += ","
		}
		shards += fmt.Sprintf(`{"index":%d,"filename":"s%d","size":%d,"hash":"%s"}`, i, i, len(d), rdrr.Sum256(d))
	}
	raw := []byte(fmt.Sprintf(`{"architecture":"llama","shards":[%s],"tensors":{}}`, shards))
	m, err := rdrr.Decode(raw)
	require.NoError(t, err)
	return m
}

func TestCheck_AllValid(t *testing.T) {
	data := map[int][]byte{0: []byte("aaaa"), 1: []byte("bbbbbb")}
	m := buildManifest(t, data)
	c := NewChecker(&fakeSource{data: data})

	report, err := c.Check(context.Background(), m)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Empty(t, report.Missing)
	assert.Empty(t, report.Corrupt)
}

func TestCheck_MissingShard(t *testing.T) {
	data := map[int][]byte{0: []byte("aaaa"), 1: []byte("bbbbbb")}
	m := buildManifest(t, data)
	c := NewChecker(&fakeSource{data: data, fail: map[int]bool{1: true}})

	report, err := c.Check(context.Background(), m)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, []int{1}, report.Missing)
}

func TestCheck_CorruptShard(t *testing.T) {
	data := map[int][]byte{0: []byte("aaaa"), 1: []byte("bbbbbb")}
	m := buildManifest(t, data)
	// Source returns different bytes than the hash declared in the manifest.
	corrupted := map[int][]byte{0: []byte("aaaa"), 1: []byte("XXXXXX")}
	c := NewChecker(&fakeSource{data: corrupted})

	report, err := c.Check(context.Background(), m)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, []int{1}, report.Corrupt)
}

func TestCheck_ManyShardsScansConcurrently(t *testing.T) {
	data := make(map[int][]byte)
	for i := 0; i < 16; i++ {
		data[i] = []byte(fmt.Sprintf("shard-%d-payload", i))
	}
	m := buildManifest(t, data)
	c := NewChecker(&fakeSource{data: data})

	report, err := c.Check(context.Background(), m)
	require.NoError(t, err)
	assert.True(t, report.Valid)

	sort.Ints(report.Missing)
	sort.Ints(report.Corrupt)
	assert.Empty(t, report.Missing)
	assert.Empty(t, report.Corrupt)
}
