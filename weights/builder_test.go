package weights

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/rdrr/loader/device"
	"github.com/rdrr/loader/fs/rdrr"
	"github.com/rdrr/loader/materialize"
	"github.com/rdrr/loader/resolve"
	"github.com/rdrr/loader/shard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSource struct {
	data map[int][]byte
}

func (s *memSource) Fetch(ctx context.Context, index int) ([]byte, error) {
	b, ok := s.data[index]
	if !ok {
		return nil, fmt.Errorf("no shard %d", index)
	}
	return b, nil
}

// buildEnv constructs a manifest from a set of flat tensor name -> byte
// slice pairs, one shard per tensor, every tensor F32-shaped to its byte
// length / 4, plus the builder's collaborators.
func buildEnv(t *testing.T, tensors map[string]string, extraFields string) (*Builder, *rdrr.Manifest, *device.Pool) {
	t.Helper()

	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	shardsJSON := ""
	tensorsJSON := ""
	shardData := make(map[int][]byte)
	for i, name := range names {
		data := []byte(tensors[name])
		if i > 0 {
			shardsJSON += ","
			tensorsJSON += ","
		}
		shardsJSON += fmt.Sprintf(`{"index":%d,"filename":"s%d","size":%d,"hash":"%s"}`,
			i, i, len(data), rdrr.Sum256(data))
		tensorsJSON += fmt.Sprintf(`%q:{"shard":%d,"offset":0,"size":%d,"shape":[%d],"dtype":"F32"}`,
			name, i, len(data), len(data)/4)
		shardData[i] = data
	}

	extra := extraFields
	if extra != "" {
		extra = "," + extra
	}
	raw := []byte(fmt.Sprintf(`{"architecture":"llama","shards":[%s],"tensors":{%s}%s}`,
		shardsJSON, tensorsJSON, extra))
	m, err := rdrr.Decode(raw)
	require.NoError(t, err)

	cache := shard.NewCache(&memSource{data: shardData}, 8)
	pool := device.NewPool()
	mz := materialize.New(m, cache, pool, true)

	resolver := resolve.NewResolver(resolve.DefaultPrefixes(), resolve.DefaultRewrites(), func(name string) bool {
		_, ok := m.Tensors[name]
		return ok
	})

	return New(m, resolver, mz, nil), m, pool
}

func f32bytes(n int) string {
	b := make([]byte, n*4)
	for i := range b {
		b[i] = byte(i + 1)
	}
	return string(b)
}

func TestBuild_SingleLayerNoMoEOptionalNormsAbsent(t *testing.T) {
	tensors := map[string]string{
		"embed_tokens":              f32bytes(4),
		"layers.0.attn_q":           f32bytes(4),
		"layers.0.attn_k":           f32bytes(4),
		"layers.0.attn_v":           f32bytes(4),
		"layers.0.attn_output":      f32bytes(4),
		"layers.0.ffn_gate":         f32bytes(4),
		"layers.0.ffn_up":           f32bytes(4),
		"layers.0.ffn_down":         f32bytes(4),
		"norm":                      f32bytes(4),
		"lm_head":                   f32bytes(4),
	}
	b, _, _ := buildEnv(t, tensors, `"config":{"num_hidden_layers":1}`)

	set, err := b.Build(context.Background())
	require.NoError(t, err)
	require.Len(t, set.Layers, 1)

	lw := set.Layers[0]
	assert.Nil(t, lw.InputNorm)
	assert.Nil(t, lw.QNorm)
	assert.Nil(t, lw.KNorm)
	require.NotNil(t, lw.FFNGate)
	require.NotNil(t, lw.FFNUp)
	require.NotNil(t, lw.FFNDown)
	assert.Nil(t, lw.MoE)
	assert.False(t, set.LMHeadIsTiedEmbedding)
}

func TestBuild_TiedEmbeddingFallback(t *testing.T) {
	tensors := map[string]string{
		"embed_tokens":         f32bytes(4),
		"layers.0.attn_q":      f32bytes(4),
		"layers.0.attn_k":      f32bytes(4),
		"layers.0.attn_v":      f32bytes(4),
		"layers.0.attn_output": f32bytes(4),
		"layers.0.ffn_gate":    f32bytes(4),
		"layers.0.ffn_up":      f32bytes(4),
		"layers.0.ffn_down":    f32bytes(4),
		"norm":                 f32bytes(4),
	}
	b, _, _ := buildEnv(t, tensors, `"config":{"num_hidden_layers":1}`)

	set, err := b.Build(context.Background())
	require.NoError(t, err)
	assert.True(t, set.LMHeadIsTiedEmbedding)
	assert.Equal(t, set.Embeddings.Handle, set.LMHead.Handle)
}

func TestBuild_PackedMoE(t *testing.T) {
	tensors := map[string]string{
		"embed_tokens":            f32bytes(4),
		"layers.0.attn_q":         f32bytes(4),
		"layers.0.attn_k":         f32bytes(4),
		"layers.0.attn_v":         f32bytes(4),
		"layers.0.attn_output":    f32bytes(4),
		"layers.0.ffn_gate_inp":   f32bytes(4),
		"layers.0.ffn_gate_exps":  f32bytes(4),
		"layers.0.ffn_up_exps":    f32bytes(4),
		"layers.0.ffn_down_exps":  f32bytes(4),
		"norm":                    f32bytes(4),
		"lm_head":                 f32bytes(4),
	}
	b, _, _ := buildEnv(t, tensors, `"config":{"num_hidden_layers":1},"moeConfig":{"num_experts":8}`)

	set, err := b.Build(context.Background())
	require.NoError(t, err)

	moe := set.Layers[0].MoE
	require.NotNil(t, moe)
	assert.True(t, moe.Packed)
	require.NotNil(t, moe.PackedGate)

	ew1, err := b.LoadExpert(context.Background(), "layers.0.", moe, 3)
	require.NoError(t, err)
	ew2, err := b.LoadExpert(context.Background(), "layers.0.", moe, 5)
	require.NoError(t, err)
	assert.Equal(t, ew1.Gate.Handle, ew2.Gate.Handle)
}

func TestBuild_DensePerExpertLazyLoad(t *testing.T) {
	tensors := map[string]string{
		"embed_tokens":          f32bytes(4),
		"layers.0.attn_q":       f32bytes(4),
		"layers.0.attn_k":       f32bytes(4),
		"layers.0.attn_v":       f32bytes(4),
		"layers.0.attn_output":  f32bytes(4),
		"layers.0.ffn_gate_inp": f32bytes(4),
		"layers.0.ffn_gate.0":   f32bytes(4),
		"layers.0.ffn_up.0":     f32bytes(4),
		"layers.0.ffn_down.0":   f32bytes(4),
		"layers.0.ffn_gate.1":   f32bytes(4),
		"layers.0.ffn_up.1":     f32bytes(4),
		"layers.0.ffn_down.1":   f32bytes(4),
		"norm":                  f32bytes(4),
		"lm_head":               f32bytes(4),
	}
	b, _, _ := buildEnv(t, tensors, `"config":{"num_hidden_layers":1},"moeConfig":{"num_experts":2}`)

	set, err := b.Build(context.Background())
	require.NoError(t, err)

	moe := set.Layers[0].MoE
	require.NotNil(t, moe)
	assert.False(t, moe.Packed)

	ew0, err := b.LoadExpert(context.Background(), "layers.0.", moe, 0)
	require.NoError(t, err)
	ew0Again, err := b.LoadExpert(context.Background(), "layers.0.", moe, 0)
	require.NoError(t, err)
	assert.Equal(t, ew0.Gate.Handle, ew0Again.Gate.Handle)

	ew1, err := b.LoadExpert(context.Background(), "layers.0.", moe, 1)
	require.NoError(t, err)
	assert.NotEqual(t, ew0.Gate.Handle, ew1.Gate.Handle)
}

func TestBuild_NormOffsetAppliedForGemma(t *testing.T) {
	tensors := map[string]string{
		"embed_tokens":         f32bytes(4),
		"layers.0.attn_q":      f32bytes(4),
		"layers.0.attn_k":      f32bytes(4),
		"layers.0.attn_v":      f32bytes(4),
		"layers.0.attn_output": f32bytes(4),
		"layers.0.ffn_gate":    f32bytes(4),
		"layers.0.ffn_up":      f32bytes(4),
		"layers.0.ffn_down":    f32bytes(4),
		"norm":                 f32bytes(4),
		"lm_head":              f32bytes(4),
	}
	b, m, pool := buildEnv(t, tensors, `"config":{"num_hidden_layers":1}`)
	m.Architecture = "gemma2"

	set, err := b.Build(context.Background())
	require.NoError(t, err)

	raw, err := pool.Read(set.FinalNorm.Handle)
	require.NoError(t, err)
	vals := materialize.DecodeF32Bytes(raw)
	rawEmbed, err := pool.Read(set.Embeddings.Handle)
	require.NoError(t, err)
	embedVals := materialize.DecodeF32Bytes(rawEmbed)
	// norm and embeddings hold the same raw bytes; only the norm went
	// through +1.
	assert.Equal(t, embedVals[0]+1.0, vals[0])
}

func TestBuild_NormOffsetSkippedWhenBakedIn(t *testing.T) {
	tensors := map[string]string{
		"embed_tokens":         f32bytes(4),
		"layers.0.attn_q":      f32bytes(4),
		"layers.0.attn_k":      f32bytes(4),
		"layers.0.attn_v":      f32bytes(4),
		"layers.0.attn_output": f32bytes(4),
		"layers.0.ffn_gate":    f32bytes(4),
		"layers.0.ffn_up":      f32bytes(4),
		"layers.0.ffn_down":    f32bytes(4),
		"norm":                 f32bytes(4),
		"lm_head":              f32bytes(4),
	}
	b, m, pool := buildEnv(t, tensors, `"config":{"num_hidden_layers":1},"sourceFormat":"gguf-offset-applied"`)
	m.Architecture = "gemma2"

	set, err := b.Build(context.Background())
	require.NoError(t, err)

	// The final norm keeps its raw bytes: no +1 transform was applied.
	raw, err := pool.Read(set.FinalNorm.Handle)
	require.NoError(t, err)
	assert.Equal(t, []byte(f32bytes(4)), raw)
}

func TestIsMatMulWeightTensor(t *testing.T) {
	assert.True(t, isMatMulWeightTensor("model.layers.0.self_attn.q_proj.weight"))
	assert.True(t, isMatMulWeightTensor("lm_head.weight"))
	assert.False(t, isMatMulWeightTensor("model.layers.0.input_layernorm.weight"))
	assert.False(t, isMatMulWeightTensor("model.embed_tokens.weight"))
}
