package resolve

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setOf(names ...string) func(string) bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return func(s string) bool { return set[s] }
}

func TestResolve_BarePrefixHit(t *testing.T) {
	exists := setOf("model.embed_tokens.weight")
	r := NewResolver(DefaultPrefixes(), DefaultRewrites(), exists)

	got, err := r.Resolve("embed_tokens")
	require.NoError(t, err)
	assert.Equal(t, "model.embed_tokens.weight", got)
}

func TestResolve_NamingFamilySwap(t *testing.T) {
	exists := setOf("model.layers.3.self_attn.q_proj.weight")
	r := NewResolver(DefaultPrefixes(), DefaultRewrites(), exists)

	got, err := r.Resolve("layers.3.attention.q_proj")
	require.NoError(t, err)
	assert.Equal(t, "model.layers.3.self_attn.q_proj.weight", got)
}

func TestResolve_NotFound(t *testing.T) {
	r := NewResolver(DefaultPrefixes(), DefaultRewrites(), setOf())

	_, err := r.Resolve("nonexistent")
	require.Error(t, err)
	var nfErr *NotFoundError
	require.ErrorAs(t, err, &nfErr)
}

func TestResolve_MemoizesHit(t *testing.T) {
	calls := 0
	exists := func(s string) bool {
		calls++
		return s == "model.norm.weight"
	}
	r := NewResolver(DefaultPrefixes(), DefaultRewrites(), exists)

	_, err := r.Resolve("norm")
	require.NoError(t, err)
	before := calls

	_, err = r.Resolve("norm")
	require.NoError(t, err)
	assert.Equal(t, before, calls, "second Resolve should hit memo, not re-probe exists")
}

func TestResolve_CustomPrefixList(t *testing.T) {
	exists := setOf("text_model.lm_head.weight")
	r := NewResolver([]string{"text_model."}, []Rewrite{{Pattern: regexp.MustCompile(`(.+)$`), Replacement: "$1.weight"}}, exists)

	got, err := r.Resolve("lm_head")
	require.NoError(t, err)
	assert.Equal(t, "text_model.lm_head.weight", got)
}
