package weights

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rdrr/loader/fs/rdrr"
	"github.com/rdrr/loader/materialize"
	"github.com/rdrr/loader/resolve"
)

// Set is the complete materialized weight set for one model: embeddings,
// every layer, final norm, and LM head (§4.8).
type Set struct {
	Embeddings materialize.Result
	Layers     []LayerWeights
	FinalNorm  materialize.Result
	LMHead     materialize.Result

	// LMHeadIsTiedEmbedding is true when no independent LM head tensor
	// was present and the embedding tensor is shared as the output
	// projection instead (§4.8.4).
	LMHeadIsTiedEmbedding bool
}

// isMatMulWeightTensor holds the isolated list of tensor name suffixes
// that identify a matrix-multiply weight tensor (attention projections,
// FFN projections, LM head), the tensors the downcast policy (§4.8.6)
// covers. Kept as one function so the supported set stays auditable, per
// Open Question 3's resolution (see DESIGN.md). Builder's load call sites
// pass their matmul-weight flag explicitly and do not call it.
func isMatMulWeightTensor(name string) bool {
	suffixes := []string{
		"q_proj", "k_proj", "v_proj", "o_proj",
		"attn_q", "attn_k", "attn_v",
		"attention.wq", "attention.wk", "attention.wv", "attention.wo",
		"ffn_gate", "ffn_up", "ffn_down",
		"ffn_gate_exps", "ffn_up_exps", "ffn_down_exps",
		"ffn_gate_shexp", "ffn_up_shexp", "ffn_down_shexp",
		"lm_head", "output",
	}
	for _, suf := range suffixes {
		if strings.HasSuffix(name, suf) || strings.Contains(name, suf+".") {
			return true
		}
	}
	return false
}

// normOffsetFamilies lists the architecture strings whose norm weights
// ship as an offset around zero and need the "+1" transform, unless the
// manifest's source_format tag says a converter already baked it in
// (§4.8.5).
var normOffsetFamilies = map[string]bool{
	"gemma":  true,
	"gemma2": true,
	"gemma3": true,
}

func bakedInOffset(sourceFormat string) bool {
	return strings.Contains(strings.ToLower(sourceFormat), "offset-applied")
}

// Builder drives WeightSetBuilder's ordered load algorithm.
type Builder struct {
	manifest *rdrr.Manifest
	resolver *resolve.Resolver
	mz       *materialize.Materializer

	onProgress func(stage string, layer, total int, progress float64)
}

// New constructs a Builder. onProgress may be nil.
func New(m *rdrr.Manifest, resolver *resolve.Resolver, mz *materialize.Materializer,
	onProgress func(stage string, layer, total int, progress float64),
) *Builder {
	return &Builder{manifest: m, resolver: resolver, mz: mz, onProgress: onProgress}
}

func (b *Builder) report(stage string, layer, total int, progress float64) {
	if b.onProgress != nil {
		b.onProgress(stage, layer, total, progress)
	}
}

// Build runs the full ordered load: embeddings, per-layer weights, MoE
// detection, final norm, LM head (§4.8).
func (b *Builder) Build(ctx context.Context) (*Set, error) {
	numLayers := int(b.manifest.Config.FirstUint(32, "num_hidden_layers", "n_layer", "num_layers"))

	embed, err := b.materializeAliased(ctx, []string{"embed_tokens", "tok_embeddings", "wte"}, true, false)
	if err != nil {
		return nil, fmt.Errorf("rdrr: embeddings: %w", err)
	}
	b.report("embeddings", 0, numLayers, 0)

	set := &Set{Embeddings: embed, Layers: make([]LayerWeights, numLayers)}

	for i := 0; i < numLayers; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lw, err := b.buildLayer(ctx, i)
		if err != nil {
			return nil, fmt.Errorf("rdrr: layer %d: %w", i, err)
		}
		set.Layers[i] = lw
		b.report("layer", i, numLayers, float64(i+1)/float64(numLayers))
	}

	finalNorm, err := b.materializeAliased(ctx, []string{"norm", "final_norm", "model.norm"}, true, false)
	if err != nil {
		return nil, fmt.Errorf("rdrr: final norm: %w", err)
	}
	finalNorm, err = b.maybeApplyNormOffset(ctx, finalNorm)
	if err != nil {
		return nil, err
	}
	set.FinalNorm = finalNorm

	lmHead, err := b.materializeAliased(ctx, []string{"lm_head", "output"}, true, true)
	if err != nil {
		set.LMHead = embed
		set.LMHeadIsTiedEmbedding = true
	} else {
		set.LMHead = lmHead
	}

	b.report("complete", numLayers, numLayers, 1.0)
	return set, nil
}

func (b *Builder) buildLayer(ctx context.Context, i int) (LayerWeights, error) {
	prefix := fmt.Sprintf("layers.%d.", i)

	q, err := b.materializeAliased(ctx, []string{prefix + "attn_q", prefix + "attention.wq", prefix + "self_attn.q_proj"}, true, true)
	if err != nil {
		return LayerWeights{}, fmt.Errorf("q_proj: %w", err)
	}
	k, err := b.materializeAliased(ctx, []string{prefix + "attn_k", prefix + "attention.wk", prefix + "self_attn.k_proj"}, true, true)
	if err != nil {
		return LayerWeights{}, fmt.Errorf("k_proj: %w", err)
	}
	v, err := b.materializeAliased(ctx, []string{prefix + "attn_v", prefix + "attention.wv", prefix + "self_attn.v_proj"}, true, true)
	if err != nil {
		return LayerWeights{}, fmt.Errorf("v_proj: %w", err)
	}
	o, err := b.materializeAliased(ctx, []string{prefix + "attn_output", prefix + "attention.wo", prefix + "self_attn.o_proj"}, true, true)
	if err != nil {
		return LayerWeights{}, fmt.Errorf("o_proj: %w", err)
	}

	lw := LayerWeights{Q: q, K: k, V: v, O: o}

	if lw.InputNorm, err = b.optionalNorm(ctx, prefix+"attn_norm"); err != nil {
		return LayerWeights{}, fmt.Errorf("attn_norm: %w", err)
	}
	if lw.QNorm, err = b.optionalNorm(ctx, prefix+"attn_q_norm"); err != nil {
		return LayerWeights{}, fmt.Errorf("attn_q_norm: %w", err)
	}
	if lw.KNorm, err = b.optionalNorm(ctx, prefix+"attn_k_norm"); err != nil {
		return LayerWeights{}, fmt.Errorf("attn_k_norm: %w", err)
	}
	if lw.PostAttnNorm, err = b.optionalNorm(ctx, prefix+"post_attention_norm"); err != nil {
		return LayerWeights{}, fmt.Errorf("post_attention_norm: %w", err)
	}
	if lw.PreFFNNorm, err = b.optionalNorm(ctx, prefix+"ffn_norm"); err != nil {
		return LayerWeights{}, fmt.Errorf("ffn_norm: %w", err)
	}
	if lw.PostFFNNorm, err = b.optionalNorm(ctx, prefix+"post_ffw_norm"); err != nil {
		return LayerWeights{}, fmt.Errorf("post_ffw_norm: %w", err)
	}
	lw.AttnSink = b.optional(ctx, prefix+"attn_sink", false)

	if b.isExpertBearing(i) {
		moe, err := b.buildMoE(ctx, prefix)
		if err != nil {
			return LayerWeights{}, fmt.Errorf("moe: %w", err)
		}
		lw.MoE = moe
	} else {
		gate, err := b.materializeAliased(ctx, []string{prefix + "ffn_gate"}, true, true)
		if err != nil {
			return LayerWeights{}, fmt.Errorf("ffn_gate: %w", err)
		}
		up, err := b.materializeAliased(ctx, []string{prefix + "ffn_up"}, true, true)
		if err != nil {
			return LayerWeights{}, fmt.Errorf("ffn_up: %w", err)
		}
		down, err := b.materializeAliased(ctx, []string{prefix + "ffn_down"}, true, true)
		if err != nil {
			return LayerWeights{}, fmt.Errorf("ffn_down: %w", err)
		}
		lw.FFNGate, lw.FFNUp, lw.FFNDown = &gate, &up, &down
	}

	return lw, nil
}

// isExpertBearing reports whether layer i is MoE, per the manifest's
// moeConfig (§4.8.3).
func (b *Builder) isExpertBearing(layer int) bool {
	if b.manifest.MoEConfig == nil {
		return false
	}
	if firstLayer, ok := b.manifest.MoEConfig["first_expert_layer"].(float64); ok {
		return layer >= int(firstLayer)
	}
	_, hasExperts := b.manifest.MoEConfig["num_experts"]
	return hasExperts
}

func (b *Builder) buildMoE(ctx context.Context, prefix string) (*MoEWeights, error) {
	router, err := b.materializeAliased(ctx, []string{prefix + "ffn_gate_inp"}, true, false)
	if err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}
	moe := &MoEWeights{Router: router}
	moe.RouterBias = b.optional(ctx, prefix+"exp_probs_b.bias", false)

	if packedGate := b.optional(ctx, prefix+"ffn_gate_exps", true); packedGate != nil {
		packedUp := b.optional(ctx, prefix+"ffn_up_exps", true)
		packedDown := b.optional(ctx, prefix+"ffn_down_exps", true)
		moe.Packed = true
		moe.PackedGate, moe.PackedUp, moe.PackedDown = packedGate, packedUp, packedDown
	} else {
		moe.perExpert = make(map[int]ExpertWeights)
	}

	if shared, err := b.buildSharedExpert(ctx, prefix); err == nil {
		moe.SharedExpert = shared
	}

	return moe, nil
}

func (b *Builder) buildSharedExpert(ctx context.Context, prefix string) (*LayerWeights, error) {
	gate, err := b.materializeAliased(ctx, []string{prefix + "ffn_gate_shexp"}, true, true)
	if err != nil {
		return nil, err
	}
	up, err := b.materializeAliased(ctx, []string{prefix + "ffn_up_shexp"}, true, true)
	if err != nil {
		return nil, err
	}
	down, err := b.materializeAliased(ctx, []string{prefix + "ffn_down_shexp"}, true, true)
	if err != nil {
		return nil, err
	}
	return &LayerWeights{FFNGate: &gate, FFNUp: &up, FFNDown: &down}, nil
}

// LoadExpert materializes expert idx of layer's MoE bundle. A packed
// layer is loaded exactly once; subsequent calls return a lightweight
// view over the shared packed record without re-touching the device
// (§4.8, last paragraph).
func (b *Builder) LoadExpert(ctx context.Context, prefix string, moe *MoEWeights, idx int) (ExpertWeights, error) {
	if moe.Packed {
		return ExpertWeights{Gate: *moe.PackedGate, Up: *moe.PackedUp, Down: *moe.PackedDown}, nil
	}

	if ew, ok := moe.perExpert[idx]; ok {
		return ew, nil
	}

	gate, err := b.materializeAliased(ctx, []string{fmt.Sprintf("%sffn_gate.%d", prefix, idx)}, true, true)
	if err != nil {
		return ExpertWeights{}, fmt.Errorf("expert %d gate: %w", idx, err)
	}
	up, err := b.materializeAliased(ctx, []string{fmt.Sprintf("%sffn_up.%d", prefix, idx)}, true, true)
	if err != nil {
		return ExpertWeights{}, fmt.Errorf("expert %d up: %w", idx, err)
	}
	down, err := b.materializeAliased(ctx, []string{fmt.Sprintf("%sffn_down.%d", prefix, idx)}, true, true)
	if err != nil {
		return ExpertWeights{}, fmt.Errorf("expert %d down: %w", idx, err)
	}

	ew := ExpertWeights{Gate: gate, Up: up, Down: down}
	moe.perExpert[idx] = ew
	return ew, nil
}

// materializeAliased resolves the first of several logical names that
// exists in the manifest and materializes it.
func (b *Builder) materializeAliased(ctx context.Context, logicalNames []string, toDevice, isMatMulWeight bool) (materialize.Result, error) {
	var lastErr error
	for _, logical := range logicalNames {
		concrete, err := b.resolver.Resolve(logical)
		if err != nil {
			lastErr = err
			continue
		}
		res, err := b.mz.Materialize(ctx, concrete, toDevice, isMatMulWeight)
		if err != nil {
			lastErr = err
			continue
		}
		if isMatMulWeight {
			res, err = b.mz.Downcast(res)
			if err != nil {
				return materialize.Result{}, err
			}
		}
		return res, nil
	}
	return materialize.Result{}, fmt.Errorf("rdrr: none of %v resolved: %w", logicalNames, lastErr)
}

// optional materializes a logical name if present, returning nil (with a
// structured log entry, per §7's "optional Not-found" policy) if absent.
func (b *Builder) optional(ctx context.Context, logical string, isMatMulWeight bool) *materialize.Result {
	res, err := b.materializeAliased(ctx, []string{logical}, true, isMatMulWeight)
	if err != nil {
		slog.Warn("rdrr: optional tensor not loaded", "name", logical, "error", err)
		return nil
	}
	return &res
}

// optionalNorm materializes a logical norm name if present and applies
// the norm-offset policy to it, same as the final norm. For the gemma
// family the "+1" transform applies uniformly to every norm weight
// (input, post-attention, pre-FFN, post-FFN, q/k norms), not only the
// final one — the teacher applies the equivalent offset at compute time
// to each of these in TextLayer.Forward.
func (b *Builder) optionalNorm(ctx context.Context, logical string) (*materialize.Result, error) {
	res := b.optional(ctx, logical, false)
	if res == nil {
		return nil, nil
	}
	normalized, err := b.maybeApplyNormOffset(ctx, *res)
	if err != nil {
		return nil, err
	}
	return &normalized, nil
}

func (b *Builder) maybeApplyNormOffset(ctx context.Context, r materialize.Result) (materialize.Result, error) {
	if bakedInOffset(b.manifest.SourceFormat) {
		return r, nil
	}
	if !normOffsetFamilies[strings.ToLower(b.manifest.Architecture)] {
		return r, nil
	}
	return b.mz.ApplyNormOffset(ctx, r)
}
