// Package weights implements WeightSetBuilder: driving the materialization
// of a complete model's weights in the ordered sequence §4.8 describes
// (embeddings, per-layer bundles, MoE, final norm, LM head), applying
// the norm-offset and downcast policies along the way.
//
// Modeled on model/model.go's Base/populateFields registration pattern
// (a struct of named tensor fields, filled by walking the backend's
// tensor table) and model/models/deepseek2/mlp.go's packed-vs-dense MoE
// split.
package weights

import "github.com/rdrr/loader/materialize"

// LayerWeights is one transformer layer's weight bundle. Any norm field
// may be absent (§4.8.2: "any subset may be present").
type LayerWeights struct {
	InputNorm    *materialize.Result
	Q, K, V, O   materialize.Result
	QNorm, KNorm *materialize.Result
	PostAttnNorm *materialize.Result
	PreFFNNorm   *materialize.Result
	PostFFNNorm  *materialize.Result
	AttnSink     *materialize.Result

	// Dense FFN weights; nil when the layer is expert-bearing (MoE is
	// populated instead).
	FFNGate, FFNUp, FFNDown *materialize.Result

	MoE *MoEWeights
}

// MoEWeights is a layer's mixture-of-experts bundle.
type MoEWeights struct {
	Router     materialize.Result
	RouterBias *materialize.Result

	// Packed is true when experts are stored as one packed tensor per
	// projection (ffn_gate_exps/ffn_up_exps/ffn_down_exps, the teacher's
	// "sparse" MLP shape); false for dense-per-expert tensors
	// (ffn_gate.N/ffn_up.N/ffn_down.N).
	Packed bool

	// Set when Packed is true: one materialized tensor per projection
	// covering every expert.
	PackedGate, PackedUp, PackedDown *materialize.Result

	// Set when Packed is false: per-expert materialized tensors, loaded
	// lazily via LoadExpert.
	perExpert map[int]ExpertWeights

	// SharedExpert is the always-active expert some architectures mix
	// in alongside the routed ones (deepseek2-style "_shexp" tensors).
	SharedExpert *LayerWeights
}

// ExpertWeights is one expert's projection triple, either a lightweight
// view over a packed record or an independently materialized dense
// tensor set.
type ExpertWeights struct {
	Gate, Up, Down materialize.Result
}
