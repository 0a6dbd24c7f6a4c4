// Package resolve implements NameResolver: mapping a logical tensor name
// to the concrete name present in a manifest, honoring a small set of
// known naming conventions and aliases (§4.7).
//
// Modeled on the teacher's model/reflect.go, which drives tensor lookup
// from a struct tag carrying a primary name, alternatives, and a
// prefix/suffix (`gguf:"name,alt:altname,pre:prefix,suf:suffix"`).
// NameResolver generalizes that per-field tag into a manifest-wide,
// data-driven probe: an ordered prefix list crossed with an ordered
// pattern-rewrite list, rather than one tag per struct field.
package resolve

import (
	"fmt"
	"regexp"
)

// Rewrite is a (pattern -> replacement) pair applied to a logical name,
// swapping one naming-family idiom for another (§4.7: "layer prefixes,
// attention vs self-attention, feed-forward vs multi-layer-perceptron").
// A nil Pattern is the identity rewrite: try the name unmodified.
type Rewrite struct {
	Pattern     *regexp.Regexp
	Replacement string
}

func (rw Rewrite) apply(s string) string {
	if rw.Pattern == nil {
		return s
	}
	return rw.Pattern.ReplaceAllString(s, rw.Replacement)
}

// Resolver probes a manifest's tensor table for a logical name by
// crossing an ordered prefix list, an ordered naming-family rewrite
// list, and the weight-suffix marker; the first hit wins (§4.7).
// Resolution is pure and memoized per manifest instance.
type Resolver struct {
	prefixes []string
	rewrites []Rewrite
	suffixes []string

	exists func(name string) bool
	memo   map[string]string
}

// NewResolver constructs a Resolver against exists, the predicate that
// reports whether a concrete name is present in the manifest's tensor
// table (typically `manifest.Tensors`'s membership).
func NewResolver(prefixes []string, rewrites []Rewrite, exists func(name string) bool) *Resolver {
	return &Resolver{
		prefixes: prefixes,
		rewrites: rewrites,
		suffixes: DefaultSuffixes(),
		exists:   exists,
		memo:     make(map[string]string),
	}
}

// DefaultPrefixes is the small ordered list of architectural prefixes
// §4.7 names: the text-submodel path for multimodal models, the
// base-model path, bare names, and converter-style short names.
func DefaultPrefixes() []string {
	return []string{
		"text_model.",
		"model.",
		"",
		"transformer.",
	}
}

// DefaultSuffixes is the append/strip toggle for the weight-suffix
// marker most manifest tensor names carry (§4.7).
func DefaultSuffixes() []string {
	return []string{"", ".weight"}
}

// DefaultRewrites is the small ordered list of naming-family idiom swaps
// §4.7 names: layer prefixes, attention vs self-attention, feed-forward
// vs multi-layer-perceptron.
func DefaultRewrites() []Rewrite {
	return []Rewrite{
		{Pattern: nil}, // identity: try the name unmodified first
		{Pattern: regexp.MustCompile(`\bself_attn\b`), Replacement: "attention"},
		{Pattern: regexp.MustCompile(`\battention\b`), Replacement: "self_attn"},
		{Pattern: regexp.MustCompile(`\bmlp\b`), Replacement: "feed_forward"},
		{Pattern: regexp.MustCompile(`\bfeed_forward\b`), Replacement: "mlp"},
		{Pattern: regexp.MustCompile(`layers\.(\d+)\.`), Replacement: "layer.$1."},
	}
}

// Resolve maps a logical name to the concrete manifest name, or returns
// a not-found error if no prefix/rewrite/suffix combination hits.
func (r *Resolver) Resolve(logical string) (string, error) {
	if hit, ok := r.memo[logical]; ok {
		return hit, nil
	}

	for _, rw := range r.rewrites {
		rewritten := rw.apply(logical)
		for _, prefix := range r.prefixes {
			for _, suffix := range r.suffixes {
				candidate := prefix + rewritten + suffix
				if r.exists(candidate) {
					r.memo[logical] = candidate
					return candidate, nil
				}
			}
		}
	}

	return "", &NotFoundError{Logical: logical}
}

// NotFoundError reports that no known alias of a logical tensor name
// resolved to a present manifest entry.
type NotFoundError struct {
	Logical string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("rdrr: no known alias of %q found in manifest", e.Logical)
}
