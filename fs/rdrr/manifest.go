package rdrr

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// Shard is one immutable byte blob of the RDRR container, per §3.
type Shard struct {
	Index    int    `json:"index"`
	Filename string `json:"filename"`
	Size     uint64 `json:"size"`
	Hash     string `json:"-"`
}

// shardWire mirrors the JSON shape of a shard entry, accepting any of the
// three hash field names the on-disk format allows (§6): "hash" (current),
// or the legacy "blake3"/"sha256" names.
type shardWire struct {
	Index    int    `json:"index"`
	Filename string `json:"filename"`
	Size     uint64 `json:"size"`
	Hash     string `json:"hash"`
	Blake3   string `json:"blake3"`
	SHA256   string `json:"sha256"`
}

func (s *Shard) UnmarshalJSON(b []byte) error {
	var w shardWire
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("rdrr: malformed shard entry: %w", err)
	}

	hash := w.Hash
	if hash == "" && w.SHA256 != "" {
		hash = w.SHA256
	}
	if hash == "" && w.Blake3 != "" {
		hash = w.Blake3
	}

	*s = Shard{
		Index:    w.Index,
		Filename: w.Filename,
		Size:     w.Size,
		Hash:     hash,
	}
	return nil
}

// Span is a (shard, offset, size) slice; a tensor's bytes are the ordered
// concatenation of its spans.
type Span struct {
	ShardIndex int    `json:"shard"`
	Offset     uint64 `json:"offset"`
	Size       uint64 `json:"size"`
}

// TensorLocation is either a single-shard location or an ordered list of
// cross-shard spans (§3).
type TensorLocation struct {
	Spans []Span
}

// Single reports whether this location resolves to exactly one span, and
// returns it.
func (l TensorLocation) Single() (Span, bool) {
	if len(l.Spans) == 1 {
		return l.Spans[0], true
	}
	return Span{}, false
}

// TotalSize returns the sum of all span sizes.
func (l TensorLocation) TotalSize() uint64 {
	var total uint64
	for _, s := range l.Spans {
		total += s.Size
	}
	return total
}

// Tensor describes one manifest tensor entry: its location, dtype, and
// logical shape.
type Tensor struct {
	Name     string
	Location TensorLocation
	Dtype    Dtype
	Shape    []uint64
}

// Elements returns the product of the tensor's shape dimensions.
func (t Tensor) Elements() uint64 {
	n := uint64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

type tensorWire struct {
	Shard  *int     `json:"shard"`
	Offset uint64   `json:"offset"`
	Size   uint64   `json:"size"`
	Spans  []Span   `json:"spans"`
	Shape  []uint64 `json:"shape"`
	Dtype  string   `json:"dtype"`
}

func parseTensorEntry(name string, w tensorWire) (Tensor, error) {
	dtype, err := ParseDtype(w.Dtype)
	if err != nil {
		return Tensor{}, fmt.Errorf("rdrr: tensor %q: %w", name, err)
	}

	var loc TensorLocation
	switch {
	case len(w.Spans) > 0:
		loc.Spans = w.Spans
	case w.Shard != nil:
		loc.Spans = []Span{{ShardIndex: *w.Shard, Offset: w.Offset, Size: w.Size}}
	default:
		return Tensor{}, fmt.Errorf("rdrr: tensor %q: has neither shard/offset nor spans", name)
	}

	total := loc.TotalSize()
	if total != w.Size {
		return Tensor{}, fmt.Errorf("rdrr: tensor %q: span sizes sum to %d, manifest size is %d", name, total, w.Size)
	}

	expected := dtype.ByteSize(shapeProduct(w.Shape))
	if dtype.IsQuantized() {
		if w.Size%dtype.BlockBytes() != 0 {
			return Tensor{}, fmt.Errorf("rdrr: tensor %q: size %d is not a multiple of the %d-byte block size", name, w.Size, dtype.BlockBytes())
		}
		if w.Size < dtype.BlockBytes() {
			return Tensor{}, fmt.Errorf("rdrr: tensor %q: smaller than one block (malformed)", name)
		}
	} else if expected != w.Size {
		return Tensor{}, fmt.Errorf("rdrr: tensor %q: declared size %d does not match shape/dtype (expected %d)", name, w.Size, expected)
	}

	return Tensor{Name: name, Location: loc, Dtype: dtype, Shape: w.Shape}, nil
}

func shapeProduct(shape []uint64) uint64 {
	n := uint64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}

// Manifest is the parsed descriptor: shard list, tensor table, architecture
// metadata, source-format tag, and hash algorithm (§3). It is immutable
// after parsing and may be freely shared (§5).
type Manifest struct {
	Version       int
	ModelID       string
	Architecture  string
	Config        Config
	Shards        []Shard
	Tensors       map[string]Tensor
	Quantization  map[string]any
	HashAlgorithm HashAlgorithm
	SourceFormat  string
	MoEConfig     map[string]any

	// Warnings collects non-fatal observations made while parsing: today
	// only an absent hashAlgorithm field defaulting to sha256 (§6).
	Warnings []string
}

type manifestWire struct {
	Version       int                   `json:"version"`
	ModelID       string                `json:"modelId"`
	Architecture  string                `json:"architecture"`
	Config        map[string]any        `json:"config"`
	Shards        []Shard               `json:"shards"`
	Tensors       map[string]tensorWire `json:"tensors"`
	Quantization  map[string]any        `json:"quantization"`
	HashAlgorithm string                `json:"hashAlgorithm"`
	SourceFormat  string                `json:"sourceFormat"`
	MoEConfig     map[string]any        `json:"moeConfig"`
}

// Decode parses a manifest from its JSON representation (§6).
func Decode(b []byte) (*Manifest, error) {
	var w manifestWire
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("rdrr: malformed manifest: %w", err)
	}

	if w.Architecture == "" {
		return nil, fmt.Errorf("rdrr: manifest missing required key \"architecture\"")
	}
	if len(w.Shards) == 0 {
		return nil, fmt.Errorf("rdrr: manifest has no shards")
	}

	algo, err := ParseHashAlgorithm(w.HashAlgorithm)
	if err != nil {
		return nil, fmt.Errorf("rdrr: manifest: %w", err)
	}

	m := &Manifest{
		Version:       w.Version,
		ModelID:       w.ModelID,
		Architecture:  w.Architecture,
		Config:        Config(w.Config),
		Shards:        w.Shards,
		Quantization:  w.Quantization,
		HashAlgorithm: algo,
		SourceFormat:  w.SourceFormat,
		MoEConfig:     w.MoEConfig,
	}

	if w.HashAlgorithm == "" {
		m.Warnings = append(m.Warnings, "hashAlgorithm absent; defaulting to sha256")
		slog.Warn("rdrr: manifest hashAlgorithm absent; defaulting to sha256", "model_id", w.ModelID)
	}

	shardByIndex := make(map[int]Shard, len(m.Shards))
	for _, s := range m.Shards {
		if s.Hash == "" {
			return nil, fmt.Errorf("rdrr: shard %d missing hash", s.Index)
		}
		shardByIndex[s.Index] = s
	}

	m.Tensors = make(map[string]Tensor, len(w.Tensors))
	for name, tw := range w.Tensors {
		t, err := parseTensorEntry(name, tw)
		if err != nil {
			return nil, err
		}

		for _, span := range t.Location.Spans {
			shard, ok := shardByIndex[span.ShardIndex]
			if !ok {
				return nil, fmt.Errorf("rdrr: tensor %q: references unknown shard %d", name, span.ShardIndex)
			}
			if span.Offset+span.Size > shard.Size {
				return nil, fmt.Errorf("rdrr: tensor %q: span [%d, %d) overruns shard %d (declared size %d)",
					name, span.Offset, span.Offset+span.Size, span.ShardIndex, shard.Size)
			}
		}

		m.Tensors[name] = t
	}

	return m, nil
}

// ShardByIndex returns the shard descriptor for i, or false if unknown.
func (m *Manifest) ShardByIndex(i int) (Shard, bool) {
	for _, s := range m.Shards {
		if s.Index == i {
			return s, true
		}
	}
	return Shard{}, false
}
