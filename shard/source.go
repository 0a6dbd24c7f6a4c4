// Package shard implements ShardSource and ShardCache: the byte-fetch
// layer beneath the manifest's tensor table (§4.2).
//
// Modeled on the teacher's server/internal/cache/blob package: a
// content-addressed store keyed by digest, plus a small bounded cache in
// front of it.
package shard

import (
	"context"
	"fmt"

	"github.com/rdrr/loader/fs/rdrr"
)

// Source is the contract a shard backend must satisfy: return the raw
// bytes of shard i on demand. Implementations may return a view into
// backing storage; callers must not assume ownership or mutate it (§4.2).
type Source interface {
	Fetch(ctx context.Context, index int) ([]byte, error)
}

// SourceFunc adapts a plain function to Source, for injected callback
// sources (§4.2: "an injected callback").
type SourceFunc func(ctx context.Context, index int) ([]byte, error)

func (f SourceFunc) Fetch(ctx context.Context, index int) ([]byte, error) {
	return f(ctx, index)
}

// VerifyingSource wraps a Source and hash-verifies every fetched shard
// against the manifest before returning it, per §4.2: "custom shard
// sources are hash-verified per the verify flag and the manifest's hash
// algorithm before caching."
type VerifyingSource struct {
	Inner    Source
	Manifest *rdrr.Manifest
	Verify   bool
}

func (v *VerifyingSource) Fetch(ctx context.Context, index int) ([]byte, error) {
	b, err := v.Inner.Fetch(ctx, index)
	if err != nil {
		return nil, err
	}
	if !v.Verify {
		return b, nil
	}

	s, ok := v.Manifest.ShardByIndex(index)
	if !ok {
		return nil, fmt.Errorf("rdrr: shard %d: not present in manifest", index)
	}
	if uint64(len(b)) != s.Size {
		return nil, &IntegrityError{ShardIndex: index, Reason: fmt.Sprintf("length mismatch: got %d, want %d", len(b), s.Size)}
	}
	if got := rdrr.Sum256(b); got != s.Hash {
		return nil, &IntegrityError{ShardIndex: index, Reason: fmt.Sprintf("hash mismatch: got %s, want %s", got, s.Hash)}
	}
	return b, nil
}

// IntegrityError reports a shard that failed length or hash verification.
type IntegrityError struct {
	ShardIndex int
	Reason     string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("rdrr: shard %d failed integrity check: %s", e.ShardIndex, e.Reason)
}
