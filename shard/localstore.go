package shard

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rdrr/loader/fs/rdrr"
)

// LocalStore is the content-addressed realization of Source: shard files
// live on disk named by their declared hash, the way the teacher's
// blob.DiskCache names blobs "sha256-<digest>" under a blobs/ directory.
type LocalStore struct {
	dir      string
	manifest *rdrr.Manifest
}

// OpenLocalStore roots a LocalStore at dir, which must already contain the
// shard files named after the manifest's declared hashes.
func OpenLocalStore(dir string, m *rdrr.Manifest) (*LocalStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("rdrr: empty shard directory")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("rdrr: shard directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("rdrr: %q is not a directory", dir)
	}
	return &LocalStore{dir: dir, manifest: m}, nil
}

// path returns the content-addressed path for shard index i.
func (s *LocalStore) path(i int) (string, error) {
	sh, ok := s.manifest.ShardByIndex(i)
	if !ok {
		return "", fmt.Errorf("rdrr: shard %d: not present in manifest", i)
	}
	return filepath.Join(s.dir, fmt.Sprintf("sha256-%s", sh.Hash)), nil
}

func (s *LocalStore) Fetch(ctx context.Context, index int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name, err := s.path(index)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("rdrr: shard %d: %w", index, err)
	}
	return b, nil
}
