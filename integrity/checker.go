// Package integrity implements the one-time shard scan run between
// manifest parse and first materialization (§4.3).
package integrity

import (
	"context"
	"log/slog"
	"runtime"
	"sync"

	"github.com/rdrr/loader/envconfig"
	"github.com/rdrr/loader/fs/rdrr"
	"golang.org/x/sync/errgroup"
)

// Report is the outcome of a full-manifest shard scan: which shards are
// missing (fetch failed) and which are corrupt (length or hash mismatch),
// per §4.3.
type Report struct {
	Valid   bool
	Missing []int
	Corrupt []int
}

// Checker runs IntegrityChecker's scan: fetch every shard named in the
// manifest, compare length to the declared size and hash to the declared
// digest. This is the one place in the loader where concurrency crosses a
// single-threaded boundary, mirroring the teacher's errgroup-bounded
// parallel tensor load in ml/backend/ggml/backend_load.go.
type Checker struct {
	source Source
}

// Source is the minimal fetch contract Checker needs; shard.Source
// satisfies it directly.
type Source interface {
	Fetch(ctx context.Context, index int) ([]byte, error)
}

func NewChecker(source Source) *Checker {
	return &Checker{source: source}
}

// Check scans every shard in m concurrently (bounded by GOMAXPROCS, like
// the teacher's g.SetLimit(runtime.GOMAXPROCS(0))) and reports which are
// missing or corrupt. It does not return early on a single shard's
// failure; the report reflects the full scan.
func (c *Checker) Check(ctx context.Context, m *rdrr.Manifest) (Report, error) {
	var (
		mu     sync.Mutex
		report Report
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for _, s := range m.Shards {
		g.Go(func() error {
			b, err := c.source.Fetch(ctx, s.Index)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				report.Missing = append(report.Missing, s.Index)
				return nil
			}
			if uint64(len(b)) != s.Size {
				report.Corrupt = append(report.Corrupt, s.Index)
				return nil
			}
			got := rdrr.Sum256(b)
			if envconfig.DebugHashVerification() {
				slog.Info("rdrr: shard hash check", "shard", s.Index, "want", s.Hash, "got", got)
			}
			if got != s.Hash {
				report.Corrupt = append(report.Corrupt, s.Index)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	report.Valid = len(report.Missing) == 0 && len(report.Corrupt) == 0
	return report, nil
}
