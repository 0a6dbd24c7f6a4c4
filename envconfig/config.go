// Package envconfig exposes the loader's process-wide tunables: the
// genuinely ambient settings that apply across every load rather than
// being passed per-call (those stay typed option structs/functions on
// Loader.Load and Loader.SetShardSource).
package envconfig

import (
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/rdrr/loader/format"
)

// Var returns an environment variable, trimmed of surrounding
// whitespace and quotes.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// ShardCacheSize is the bounded LRU's capacity (RDRR_SHARD_CACHE_SIZE,
// default 4 — enough for sequential tensor reads that typically touch
// one or two shards at a time).
func ShardCacheSize() int {
	return int(uintVar("RDRR_SHARD_CACHE_SIZE", 4))
}

// ReadBufferBytes sizes the chunked span-read loop in TensorMaterializer,
// mirroring the teacher's KibiByte-scale buffer sizing in its own
// streaming tensor loader (RDRR_READ_BUFFER_BYTES, default 128 KiB).
func ReadBufferBytes() uint64 {
	return uintVar("RDRR_READ_BUFFER_BYTES", 128*format.KibiByte)
}

// DebugHashVerification enables verbose per-shard hash-check logging in
// the integrity scan (RDRR_DEBUG_HASH, default off).
func DebugHashVerification() bool {
	if s := Var("RDRR_DEBUG_HASH"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return true
		}
		return b
	}
	return false
}

func uintVar(key string, defaultValue uint64) uint64 {
	s := Var(key)
	if s == "" {
		return defaultValue
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
		return defaultValue
	}
	return n
}
