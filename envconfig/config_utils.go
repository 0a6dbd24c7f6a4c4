package envconfig

import "fmt"

// EnvVar is one tunable's name, current value, and description, for
// diagnostic dumps (cmd/rdrr-inspect prints these).
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every recognized tunable with its current value.
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"RDRR_SHARD_CACHE_SIZE": {"RDRR_SHARD_CACHE_SIZE", ShardCacheSize(), "Bounded shard cache capacity (default 4)"},
		"RDRR_READ_BUFFER_BYTES": {"RDRR_READ_BUFFER_BYTES", ReadBufferBytes(), "Chunk size for span reads (default 131072)"},
		"RDRR_DEBUG_HASH": {"RDRR_DEBUG_HASH", DebugHashVerification(), "Log every shard hash check made by the integrity scan"},
	}
}

// Values returns every recognized tunable's current value as a string.
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
