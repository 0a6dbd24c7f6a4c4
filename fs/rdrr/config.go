package rdrr

// Config is the parsed "config" object of a manifest. Architecture config
// is frequently nested: a multimodal manifest's text submodel config may
// live under the "text_config" key (§6). Getters here fall back to that
// nested map when a key is absent at the top level, the way the teacher's
// KV generic getters (fs/ggml/ggml_kv.go) fall back to an architecture
// prefix before giving up.
type Config map[string]any

func (c Config) textConfig() Config {
	if c == nil {
		return nil
	}
	if v, ok := c["text_config"]; ok {
		if m, ok := v.(map[string]any); ok {
			return Config(m)
		}
		if m, ok := v.(Config); ok {
			return m
		}
	}
	return nil
}

func lookup[T any](c Config, key string) (T, bool) {
	if c == nil {
		var zero T
		return zero, false
	}
	if v, ok := c[key]; ok {
		if t, ok := v.(T); ok {
			return t, true
		}
	}
	if tc := c.textConfig(); tc != nil {
		return lookup[T](tc, key)
	}
	var zero T
	return zero, false
}

// String returns a string config value, or defaultValue if absent.
func (c Config) String(key string, defaultValue string) string {
	if v, ok := lookup[string](c, key); ok {
		return v
	}
	return defaultValue
}

// Uint returns a config value coerced to uint64, or defaultValue if absent.
// JSON numbers decode as float64, so numeric fields are looked up that way
// and truncated.
func (c Config) Uint(key string, defaultValue uint64) uint64 {
	if v, ok := lookup[float64](c, key); ok {
		return uint64(v)
	}
	return defaultValue
}

// Float returns a config value as float64, or defaultValue if absent.
func (c Config) Float(key string, defaultValue float64) float64 {
	if v, ok := lookup[float64](c, key); ok {
		return v
	}
	return defaultValue
}

// Bool returns a config value as bool, or defaultValue if absent.
func (c Config) Bool(key string, defaultValue bool) bool {
	if v, ok := lookup[bool](c, key); ok {
		return v
	}
	return defaultValue
}

// FirstUint tries each key in order and returns the first present value,
// the way WeightSetBuilder resolves num_layers from "the first present
// config field among several known names" (§4.8.2).
func (c Config) FirstUint(defaultValue uint64, keys ...string) uint64 {
	for _, key := range keys {
		if v, ok := lookup[float64](c, key); ok {
			return uint64(v)
		}
	}
	return defaultValue
}
