package config

import "strings"

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and
// environment variables to fill in any missing values with sensible
// defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Backend-specific defaults are handled by backend implementations
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)

	// With no backends configured, a single in-memory default keeps the
	// registry usable for throwaway databases.
	if len(cfg.Backends) == 0 {
		cfg.Backends = []BackendConfig{{Type: "memory"}}
	}

	applyBackendDefaults(cfg.Backends)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)
}

// applyBackendDefaults fills each backend's name and section map.
func applyBackendDefaults(backends []BackendConfig) {
	for i := range backends {
		b := &backends[i]
		if b.Name == "" {
			b.Name = b.Type
		}
		if b.SAHPool == nil {
			b.SAHPool = make(map[string]any)
		}
		if b.BlockMirror == nil {
			b.BlockMirror = make(map[string]any)
		}
	}
}
