package circuitbreaker

import (
	"os"
	"strconv"
	"time"
)

// Settings per dependency kind, overridable from the environment with the
// CB_<KIND>_* variables.

// HTTPSettings covers LLM providers and retrieval APIs.
func HTTPSettings() Settings {
	return settingsFromEnv("HTTP", Settings{
		Probes:       5,
		Window:       30 * time.Second,
		Cooldown:     15 * time.Second,
		TripAfter:    3,
		RecoverAfter: 2,
	})
}

// RedisSettings covers the session mirror and caches.
func RedisSettings() Settings {
	return settingsFromEnv("REDIS", Settings{
		Probes:       5,
		Window:       30 * time.Second,
		Cooldown:     15 * time.Second,
		TripAfter:    3,
		RecoverAfter: 2,
	})
}

// DatabaseSettings covers the artifact store.
func DatabaseSettings() Settings {
	return settingsFromEnv("DB", Settings{
		Probes:       3,
		Window:       60 * time.Second,
		Cooldown:     30 * time.Second,
		TripAfter:    5,
		RecoverAfter: 2,
	})
}

func settingsFromEnv(kind string, s Settings) Settings {
	prefix := "CB_" + kind + "_"
	s.Probes = envUint32(prefix+"MAX_REQUESTS", s.Probes)
	s.Window = envDuration(prefix+"INTERVAL", s.Window)
	s.Cooldown = envDuration(prefix+"TIMEOUT", s.Cooldown)
	s.TripAfter = envUint32(prefix+"FAILURE_THRESHOLD", s.TripAfter)
	s.RecoverAfter = envUint32(prefix+"SUCCESS_THRESHOLD", s.RecoverAfter)
	return s
}

func envUint32(key string, def uint32) uint32 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			return uint32(n)
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
