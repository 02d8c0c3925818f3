package circuitbreaker

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Collaborator names used for breaker configuration, metrics labels and logs
const (
	LLM        = "llm"
	VectorDB   = "vectordb"
	Embeddings = "embeddings"
	Memory     = "memory"
	Redis      = "redis"
)

var defaults = map[string]Config{
	LLM:        {MaxRequests: 2, Interval: 60 * time.Second, Timeout: 30 * time.Second, FailureThreshold: 3, SuccessThreshold: 1},
	VectorDB:   {MaxRequests: 5, Interval: 30 * time.Second, Timeout: 15 * time.Second, FailureThreshold: 3, SuccessThreshold: 2},
	Embeddings: {MaxRequests: 5, Interval: 30 * time.Second, Timeout: 15 * time.Second, FailureThreshold: 3, SuccessThreshold: 2},
	Memory:     {MaxRequests: 3, Interval: 60 * time.Second, Timeout: 30 * time.Second, FailureThreshold: 5, SuccessThreshold: 2},
	Redis:      {MaxRequests: 5, Interval: 30 * time.Second, Timeout: 15 * time.Second, FailureThreshold: 3, SuccessThreshold: 2},
}

// ConfigFor returns the breaker configuration for a collaborator, with
// CB_<NAME>_* environment overrides (e.g. CB_LLM_FAILURE_THRESHOLD=5).
func ConfigFor(collaborator string) Config {
	base, ok := defaults[collaborator]
	if !ok {
		base = DefaultConfig()
	}
	prefix := "CB_" + strings.ToUpper(collaborator) + "_"
	base.MaxRequests = getEnvUint32(prefix+"MAX_REQUESTS", base.MaxRequests)
	base.Interval = getEnvDuration(prefix+"INTERVAL", base.Interval)
	base.Timeout = getEnvDuration(prefix+"TIMEOUT", base.Timeout)
	base.FailureThreshold = getEnvUint32(prefix+"FAILURE_THRESHOLD", base.FailureThreshold)
	base.SuccessThreshold = getEnvUint32(prefix+"SUCCESS_THRESHOLD", base.SuccessThreshold)
	return base
}

func getEnvUint32(key string, def uint32) uint32 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return def
}
