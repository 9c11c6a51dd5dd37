package writeback

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffPolicy parameterizes exponential retry.
type BackoffPolicy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultBackoff waits 1s, 2s, 4s between up to three attempts.
var DefaultBackoff = BackoffPolicy{BaseMs: 1000, MaxMs: 4000, MaxAttempts: 3}

// BackoffParams seed the deterministic jitter.
type BackoffParams struct {
	Key          string
	AttemptIndex int
}

// ComputeBackoff returns the delay after a failed attempt (0-based):
// base * 2^attempt, capped at MaxMs, plus deterministic jitter.
func ComputeBackoff(params BackoffParams, policy BackoffPolicy) time.Duration {
	factor := int64(1)
	if params.AttemptIndex > 0 {
		if params.AttemptIndex > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << params.AttemptIndex
		}
	}

	delay := policy.BaseMs * factor
	if policy.MaxMs > 0 && delay > policy.MaxMs {
		delay = policy.MaxMs
	}
	return time.Duration(delay+deterministicJitter(params, policy)) * time.Millisecond
}

// Schedule lists the delay after each attempt, including the last.
func Schedule(key string, policy BackoffPolicy) []time.Duration {
	out := make([]time.Duration, policy.MaxAttempts)
	for i := range out {
		out[i] = ComputeBackoff(BackoffParams{Key: key, AttemptIndex: i}, policy)
	}
	return out
}

func deterministicJitter(params BackoffParams, policy BackoffPolicy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", params.Key, params.AttemptIndex)))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive
}
