// Package config holds the tunables the Coordinator and Session need:
// AWS session options, backoff limits and poll intervals. It is a small
// struct built either from defaults or from caller-supplied overrides,
// rather than a CLI flag parser — flag parsing belongs to
// cmd/streamcoord.
package config

import "time"

// SessionConfig configures the AWS session used to talk to DynamoDB Streams.
type SessionConfig struct {
	Region          string
	Endpoint        string
	Profile         string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	MaxRetries      int
}

// DefaultSessionConfig leaves every field empty except MaxRetries, which is
// 0 (no SDK-level retries, leaving retries to session.CallWithRetries).
// Nothing in this module applies a SessionConfig to an AWS session: callers
// build the *session.Session they pass in themselves.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxRetries: 0,
	}
}

// CoordinatorConfig tunes the Coordinator's retry and liveness behaviour.
type CoordinatorConfig struct {
	// MaxAttempts bounds the number of attempts CallWithRetries makes
	// before a retryable error becomes fatal.
	MaxAttempts int

	// BaseBackoff and MaxBackoff bound the exponential backoff curve:
	// delay = BaseBackoff * 2^attempts, capped at MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// CallsToReachHead bounds the empty-poll retry burst inside
	// Shard.Next for a freshly opened, open-ended iterator.
	CallsToReachHead int

	// HeartbeatIdleWindow documents (but does not enforce; the caller
	// drives Heartbeat) the provider's iterator idle timeout.
	HeartbeatIdleWindow time.Duration
}

// DefaultCoordinatorConfig returns the coordinator's out-of-the-box tuning.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		MaxAttempts:         5,
		BaseBackoff:         50 * time.Millisecond,
		MaxBackoff:          5 * time.Second,
		CallsToReachHead:    4,
		HeartbeatIdleWindow: 15 * time.Minute,
	}
}
