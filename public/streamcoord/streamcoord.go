// Package streamcoord is the public surface of the Stream Coordinator: a
// thin facade over internal/streamcoord, a small importable package sitting
// in front of internal implementation detail. Callers outside this module
// should depend on this package, not on internal/streamcoord directly.
package streamcoord

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/sirupsen/logrus"

	"github.com/usedatabrew/stream-coordinator/internal/streamcoord/config"
	"github.com/usedatabrew/stream-coordinator/internal/streamcoord/coordinator"
	internalsession "github.com/usedatabrew/stream-coordinator/internal/streamcoord/session"
	"github.com/usedatabrew/stream-coordinator/internal/streamcoord/token"
)

// Config bundles the session and coordinator tunables. New reads only
// Coordinator; Session is not applied, since the caller supplies the AWS
// session itself.
type Config struct {
	Session     config.SessionConfig
	Coordinator config.CoordinatorConfig
}

// DefaultConfig returns the Coordinator's documented defaults.
func DefaultConfig() Config {
	return Config{
		Session:     config.DefaultSessionConfig(),
		Coordinator: config.DefaultCoordinatorConfig(),
	}
}

// Record is a single ordered change record (re-exported so callers never
// need to import internal/streamcoord/session).
type Record = internalsession.Record

// Token is the opaque, serializable checkpoint returned by Coordinator.Token.
type Token = token.Token

// Position is the seek target accepted by Coordinator.MoveTo.
type Position = coordinator.Position

// Latest seeks every leaf shard of the stream to its latest position.
func Latest() Position { return coordinator.Latest() }

// TrimHorizon seeks every root shard of the stream to its trim horizon.
func TrimHorizon() Position { return coordinator.TrimHorizon() }

// AtTime seeks to the first record at or after t.
func AtTime(t time.Time) Position { return coordinator.AtTime(t) }

// FromToken restores a previously captured checkpoint.
func FromToken(t Token) Position { return coordinator.FromToken(t) }

// ParseEndpoint accepts the case-insensitive strings "latest" and
// "trim_horizon" as an external configuration surface (e.g. a CLI flag or
// YAML value), returning false if s isn't one of the two.
func ParseEndpoint(s string) (Position, bool) { return coordinator.ParseEndpoint(s) }

// EncodeToken serializes a Token into the opaque byte string callers persist.
func EncodeToken(t Token) ([]byte, error) { return token.Encode(t) }

// DecodeToken restores a Token from bytes previously produced by EncodeToken.
func DecodeToken(data []byte) (Token, error) { return token.Decode(data) }

// Coordinator merges records from every active shard of one DynamoDB
// Streams stream into a single time-ordered sequence. It wraps
// internal/streamcoord/coordinator.Coordinator, bound to a live AWS session.
type Coordinator struct {
	inner *coordinator.Coordinator
}

// New builds a Coordinator for streamARN using awsSess to talk to DynamoDB
// Streams. Call MoveTo before the first Next to establish a starting
// position.
func New(awsSess *session.Session, streamARN string, cfg Config, log *logrus.Entry) *Coordinator {
	sess := internalsession.New(awsSess, cfg.Coordinator, log)
	return &Coordinator{inner: coordinator.New(streamARN, sess, cfg.Coordinator, log)}
}

// MoveTo repositions the Coordinator to the given Position, discarding any
// buffered records from its previous position.
func (c *Coordinator) MoveTo(ctx context.Context, position Position) error {
	return c.inner.MoveTo(ctx, position)
}

// Next returns the next record in time order, or nil if none is available
// right now.
func (c *Coordinator) Next(ctx context.Context) (*Record, error) {
	return c.inner.Next(ctx)
}

// Heartbeat keeps idle open iterators from expiring.
func (c *Coordinator) Heartbeat(ctx context.Context) error {
	return c.inner.Heartbeat(ctx)
}

// Token captures the Coordinator's current position as an opaque,
// restorable checkpoint.
func (c *Coordinator) Token() Token {
	return c.inner.Token()
}

// StreamARN reports the stream this Coordinator is bound to.
func (c *Coordinator) StreamARN() string {
	return c.inner.StreamARN
}

// ActiveShardCount reports how many shards are currently being polled, for
// metrics/diagnostics.
func (c *Coordinator) ActiveShardCount() int {
	return len(c.inner.Active)
}
