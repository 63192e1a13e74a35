// Package coordinator implements the Stream Coordinator itself: it owns
// the forest of shards, the active set and the merge buffer, and
// implements Next, Heartbeat, MoveTo and Token.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/usedatabrew/stream-coordinator/internal/streamcoord/buffer"
	"github.com/usedatabrew/stream-coordinator/internal/streamcoord/config"
	"github.com/usedatabrew/stream-coordinator/internal/streamcoord/errs"
	"github.com/usedatabrew/stream-coordinator/internal/streamcoord/session"
	"github.com/usedatabrew/stream-coordinator/internal/streamcoord/shard"
	"github.com/usedatabrew/stream-coordinator/internal/streamcoord/token"
)

// Coordinator merges records from every currently active shard of one
// stream into a single time-ordered sequence.
//
// Coordinator is single-threaded cooperative: Next, Heartbeat, MoveTo and
// AdvanceShards must be called serially by one owner. It is not safe for
// concurrent use.
type Coordinator struct {
	StreamARN string

	// Roots holds the oldest shard in each shard tree (no parent).
	Roots []*shard.Shard

	// Active holds the shards currently being polled.
	Active []*shard.Shard

	buf  *buffer.RecordBuffer
	sess *session.Session
	cfg  config.CoordinatorConfig
	log  *logrus.Entry
}

// New builds an idle Coordinator for one stream. Call MoveTo before the
// first Next to establish a starting position.
func New(streamARN string, sess *session.Session, cfg config.CoordinatorConfig, log *logrus.Entry) *Coordinator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Coordinator{
		StreamARN: streamARN,
		buf:       buffer.New(),
		sess:      sess,
		cfg:       cfg,
		log:       log.WithField("stream_arn", streamARN),
	}
}

// Next returns the next record in time order across all active shards, or
// nil if none is available right now (not a terminal condition — callers
// should keep polling).
func (c *Coordinator) Next(ctx context.Context) (*session.Record, error) {
	if c.buf.Empty() {
		if err := c.AdvanceShards(ctx); err != nil {
			return nil, err
		}
	}
	rec, sh, ok := c.buf.Pop()
	if !ok {
		return nil, nil
	}
	// The record is now consumed: advance the shard's checkpoint so a
	// subsequent token captures exactly this position.
	seq := rec.SequenceNumber
	sh.SequenceNumber = &seq
	sh.IteratorType = session.IteratorAfterSequence
	return &rec, nil
}

type fetchResult struct {
	records []session.Record
	err     error
}

// AdvanceShards tries to refill the buffer by collecting records from
// every active shard, then promotes any shard found exhausted. It is a
// no-op whenever the buffer is non-empty.
//
// Per-shard fetches run concurrently (one goroutine per active shard) but
// the gathered results are applied to buf/Active/Roots from this single
// goroutine only, preserving insertion order for ties and ensuring the
// buffer is fully drained before any shard is repolled.
func (c *Coordinator) AdvanceShards(ctx context.Context) error {
	if !c.buf.Empty() {
		return nil
	}

	active := c.Active
	results := make([]fetchResult, len(active))
	var wg sync.WaitGroup
	for i, sh := range active {
		wg.Add(1)
		go func(i int, sh *shard.Shard) {
			defer wg.Done()
			records, err := sh.Next(ctx)
			results[i] = fetchResult{records: records, err: err}
		}(i, sh)
	}
	wg.Wait()

	for _, r := range results {
		if r.err != nil {
			return r.err
		}
	}
	for i, sh := range active {
		if len(results[i].records) > 0 {
			c.buf.PushAll(results[i].records, sh)
		}
	}

	return c.handleExhausted(ctx)
}

// Heartbeat keeps active shards whose iterator was acquired at
// trim_horizon/latest alive by polling them once. Such an iterator
// expires after the provider's idle window (~15 minutes); polling it
// converts it to after_sequence, which is stable.
func (c *Coordinator) Heartbeat(ctx context.Context) error {
	for _, sh := range c.Active {
		if sh.SequenceNumber != nil {
			continue
		}
		records, err := sh.Next(ctx)
		if err != nil {
			return err
		}
		if len(records) > 0 {
			c.buf.PushAll(records, sh)
		}
	}
	return c.handleExhausted(ctx)
}

// handleExhausted promotes every currently-active shard whose exhausted
// flag is set: it loads children (if not already loaded), removes the
// shard (promoting its children into Roots/Active as appropriate), then
// jumps each newly-promoted child to trim_horizon. A newly split shard's
// history begins exactly at its parent's final sequence, so trim_horizon
// is exactly the record after the parent's last.
func (c *Coordinator) handleExhausted(ctx context.Context) error {
	// Snapshot first: Active must not be mutated while iterating it.
	var toRemove []*shard.Shard
	for _, sh := range c.Active {
		if sh.Exhausted() {
			toRemove = append(toRemove, sh)
		}
	}
	for _, sh := range toRemove {
		if err := sh.LoadChildren(ctx); err != nil {
			return err
		}
		c.RemoveShard(sh)
		for _, child := range sh.Children {
			if err := child.JumpTo(ctx, session.IteratorTrimHorizon, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// RemoveShard drops shard s from whichever of Roots/Active it belongs to,
// promoting its children into the same role(s) s held (a root's children
// become roots, an active shard's children become active; a shard that
// was both promotes into both). Any buffered entry whose origin is s is
// purged.
func (c *Coordinator) RemoveShard(s *shard.Shard) {
	if idx := indexOf(c.Roots, s); idx >= 0 {
		c.Roots = append(c.Roots[:idx], c.Roots[idx+1:]...)
		c.Roots = append(c.Roots, s.Children...)
	}
	if idx := indexOf(c.Active, s); idx >= 0 {
		c.Active = append(c.Active[:idx], c.Active[idx+1:]...)
		c.Active = append(c.Active, s.Children...)
	}
	c.buf.PurgeShard(s)
}

func indexOf(shards []*shard.Shard, target *shard.Shard) int {
	for i, s := range shards {
		if s == target {
			return i
		}
	}
	return -1
}

// Token builds the coordinator's opaque checkpoint: the active shard ids,
// plus a snapshot for every shard reachable from Roots.
func (c *Coordinator) Token() token.Token {
	var shardTokens []token.ShardSnapshot
	for _, root := range c.Roots {
		for _, sh := range root.WalkTree() {
			shardTokens = append(shardTokens, sh.Token())
		}
	}
	activeIDs := make([]string, 0, len(c.Active))
	for _, sh := range c.Active {
		activeIDs = append(activeIDs, sh.ID)
	}
	return token.Token{
		StreamARN: c.StreamARN,
		Active:    activeIDs,
		Shards:    shardTokens,
	}
}

// MoveTo dispatches on the shape of position.
func (c *Coordinator) MoveTo(ctx context.Context, position Position) error {
	switch position.kind {
	case positionEndpoint:
		if position.endpoint != "latest" && position.endpoint != "trim_horizon" {
			return errs.ErrInvalidPosition
		}
		return c.moveEndpoint(ctx, position.endpoint)
	case positionAtTime:
		return c.moveAtTime(ctx, position.at)
	case positionFromToken:
		return c.moveFromToken(ctx, position.tok)
	default:
		return errs.ErrInvalidPosition
	}
}

// moveEndpoint moves to the trim_horizon or latest of the entire stream.
// Everything is rebuilt from DescribeStream.
func (c *Coordinator) moveEndpoint(ctx context.Context, endpoint string) error {
	c.Roots = nil
	c.Active = nil
	c.buf.Clear()

	desc, err := c.sess.DescribeStream(ctx, c.StreamARN, nil)
	if err != nil {
		return err
	}
	u := unpackDescriptors(c.StreamARN, desc.Shards, c.sess, c.cfg, c.log)
	c.Roots = u.roots()

	if endpoint == "trim_horizon" {
		for _, sh := range c.Roots {
			if err := sh.JumpTo(ctx, session.IteratorTrimHorizon, nil); err != nil {
				return err
			}
		}
		c.Active = append(c.Active, c.Roots...)
		return nil
	}

	// latest: every shard without children (the leaves of the current
	// topology) is where "now" begins. A root with no children yet is
	// preserved as-is even though it means records created between this
	// call and the first poll become visible.
	for _, root := range c.Roots {
		for _, sh := range root.WalkTree() {
			if len(sh.Children) == 0 {
				if err := sh.JumpTo(ctx, session.IteratorLatest, nil); err != nil {
					return err
				}
				c.Active = append(c.Active, sh)
			}
		}
	}
	return nil
}

// moveAtTime scans the entire stream, starting from trim_horizon, for the
// first record at or after t. This is an explicitly naive linear scan —
// shard lifetimes bound its depth in practice.
func (c *Coordinator) moveAtTime(ctx context.Context, t time.Time) error {
	if t.After(time.Now()) {
		return c.moveEndpoint(ctx, "latest")
	}

	if err := c.moveEndpoint(ctx, "trim_horizon"); err != nil {
		return err
	}

	queue := append([]*shard.Shard{}, c.Roots...)
	for len(queue) > 0 {
		sh := queue[0]
		queue = queue[1:]

		records, err := sh.SeekTo(ctx, t)
		if err != nil {
			return err
		}
		if len(records) > 0 {
			c.buf.PushAll(records, sh)
			continue
		}
		if sh.Exhausted() {
			c.RemoveShard(sh)
			for _, child := range sh.Children {
				if err := child.JumpTo(ctx, session.IteratorTrimHorizon, nil); err != nil {
					return err
				}
			}
			queue = append(queue, sh.Children...)
		}
	}
	return nil
}

// moveFromToken restores the forest described by tok and reconciles it
// against the live topology: walking down from the roots, a token shard
// absent from the live stream is pruned and its children are checked in
// turn (they may still be live); the walk stops at the first live shard of
// each branch, so descendants of a live shard are not checked. Every
// restored active shard then gets a fresh iterator at its recorded
// position. ErrInvalidStream is raised if pruning removes every root.
func (c *Coordinator) moveFromToken(ctx context.Context, tok token.Token) error {
	c.StreamARN = tok.StreamARN
	c.Roots = nil
	c.Active = nil
	c.buf.Clear()

	u := unpackSnapshots(c.StreamARN, tok.Shards, c.sess, c.cfg, c.log)
	c.Roots = u.roots()
	for _, id := range tok.Active {
		if sh, ok := u.byID[id]; ok {
			c.Active = append(c.Active, sh)
		}
	}

	live, err := c.sess.DescribeStream(ctx, c.StreamARN, nil)
	if err != nil {
		return err
	}
	liveIDs := make(map[string]bool, len(live.Shards))
	for _, d := range live.Shards {
		liveIDs[d.ShardID] = true
	}

	unverified := append([]*shard.Shard{}, c.Roots...)
	for len(unverified) > 0 {
		sh := unverified[0]
		unverified = unverified[1:]
		if liveIDs[sh.ID] {
			continue
		}
		c.log.WithField("shard_id", sh.ID).Warn("token shard not present in live stream, pruning")
		c.RemoveShard(sh)
		unverified = append(unverified, sh.Children...)
	}

	if len(c.Roots) == 0 {
		return errs.ErrInvalidStream
	}

	for _, sh := range c.Active {
		iterType := sh.IteratorType
		if iterType == session.IteratorNone {
			// Descendant of an unknown shard: no recorded position.
			iterType = session.IteratorTrimHorizon
		}
		err := sh.JumpTo(ctx, iterType, sh.SequenceNumber)
		if err == nil {
			continue
		}
		if errors.Is(err, errs.ErrRecordsExpired) {
			c.log.WithField("shard_id", sh.ID).Warn("token sequence number past trim horizon, moving to trim_horizon instead")
			if err := sh.JumpTo(ctx, session.IteratorTrimHorizon, nil); err != nil {
				return err
			}
			continue
		}
		return err
	}
	return nil
}
