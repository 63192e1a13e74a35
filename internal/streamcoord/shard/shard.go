// Package shard implements the per-shard iteration state machine: iterator
// lifecycle, lazy child discovery, exhaustion detection, and the
// empty-poll retry burst that lets a freshly opened open-ended iterator
// find the stream head.
package shard

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/usedatabrew/stream-coordinator/internal/streamcoord/config"
	"github.com/usedatabrew/stream-coordinator/internal/streamcoord/errs"
	"github.com/usedatabrew/stream-coordinator/internal/streamcoord/session"
	"github.com/usedatabrew/stream-coordinator/internal/streamcoord/token"
)

// Shard is a single node in a stream's forest. It is owned exclusively by
// the Coordinator that created it; nothing else mutates its fields.
type Shard struct {
	StreamARN string
	ID        string

	Parent   *Shard
	Children []*Shard

	IteratorType   session.IteratorType
	SequenceNumber *string
	iteratorID     string

	emptyResponses int
	seenRecords    bool
	exhausted      bool

	sess *session.Session
	cfg  config.CoordinatorConfig
	log  *logrus.Entry
}

// New constructs a Shard with no iterator yet acquired (IteratorType is
// IteratorNone until JumpTo is called).
func New(streamARN, id string, parent *Shard, sess *session.Session, cfg config.CoordinatorConfig, log *logrus.Entry) *Shard {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Shard{
		StreamARN: streamARN,
		ID:        id,
		Parent:    parent,
		sess:      sess,
		cfg:       cfg,
		log:       log.WithField("shard_id", id),
	}
}

// Exhausted reports whether this shard is closed and fully drained: its
// iterator has hit the CLOSED sentinel with no further records pending.
func (s *Shard) Exhausted() bool {
	return s.exhausted
}

// isOpenEnded reports whether the shard's current iterator type is one
// that may require several empty polls before reaching the stream head
// (latest, or after_sequence before any record has been seen yet since the
// last JumpTo).
func (s *Shard) isOpenEnded() bool {
	return s.IteratorType == session.IteratorLatest ||
		(s.IteratorType == session.IteratorAfterSequence && !s.seenRecords)
}

// JumpTo discards the current iterator and acquires a new one at the given
// position. May return errs.ErrRecordsExpired if sequenceNumber is past
// the shard's trim horizon; the caller decides the recovery policy (the
// Coordinator retries at trim_horizon).
func (s *Shard) JumpTo(ctx context.Context, iterType session.IteratorType, sequenceNumber *string) error {
	iterID, err := s.sess.GetShardIterator(ctx, s.StreamARN, s.ID, iterType, sequenceNumber)
	if err != nil {
		return err
	}
	s.IteratorType = iterType
	s.SequenceNumber = sequenceNumber
	s.iteratorID = iterID
	s.emptyResponses = 0
	s.seenRecords = false
	s.exhausted = false
	return nil
}

// Next fetches one page of records from the shard's current iterator. A
// freshly opened open-ended iterator may land behind the stream head, so
// Next retries in place through a bounded burst of empty polls rather
// than returning an empty page to the caller on every call.
func (s *Shard) Next(ctx context.Context) ([]session.Record, error) {
	var all []session.Record
	for {
		if s.iteratorID == "" {
			return all, nil
		}
		if s.iteratorID == session.IteratorClosed {
			// The final page was returned by an earlier call: nothing is left.
			s.exhausted = true
			return all, nil
		}
		records, next, err := s.sess.GetRecords(ctx, s.iteratorID)
		if err != nil {
			return all, s.recoverIteratorError(ctx, err)
		}
		all = append(all, records...)

		if next == nil {
			// NextShardIterator absent: the shard is closed. An empty page
			// means it is also drained; otherwise the next call finds the
			// CLOSED sentinel and marks it exhausted.
			s.iteratorID = session.IteratorClosed
			if len(records) == 0 {
				s.exhausted = true
			}
			return all, nil
		}
		s.iteratorID = *next

		if len(records) > 0 {
			s.emptyResponses = 0
			s.seenRecords = true
			return all, nil
		}

		s.emptyResponses++
		if s.emptyResponses >= s.callsToReachHead() || !s.isOpenEnded() {
			return all, nil
		}
		// Still open-ended and under the burst limit: poll again
		// immediately without returning to the caller.
	}
}

func (s *Shard) callsToReachHead() int {
	if s.cfg.CallsToReachHead > 0 {
		return s.cfg.CallsToReachHead
	}
	return 4
}

// recoverIteratorError handles the one iterator-related exception Next is
// responsible for recovering locally: an aged-out open iterator is
// re-acquired at the shard's current (iterator_type, sequence_number).
// RecordsExpired is not recoverable here because Next has no fallback
// position to retreat to; it propagates for the Coordinator's move_to
// policy to handle.
func (s *Shard) recoverIteratorError(ctx context.Context, err error) error {
	if !isShardIteratorExpired(err) {
		return err
	}
	s.log.Debug("shard iterator expired mid-poll, re-acquiring")
	iterID, jerr := s.sess.GetShardIterator(ctx, s.StreamARN, s.ID, s.IteratorType, s.SequenceNumber)
	if jerr != nil {
		return jerr
	}
	s.iteratorID = iterID
	return nil
}

func isShardIteratorExpired(err error) bool {
	return err == errs.ErrShardIteratorExpired
}

// SeekTo starts from the shard's current position and advances page by
// page, discarding records whose approximate creation time predates t,
// until it finds a page containing a record at or after t, or the shard
// exhausts. This is a deliberately naive linear scan: DynamoDB Streams has
// no server-side seek-by-time operation.
func (s *Shard) SeekTo(ctx context.Context, t time.Time) ([]session.Record, error) {
	for {
		records, err := s.Next(ctx)
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			if s.exhausted {
				return nil, nil
			}
			continue
		}
		for i, r := range records {
			if !r.ApproximateCreationDateTime.Before(t) {
				return records[i:], nil
			}
		}
		if s.exhausted {
			return nil, nil
		}
	}
}

// LoadChildren is a no-op if children are already populated, whether they
// were set here or wired up-front by the forest that constructed this
// shard. Otherwise it asks the live topology for shards whose
// ParentShardId is this shard's ID. The remote may return zero children
// (this shard is currently a leaf of the topology).
func (s *Shard) LoadChildren(ctx context.Context) error {
	if len(s.Children) > 0 {
		return nil
	}
	desc, err := s.sess.DescribeStream(ctx, s.StreamARN, &s.ID)
	if err != nil {
		return err
	}
	for _, d := range desc.Shards {
		if d.ParentShardID != s.ID {
			continue
		}
		child := New(s.StreamARN, d.ShardID, s, s.sess, s.cfg, s.log)
		s.Children = append(s.Children, child)
	}
	return nil
}

// WalkTree yields this shard and all descendants in preorder.
func (s *Shard) WalkTree() []*Shard {
	out := []*Shard{s}
	for _, c := range s.Children {
		out = append(out, c.WalkTree()...)
	}
	return out
}

// Token returns this shard's checkpoint snapshot: everything needed to
// restore it except the stream_arn, which the token stores once at the
// top level.
func (s *Shard) Token() token.ShardSnapshot {
	snap := token.ShardSnapshot{
		ShardID:        s.ID,
		IteratorType:   string(s.IteratorType),
		SequenceNumber: s.SequenceNumber,
	}
	if s.Parent != nil {
		id := s.Parent.ID
		snap.ParentID = &id
	}
	return snap
}
