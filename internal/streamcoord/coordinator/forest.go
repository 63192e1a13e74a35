package coordinator

import (
	"github.com/sirupsen/logrus"

	"github.com/usedatabrew/stream-coordinator/internal/streamcoord/config"
	"github.com/usedatabrew/stream-coordinator/internal/streamcoord/session"
	"github.com/usedatabrew/stream-coordinator/internal/streamcoord/shard"
	"github.com/usedatabrew/stream-coordinator/internal/streamcoord/token"
)

// unpacked is a flat shard table plus the order its entries were declared
// in, so callers can compute roots/ordering deterministically instead of
// ranging over the map (Go map iteration order is randomized).
type unpacked struct {
	byID  map[string]*shard.Shard
	order []string
}

func (u unpacked) roots() []*shard.Shard {
	var rs []*shard.Shard
	for _, id := range u.order {
		s := u.byID[id]
		if s.Parent == nil {
			rs = append(rs, s)
		}
	}
	return rs
}

// unpackDescriptors builds a flat table of live shard.Shard nodes from a
// DescribeStream reply, wiring parent/child links the way the Python
// original's unpack_shards does for a dict keyed by shard id.
func unpackDescriptors(streamARN string, descs []session.ShardDescriptor, sess *session.Session, cfg config.CoordinatorConfig, log *logrus.Entry) unpacked {
	u := unpacked{byID: make(map[string]*shard.Shard, len(descs))}
	for _, d := range descs {
		u.byID[d.ShardID] = shard.New(streamARN, d.ShardID, nil, sess, cfg, log)
		u.order = append(u.order, d.ShardID)
	}
	for _, d := range descs {
		if d.ParentShardID == "" {
			continue
		}
		if parent, ok := u.byID[d.ParentShardID]; ok {
			child := u.byID[d.ShardID]
			child.Parent = parent
			parent.Children = append(parent.Children, child)
		}
	}
	return u
}

// unpackSnapshots rebuilds a flat shard table from a restored token's shard
// snapshots, the token-restore half of unpack_shards.
func unpackSnapshots(streamARN string, snaps []token.ShardSnapshot, sess *session.Session, cfg config.CoordinatorConfig, log *logrus.Entry) unpacked {
	u := unpacked{byID: make(map[string]*shard.Shard, len(snaps))}
	for _, sn := range snaps {
		u.byID[sn.ShardID] = shard.New(streamARN, sn.ShardID, nil, sess, cfg, log)
		u.order = append(u.order, sn.ShardID)
	}
	for _, sn := range snaps {
		s := u.byID[sn.ShardID]
		s.IteratorType = session.IteratorType(sn.IteratorType)
		s.SequenceNumber = sn.SequenceNumber
		if sn.ParentID != nil {
			if parent, ok := u.byID[*sn.ParentID]; ok {
				s.Parent = parent
				parent.Children = append(parent.Children, s)
			}
		}
	}
	return u
}
