// Package token implements the Coordinator's checkpoint codec: a mapping
// of stream_arn, the active shard ids, and a per-shard snapshot for every
// shard reachable from the forest's roots. The wire format is JSON because
// the token is a machine-to-machine checkpoint, not a human-edited config
// document.
package token

import "encoding/json"

// ShardSnapshot is one shard's restorable state. StreamARN is deliberately
// absent here — it lives once at the top of Token, not repeated per shard.
type ShardSnapshot struct {
	ShardID        string  `json:"shard_id"`
	ParentID       *string `json:"parent_id,omitempty"`
	IteratorType   string  `json:"iterator_type"`
	SequenceNumber *string `json:"sequence_number,omitempty"`
}

// Token is the coordinator's full opaque checkpoint.
type Token struct {
	StreamARN string          `json:"stream_arn"`
	Active    []string        `json:"active"`
	Shards    []ShardSnapshot `json:"shards"`
}

// Encode serializes a Token into the opaque byte string callers persist.
func Encode(t Token) ([]byte, error) {
	return json.Marshal(t)
}

// Decode restores a Token from bytes previously produced by Encode.
func Decode(data []byte) (Token, error) {
	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return Token{}, err
	}
	return t, nil
}
