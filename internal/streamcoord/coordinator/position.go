package coordinator

import (
	"strings"
	"time"

	"github.com/usedatabrew/stream-coordinator/internal/streamcoord/token"
)

type positionKind int

const (
	positionEndpoint positionKind = iota
	positionAtTime
	positionFromToken
)

// Position is MoveTo's argument: a tagged variant with an explicit
// constructor per shape, parsed once at the boundary instead of
// type-switched on every use.
type Position struct {
	kind     positionKind
	endpoint string
	at       time.Time
	tok      token.Token
}

// Latest seeks every leaf shard of the stream to its latest position.
func Latest() Position { return Position{kind: positionEndpoint, endpoint: "latest"} }

// TrimHorizon seeks every root shard of the stream to its trim horizon.
func TrimHorizon() Position { return Position{kind: positionEndpoint, endpoint: "trim_horizon"} }

// AtTime seeks to the first record at or after t.
func AtTime(t time.Time) Position { return Position{kind: positionAtTime, at: t} }

// FromToken restores a previously captured checkpoint.
func FromToken(t token.Token) Position { return Position{kind: positionFromToken, tok: t} }

// ParseEndpoint accepts the case-insensitive strings "trim_horizon" and
// "latest", the two recognised stream endpoints exposed to configuration,
// returning false if s matches neither.
func ParseEndpoint(s string) (Position, bool) {
	switch strings.ToLower(s) {
	case "latest":
		return Latest(), true
	case "trim_horizon":
		return TrimHorizon(), true
	default:
		return Position{}, false
	}
}
