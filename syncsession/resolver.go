package syncsession

import (
	"encoding/json"

	"github.com/flatmates/flat-sync/domain"
)

// Resolution is the outcome of a conflict policy decision.
type Resolution int

const (
	// ResolutionServerWins discards the pending local edit in favor of
	// the authority's merged record
	ResolutionServerWins Resolution = iota
	// ResolutionKeepLocal leaves the local edit pending for the next
	// session
	ResolutionKeepLocal
)

// Resolver decides what to do with a concurrent edit the authority
// flagged. The session algorithm never embeds a policy itself, so a
// three-way merge can be substituted here without touching it.
type Resolver interface {
	Resolve(local domain.Record, server json.RawMessage) Resolution
}

// ServerWins is the shipped policy: the authority's merged record is
// authoritative, local pending edits are dropped.
func ServerWins() Resolver {
	return serverWins{}
}

type serverWins struct{}

func (serverWins) Resolve(local domain.Record, server json.RawMessage) Resolution {
	return ResolutionServerWins
}
