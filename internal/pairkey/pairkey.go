// Package pairkey derives the canonical, order-independent identity of a
// two-party conversation.
//
// Both the database record and the realtime channel are addressed by the
// sorted participant pair, so A messaging B and B messaging A always land
// on the same conversation and the same channel. This is the central
// invariant of the chat subsystem; every lookup and every channel attach
// goes through this package.
package pairkey

import (
	"fmt"
	"strings"

	"github.com/lalith-99/nestchat/internal/apperr"
)

// Pair is a canonically ordered participant pair. A < B always holds.
type Pair struct {
	A string
	B string
}

// New validates and canonically orders two participant identifiers.
// Empty identifiers and self-pairs are rejected: there is no such thing
// as a conversation with yourself.
func New(first, second string) (Pair, error) {
	first = strings.TrimSpace(first)
	second = strings.TrimSpace(second)
	if first == "" || second == "" {
		return Pair{}, apperr.InvalidArg("participant identifier is required")
	}
	if first == second {
		return Pair{}, apperr.InvalidArg("cannot open a conversation with yourself")
	}
	if first > second {
		first, second = second, first
	}
	return Pair{A: first, B: second}, nil
}

// Key is the storage key for the pair, used as the unique constraint on
// the conversations table.
func (p Pair) Key() string {
	return p.A + ":" + p.B
}

// ChannelName is the realtime channel both participants attach to.
// Format: chat-{min}-{max}.
func (p Pair) ChannelName() string {
	return fmt.Sprintf("chat-%s-%s", p.A, p.B)
}

// Contains reports whether id is one of the pair's participants.
func (p Pair) Contains(id string) bool {
	return id == p.A || id == p.B
}
