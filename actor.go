// Package replica replicates object creation and attribute state between one
// coordinating peer and many participant peers over TCP.
//
// Every peer, including the process itself, is reached through a Connection.
// The local peer is an in-process loopback connection that always lives at
// ConnectionID 0, so "send to everyone" and "send to myself" take the same path.
package replica

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// ActorID identifies one peer for the lifetime of a session.
type ActorID uint64

func (id ActorID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// TypeTag is a stable 128-bit tag. Tags are derived from names so every
// process computes the same value without coordination.
type TypeTag uuid.UUID

// NewTypeTag derives the tag for name.
func NewTypeTag(name string) TypeTag {
	return TypeTag(uuid.NewSHA1(tagNamespace, []byte(name)))
}

func (t TypeTag) String() string {
	return uuid.UUID(t).String()
}

var tagNamespace = uuid.MustParse("6f0c2a5e-3b1d-4c7a-9e58-2d4b7f1a0c93")

// ActorType distinguishes peer roles. All peers of one role share a type.
type ActorType TypeTag

func (t ActorType) String() string {
	return TypeTag(t).String()
}

var (
	// CoordinatorType is the role of the peer that accepts connections.
	CoordinatorType = ActorType(NewTypeTag("replica.coordinator"))
	// ParticipantType is the role of peers that dial the coordinator.
	ParticipantType = ActorType(NewTypeTag("replica.participant"))
)

// Actor is the addressable identity of one peer. Two actors are the same
// peer iff their IDs match.
type Actor struct {
	ID   ActorID
	Type ActorType
}

func NewActor(id ActorID, ty ActorType) Actor {
	return Actor{ID: id, Type: ty}
}

// TargetedBy reports whether target selects a.
func (a Actor) TargetedBy(target NetworkTarget) bool {
	switch target.kind {
	case targetAll:
		return true
	case targetActorID:
		return a.ID == target.id
	case targetActorType:
		return a.Type == target.ty
	default:
		return false
	}
}

func (a Actor) String() string {
	return fmt.Sprintf("actor(%d, %s)", a.ID, a.Type)
}

type targetKind uint8

const (
	targetAll targetKind = iota
	targetActorID
	targetActorType
)

// NetworkTarget is a predicate over known actors. It is evaluated against the
// live connection table at the moment it is resolved, never snapshotted.
// The zero value targets all actors.
type NetworkTarget struct {
	kind targetKind
	id   ActorID
	ty   ActorType
}

func TargetAll() NetworkTarget {
	return NetworkTarget{kind: targetAll}
}

func TargetActorID(id ActorID) NetworkTarget {
	return NetworkTarget{kind: targetActorID, id: id}
}

func TargetActorType(ty ActorType) NetworkTarget {
	return NetworkTarget{kind: targetActorType, ty: ty}
}

func (t NetworkTarget) String() string {
	switch t.kind {
	case targetActorID:
		return "id:" + t.id.String()
	case targetActorType:
		return "type:" + t.ty.String()
	default:
		return "all"
	}
}
