package replica

import "errors"

var (
	// ErrTransport wraps socket failures other than would-block.
	ErrTransport = errors.New("replica: transport failure")
	// ErrSerialization marks a frame or handshake body that could not be
	// decoded. The stream's framing can no longer be trusted afterwards.
	ErrSerialization = errors.New("replica: malformed frame")

	ErrDuplicateNetworkEntity = errors.New("replica: duplicate network entity")
	ErrUnknownNetworkEntity   = errors.New("replica: unknown network entity")
	ErrUnauthorizedUpdate     = errors.New("replica: update from non-owner")
	ErrUnknownSpawnKind       = errors.New("replica: unknown spawn kind")
	ErrLocalConnection        = errors.New("replica: local connection cannot be removed")
	ErrDuplicateActor         = errors.New("replica: actor already connected")
)
