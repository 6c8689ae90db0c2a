package replica

import (
	"fmt"
	"maps"
	"slices"
)

// NetworkEntity is the network-wide id of a replicated object. It is minted
// once, by the peer that first creates the object, and echoed verbatim in
// every payload that refers to it.
type NetworkEntity uint64

// EntityHandle is the process-private handle the game state uses for an
// object. It means nothing to other peers.
type EntityHandle uint64

// NetworkEntityRegistry maps network ids to local handles.
type NetworkEntityRegistry struct {
	entities map[NetworkEntity]EntityHandle
	next     NetworkEntity
}

func NewNetworkEntityRegistry() *NetworkEntityRegistry {
	return &NetworkEntityRegistry{
		entities: make(map[NetworkEntity]EntityHandle),
	}
}

// Lookup returns the local handle for a network id.
func (r *NetworkEntityRegistry) Lookup(entity NetworkEntity) (EntityHandle, bool) {
	h, ok := r.entities[entity]
	return h, ok
}

// Generate allocates a network id. It never returns an id already inserted.
func (r *NetworkEntityRegistry) Generate() NetworkEntity {
	id := r.next
	r.next++
	return id
}

// Insert records entity → handle. It fails with ErrDuplicateNetworkEntity if
// entity is already present and leaves the existing mapping untouched.
func (r *NetworkEntityRegistry) Insert(entity NetworkEntity, handle EntityHandle) error {
	if existing, ok := r.entities[entity]; ok {
		return fmt.Errorf("%w: %d (mapped to %d)", ErrDuplicateNetworkEntity, entity, existing)
	}
	r.entities[entity] = handle
	if entity >= r.next {
		r.next = entity + 1
	}
	return nil
}

// Remove forgets a network id.
func (r *NetworkEntityRegistry) Remove(entity NetworkEntity) {
	delete(r.entities, entity)
}

func (r *NetworkEntityRegistry) Len() int {
	return len(r.entities)
}

// Entities returns every registered network id in ascending order.
func (r *NetworkEntityRegistry) Entities() []NetworkEntity {
	return slices.Sorted(maps.Keys(r.entities))
}
