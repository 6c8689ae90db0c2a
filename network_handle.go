package replica

import (
	"fmt"
	"log/slog"
)

type pendingSpawn struct {
	target NetworkTarget
	data   []byte
}

// NetworkHandle is the outbound queue for one tick. Collaborators enqueue
// payloads and spawn descriptors; the send step drains it.
type NetworkHandle struct {
	payloads []TargetedPayload
	spawns   []pendingSpawn
}

func NewNetworkHandle() *NetworkHandle {
	return &NetworkHandle{}
}

// Spawn queues the creation of a replicated object described by desc for
// every peer selected by target. The network id is assigned when the queue
// is flushed at the end of the tick.
func (h *NetworkHandle) Spawn(target NetworkTarget, desc Spawnable) error {
	data, err := EncodeSpawnable(desc)
	if err != nil {
		return err
	}
	h.spawns = append(h.spawns, pendingSpawn{target: target, data: data})
	return nil
}

// SyncComponent queues an attribute update.
func (h *NetworkHandle) SyncComponent(target NetworkTarget, entity NetworkEntity, attribute TypeTag, data []byte) {
	h.Add(target, ComponentUpdate(entity, attribute, data))
}

// Add queues a payload for target.
func (h *NetworkHandle) Add(target NetworkTarget, payload Payload) {
	h.payloads = append(h.payloads, TargetedPayload{Target: target, Payload: payload})
}

// Len returns the number of queued payloads, not counting unconverted spawns.
func (h *NetworkHandle) Len() int {
	return len(h.payloads)
}

// ConvertSpawns turns queued descriptors into Spawn payloads. Each gets a
// fresh network id, is registered with spawns for reconciliation, and is
// marked delivered for every connection its audience selects right now,
// since the payload queued here reaches exactly those connections.
func (h *NetworkHandle) ConvertSpawns(entities *NetworkEntityRegistry, spawns *SpawnManager, connections *ConnectionManager) []NetworkEntity {
	if len(h.spawns) == 0 {
		return nil
	}

	created := make([]NetworkEntity, 0, len(h.spawns))
	for _, ps := range h.spawns {
		entity := entities.Generate()
		payload := Spawn(entity, ps.data)

		spawns.RegisterSpawn(entity, ps.target, payload)
		for _, id := range connections.TargetedConnectionIDs(ps.target) {
			spawns.ConfirmSpawn(id, entity)
		}
		h.Add(ps.target, payload)
		spawns.metrics.spawnEmitted()

		slog.Debug("replicated object created", "entity", entity, "target", ps.target)
		created = append(created, entity)
	}
	h.spawns = h.spawns[:0]
	return created
}

// Drain returns and clears the queued payloads.
func (h *NetworkHandle) Drain() []TargetedPayload {
	out := h.payloads
	h.payloads = nil
	return out
}

func (h *NetworkHandle) String() string {
	return fmt.Sprintf("network handle (%d payloads, %d spawns)", len(h.payloads), len(h.spawns))
}
