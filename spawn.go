package replica

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"log/slog"
	"maps"
	"reflect"
	"slices"

	"go.uber.org/multierr"
)

type spawnRecord struct {
	target  NetworkTarget
	payload Payload
}

// SpawnManager makes sure every peer in an object's audience receives the
// object's Spawn payload exactly once, including peers that connect after
// the object was created. There is no acknowledgement from the receiver:
// the manager records what it has sent to each connection and re-sends
// whatever is missing.
type SpawnManager struct {
	spawnables map[NetworkEntity]spawnRecord
	delivered  map[ConnectionID]map[NetworkEntity]struct{}
	metrics    *Metrics
}

func NewSpawnManager() *SpawnManager {
	return &SpawnManager{
		spawnables: make(map[NetworkEntity]spawnRecord),
		delivered:  make(map[ConnectionID]map[NetworkEntity]struct{}),
	}
}

// RegisterSpawn records an object and its audience. It sends nothing.
func (m *SpawnManager) RegisterSpawn(entity NetworkEntity, target NetworkTarget, payload Payload) {
	m.spawnables[entity] = spawnRecord{target: target, payload: payload}
}

// ConfirmSpawn marks entity as delivered to a connection.
func (m *SpawnManager) ConfirmSpawn(id ConnectionID, entity NetworkEntity) {
	set, ok := m.delivered[id]
	if !ok {
		set = make(map[NetworkEntity]struct{})
		m.delivered[id] = set
	}
	set[entity] = struct{}{}
}

// Delivered reports whether entity has been sent to a connection.
func (m *SpawnManager) Delivered(id ConnectionID, entity NetworkEntity) bool {
	_, ok := m.delivered[id][entity]
	return ok
}

// DeliveredCount returns how many objects a connection has been sent.
func (m *SpawnManager) DeliveredCount(id ConnectionID) int {
	return len(m.delivered[id])
}

// NotSpawned lists the registered objects a tracked connection has not
// received, regardless of audience. Untracked connections report nothing.
func (m *SpawnManager) NotSpawned(id ConnectionID) []NetworkEntity {
	set, ok := m.delivered[id]
	if !ok {
		return nil
	}
	var missing []NetworkEntity
	for _, entity := range slices.Sorted(maps.Keys(m.spawnables)) {
		if _, ok := set[entity]; !ok {
			missing = append(missing, entity)
		}
	}
	return missing
}

// Len returns the number of registered objects.
func (m *SpawnManager) Len() int {
	return len(m.spawnables)
}

// ForgetConnection drops the delivered set of a removed connection.
// Connection ids are never reused, so this only releases memory.
func (m *SpawnManager) ForgetConnection(id ConnectionID) {
	delete(m.delivered, id)
}

// Detect compares every connection against every registered object. For
// each connection in an object's audience that has not received it, the
// object's Spawn payload is queued on handle addressed to that connection's
// actor alone, and the pair is marked delivered. Connections seen for the
// first time start with an empty delivered set. It returns the number of
// payloads queued.
//
// Detection is a full objects × connections scan each call.
func (m *SpawnManager) Detect(connections *ConnectionManager, handle *NetworkHandle) int {
	for _, id := range connections.ConnectionIDs() {
		if _, ok := m.delivered[id]; !ok {
			m.delivered[id] = make(map[NetworkEntity]struct{})
		}
	}

	repaired := 0
	for _, entity := range slices.Sorted(maps.Keys(m.spawnables)) {
		rec := m.spawnables[entity]
		for _, id := range connections.TargetedConnectionIDs(rec.target) {
			set := m.delivered[id]
			if _, ok := set[entity]; ok {
				continue
			}
			actor, _ := connections.Actor(id)
			slog.Info("connection missing replicated object", "connection", id, "actor", actor, "entity", entity)

			set[entity] = struct{}{}
			handle.Add(TargetActorID(actor.ID), rec.payload)
			m.metrics.spawnRepaired()
			repaired++
		}
	}
	return repaired
}

// --- descriptors ---

// Spawnable describes a kind of replicated object. Implementations are
// encoded with encoding/gob, so they need at least one exported field.
type Spawnable interface {
	SpawnKind() TypeTag
}

// EncodeSpawnable serializes desc as [16-byte kind tag][gob body].
func EncodeSpawnable(desc Spawnable) ([]byte, error) {
	var buf bytes.Buffer
	kind := desc.SpawnKind()
	buf.Write(kind[:])
	if err := gob.NewEncoder(&buf).Encode(desc); err != nil {
		return nil, fmt.Errorf("spawn descriptor %T: %w", desc, err)
	}
	return buf.Bytes(), nil
}

func splitSpawnable(data []byte) (TypeTag, []byte, error) {
	var kind TypeTag
	if len(data) < len(kind) {
		return kind, nil, fmt.Errorf("%w: descriptor too short (%d bytes)", ErrSerialization, len(data))
	}
	copy(kind[:], data)
	return kind, data[len(kind):], nil
}

// SpawnContext tells a spawn factory who is creating the object where.
type SpawnContext struct {
	Local  Actor
	Sender Actor
}

func (c SpawnContext) LocalID() ActorID      { return c.Local.ID }
func (c SpawnContext) LocalType() ActorType  { return c.Local.Type }
func (c SpawnContext) SenderID() ActorID     { return c.Sender.ID }
func (c SpawnContext) SenderType() ActorType { return c.Sender.Type }

// SpawnFactory instantiates a received object locally and returns its handle.
type SpawnFactory func(ctx SpawnContext, entity NetworkEntity, body []byte) (EntityHandle, error)

type spawnKind struct {
	name    string
	factory SpawnFactory
}

// SpawnRegistry maps descriptor kind tags to factories, so new kinds of
// replicated object can be added without touching the dispatch code.
type SpawnRegistry struct {
	kinds map[TypeTag]spawnKind
}

func NewSpawnRegistry() *SpawnRegistry {
	return &SpawnRegistry{kinds: make(map[TypeTag]spawnKind)}
}

// Register installs a factory for a kind tag. The factory receives the
// descriptor body with the tag stripped.
func (r *SpawnRegistry) Register(kind TypeTag, name string, factory SpawnFactory) {
	r.kinds[kind] = spawnKind{name: name, factory: factory}
}

// RegisterSpawnKind registers a typed factory for descriptors of type T.
// T is a concrete value or pointer type; an interface type has no kind tag.
func RegisterSpawnKind[T Spawnable](r *SpawnRegistry, create func(ctx SpawnContext, entity NetworkEntity, desc T) (EntityHandle, error)) {
	zero := sampleSpawnable[T]()
	r.Register(zero.SpawnKind(), fmt.Sprintf("%T", zero), func(ctx SpawnContext, entity NetworkEntity, body []byte) (EntityHandle, error) {
		var desc T
		if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&desc); err != nil {
			return 0, fmt.Errorf("%w: spawn descriptor %T: %w", ErrSerialization, desc, err)
		}
		return create(ctx, entity, desc)
	})
}

// sampleSpawnable returns a T whose SpawnKind can be called. For a pointer
// type that is a pointer to a fresh zero element, not nil.
func sampleSpawnable[T Spawnable]() T {
	var zero T
	if rt := reflect.TypeFor[T](); rt.Kind() == reflect.Pointer {
		zero = reflect.New(rt.Elem()).Interface().(T)
	}
	return zero
}

// Apply instantiates every Spawn in messages and records the new handles in
// entities. A failing spawn does not stop the others; all failures are
// returned together.
func (r *SpawnRegistry) Apply(messages []Message, entities *NetworkEntityRegistry) (int, error) {
	var (
		applied int
		errs    error
	)
	for _, msg := range messages {
		if msg.Payload.Kind != KindSpawn {
			continue
		}
		if err := r.apply(msg, entities); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		applied++
	}
	return applied, errs
}

func (r *SpawnRegistry) apply(msg Message, entities *NetworkEntityRegistry) error {
	entity := msg.Payload.Entity
	if _, ok := entities.Lookup(entity); ok {
		return fmt.Errorf("spawn %d from %s: %w", entity, msg.Sender, ErrDuplicateNetworkEntity)
	}

	kindTag, body, err := splitSpawnable(msg.Payload.Data)
	if err != nil {
		return fmt.Errorf("spawn %d from %s: %w", entity, msg.Sender, err)
	}
	kind, ok := r.kinds[kindTag]
	if !ok {
		return fmt.Errorf("spawn %d from %s: %w: %s", entity, msg.Sender, ErrUnknownSpawnKind, kindTag)
	}

	ctx := SpawnContext{Local: msg.Receiver, Sender: msg.Sender}
	handle, err := kind.factory(ctx, entity, body)
	if err != nil {
		return fmt.Errorf("spawn %d (%s) from %s: %w", entity, kind.name, msg.Sender, err)
	}
	if err := entities.Insert(entity, handle); err != nil {
		return fmt.Errorf("spawn %d (%s) from %s: %w", entity, kind.name, msg.Sender, err)
	}

	slog.Debug("replicated object spawned", "entity", entity, "kind", kind.name, "handle", handle, "sender", msg.Sender)
	return nil
}
