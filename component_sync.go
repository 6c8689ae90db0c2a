package replica

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
)

// ComponentSync is the replication state of one attribute of one object:
// who may originate updates for it, and whether it changed since the last
// send step.
type ComponentSync struct {
	ownership NetworkTarget
	dirty     bool
}

// OwnedByActorID returns sync state for an attribute only actor id may update.
func OwnedByActorID(id ActorID) ComponentSync {
	return ComponentSync{ownership: TargetActorID(id)}
}

// OwnedByActorType returns sync state for an attribute any actor of type ty
// may update.
func OwnedByActorType(ty ActorType) ComponentSync {
	return ComponentSync{ownership: TargetActorType(ty)}
}

// OwnedByAll returns sync state for an attribute every peer may update.
func OwnedByAll() ComponentSync {
	return ComponentSync{ownership: TargetAll()}
}

func (s ComponentSync) Ownership() NetworkTarget { return s.ownership }
func (s ComponentSync) Dirty() bool              { return s.dirty }

func (s *ComponentSync) MarkDirty() {
	s.dirty = true
}

// takeDirty clears the flag and reports whether it was set.
func (s *ComponentSync) takeDirty() bool {
	d := s.dirty
	s.dirty = false
	return d
}

// AttributeCodec converts an attribute value to and from its wire bytes.
type AttributeCodec[T any] struct {
	Encode func(T) ([]byte, error)
	Decode func([]byte) (T, error)
}

// GobCodec encodes attribute values with encoding/gob.
func GobCodec[T any]() AttributeCodec[T] {
	return AttributeCodec[T]{
		Encode: func(v T) ([]byte, error) {
			var buf bytes.Buffer
			if err := gob.NewEncoder(&buf).Encode(v); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
		Decode: func(data []byte) (T, error) {
			var v T
			err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v)
			return v, err
		},
	}
}

// AttributeHandler replicates one attribute type. The AttributeRegistry
// dispatches received updates to the handler whose tag they carry.
type AttributeHandler interface {
	Tag() TypeTag
	Name() string
	// MarkAllDirty forces every attached value to be re-sent.
	MarkAllDirty()
	// ApplyUpdate applies one received ComponentUpdate. Updates carrying a
	// different tag are ignored and return nil.
	ApplyUpdate(msg Message, entities *NetworkEntityRegistry) error
	// CollectUpdates queues the dirty values local may originate, one
	// update per target, and returns the number of values sent.
	CollectUpdates(local Actor, targets []NetworkTarget, handle *NetworkHandle) int
}

type attribute[T any] struct {
	entity NetworkEntity
	value  T
	sync   ComponentSync
}

// AttributeSync holds the replicated values of one attribute type, keyed by
// local entity handle.
type AttributeSync[T any] struct {
	name    string
	tag     TypeTag
	codec   AttributeCodec[T]
	values  map[EntityHandle]*attribute[T]
	metrics *Metrics
}

// NewAttributeSync creates a handler for the attribute called name. The
// name determines the tag on the wire, so every peer must use the same one.
func NewAttributeSync[T any](name string, codec AttributeCodec[T]) *AttributeSync[T] {
	return &AttributeSync[T]{
		name:   name,
		tag:    NewTypeTag(name),
		codec:  codec,
		values: make(map[EntityHandle]*attribute[T]),
	}
}

func (a *AttributeSync[T]) Tag() TypeTag   { return a.tag }
func (a *AttributeSync[T]) Name() string   { return a.name }
func (a *AttributeSync[T]) Len() int       { return len(a.values) }
func (a *AttributeSync[T]) String() string { return "attribute " + a.name }

// Attach starts replicating the attribute of the object at handle. The
// value starts dirty so it goes out on the next send step if we own it.
func (a *AttributeSync[T]) Attach(handle EntityHandle, entity NetworkEntity, value T, sync ComponentSync) {
	sync.MarkDirty()
	a.values[handle] = &attribute[T]{entity: entity, value: value, sync: sync}
}

// Detach stops replicating the attribute of the object at handle.
func (a *AttributeSync[T]) Detach(handle EntityHandle) {
	delete(a.values, handle)
}

// Get returns the current value at handle.
func (a *AttributeSync[T]) Get(handle EntityHandle) (T, bool) {
	attr, ok := a.values[handle]
	if !ok {
		var zero T
		return zero, false
	}
	return attr.value, true
}

// Set replaces the value at handle and marks it dirty. It reports false if
// nothing is attached at handle.
func (a *AttributeSync[T]) Set(handle EntityHandle, value T) bool {
	attr, ok := a.values[handle]
	if !ok {
		return false
	}
	attr.value = value
	attr.sync.MarkDirty()
	return true
}

// Sync returns the replication state at handle.
func (a *AttributeSync[T]) Sync(handle EntityHandle) (ComponentSync, bool) {
	attr, ok := a.values[handle]
	if !ok {
		return ComponentSync{}, false
	}
	return attr.sync, true
}

func (a *AttributeSync[T]) MarkAllDirty() {
	for _, attr := range a.values {
		attr.sync.MarkDirty()
	}
}

// ApplyUpdate overwrites the local value with the one in msg if msg's sender
// is an owner. Applied values are not marked dirty.
func (a *AttributeSync[T]) ApplyUpdate(msg Message, entities *NetworkEntityRegistry) error {
	p := msg.Payload
	if p.Kind != KindComponentUpdate || p.Attribute != a.tag {
		return nil
	}

	handle, ok := entities.Lookup(p.Entity)
	if !ok {
		return fmt.Errorf("%s update for %d from %s: %w", a.name, p.Entity, msg.Sender, ErrUnknownNetworkEntity)
	}
	attr, ok := a.values[handle]
	if !ok {
		return fmt.Errorf("%s update for %d from %s: %w: attribute not attached", a.name, p.Entity, msg.Sender, ErrUnknownNetworkEntity)
	}
	if !msg.Sender.TargetedBy(attr.sync.ownership) {
		return fmt.Errorf("%s update for %d from %s (owner %s): %w", a.name, p.Entity, msg.Sender, attr.sync.ownership, ErrUnauthorizedUpdate)
	}

	value, err := a.codec.Decode(p.Data)
	if err != nil {
		return fmt.Errorf("%s update for %d from %s: %w: %w", a.name, p.Entity, msg.Sender, ErrSerialization, err)
	}
	attr.value = value
	a.metrics.updateApplied()
	return nil
}

func (a *AttributeSync[T]) CollectUpdates(local Actor, targets []NetworkTarget, handle *NetworkHandle) int {
	sent := 0
	for _, h := range slices.Sorted(maps.Keys(a.values)) {
		attr := a.values[h]
		if !attr.sync.takeDirty() {
			continue
		}
		if !local.TargetedBy(attr.sync.ownership) {
			continue
		}

		data, err := a.codec.Encode(attr.value)
		if err != nil {
			slog.Error("attribute encode failed", "attribute", a.name, "entity", attr.entity, "error", err)
			continue
		}
		for _, target := range targets {
			handle.SyncComponent(target, attr.entity, a.tag, data)
		}
		sent++
	}
	return sent
}

// AttributeRegistry dispatches ComponentUpdates to per-type handlers.
type AttributeRegistry struct {
	handlers map[TypeTag]AttributeHandler
	order    []TypeTag
	metrics  *Metrics
}

func NewAttributeRegistry() *AttributeRegistry {
	return &AttributeRegistry{handlers: make(map[TypeTag]AttributeHandler)}
}

// Register adds a handler. Two handlers may not share a tag.
func (r *AttributeRegistry) Register(h AttributeHandler) error {
	if existing, ok := r.handlers[h.Tag()]; ok {
		return fmt.Errorf("attribute %q: tag %s already registered by %q", h.Name(), h.Tag(), existing.Name())
	}
	r.handlers[h.Tag()] = h
	r.order = append(r.order, h.Tag())
	return nil
}

// RegisterAttribute creates, registers and returns a handler for attributes
// of type T.
func RegisterAttribute[T any](r *AttributeRegistry, name string, codec AttributeCodec[T]) (*AttributeSync[T], error) {
	a := NewAttributeSync(name, codec)
	a.metrics = r.metrics
	if err := r.Register(a); err != nil {
		return nil, err
	}
	return a, nil
}

// Handler returns the handler registered for tag.
func (r *AttributeRegistry) Handler(tag TypeTag) (AttributeHandler, bool) {
	h, ok := r.handlers[tag]
	return h, ok
}

// Apply applies every ComponentUpdate in messages. Rejected updates are
// logged and discarded. It returns the number applied.
func (r *AttributeRegistry) Apply(messages []Message, entities *NetworkEntityRegistry) int {
	applied := 0
	for _, msg := range messages {
		if msg.Payload.Kind != KindComponentUpdate {
			continue
		}
		h, ok := r.handlers[msg.Payload.Attribute]
		if !ok {
			slog.Debug("update for unregistered attribute", "attribute", msg.Payload.Attribute, "entity", msg.Payload.Entity, "sender", msg.Sender)
			continue
		}
		if err := h.ApplyUpdate(msg, entities); err != nil {
			r.reject(err, msg)
			continue
		}
		applied++
	}
	return applied
}

func (r *AttributeRegistry) reject(err error, msg Message) {
	reason := "malformed"
	switch {
	case errors.Is(err, ErrUnknownNetworkEntity):
		reason = "unknown_entity"
	case errors.Is(err, ErrUnauthorizedUpdate):
		reason = "unauthorized"
	}
	r.metrics.updateRejected(reason)
	slog.Error("attribute update discarded", "reason", reason, "entity", msg.Payload.Entity, "sender", msg.Sender, "error", err)
}

func (r *AttributeRegistry) MarkAllDirty() {
	for _, tag := range r.order {
		r.handlers[tag].MarkAllDirty()
	}
}

// CollectUpdates runs every handler's send path in registration order.
func (r *AttributeRegistry) CollectUpdates(local Actor, targets []NetworkTarget, handle *NetworkHandle) int {
	sent := 0
	for _, tag := range r.order {
		sent += r.handlers[tag].CollectUpdates(local, targets, handle)
	}
	return sent
}
