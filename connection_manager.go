package replica

import (
	"fmt"
	"log/slog"
	"maps"
	"net"
	"slices"

	"go.uber.org/multierr"
)

// ConnectionEventKind distinguishes connection lifecycle events.
type ConnectionEventKind uint8

const (
	Connected ConnectionEventKind = iota + 1
	Disconnected
)

func (k ConnectionEventKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ConnectionEvent reports a peer joining or a connection failing. A
// Disconnected event only reports the failure; the connection stays in the
// table until Remove is called for it.
type ConnectionEvent struct {
	Kind         ConnectionEventKind
	Actor        Actor
	ConnectionID ConnectionID
	Cause        error // Disconnected only
}

// ConnectionManager owns every Connection and resolves NetworkTargets
// against them. It is single-writer: only its own methods mutate the table,
// and all of them are called from the tick goroutine.
//
// ConnectionID 0 is the loopback connection to the local peer. It exists from
// construction and is never removed.
type ConnectionManager struct {
	connections   map[ConnectionID]*Connection
	connectionIDs map[ActorID]ConnectionID

	nextConnectionID ConnectionID
	nextActorID      ActorID
	localActorID     ActorID
	localAdopted     bool // set once a handshake has assigned the local id

	config  connectionConfig
	metrics *Metrics
}

// NewConnectionManager creates a manager whose local peer has type localType
// and the provisional id 0.
func NewConnectionManager(localType ActorType, opts ...Option) *ConnectionManager {
	cfg := defaultPeerConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return newConnectionManager(localType, cfg.connection, nil)
}

func newConnectionManager(localType ActorType, cfg connectionConfig, metrics *Metrics) *ConnectionManager {
	m := &ConnectionManager{
		connections:      make(map[ConnectionID]*Connection),
		connectionIDs:    make(map[ActorID]ConnectionID),
		nextConnectionID: LocalConnectionID + 1,
		nextActorID:      1,
		localActorID:     0,
		config:           cfg,
		metrics:          metrics,
	}
	m.connections[LocalConnectionID] = newLoopbackConnection(NewActor(0, localType))
	m.connectionIDs[0] = LocalConnectionID
	m.metrics.setConnections(len(m.connections))
	return m
}

// LocalActor returns the identity of this process.
func (m *ConnectionManager) LocalActor() Actor {
	return m.connections[LocalConnectionID].actor
}

// Len returns the number of connections, including the local one.
func (m *ConnectionManager) Len() int {
	return len(m.connections)
}

// Connection returns the connection with the given id.
func (m *ConnectionManager) Connection(id ConnectionID) (*Connection, bool) {
	c, ok := m.connections[id]
	return c, ok
}

// ConnectionFor returns the connection to the given actor.
func (m *ConnectionManager) ConnectionFor(actorID ActorID) (ConnectionID, *Connection, bool) {
	id, ok := m.connectionIDs[actorID]
	if !ok {
		return 0, nil, false
	}
	return id, m.connections[id], true
}

// Actor returns the actor behind a connection.
func (m *ConnectionManager) Actor(id ConnectionID) (Actor, bool) {
	c, ok := m.connections[id]
	if !ok {
		return Actor{}, false
	}
	return c.actor, true
}

// ConnectionIDs returns every connection id in ascending order.
func (m *ConnectionManager) ConnectionIDs() []ConnectionID {
	return slices.Sorted(maps.Keys(m.connections))
}

// TargetedConnectionIDs resolves target against the current table, in
// ascending id order.
func (m *ConnectionManager) TargetedConnectionIDs(target NetworkTarget) []ConnectionID {
	if target.kind == targetActorID {
		if id, ok := m.connectionIDs[target.id]; ok {
			return []ConnectionID{id}
		}
		return nil
	}

	var ids []ConnectionID
	for _, id := range m.ConnectionIDs() {
		if m.connections[id].actor.TargetedBy(target) {
			ids = append(ids, id)
		}
	}
	return ids
}

// TargetedActorIDs resolves target to the ids of the actors it selects.
func (m *ConnectionManager) TargetedActorIDs(target NetworkTarget) []ActorID {
	connIDs := m.TargetedConnectionIDs(target)
	ids := make([]ActorID, 0, len(connIDs))
	for _, id := range connIDs {
		ids = append(ids, m.connections[id].actor.ID)
	}
	return ids
}

// Send groups payloads by destination connection and sends each group as
// one batch. Targets that resolve to the same connection share its batch.
// Failures are reported as Disconnected events; the failing connection is
// not removed.
func (m *ConnectionManager) Send(targeted []TargetedPayload) []ConnectionEvent {
	batches := make(map[ConnectionID][]Payload)
	for _, tp := range targeted {
		for _, id := range m.TargetedConnectionIDs(tp.Target) {
			batches[id] = append(batches[id], tp.Payload)
		}
	}

	var events []ConnectionEvent
	for _, id := range slices.Sorted(maps.Keys(batches)) {
		c, ok := m.connections[id]
		if !ok {
			continue
		}
		if err := c.Send(batches[id]); err != nil {
			slog.Warn("send failed", "connection", id, "actor", c.actor, "error", err)
			m.metrics.disconnect()
			events = append(events, ConnectionEvent{
				Kind:         Disconnected,
				Actor:        c.actor,
				ConnectionID: id,
				Cause:        err,
			})
		}
	}
	return events
}

// Receive drains every connection. Payloads are stamped with the
// connection's actor as sender and the local actor as receiver.
func (m *ConnectionManager) Receive() ([]Message, []ConnectionEvent) {
	local := m.LocalActor()

	var (
		messages []Message
		events   []ConnectionEvent
	)
	for _, id := range m.ConnectionIDs() {
		c := m.connections[id]
		payloads, err := c.Receive()
		if err != nil {
			slog.Warn("receive failed", "connection", id, "actor", c.actor, "error", err)
			m.metrics.disconnect()
			events = append(events, ConnectionEvent{
				Kind:         Disconnected,
				Actor:        c.actor,
				ConnectionID: id,
				Cause:        err,
			})
			continue
		}
		for _, p := range payloads {
			messages = append(messages, Message{Payload: p, Sender: c.actor, Receiver: local})
		}
	}
	return messages, events
}

// Remove deletes the connection to actorID and closes its transport. It is
// the only path that removes a connection.
func (m *ConnectionManager) Remove(actorID ActorID) error {
	id, ok := m.connectionIDs[actorID]
	if !ok {
		return nil
	}
	if id == LocalConnectionID {
		return ErrLocalConnection
	}

	c := m.connections[id]
	delete(m.connectionIDs, actorID)
	delete(m.connections, id)
	m.metrics.setConnections(len(m.connections))

	slog.Info("connection removed", "connection", id, "actor", c.actor)
	if err := c.close(); err != nil {
		return fmt.Errorf("%w: close: %w", ErrTransport, err)
	}
	return nil
}

// GenerateActorID mints an actor id that has not been handed out.
func (m *ConnectionManager) GenerateActorID() ActorID {
	id := m.nextActorID
	m.nextActorID++
	return id
}

func (m *ConnectionManager) generateConnectionID() ConnectionID {
	id := m.nextConnectionID
	m.nextConnectionID++
	return id
}

// reserveActorID keeps the generator above an id learned from a peer.
func (m *ConnectionManager) reserveActorID(id ActorID) {
	if id >= m.nextActorID {
		m.nextActorID = id + 1
	}
}

// setLocalActorID renames the local peer, rewriting its index entry.
func (m *ConnectionManager) setLocalActorID(id ActorID) {
	if id == m.localActorID {
		m.localAdopted = true
		return
	}
	delete(m.connectionIDs, m.localActorID)
	m.connectionIDs[id] = LocalConnectionID
	m.connections[LocalConnectionID].actor.ID = id

	slog.Info("local actor id assigned", "old", m.localActorID, "new", id)
	m.localActorID = id
	m.localAdopted = true
	m.reserveActorID(id)
}

// checkAdoptLocal reports whether the local peer may take id. The local id
// is assigned at most once and never to an actor that is already connected.
func (m *ConnectionManager) checkAdoptLocal(id ActorID) error {
	if existing, ok := m.connectionIDs[id]; ok && existing != LocalConnectionID {
		return fmt.Errorf("%w: %d is connection %d", ErrDuplicateActor, id, existing)
	}
	if m.localAdopted && id != m.localActorID {
		return fmt.Errorf("%w: local id already assigned as %d, offered %d", ErrDuplicateActor, m.localActorID, id)
	}
	return nil
}

// AddConnection runs the handshake over conn and installs the connection
// with the given peer type. Nothing is registered unless the handshake
// succeeds; on failure conn is closed.
func (m *ConnectionManager) AddConnection(conn net.Conn, peerType ActorType, send Handshake) (ConnectionEvent, error) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	received, err := exchangeHandshake(conn, send, m.config.handshakeTimeout)
	if err != nil {
		conn.Close()
		return ConnectionEvent{}, fmt.Errorf("handshake with %s: %w", conn.RemoteAddr(), err)
	}

	res := resolveHandshake(send, received)
	remoteID := res.remoteID
	if res.mint {
		remoteID = m.GenerateActorID()
	}

	if res.adoptLocal && res.localID == remoteID {
		conn.Close()
		return ConnectionEvent{}, fmt.Errorf("handshake with %s: %w: local and remote both %d",
			conn.RemoteAddr(), ErrDuplicateActor, remoteID)
	}
	if res.adoptLocal {
		if err := m.checkAdoptLocal(res.localID); err != nil {
			conn.Close()
			return ConnectionEvent{}, fmt.Errorf("handshake with %s: %w", conn.RemoteAddr(), err)
		}
	}
	if existing, ok := m.connectionIDs[remoteID]; ok && !(res.adoptLocal && existing == LocalConnectionID) {
		conn.Close()
		return ConnectionEvent{}, fmt.Errorf("handshake with %s: %w: %d", conn.RemoteAddr(), ErrDuplicateActor, remoteID)
	}

	if res.adoptLocal {
		m.setLocalActorID(res.localID)
	}
	m.reserveActorID(remoteID)

	actor := NewActor(remoteID, peerType)
	id := m.generateConnectionID()
	m.connections[id] = newSocketConnection(conn, actor, m.config, m.metrics)
	m.connectionIDs[remoteID] = id
	m.metrics.setConnections(len(m.connections))

	slog.Info("peer connected", "connection", id, "actor", actor, "remote", conn.RemoteAddr().String(), "handshake", received)

	return ConnectionEvent{Kind: Connected, Actor: actor, ConnectionID: id}, nil
}

// Close closes every socket connection. The manager must not be used after.
func (m *ConnectionManager) Close() error {
	var err error
	for _, id := range m.ConnectionIDs() {
		err = multierr.Append(err, m.connections[id].close())
	}
	return err
}
