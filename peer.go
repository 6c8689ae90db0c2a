package replica

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

// TickFunc is the per-tick callback for application logic. It runs after
// received payloads are applied and before dirty attributes are collected,
// so it may queue spawns and set attributes for this tick's send step.
type TickFunc func(t *Tick)

// Tick describes one pass of the pipeline.
type Tick struct {
	Number   uint64
	Messages []Message
	Events   []ConnectionEvent

	Spawned  int             // spawns applied locally
	Repaired int             // spawn payloads re-sent by detection
	Applied  int             // attribute updates applied
	Created  []NetworkEntity // objects created by this peer
	Sent     int             // payloads handed to the send step

	peer *Peer
}

func (t *Tick) Local() Actor                     { return t.peer.connections.LocalActor() }
func (t *Tick) Handle() *NetworkHandle           { return t.peer.handle }
func (t *Tick) Entities() *NetworkEntityRegistry { return t.peer.entities }
func (t *Tick) Connections() *ConnectionManager  { return t.peer.connections }
func (t *Tick) Attributes() *AttributeRegistry   { return t.peer.attributes }

// Spawn queues a replicated object for target.
func (t *Tick) Spawn(target NetworkTarget, desc Spawnable) error {
	return t.peer.handle.Spawn(target, desc)
}

// Connected reports whether any peer connected during this tick.
func (t *Tick) Connected() bool {
	for _, ev := range t.Events {
		if ev.Kind == Connected {
			return true
		}
	}
	return false
}

// Peer is one end of a replication session. It owns the connection table,
// the replicated object registry and the outbound queue, and advances them
// one Tick at a time. A Peer is not safe for concurrent use: Listen, Dial,
// Tick and Run must all be called from the same goroutine. Status is the
// exception and may be called from anywhere.
type Peer struct {
	config peerConfig

	connections *ConnectionManager
	entities    *NetworkEntityRegistry
	spawns      *SpawnManager
	spawnKinds  *SpawnRegistry
	attributes  *AttributeRegistry
	handle      *NetworkHandle
	listener    *Listener

	// Disconnects found by the send step, reported with the next receive.
	pending []ConnectionEvent
	ticks   uint64

	metrics  *Metrics
	gatherer prometheus.Gatherer
	admin    *AdminServer
	status   atomic.Pointer[PeerStatus]
}

// NewPeer creates a peer with no remote connections.
func NewPeer(opts ...Option) (*Peer, error) {
	cfg := defaultPeerConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.logLevel != nil {
		InitLogger(*cfg.logLevel)
	}

	reg := cfg.registerer
	var gatherer prometheus.Gatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	} else {
		gatherer = prometheus.DefaultGatherer
	}
	metrics := newMetrics(reg)

	p := &Peer{
		config:      cfg,
		connections: newConnectionManager(cfg.actorType, cfg.connection, metrics),
		entities:    NewNetworkEntityRegistry(),
		spawns:      NewSpawnManager(),
		spawnKinds:  NewSpawnRegistry(),
		attributes:  NewAttributeRegistry(),
		handle:      NewNetworkHandle(),
		metrics:     metrics,
		gatherer:    gatherer,
	}
	p.spawns.metrics = metrics
	p.attributes.metrics = metrics
	p.publishStatus()

	if cfg.adminAddr != "" {
		admin, err := NewAdminServer(p, cfg.adminAddr)
		if err != nil {
			return nil, err
		}
		admin.Start()
		p.admin = admin
	}

	slog.Info("peer created", "role", cfg.role, "actor", p.connections.LocalActor())
	return p, nil
}

func (p *Peer) Role() Role                       { return p.config.role }
func (p *Peer) LocalActor() Actor                { return p.connections.LocalActor() }
func (p *Peer) Connections() *ConnectionManager  { return p.connections }
func (p *Peer) Entities() *NetworkEntityRegistry { return p.entities }
func (p *Peer) Spawns() *SpawnManager            { return p.spawns }
func (p *Peer) SpawnKinds() *SpawnRegistry       { return p.spawnKinds }
func (p *Peer) Attributes() *AttributeRegistry   { return p.attributes }
func (p *Peer) Handle() *NetworkHandle           { return p.handle }
func (p *Peer) Metrics() *Metrics                { return p.metrics }
func (p *Peer) Gatherer() prometheus.Gatherer    { return p.gatherer }
func (p *Peer) SyncTargets() []NetworkTarget     { return p.config.syncTargets }
func (p *Peer) Admin() *AdminServer              { return p.admin }

// Listen starts accepting peers on addr. New peers are installed at the
// start of each tick.
func (p *Peer) Listen(addr string) (string, error) {
	ln, err := Listen(addr, p.config.connectionType, p.config.connection.pollWindow)
	if err != nil {
		return "", err
	}
	p.listener = ln
	return ln.Addr(), nil
}

// OnTick replaces the TickFunc. It must not be called while Run is active.
func (p *Peer) OnTick(fn TickFunc) {
	p.config.tickFunc = fn
}

// ListenAddr returns the address Listen bound, or "" if not listening.
func (p *Peer) ListenAddr() string {
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr()
}

// Dial connects to a listening peer. The Connected event is reported by the
// next tick.
func (p *Peer) Dial(ctx context.Context, addr string) (Actor, error) {
	ev, err := Dial(ctx, p.connections, addr, p.config.connectionType)
	if err != nil {
		return Actor{}, err
	}
	p.pending = append(p.pending, ev)
	return ev.Actor, nil
}

// Spawn queues a replicated object for target. It is created in this tick's
// send step.
func (p *Peer) Spawn(target NetworkTarget, desc Spawnable) error {
	return p.handle.Spawn(target, desc)
}

// Tick runs the pipeline once:
//
//  1. accept waiting peers
//  2. receive from every connection
//  3. apply spawns, remove failed connections, repair spawn deficits,
//     apply attribute updates
//  4. run the TickFunc
//  5. mark every attribute dirty if a peer connected
//  6. collect dirty owned attributes
//  7. create queued spawns and send
func (p *Peer) Tick() *Tick {
	p.ticks++
	t := &Tick{Number: p.ticks, peer: p}

	events := p.pending
	p.pending = nil
	if p.listener != nil {
		accepted, err := p.listener.Accept(p.connections)
		if err != nil {
			slog.Error("accept failed", "error", err)
		}
		events = append(events, accepted...)
	}

	messages, received := p.connections.Receive()
	t.Messages = messages
	t.Events = append(events, received...)

	spawned, err := p.spawnKinds.Apply(messages, p.entities)
	if err != nil {
		for _, e := range multierr.Errors(err) {
			slog.Error("spawn discarded", "error", e)
		}
	}
	t.Spawned = spawned

	p.removeDisconnected(t.Events)
	t.Repaired = p.spawns.Detect(p.connections, p.handle)
	t.Applied = p.attributes.Apply(messages, p.entities)

	if p.config.tickFunc != nil {
		p.config.tickFunc(t)
	}

	if t.Connected() {
		p.attributes.MarkAllDirty()
	}
	local := p.connections.LocalActor()
	p.attributes.CollectUpdates(local, p.config.syncTargets, p.handle)

	t.Created = p.handle.ConvertSpawns(p.entities, p.spawns, p.connections)
	out := p.handle.Drain()
	t.Sent = len(out)
	p.pending = append(p.pending, p.connections.Send(out)...)

	p.metrics.setReplicatedObjects(p.entities.Len())
	p.publishStatus()
	return t
}

func (p *Peer) removeDisconnected(events []ConnectionEvent) {
	for _, ev := range events {
		if ev.Kind != Disconnected {
			continue
		}
		if err := p.connections.Remove(ev.Actor.ID); err != nil {
			slog.Warn("remove connection", "actor", ev.Actor, "error", err)
		}
		p.spawns.ForgetConnection(ev.ConnectionID)
	}
}

// Run calls Tick on every tick of the configured clock until ctx is done.
func (p *Peer) Run(ctx context.Context) error {
	ticker := p.config.clock.Ticker(p.config.tickInterval)
	defer ticker.Stop()

	slog.Info("peer running", "actor", p.LocalActor(), "interval", p.config.tickInterval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Tick()
		}
	}
}

// Close stops the admin server and listener and closes every connection.
func (p *Peer) Close() error {
	var err error
	if p.admin != nil {
		p.admin.Stop()
	}
	if p.listener != nil {
		err = multierr.Append(err, p.listener.Close())
	}
	return multierr.Append(err, p.connections.Close())
}

// --- status ---

// PeerStatus is a point-in-time view of a peer, published after every tick.
type PeerStatus struct {
	Role              string             `json:"role"`
	ActorID           ActorID            `json:"actor_id"`
	ActorType         string             `json:"actor_type"`
	Tick              uint64             `json:"tick"`
	ReplicatedObjects int                `json:"replicated_objects"`
	Connections       []ConnectionStatus `json:"connections"`
}

type ConnectionStatus struct {
	ID        ConnectionID `json:"id"`
	ActorID   ActorID      `json:"actor_id"`
	ActorType string       `json:"actor_type"`
	Remote    string       `json:"remote"`
	Loopback  bool         `json:"loopback"`
	Spawned   int          `json:"spawned"`
}

// Status returns the snapshot published by the most recent tick.
func (p *Peer) Status() *PeerStatus {
	return p.status.Load()
}

func (p *Peer) publishStatus() {
	local := p.connections.LocalActor()
	st := &PeerStatus{
		Role:              p.config.role.String(),
		ActorID:           local.ID,
		ActorType:         local.Type.String(),
		Tick:              p.ticks,
		ReplicatedObjects: p.entities.Len(),
		Connections:       make([]ConnectionStatus, 0, p.connections.Len()),
	}
	for _, id := range p.connections.ConnectionIDs() {
		c, _ := p.connections.Connection(id)
		st.Connections = append(st.Connections, ConnectionStatus{
			ID:        id,
			ActorID:   c.Actor().ID,
			ActorType: c.Actor().Type.String(),
			Remote:    c.RemoteAddr(),
			Loopback:  c.Loopback(),
			Spawned:   p.spawns.DeliveredCount(id),
		})
	}
	p.status.Store(st)
}
