package main

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/ironfang-ltd/go-replica"
)

// player is the demo's replicated object kind. Owner is the participant
// whose position updates the object accepts.
type player struct {
	Owner replica.ActorID
}

var playerKind = replica.NewTypeTag("replica-demo.player")

func (player) SpawnKind() replica.TypeTag { return playerKind }

type position struct {
	X, Y float64
}

var labelCodec = replica.AttributeCodec[string]{
	Encode: func(s string) ([]byte, error) { return []byte(s), nil },
	Decode: func(b []byte) (string, error) { return string(b), nil },
}

// world is the demo's game state: a set of players keyed by local handle.
type world struct {
	name    string
	next    replica.EntityHandle
	players map[replica.EntityHandle]player

	position *replica.AttributeSync[position]
	label    *replica.AttributeSync[string]
}

func newWorld(name string, peer *replica.Peer) (*world, error) {
	w := &world{name: name, next: 1, players: make(map[replica.EntityHandle]player)}

	var err error
	if w.position, err = replica.RegisterAttribute(peer.Attributes(), "replica-demo.position", replica.GobCodec[position]()); err != nil {
		return nil, err
	}
	if w.label, err = replica.RegisterAttribute(peer.Attributes(), "replica-demo.label", labelCodec); err != nil {
		return nil, err
	}
	replica.RegisterSpawnKind(peer.SpawnKinds(), w.spawnPlayer)
	return w, nil
}

func (w *world) spawnPlayer(ctx replica.SpawnContext, entity replica.NetworkEntity, p player) (replica.EntityHandle, error) {
	h := w.next
	w.next++
	w.players[h] = p

	w.position.Attach(h, entity, position{}, replica.OwnedByActorID(p.Owner))
	w.label.Attach(h, entity, fmt.Sprintf("player-%d", p.Owner), replica.OwnedByActorType(replica.CoordinatorType))

	slog.Info("player spawned", "world", w.name, "entity", entity, "owner", p.Owner, "from", ctx.SenderID())
	return h, nil
}

// coordinatorTick spawns a player for every participant that joins and
// relabels players once a second.
func (w *world) coordinatorTick(t *replica.Tick) {
	for _, ev := range t.Events {
		if ev.Kind != replica.Connected {
			continue
		}
		if err := t.Spawn(replica.TargetAll(), player{Owner: ev.Actor.ID}); err != nil {
			slog.Error("spawn player", "error", err)
		}
	}
	if t.Number%20 != 0 {
		return
	}
	for h, p := range w.players {
		pos, _ := w.position.Get(h)
		w.label.Set(h, fmt.Sprintf("player-%d at (%.1f, %.1f)", p.Owner, pos.X, pos.Y))
	}
}

// participantTick walks the local player in a circle.
func (w *world) participantTick(t *replica.Tick) {
	local := t.Local().ID
	for h, p := range w.players {
		if p.Owner != local {
			continue
		}
		angle := float64(t.Number) / 20
		w.position.Set(h, position{X: math.Cos(angle) * 10, Y: math.Sin(angle) * 10})
	}
}

func (w *world) dump() {
	for h, p := range w.players {
		pos, _ := w.position.Get(h)
		label, _ := w.label.Get(h)
		fmt.Printf("[%s] player owner=%d pos=(%.1f, %.1f) label=%q\n", w.name, p.Owner, pos.X, pos.Y, label)
	}
}
