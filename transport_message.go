package replica

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Payload kinds on the wire.
//
// Batch format (the body of one frame):
//
//	[4-byte count]
//	  [1-byte kind][4-byte body length][body]  × count
//
// ComponentUpdate body: [8-byte entity][16-byte attribute tag][4-byte data length][data]
// Spawn body:           [8-byte entity][4-byte data length][data]
const (
	KindComponentUpdate byte = 1
	KindSpawn           byte = 2
)

// Payload is one replicated fact: either the creation of a replicated object
// (Spawn) or a new value for one attribute of one (ComponentUpdate).
type Payload struct {
	Kind      byte
	Entity    NetworkEntity
	Attribute TypeTag // ComponentUpdate only
	Data      []byte
}

// ComponentUpdate builds an attribute update payload.
func ComponentUpdate(target NetworkEntity, attribute TypeTag, data []byte) Payload {
	return Payload{Kind: KindComponentUpdate, Entity: target, Attribute: attribute, Data: data}
}

// Spawn builds a creation payload.
func Spawn(entity NetworkEntity, data []byte) Payload {
	return Payload{Kind: KindSpawn, Entity: entity, Data: data}
}

func (p Payload) String() string {
	switch p.Kind {
	case KindComponentUpdate:
		return fmt.Sprintf("update(%d, %s, %dB)", p.Entity, p.Attribute, len(p.Data))
	case KindSpawn:
		return fmt.Sprintf("spawn(%d, %dB)", p.Entity, len(p.Data))
	default:
		return fmt.Sprintf("payload(kind=%d)", p.Kind)
	}
}

// Message is a received payload with its provenance resolved.
type Message struct {
	Payload  Payload
	Sender   Actor
	Receiver Actor
}

// TargetedPayload pairs an outbound payload with its audience.
type TargetedPayload struct {
	Target  NetworkTarget
	Payload Payload
}

// --- batch codec ---

func encodeBatch(buf *bytes.Buffer, payloads []Payload) error {
	putU32(buf, uint32(len(payloads)))
	for _, p := range payloads {
		buf.WriteByte(p.Kind)
		// Reserve 4 bytes for the body length.
		lenPos := buf.Len()
		var placeholder [4]byte
		buf.Write(placeholder[:])
		start := buf.Len()
		switch p.Kind {
		case KindComponentUpdate:
			putU64(buf, uint64(p.Entity))
			buf.Write(p.Attribute[:])
			putBytes(buf, p.Data)
		case KindSpawn:
			putU64(buf, uint64(p.Entity))
			putBytes(buf, p.Data)
		default:
			return fmt.Errorf("unknown payload kind %d", p.Kind)
		}
		binary.BigEndian.PutUint32(buf.Bytes()[lenPos:], uint32(buf.Len()-start))
	}
	return nil
}

func decodeBatch(data []byte) ([]Payload, error) {
	count, off, err := getU32(data, 0)
	if err != nil {
		return nil, fmt.Errorf("batch count: %w", err)
	}
	// Every payload needs at least a kind byte and a length.
	if int(count) > (len(data)-off)/5 {
		return nil, fmt.Errorf("batch: count %d exceeds frame", count)
	}

	payloads := make([]Payload, 0, count)
	for i := 0; i < int(count); i++ {
		if off >= len(data) {
			return nil, fmt.Errorf("batch: short data for kind at index %d", i)
		}
		kind := data[off]
		off++
		var bodyLen uint32
		if bodyLen, off, err = getU32(data, off); err != nil {
			return nil, fmt.Errorf("batch: body length at index %d: %w", i, err)
		}
		if off+int(bodyLen) > len(data) {
			return nil, fmt.Errorf("batch: short data for body at index %d", i)
		}
		p, err := decodePayload(kind, data[off:off+int(bodyLen)])
		if err != nil {
			return nil, fmt.Errorf("batch sub %d: %w", i, err)
		}
		payloads = append(payloads, p)
		off += int(bodyLen)
	}
	return payloads, nil
}

func decodePayload(kind byte, data []byte) (Payload, error) {
	p := Payload{Kind: kind}
	entity, off, err := getU64(data, 0)
	if err != nil {
		return Payload{}, err
	}
	p.Entity = NetworkEntity(entity)

	switch kind {
	case KindComponentUpdate:
		if off+len(p.Attribute) > len(data) {
			return Payload{}, fmt.Errorf("short data for attribute tag")
		}
		copy(p.Attribute[:], data[off:])
		off += len(p.Attribute)
	case KindSpawn:
	default:
		return Payload{}, fmt.Errorf("unknown payload kind %d", kind)
	}

	if p.Data, _, err = getBytes(data, off); err != nil {
		return Payload{}, err
	}
	return p, nil
}

// --- handshake codec ---
//
//	None:     [0]
//	Override: [1][8-byte sender actor id][8-byte receiver actor id]

const (
	handshakeNone     byte = 0
	handshakeOverride byte = 1
)

func encodeHandshake(buf *bytes.Buffer, h Handshake) {
	if !h.Override {
		buf.WriteByte(handshakeNone)
		return
	}
	buf.WriteByte(handshakeOverride)
	putU64(buf, uint64(h.SenderActorID))
	putU64(buf, uint64(h.ReceiverActorID))
}

func decodeHandshake(data []byte) (Handshake, error) {
	if len(data) < 1 {
		return Handshake{}, fmt.Errorf("short data for handshake variant")
	}
	switch data[0] {
	case handshakeNone:
		return HandshakeNone(), nil
	case handshakeOverride:
		sender, off, err := getU64(data, 1)
		if err != nil {
			return Handshake{}, err
		}
		receiver, _, err := getU64(data, off)
		if err != nil {
			return Handshake{}, err
		}
		return HandshakeOverride(ActorID(sender), ActorID(receiver)), nil
	default:
		return Handshake{}, fmt.Errorf("unknown handshake variant %d", data[0])
	}
}

// --- primitives ---

func putU32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func putU64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func putBytes(buf *bytes.Buffer, b []byte) {
	putU32(buf, uint32(len(b)))
	buf.Write(b)
}

func getU32(data []byte, off int) (uint32, int, error) {
	if off+4 > len(data) {
		return 0, off, fmt.Errorf("short data for uint32")
	}
	return binary.BigEndian.Uint32(data[off:]), off + 4, nil
}

func getU64(data []byte, off int) (uint64, int, error) {
	if off+8 > len(data) {
		return 0, off, fmt.Errorf("short data for uint64")
	}
	return binary.BigEndian.Uint64(data[off:]), off + 8, nil
}

func getBytes(data []byte, off int) ([]byte, int, error) {
	n, off, err := getU32(data, off)
	if err != nil {
		return nil, off, err
	}
	if off+int(n) > len(data) {
		return nil, off, fmt.Errorf("short data for bytes")
	}
	b := make([]byte, n)
	copy(b, data[off:off+int(n)])
	return b, off + int(n), nil
}
