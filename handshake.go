package replica

// Handshake runs once per socket, before the connection is installed. Both
// sides write one handshake frame and then read one back, with the socket in
// blocking mode (a deadline bounds the exchange). The frame uses the same
// 8-byte length prefix as steady-state traffic but carries a single
// handshake, not a batch.
//
// Resolution, from the point of view of the side running it:
//   - remote sent Override: adopt its ReceiverActorID as our own id; the
//     remote is SenderActorID.
//   - remote sent None and we sent Override: the remote is the
//     ReceiverActorID we assigned.
//   - both sent None: we mint a fresh id for the remote.

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// maxHandshakeLen bounds the handshake body; the largest variant is 17 bytes.
const maxHandshakeLen = 64

// defaultHandshakeTimeout bounds the blocking handshake exchange.
const defaultHandshakeTimeout = 5 * time.Second

// Handshake is either None (no opinion) or Override, which assigns the ids
// of both ends.
type Handshake struct {
	Override        bool
	SenderActorID   ActorID
	ReceiverActorID ActorID
}

func HandshakeNone() Handshake {
	return Handshake{}
}

func HandshakeOverride(sender, receiver ActorID) Handshake {
	return Handshake{Override: true, SenderActorID: sender, ReceiverActorID: receiver}
}

func (h Handshake) String() string {
	if !h.Override {
		return "none"
	}
	return fmt.Sprintf("override(sender=%d, receiver=%d)", h.SenderActorID, h.ReceiverActorID)
}

// handshakeResult is what a resolved handshake tells the local side.
type handshakeResult struct {
	remoteID   ActorID
	localID    ActorID
	adoptLocal bool // true if localID must replace the current local id
	mint       bool // true if remoteID must be freshly minted
}

// resolveHandshake applies the resolution rule to what we sent and what the
// remote sent back.
func resolveHandshake(sent, received Handshake) handshakeResult {
	if received.Override {
		return handshakeResult{
			remoteID:   received.SenderActorID,
			localID:    received.ReceiverActorID,
			adoptLocal: true,
		}
	}
	if sent.Override {
		return handshakeResult{remoteID: sent.ReceiverActorID}
	}
	return handshakeResult{mint: true}
}

// exchangeHandshake writes send to conn and reads the remote's handshake.
func exchangeHandshake(conn net.Conn, send Handshake, timeout time.Duration) (Handshake, error) {
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return Handshake{}, fmt.Errorf("%w: handshake deadline: %w", ErrTransport, err)
	}

	if err := writeHandshake(conn, send); err != nil {
		return Handshake{}, err
	}
	received, err := readHandshake(conn)
	if err != nil {
		return Handshake{}, err
	}

	// Clear the handshake deadline; steady-state I/O sets its own.
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return Handshake{}, fmt.Errorf("%w: handshake deadline: %w", ErrTransport, err)
	}
	return received, nil
}

func writeHandshake(w io.Writer, h Handshake) error {
	var buf bytes.Buffer
	var placeholder [frameHeaderLen]byte
	buf.Write(placeholder[:])
	encodeHandshake(&buf, h)
	binary.BigEndian.PutUint64(buf.Bytes()[:frameHeaderLen], uint64(buf.Len()-frameHeaderLen))

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("%w: handshake write: %w", ErrTransport, err)
	}
	return nil
}

func readHandshake(r io.Reader) (Handshake, error) {
	var lenBuf [frameHeaderLen]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Handshake{}, fmt.Errorf("%w: handshake read length: %w", ErrTransport, err)
	}
	n := binary.BigEndian.Uint64(lenBuf[:])
	if n == 0 || n > maxHandshakeLen {
		return Handshake{}, fmt.Errorf("%w: invalid handshake length %d", ErrSerialization, n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Handshake{}, fmt.Errorf("%w: handshake read body: %w", ErrTransport, err)
	}

	h, err := decodeHandshake(body)
	if err != nil {
		return Handshake{}, fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	return h, nil
}
