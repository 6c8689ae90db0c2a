package replica

import (
	"bytes"
	"net"
	"time"
)

// ConnectionID is a process-local handle for a Connection. IDs are allocated
// monotonically, never reused and never transmitted.
type ConnectionID uint64

// LocalConnectionID always refers to the in-process loopback connection.
const LocalConnectionID ConnectionID = 0

// connectionInner is the transport under a Connection.
type connectionInner interface {
	send(payloads []Payload) error
	// receive returns at most one batch.
	receive() ([]Payload, ReadOutcome, error)
	loopback() bool
	remoteAddr() string
	close() error
}

// Connection owns one transport and caches the Actor at its far end.
type Connection struct {
	inner connectionInner
	actor Actor
}

func newLoopbackConnection(actor Actor) *Connection {
	return &Connection{inner: &loopbackInner{}, actor: actor}
}

func newSocketConnection(conn net.Conn, actor Actor, cfg connectionConfig, metrics *Metrics) *Connection {
	reader := NewFrameReader(pollConn{Conn: conn, window: cfg.pollWindow}, cfg.oversizedFrame)
	reader.metrics = metrics
	return &Connection{
		inner: &socketInner{
			conn:         conn,
			reader:       reader,
			writeTimeout: cfg.writeTimeout,
			metrics:      metrics,
		},
		actor: actor,
	}
}

// Actor returns the peer at the far end.
func (c *Connection) Actor() Actor {
	return c.actor
}

// Loopback reports whether this is the in-process connection to ourselves.
func (c *Connection) Loopback() bool {
	return c.inner.loopback()
}

// RemoteAddr returns the socket's remote address, or "local".
func (c *Connection) RemoteAddr() string {
	return c.inner.remoteAddr()
}

// Send forwards payloads as one batch. Would-block is swallowed.
func (c *Connection) Send(payloads []Payload) error {
	return c.inner.send(payloads)
}

// Receive collects every complete batch available right now. The loopback
// connection is drained in a single step.
func (c *Connection) Receive() ([]Payload, error) {
	var out []Payload
	for {
		batch, outcome, err := c.inner.receive()
		if err != nil {
			return nil, err
		}
		if outcome == WouldBlock {
			return out, nil
		}
		out = append(out, batch...)
		if c.inner.loopback() {
			return out, nil
		}
	}
}

func (c *Connection) close() error {
	return c.inner.close()
}

// --- loopback ---

type loopbackInner struct {
	payloads []Payload
}

func (l *loopbackInner) send(payloads []Payload) error {
	l.payloads = append(l.payloads, payloads...)
	return nil
}

func (l *loopbackInner) receive() ([]Payload, ReadOutcome, error) {
	out := l.payloads
	l.payloads = nil
	return out, Complete, nil
}

func (l *loopbackInner) loopback() bool     { return true }
func (l *loopbackInner) remoteAddr() string { return "local" }
func (l *loopbackInner) close() error       { return nil }

// --- socket ---

type connectionConfig struct {
	pollWindow       time.Duration
	writeTimeout     time.Duration
	handshakeTimeout time.Duration
	oversizedFrame   int
}

type socketInner struct {
	conn         net.Conn
	reader       *FrameReader
	frameBuf     bytes.Buffer
	writeTimeout time.Duration
	metrics      *Metrics
}

func (s *socketInner) send(payloads []Payload) error {
	n, err := writeFrameTo(s.conn, &s.frameBuf, payloads, s.writeTimeout)
	if n == s.frameBuf.Len() && n > 0 {
		s.metrics.frameSent(n)
	}
	return err
}

func (s *socketInner) receive() ([]Payload, ReadOutcome, error) {
	return s.reader.ReadBatch()
}

func (s *socketInner) loopback() bool     { return false }
func (s *socketInner) remoteAddr() string { return s.conn.RemoteAddr().String() }
func (s *socketInner) close() error       { return s.conn.Close() }
