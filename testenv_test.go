package replica

import (
	"bufio"
	"context"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestMain loads a .env file (if present) before running tests, so that
// REPLICA_TEST_LOG_LEVEL can be set without exporting it in the shell.
// Lines must be KEY=VALUE (no quotes are stripped, # comments and blank
// lines are skipped).
func TestMain(m *testing.M) {
	loadDotEnv(".env")
	if s := os.Getenv("REPLICA_TEST_LOG_LEVEL"); s != "" {
		if level, err := ParseLogLevel(s); err == nil {
			InitLogger(level)
		}
	}
	os.Exit(m.Run())
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return // file not found, not an error
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		// Don't overwrite existing env vars (explicit env takes precedence).
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// --- shared fixtures ---

// marker is a spawn descriptor used across tests.
type marker struct {
	Name string
}

var markerKind = NewTypeTag("test.marker")

func (marker) SpawnKind() TypeTag { return markerKind }

// testWorld is a minimal game state: it hands out entity handles and
// remembers what each spawn carried.
type testWorld struct {
	next    EntityHandle
	markers map[EntityHandle]marker
	senders map[EntityHandle]Actor
	label   *AttributeSync[string]
}

func newTestWorld(t *testing.T, p *Peer) *testWorld {
	t.Helper()
	w := &testWorld{
		next:    100,
		markers: make(map[EntityHandle]marker),
		senders: make(map[EntityHandle]Actor),
	}
	label, err := RegisterAttribute(p.Attributes(), "test.label", GobCodec[string]())
	require.NoError(t, err)
	w.label = label

	RegisterSpawnKind(p.SpawnKinds(), func(ctx SpawnContext, entity NetworkEntity, m marker) (EntityHandle, error) {
		h := w.next
		w.next++
		w.markers[h] = m
		w.senders[h] = ctx.Sender
		w.label.Attach(h, entity, m.Name, OwnedByActorType(CoordinatorType))
		return h, nil
	})
	return w
}

func newTestPeer(t *testing.T, role Role, opts ...Option) *Peer {
	t.Helper()
	p, err := NewPeer(append([]Option{WithRole(role)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

// joinPeer dials coordinator from participant, ticking the coordinator until
// it has accepted.
func joinPeer(t *testing.T, coordinator, participant *Peer) {
	t.Helper()

	errCh := make(chan error, 1)
	go func() {
		_, err := participant.Dial(context.Background(), coordinator.ListenAddr())
		errCh <- err
	}()

	deadline := time.After(5 * time.Second)
	for {
		coordinator.Tick()
		select {
		case err := <-errCh:
			require.NoError(t, err)
			return
		case <-deadline:
			t.Fatal("timed out waiting for handshake")
		default:
		}
	}
}

// tickUntil ticks p until cond holds or the deadline passes.
func tickUntil(t *testing.T, p *Peer, cond func(*Tick) bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond(p.Tick()) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached")
}

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (server, client net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server, ok := <-accepted
	require.True(t, ok, "accept failed")

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return server, client
}

// recordingInner is a connectionInner that records sent batches and can be
// made to fail.
type recordingInner struct {
	batches [][]Payload
	sendErr error
	recvErr error
	inbox   []Payload
}

func (r *recordingInner) send(payloads []Payload) error {
	if r.sendErr != nil {
		return r.sendErr
	}
	r.batches = append(r.batches, append([]Payload(nil), payloads...))
	return nil
}

func (r *recordingInner) receive() ([]Payload, ReadOutcome, error) {
	if r.recvErr != nil {
		return nil, Complete, r.recvErr
	}
	if len(r.inbox) == 0 {
		return nil, WouldBlock, nil
	}
	out := r.inbox
	r.inbox = nil
	return out, Complete, nil
}

func (r *recordingInner) loopback() bool     { return false }
func (r *recordingInner) remoteAddr() string { return "test" }
func (r *recordingInner) close() error       { return nil }

// installTestActor adds a socket-less connection for actor to m.
func installTestActor(m *ConnectionManager, actor Actor) (ConnectionID, *recordingInner) {
	inner := &recordingInner{}
	id := m.generateConnectionID()
	m.connections[id] = &Connection{inner: inner, actor: actor}
	m.connectionIDs[actor.ID] = id
	m.reserveActorID(actor.ID)
	return id, inner
}

// stalledConn is a net.Conn whose writes stop after n bytes with err, like a
// socket whose send buffer is full when the write deadline passes.
type stalledConn struct {
	net.Conn
	n      int
	err    error
	writes int
}

func (c *stalledConn) Write(p []byte) (int, error) {
	c.writes++
	return min(c.n, len(p)), c.err
}

func (c *stalledConn) Read([]byte) (int, error)         { return 0, os.ErrDeadlineExceeded }
func (c *stalledConn) SetReadDeadline(time.Time) error  { return nil }
func (c *stalledConn) SetWriteDeadline(time.Time) error { return nil }
func (c *stalledConn) Close() error                     { return nil }
func (c *stalledConn) RemoteAddr() net.Addr             { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1} }
