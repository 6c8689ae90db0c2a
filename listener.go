package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// Listener accepts peers on a TCP socket without blocking the tick. Each
// Accept call drains the backlog and handshakes every waiting peer.
type Listener struct {
	ln       *net.TCPListener
	peerType ActorType
	window   time.Duration
}

// Listen binds addr. Accepted peers are installed with type peerType.
func Listen(addr string, peerType ActorType, window time.Duration) (*Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %w", ErrTransport, addr, err)
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %w", ErrTransport, addr, err)
	}
	if window <= 0 {
		window = time.Millisecond
	}
	slog.Info("listening for peers", "addr", ln.Addr().String())
	return &Listener{ln: ln, peerType: peerType, window: window}, nil
}

// Addr returns the bound address (useful when binding to ":0").
func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

// Accept installs every peer waiting in the backlog. Each is sent an
// Override handshake naming the local actor and a freshly minted id for the
// peer. Peers whose handshake fails are logged and dropped.
func (l *Listener) Accept(connections *ConnectionManager) ([]ConnectionEvent, error) {
	var events []ConnectionEvent
	for {
		if err := l.ln.SetDeadline(time.Now().Add(l.window)); err != nil {
			return events, fmt.Errorf("%w: accept deadline: %w", ErrTransport, err)
		}
		conn, err := l.ln.AcceptTCP()
		if err != nil {
			if isWouldBlock(err) {
				return events, nil
			}
			return events, fmt.Errorf("%w: accept: %w", ErrTransport, err)
		}

		send := HandshakeOverride(connections.LocalActor().ID, connections.GenerateActorID())
		ev, err := connections.AddConnection(conn, l.peerType, send)
		if err != nil {
			slog.Warn("peer rejected", "remote", conn.RemoteAddr().String(), "error", err)
			continue
		}
		events = append(events, ev)
	}
}

func (l *Listener) Close() error {
	err := l.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Dial connects to a listening peer and runs the handshake. The dialer sends
// None and adopts the ids the listener assigns.
func Dial(ctx context.Context, connections *ConnectionManager, addr string, peerType ActorType) (ConnectionEvent, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return ConnectionEvent{}, fmt.Errorf("%w: dial %s: %w", ErrTransport, addr, err)
	}
	return connections.AddConnection(conn, peerType, HandshakeNone())
}
