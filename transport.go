package replica

// Wire framing for socket connections.
//
// Invariants:
//   - Wire format: [8-byte big-endian body length][batch body]. The body is a
//     batch of zero or more payloads (see transport_message.go).
//   - Sockets are polled, never blocked on: every read sets a short deadline
//     and a timeout means "nothing more this tick" (WouldBlock), not failure.
//     An idle socket therefore costs one poll window per receive step, so a
//     tick's receive time grows with the number of quiet peers
//     (WithPollWindow tunes it).
//   - A receive drains a socket until it would block. There is no per-tick
//     frame cap: a peer that keeps its socket full holds the receive step
//     for as long as it keeps sending.
//   - A FrameReader keeps at most one outstanding length (nextLen). Once the
//     prefix of a frame has been consumed it is never re-read; later calls
//     only wait for the remaining body bytes. Bytes from a short read are
//     kept, so a frame split across any number of reads decodes intact.
//   - Frames longer than the oversized threshold are logged and counted but
//     still delivered. Only lengths above maxFrameLength are rejected, since
//     they cannot be buffered.
//   - A decode failure is connection-fatal (ErrSerialization): after it the
//     reader's position in the stream is meaningless.

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"golang.org/x/time/rate"
)

const frameHeaderLen = 8

// maxFrameLength bounds the body length a reader will buffer.
const maxFrameLength = 1 << 30

// defaultOversizedFrame is the length above which a frame is reported as
// suspicious. It is a diagnostic, not a protocol limit.
const defaultOversizedFrame = 10000

// readChunkSize is the size of each read from the socket.
const readChunkSize = 64 << 10

// ReadOutcome distinguishes a completed read from "nothing more available
// right now". WouldBlock is never reported as an error.
type ReadOutcome uint8

const (
	Complete ReadOutcome = iota
	WouldBlock
)

func (o ReadOutcome) String() string {
	if o == WouldBlock {
		return "would-block"
	}
	return "complete"
}

// buildFrame encodes payloads as one frame into *frameBuf (no I/O).
func buildFrame(frameBuf *bytes.Buffer, payloads []Payload) error {
	frameBuf.Reset()
	var placeholder [frameHeaderLen]byte
	frameBuf.Write(placeholder[:])

	if err := encodeBatch(frameBuf, payloads); err != nil {
		return fmt.Errorf("%w: %w", ErrSerialization, err)
	}

	binary.BigEndian.PutUint64(frameBuf.Bytes()[:frameHeaderLen], uint64(frameBuf.Len()-frameHeaderLen))
	return nil
}

// writeFrameTo encodes payloads as one frame and writes it to conn. A write
// that times out before any byte leaves is would-block and is swallowed;
// the payloads are dropped and the caller re-sends whatever it still needs
// on a later tick. A write that times out part-way has broken the stream's
// framing and is a transport failure.
func writeFrameTo(conn net.Conn, frameBuf *bytes.Buffer, payloads []Payload, timeout time.Duration) (int, error) {
	if err := buildFrame(frameBuf, payloads); err != nil {
		return 0, err
	}

	if timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrTransport, err)
		}
	}

	n, err := conn.Write(frameBuf.Bytes())
	if err != nil {
		if n == 0 && isWouldBlock(err) {
			return 0, nil
		}
		if n > 0 && n < frameBuf.Len() {
			return n, fmt.Errorf("%w: partial frame write (%d of %d bytes): %w", ErrTransport, n, frameBuf.Len(), err)
		}
		return n, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return n, nil
}

// FrameReader decodes frames from a polled stream.
type FrameReader struct {
	r         io.Reader
	pending   []byte
	nextLen   int64 // -1 until a length prefix has been consumed
	scratch   []byte
	oversized uint64
	metrics   *Metrics
	warn      rate.Sometimes
}

// NewFrameReader returns a reader over r. Frames longer than oversized bytes
// are reported; pass 0 for the default threshold.
func NewFrameReader(r io.Reader, oversized int) *FrameReader {
	if oversized <= 0 {
		oversized = defaultOversizedFrame
	}
	return &FrameReader{
		r:         r,
		nextLen:   -1,
		oversized: uint64(oversized),
		warn:      rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
}

// ReadBatch reads the next complete frame. It returns WouldBlock when the
// underlying stream has no more bytes right now; any bytes already read are
// kept for the next call.
func (f *FrameReader) ReadBatch() ([]Payload, ReadOutcome, error) {
	if f.nextLen < 0 {
		outcome, err := f.fill(frameHeaderLen)
		if err != nil || outcome == WouldBlock {
			return nil, outcome, err
		}
		n := binary.BigEndian.Uint64(f.pending[:frameHeaderLen])
		f.consume(frameHeaderLen)

		if n > maxFrameLength {
			return nil, Complete, fmt.Errorf("%w: frame length %d exceeds %d", ErrSerialization, n, maxFrameLength)
		}
		if n > f.oversized {
			f.metrics.oversizedFrame()
			f.warn.Do(func() {
				slog.Warn("oversized frame", "length", n, "threshold", f.oversized)
			})
		}
		f.nextLen = int64(n)
	}

	outcome, err := f.fill(int(f.nextLen))
	if err != nil || outcome == WouldBlock {
		return nil, outcome, err
	}

	n := int(f.nextLen)
	payloads, err := decodeBatch(f.pending[:n])
	f.consume(n)
	f.nextLen = -1
	f.metrics.frameReceived(frameHeaderLen + n)
	if err != nil {
		return nil, Complete, fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	return payloads, Complete, nil
}

// Pending reports the expected body length of a frame whose prefix has been
// read but whose body has not fully arrived.
func (f *FrameReader) Pending() (int, bool) {
	if f.nextLen < 0 {
		return 0, false
	}
	return int(f.nextLen), true
}

// fill reads until at least n bytes are buffered.
func (f *FrameReader) fill(n int) (ReadOutcome, error) {
	for len(f.pending) < n {
		if f.scratch == nil {
			f.scratch = make([]byte, readChunkSize)
		}
		m, err := f.r.Read(f.scratch)
		if m > 0 {
			f.pending = append(f.pending, f.scratch[:m]...)
		}
		if err != nil {
			if len(f.pending) >= n {
				// Deliver what we have; the error will repeat on the next read.
				break
			}
			if isWouldBlock(err) {
				return WouldBlock, nil
			}
			return Complete, fmt.Errorf("%w: %w", ErrTransport, err)
		}
		if m == 0 {
			return WouldBlock, nil
		}
	}
	return Complete, nil
}

func (f *FrameReader) consume(n int) {
	f.pending = append(f.pending[:0], f.pending[n:]...)
}

// isWouldBlock reports whether err only means the poll window elapsed.
func isWouldBlock(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// pollConn makes every Read a bounded poll: the read deadline is pushed
// window into the future before each call, so Read returns promptly with a
// timeout when no bytes are waiting.
type pollConn struct {
	net.Conn
	window time.Duration
}

func (c pollConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.window)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}
