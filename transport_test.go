package replica

import (
	"bytes"
	"encoding/binary"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkReader hands out at most chunk bytes per Read and reports a deadline
// timeout once it has nothing left, like a polled socket.
type chunkReader struct {
	data  []byte
	chunk int
	reads int
}

func (r *chunkReader) feed(b []byte) {
	r.data = append(r.data, b...)
}

func (r *chunkReader) Read(p []byte) (int, error) {
	r.reads++
	if len(r.data) == 0 {
		return 0, os.ErrDeadlineExceeded
	}
	n := min(r.chunk, len(p), len(r.data))
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func frameBytes(t *testing.T, payloads []Payload) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, buildFrame(&buf, payloads))
	return append([]byte(nil), buf.Bytes()...)
}

func testBatches() [][]Payload {
	tag := NewTypeTag("test.position")
	return [][]Payload{
		{Spawn(1, []byte("descriptor-1"))},
		{
			ComponentUpdate(1, tag, []byte{0x01, 0x02, 0x03}),
			ComponentUpdate(2, tag, bytes.Repeat([]byte{0xAB}, 300)),
			Spawn(9, []byte("descriptor-9")),
		},
		{},
		{ComponentUpdate(1<<40, tag, []byte("x"))},
	}
}

// drain reads batches until WouldBlock.
func drain(t *testing.T, f *FrameReader) [][]Payload {
	t.Helper()
	var out [][]Payload
	for {
		batch, outcome, err := f.ReadBatch()
		require.NoError(t, err)
		if outcome == WouldBlock {
			return out
		}
		out = append(out, batch)
	}
}

func normalize(batches [][]Payload) [][]Payload {
	out := make([][]Payload, len(batches))
	for i, b := range batches {
		out[i] = append([]Payload{}, b...)
	}
	return out
}

func TestFrameRoundTrip_Whole(t *testing.T) {
	batches := testBatches()
	r := &chunkReader{chunk: readChunkSize}
	for _, b := range batches {
		r.feed(frameBytes(t, b))
	}

	got := drain(t, NewFrameReader(r, 0))
	assert.Equal(t, normalize(batches), normalize(got))
}

func TestFrameRoundTrip_SplitReads(t *testing.T) {
	batches := testBatches()
	var stream []byte
	for _, b := range batches {
		stream = append(stream, frameBytes(t, b)...)
	}

	for _, chunk := range []int{1, 3, 7, 8, 9, 64} {
		r := &chunkReader{chunk: chunk}
		r.feed(stream)
		got := drain(t, NewFrameReader(r, 0))
		assert.Equal(t, normalize(batches), normalize(got), "chunk=%d", chunk)
	}
}

// Every split point of the stream, delivered as two separate polls with a
// would-block in between, must decode to the same batches.
func TestFrameRoundTrip_EverySplitPoint(t *testing.T) {
	batches := testBatches()[:2]
	var stream []byte
	for _, b := range batches {
		stream = append(stream, frameBytes(t, b)...)
	}

	for split := 0; split <= len(stream); split++ {
		r := &chunkReader{chunk: 5}
		f := NewFrameReader(r, 0)

		r.feed(stream[:split])
		got := drain(t, f)
		r.feed(stream[split:])
		got = append(got, drain(t, f)...)

		require.Equal(t, normalize(batches), normalize(got), "split=%d", split)
		_, pending := f.Pending()
		require.False(t, pending, "split=%d", split)
	}
}

func TestFrameReader_LengthPrefixReadOnce(t *testing.T) {
	payloads := []Payload{Spawn(4, bytes.Repeat([]byte("z"), 100))}
	frame := frameBytes(t, payloads)

	r := &chunkReader{chunk: 1024}
	f := NewFrameReader(r, 0)

	// Prefix plus part of the body.
	r.feed(frame[:frameHeaderLen+10])
	batch, outcome, err := f.ReadBatch()
	require.NoError(t, err)
	assert.Equal(t, WouldBlock, outcome)
	assert.Nil(t, batch)

	n, ok := f.Pending()
	require.True(t, ok)
	assert.Equal(t, len(frame)-frameHeaderLen, n)

	// Nothing new: still pending, same length.
	_, outcome, err = f.ReadBatch()
	require.NoError(t, err)
	assert.Equal(t, WouldBlock, outcome)
	n2, _ := f.Pending()
	assert.Equal(t, n, n2)

	r.feed(frame[frameHeaderLen+10:])
	batch, outcome, err = f.ReadBatch()
	require.NoError(t, err)
	assert.Equal(t, Complete, outcome)
	assert.Equal(t, payloads, batch)

	_, ok = f.Pending()
	assert.False(t, ok)
}

func TestFrameReader_EmptyStreamWouldBlock(t *testing.T) {
	f := NewFrameReader(&chunkReader{chunk: 8}, 0)
	batch, outcome, err := f.ReadBatch()
	require.NoError(t, err)
	assert.Equal(t, WouldBlock, outcome)
	assert.Nil(t, batch)
}

func TestFrameReader_OversizedDelivered(t *testing.T) {
	reg := prometheus.NewRegistry()
	payloads := []Payload{Spawn(1, bytes.Repeat([]byte("a"), 64))}

	r := &chunkReader{chunk: readChunkSize}
	r.feed(frameBytes(t, payloads))
	f := NewFrameReader(r, 16)
	f.metrics = newMetrics(reg)

	batch, outcome, err := f.ReadBatch()
	require.NoError(t, err)
	assert.Equal(t, Complete, outcome)
	assert.Equal(t, payloads, batch)
	assert.Equal(t, 1.0, counterValue(t, reg, "replica_oversized_frames_total"))
	assert.Equal(t, 1.0, counterValue(t, reg, "replica_frames_received_total"))
}

func TestFrameReader_ImplausibleLength(t *testing.T) {
	var prefix [frameHeaderLen]byte
	binary.BigEndian.PutUint64(prefix[:], maxFrameLength+1)

	r := &chunkReader{chunk: readChunkSize}
	r.feed(prefix[:])
	_, _, err := NewFrameReader(r, 0).ReadBatch()
	assert.ErrorIs(t, err, ErrSerialization)
}

func TestFrameReader_MalformedBody(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{"short count", []byte{0, 0}},
		{"count exceeds frame", []byte{0, 0, 0, 9, 1}},
		{"unknown kind", []byte{0, 0, 0, 1, 7, 0, 0, 0, 8, 0, 0, 0, 0, 0, 0, 0, 1}},
		{"truncated body", []byte{0, 0, 0, 1, KindSpawn, 0, 0, 0, 20, 0, 0}},
		{"short attribute tag", []byte{0, 0, 0, 1, KindComponentUpdate, 0, 0, 0, 10, 0, 0, 0, 0, 0, 0, 0, 1, 0xAA, 0xBB}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var prefix [frameHeaderLen]byte
			binary.BigEndian.PutUint64(prefix[:], uint64(len(tt.body)))

			r := &chunkReader{chunk: readChunkSize}
			r.feed(prefix[:])
			r.feed(tt.body)
			_, _, err := NewFrameReader(r, 0).ReadBatch()
			assert.ErrorIs(t, err, ErrSerialization)
		})
	}
}

func TestBuildFrame_UnknownKind(t *testing.T) {
	var buf bytes.Buffer
	err := buildFrame(&buf, []Payload{{Kind: 42}})
	assert.ErrorIs(t, err, ErrSerialization)
}

func TestBuildFrame_LengthPrefix(t *testing.T) {
	frame := frameBytes(t, []Payload{Spawn(3, []byte("abc"))})
	n := binary.BigEndian.Uint64(frame[:frameHeaderLen])
	assert.Equal(t, uint64(len(frame)-frameHeaderLen), n)

	// count(4) + kind(1) + bodyLen(4) + entity(8) + dataLen(4) + data(3)
	assert.Equal(t, uint64(24), n)
}

// --- socket polling ---

func TestSocketPoll_WouldBlockThenComplete(t *testing.T) {
	server, client := tcpPair(t)

	f := NewFrameReader(pollConn{Conn: server, window: time.Millisecond}, 0)
	_, outcome, err := f.ReadBatch()
	require.NoError(t, err)
	assert.Equal(t, WouldBlock, outcome)

	payloads := []Payload{Spawn(5, []byte("over tcp"))}
	var buf bytes.Buffer
	n, err := writeFrameTo(client, &buf, payloads, time.Second)
	require.NoError(t, err)
	assert.Equal(t, buf.Len(), n)

	var got []Payload
	require.Eventually(t, func() bool {
		batch, outcome, err := f.ReadBatch()
		if !assert.NoError(t, err) {
			return true
		}
		if outcome == Complete {
			got = batch
			return true
		}
		return false
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, payloads, got)
}

func TestSocketPoll_ClosedPeerIsTransportFailure(t *testing.T) {
	server, client := tcpPair(t)
	client.Close()

	f := NewFrameReader(pollConn{Conn: server, window: time.Millisecond}, 0)
	require.Eventually(t, func() bool {
		_, outcome, err := f.ReadBatch()
		if err != nil {
			assert.ErrorIs(t, err, ErrTransport)
			return true
		}
		assert.Equal(t, WouldBlock, outcome)
		return false
	}, 2*time.Second, time.Millisecond)
}

func TestWriteFrame_WouldBlockSwallowed(t *testing.T) {
	conn := &stalledConn{err: os.ErrDeadlineExceeded}
	var buf bytes.Buffer

	n, err := writeFrameTo(conn, &buf, []Payload{Spawn(1, []byte("x"))}, 10*time.Millisecond)
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, conn.writes)
}

func TestWriteFrame_PartialWriteIsFatal(t *testing.T) {
	conn := &stalledConn{n: 3, err: os.ErrDeadlineExceeded}
	var buf bytes.Buffer

	n, err := writeFrameTo(conn, &buf, []Payload{Spawn(1, []byte("partial"))}, 10*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, 3, n)
	assert.Less(t, n, buf.Len())
}

func TestWriteFrame_SocketErrorIsFatal(t *testing.T) {
	conn := &stalledConn{err: os.ErrClosed}
	var buf bytes.Buffer

	_, err := writeFrameTo(conn, &buf, []Payload{Spawn(1, nil)}, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestIsWouldBlock(t *testing.T) {
	assert.True(t, isWouldBlock(os.ErrDeadlineExceeded))
	assert.False(t, isWouldBlock(os.ErrClosed))
	assert.False(t, isWouldBlock(ErrTransport))
}
