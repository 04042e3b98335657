package tftp

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig returns short timeouts so retransmit/timeout tests run fast.
func testConfig() Config {
	return Config{
		MaxRetries:       2,
		Timeout:          80 * time.Millisecond,
		WriteLinger:      80 * time.Millisecond,
		CleanupOnFailure: true,
	}
}

func discardLogger() zerolog.Logger { return zerolog.Nop() }

// newLoopbackPair returns a server-side socket and a raw client socket on
// 127.0.0.1, bound to each other's addresses.
func newLoopbackPair(t *testing.T) (server net.PacketConn, client net.PacketConn) {
	t.Helper()
	server, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	client, err = net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { server.Close(); client.Close() })
	return server, client
}

func clientRecv(t *testing.T, conn net.PacketConn, timeout time.Duration) (Packet, net.Addr) {
	t.Helper()
	buf := make([]byte, 4+BlockSize)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	n, from, err := conn.ReadFrom(buf)
	require.NoError(t, err)
	pkt, err := Decode(buf[:n])
	require.NoError(t, err)
	return pkt, from
}

func clientSend(t *testing.T, conn net.PacketConn, to net.Addr, pkt Packet) {
	t.Helper()
	_, err := conn.WriteTo(pkt.Encode(), to)
	require.NoError(t, err)
}

func TestReadSessionSingleEmptyBlock(t *testing.T) {
	server, client := newLoopbackPair(t)
	file, err := os.CreateTemp(t.TempDir(), "empty")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		runReadSession(&peerConn{conn: server, addr: client.LocalAddr()}, file, testConfig(), discardLogger())
		close(done)
	}()

	pkt, from := clientRecv(t, client, time.Second)
	data, ok := pkt.(*Data)
	require.True(t, ok)
	assert.Equal(t, uint16(1), data.Block)
	assert.Empty(t, data.Payload)

	clientSend(t, client, from, &Ack{Block: 1})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session did not complete")
	}
}

func TestReadSessionMultiBlock(t *testing.T) {
	server, client := newLoopbackPair(t)
	content := make([]byte, BlockSize+BlockSize+24)
	for i := range content {
		content[i] = byte(i)
	}
	path := filepath.Join(t.TempDir(), "f.bin")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	file, err := os.Open(path)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		runReadSession(&peerConn{conn: server, addr: client.LocalAddr()}, file, testConfig(), discardLogger())
		close(done)
	}()

	var received []byte
	var peer net.Addr
	for block := uint16(1); ; block++ {
		pkt, from := clientRecv(t, client, time.Second)
		peer = from
		data := pkt.(*Data)
		assert.Equal(t, block, data.Block)
		received = append(received, data.Payload...)
		clientSend(t, client, peer, &Ack{Block: block})
		if len(data.Payload) < BlockSize {
			break
		}
	}

	assert.Equal(t, content, received)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session did not complete")
	}
}

func TestReadSessionDuplicateAckIgnored(t *testing.T) {
	server, client := newLoopbackPair(t)
	content := make([]byte, BlockSize+10)
	path := filepath.Join(t.TempDir(), "f.bin")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	file, err := os.Open(path)
	require.NoError(t, err)

	// The retransmit timer must outlast the quiet window checked below, so a
	// timer-driven DATA(2) retransmit is not mistaken for a reply to the
	// stale ACK.
	cfg := testConfig()
	cfg.Timeout = 500 * time.Millisecond

	done := make(chan struct{})
	go func() {
		runReadSession(&peerConn{conn: server, addr: client.LocalAddr()}, file, cfg, discardLogger())
		close(done)
	}()

	pkt, peer := clientRecv(t, client, time.Second)
	assert.Equal(t, uint16(1), pkt.(*Data).Block)
	clientSend(t, client, peer, &Ack{Block: 1})

	pkt, _ = clientRecv(t, client, time.Second)
	assert.Equal(t, uint16(2), pkt.(*Data).Block)

	// Stale duplicate of the already-acked block 1: must be ignored, no
	// DATA(1) or DATA(2) retransmit should follow it.
	clientSend(t, client, peer, &Ack{Block: 1})

	require.NoError(t, client.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	buf := make([]byte, 4+BlockSize)
	_, _, err = client.ReadFrom(buf)
	assert.Error(t, err, "no packet should arrive in response to the stale ACK")

	clientSend(t, client, peer, &Ack{Block: 2})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session did not complete")
	}
}

func TestReadSessionUnknownTIDGetsErrorWithoutDisturbingSession(t *testing.T) {
	server, client := newLoopbackPair(t)
	stranger, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { stranger.Close() })

	path := filepath.Join(t.TempDir(), "f.bin")
	require.NoError(t, os.WriteFile(path, []byte("hi"), 0o644))
	file, err := os.Open(path)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		runReadSession(&peerConn{conn: server, addr: client.LocalAddr()}, file, testConfig(), discardLogger())
		close(done)
	}()

	pkt, peer := clientRecv(t, client, time.Second)
	require.IsType(t, &Data{}, pkt)

	clientSend(t, stranger, peer, &Ack{Block: 1})
	errPkt, _ := clientRecv(t, stranger, time.Second)
	errp, ok := errPkt.(*ErrorPkt)
	require.True(t, ok)
	assert.Equal(t, ErrUnknownTID, errp.Code)

	clientSend(t, client, peer, &Ack{Block: 1})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session did not complete despite legitimate peer ACK")
	}
}

func TestReadSessionTimesOutAfterMaxRetries(t *testing.T) {
	server, client := newLoopbackPair(t)
	path := filepath.Join(t.TempDir(), "f.bin")
	require.NoError(t, os.WriteFile(path, []byte("hi"), 0o644))
	file, err := os.Open(path)
	require.NoError(t, err)

	cfg := testConfig()
	done := make(chan struct{})
	go func() {
		runReadSession(&peerConn{conn: server, addr: client.LocalAddr()}, file, cfg, discardLogger())
		close(done)
	}()

	seen := 0
	for {
		require.NoError(t, client.SetReadDeadline(time.Now().Add(time.Second)))
		buf := make([]byte, 4+BlockSize)
		_, _, err := client.ReadFrom(buf)
		if err != nil {
			break
		}
		seen++
	}
	// initial send + MaxRetries retransmits
	assert.Equal(t, cfg.MaxRetries+1, seen)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session did not time out")
	}
}

func TestWriteSessionBasic(t *testing.T) {
	server, client := newLoopbackPair(t)
	path := filepath.Join(t.TempDir(), "uploaded.bin")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		runWriteSession(&peerConn{conn: server, addr: client.LocalAddr()}, file, path, testConfig(), discardLogger())
		close(done)
	}()

	pkt, peer := clientRecv(t, client, time.Second)
	ack := pkt.(*Ack)
	assert.Equal(t, uint16(0), ack.Block)

	payload := []byte("hello, tftp")
	clientSend(t, client, peer, &Data{Block: 1, Payload: payload})

	pkt, _ = clientRecv(t, client, time.Second)
	assert.Equal(t, uint16(1), pkt.(*Ack).Block)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not complete")
	}

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestWriteSessionDuplicateDataRetransmitsAckWithoutRewriting(t *testing.T) {
	server, client := newLoopbackPair(t)
	path := filepath.Join(t.TempDir(), "uploaded.bin")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		runWriteSession(&peerConn{conn: server, addr: client.LocalAddr()}, file, path, testConfig(), discardLogger())
		close(done)
	}()

	_, peer := clientRecv(t, client, time.Second) // ACK(0)

	first := make([]byte, BlockSize)
	copy(first, []byte("first block"))
	clientSend(t, client, peer, &Data{Block: 1, Payload: first})
	pkt, _ := clientRecv(t, client, time.Second)
	assert.Equal(t, uint16(1), pkt.(*Ack).Block)

	// Retransmit the same block: must be re-acked, not rewritten.
	clientSend(t, client, peer, &Data{Block: 1, Payload: first})
	pkt, _ = clientRecv(t, client, time.Second)
	assert.Equal(t, uint16(1), pkt.(*Ack).Block)

	final := []byte("tail")
	clientSend(t, client, peer, &Data{Block: 2, Payload: final})
	pkt, _ = clientRecv(t, client, time.Second)
	assert.Equal(t, uint16(2), pkt.(*Ack).Block)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not complete")
	}

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	want := append(append([]byte{}, first...), final...)
	assert.Equal(t, want, got)
}

func TestWriteSessionCleanupOnTimeout(t *testing.T) {
	server, client := newLoopbackPair(t)
	path := filepath.Join(t.TempDir(), "partial.bin")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	require.NoError(t, err)

	cfg := testConfig()
	done := make(chan struct{})
	go func() {
		runWriteSession(&peerConn{conn: server, addr: client.LocalAddr()}, file, path, cfg, discardLogger())
		close(done)
	}()

	clientRecv(t, client, time.Second) // ACK(0)

	// Never send any DATA: the session must retry, time out, and remove
	// the empty file it created rather than leaving a stub behind.
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not time out")
	}

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "partial file should have been removed")
}
