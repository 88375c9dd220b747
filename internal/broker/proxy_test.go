package broker

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// startRecordingServer accepts one connection, captures everything read,
// and echoes a fixed reply once the expected byte count arrives.
func startRecordingServer(t *testing.T, expect int, reply []byte) (addr string, got *bytes.Buffer, wait func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	got = &bytes.Buffer{}
	var mu sync.Mutex
	done := make(chan struct{})
	go func() {
		defer close(done)
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 512)
		read := 0
		for read < expect {
			n, err := c.Read(buf)
			if n > 0 {
				mu.Lock()
				got.Write(buf[:n])
				mu.Unlock()
				read += n
			}
			if err != nil {
				return
			}
		}
		_, _ = c.Write(reply)
	}()
	return ln.Addr().String(), got, func() { <-done }
}

func TestRelayReplaysPrefixBeforeClientBytes(t *testing.T) {
	prefix := []byte("HANDSHAKE-PREFIX")
	body := []byte("client-body")
	reply := []byte("server-reply")
	addr, got, wait := startRecordingServer(t, len(prefix)+len(body), reply)

	client, remote := net.Pipe()
	relayErr := make(chan error, 1)
	var touches atomic.Int32
	go func() {
		relayErr <- Relay(remote, prefix, addr, time.Second, func(time.Time) { touches.Add(1) })
	}()

	if _, err := client.Write(body); err != nil {
		t.Fatalf("client write: %v", err)
	}
	back := make([]byte, len(reply))
	if _, err := io.ReadFull(client, back); err != nil {
		t.Fatalf("client read reply: %v", err)
	}
	if !bytes.Equal(back, reply) {
		t.Fatalf("reply = %q, want %q", back, reply)
	}
	_ = client.Close()
	if err := <-relayErr; err != nil && !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("relay: %v", err)
	}
	wait()

	want := append(append([]byte(nil), prefix...), body...)
	if !bytes.Equal(got.Bytes(), want) {
		t.Fatalf("server saw %q, want prefix before body %q", got.Bytes(), want)
	}
	if touches.Load() < 3 {
		t.Fatalf("touch calls = %d, want at least prefix+body+reply", touches.Load())
	}
}

func TestRelayBackendUnreachable(t *testing.T) {
	// Grab a port and close it so nothing listens there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	client, remote := net.Pipe()
	defer client.Close()
	if err := Relay(remote, []byte("x"), addr, 200*time.Millisecond, func(time.Time) {}); err == nil {
		t.Fatalf("want dial error for unreachable backend")
	}
}

func TestRelayEchoRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go echoServe(ln)

	client, remote := net.Pipe()
	relayErr := make(chan error, 1)
	go func() {
		relayErr <- Relay(remote, nil, ln.Addr().String(), time.Second, func(time.Time) {})
	}()

	for i := 0; i < 5; i++ {
		msg := []byte{byte('a' + i), byte('0' + i)}
		if _, err := client.Write(msg); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		back := make([]byte, len(msg))
		if _, err := io.ReadFull(client, back); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if !bytes.Equal(back, msg) {
			t.Fatalf("echo %d = %q, want %q", i, back, msg)
		}
	}
	_ = client.Close()
	if err := <-relayErr; err != nil && !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("relay: %v", err)
	}
}

func TestCopyTouchCountsChunks(t *testing.T) {
	src := bytes.NewReader(bytes.Repeat([]byte("z"), relayBufSize+10))
	var dst bytes.Buffer
	calls := 0
	if err := copyTouch(&dst, src, func(time.Time) { calls++ }); err != nil {
		t.Fatalf("copyTouch: %v", err)
	}
	if dst.Len() != relayBufSize+10 {
		t.Fatalf("copied %d bytes, want %d", dst.Len(), relayBufSize+10)
	}
	if calls != 2 {
		t.Fatalf("touch calls = %d, want 2 (one per chunk)", calls)
	}
}
