package broker

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// relayBufSize matches the data plane's per-direction copy buffer.
const relayBufSize = 32 * 1024

// Relay connects to the per-user server, replays the sniffed prefix
// verbatim, then pumps bytes both ways until one side errors or both
// sides drain. Each direction runs independently; EOF on one leg
// half-closes the other so the opposite direction keeps flowing. Every
// iteration that moves bytes calls touch.
//
// A relay error ends this connection only; the session and its process
// are none of Relay's business.
func Relay(client net.Conn, prefix []byte, serverAddr string, dialTimeout time.Duration, touch func(time.Time)) error {
	server, err := net.DialTimeout("tcp", serverAddr, dialTimeout)
	if err != nil {
		return fmt.Errorf("connect per-user server %s: %w", serverAddr, err)
	}
	defer server.Close()

	if len(prefix) > 0 {
		if _, err := server.Write(prefix); err != nil {
			return fmt.Errorf("replay handshake prefix: %w", err)
		}
		touch(time.Now())
	}

	type result struct {
		err error
	}
	done := make(chan result, 2)
	run := func(dst, src net.Conn) {
		err := copyTouch(dst, src, touch)
		// EOF: half-close toward dst, let the other leg finish.
		if err == nil {
			if tc, ok := dst.(*net.TCPConn); ok {
				_ = tc.CloseWrite()
			}
		}
		done <- result{err: err}
	}
	go run(server, client)
	go run(client, server)

	first := <-done
	if first.err != nil {
		// One leg failed: tear down both, the peer read unblocks.
		_ = client.Close()
		_ = server.Close()
		<-done
		return first.err
	}
	second := <-done
	if second.err != nil && !errors.Is(second.err, net.ErrClosed) {
		return second.err
	}
	return nil
}

// copyTouch is io.Copy with an activity callback per transferred chunk.
// It returns nil on clean EOF.
func copyTouch(dst io.Writer, src io.Reader, touch func(time.Time)) error {
	buf := make([]byte, relayBufSize)
	for {
		nr, er := src.Read(buf)
		if nr > 0 {
			nw, ew := dst.Write(buf[:nr])
			if nw > 0 {
				touch(time.Now())
			}
			if ew != nil {
				return ew
			}
			if nw != nr {
				return io.ErrShortWrite
			}
		}
		if er != nil {
			if er == io.EOF {
				return nil
			}
			return er
		}
	}
}
