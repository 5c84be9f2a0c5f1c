package daemon

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// idleConn closes a connection that has seen no traffic in either
// direction for the idle timeout. It also lets the read side be shut down
// independently of the write side.
type idleConn struct {
	net.Conn
	timeout time.Duration

	last int64 // unix nanoseconds of the last transfer

	mu         sync.Mutex
	readClosed bool
}

func newIdleConn(c net.Conn, timeout time.Duration) *idleConn {
	ic := &idleConn{Conn: c, timeout: timeout}
	ic.touch()
	return ic
}

func (c *idleConn) touch() { atomic.StoreInt64(&c.last, time.Now().UnixNano()) }

func (c *idleConn) idle() time.Duration {
	return time.Since(time.Unix(0, atomic.LoadInt64(&c.last)))
}

func (c *idleConn) Read(b []byte) (int, error) {
	for {
		c.mu.Lock()
		if c.readClosed {
			c.mu.Unlock()
			return 0, io.EOF
		}
		if c.timeout > 0 {
			c.Conn.SetReadDeadline(time.Now().Add(c.timeout - c.idle()))
		}
		c.mu.Unlock()

		n, err := c.Conn.Read(b)
		if n > 0 {
			c.touch()
		}
		if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
			if c.isReadClosed() {
				return n, io.EOF
			}
			// the peer may still be receiving; only give up once the
			// connection as a whole has been idle long enough
			if n == 0 && c.idle() < c.timeout {
				continue
			}
		}
		return n, err
	}
}

func (c *idleConn) Write(b []byte) (int, error) {
	if c.timeout > 0 {
		c.Conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.touch()
	}
	return n, err
}

// CloseRead makes pending and future reads return io.EOF. The write side
// stays usable.
func (c *idleConn) CloseRead() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readClosed = true
	return c.Conn.SetReadDeadline(time.Now())
}

func (c *idleConn) isReadClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readClosed
}
