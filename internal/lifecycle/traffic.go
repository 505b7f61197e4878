package lifecycle

import (
	"net"
	"sync"
	"sync/atomic"
)

// traffic totals survive restarts of the listener.
type traffic struct {
	in    atomic.Int64
	out   atomic.Int64
	conns atomic.Int64
}

func (t *traffic) snapshot() (in, out, conns int64) {
	return t.in.Load(), t.out.Load(), t.conns.Load()
}

type countingListener struct {
	net.Listener
	t *traffic
}

func (l *countingListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	l.t.conns.Add(1)
	return &countingConn{Conn: c, t: l.t}, nil
}

type countingConn struct {
	net.Conn
	t    *traffic
	once sync.Once
}

func (c *countingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.t.in.Add(int64(n))
	return n, err
}

func (c *countingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.t.out.Add(int64(n))
	return n, err
}

func (c *countingConn) Close() error {
	var err error
	c.once.Do(func() { err = c.Conn.Close() })
	return err
}
