package httpx

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

const reclaimInterval = 50 * time.Millisecond

// ConnObserver receives pool connection lifecycle events. Route is the
// dialed host:port, which is the proxy address when a proxy is configured.
type ConnObserver interface {
	ConnOpened(route string)
	ConnClosed(route string)
}

// boundedDialer enforces the pool-wide connection cap. A slot is held from
// dial until the connection is closed.
type boundedDialer struct {
	dialer      *net.Dialer
	slots       *semaphore.Weighted
	readTimeout time.Duration
	observer    ConnObserver

	// reclaimIdle closes idle pooled connections so they give their slots
	// back. It runs while a dial waits on a full pool.
	reclaimIdle func()

	open atomic.Int64
}

func newBoundedDialer(dialer *net.Dialer, maxTotal int, readTimeout time.Duration, observer ConnObserver) *boundedDialer {
	d := &boundedDialer{
		dialer:      dialer,
		readTimeout: readTimeout,
		observer:    observer,
	}
	if maxTotal > 0 {
		d.slots = semaphore.NewWeighted(int64(maxTotal))
	}
	return d
}

func (d *boundedDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if err := d.acquire(ctx); err != nil {
		return nil, err
	}

	conn, err := d.dialer.DialContext(ctx, network, addr)
	if err != nil {
		d.release()
		return nil, err
	}

	d.open.Add(1)
	if d.observer != nil {
		d.observer.ConnOpened(addr)
	}

	return &pooledConn{
		Conn:        conn,
		readTimeout: d.readTimeout,
		onClose: func() {
			d.open.Add(-1)
			d.release()
			if d.observer != nil {
				d.observer.ConnClosed(addr)
			}
		},
	}, nil
}

func (d *boundedDialer) acquire(ctx context.Context) error {
	if d.slots == nil {
		return nil
	}
	for {
		if d.slots.TryAcquire(1) {
			return nil
		}
		// Connections go back to the idle list after the dial started
		// waiting, so reclaim on every round rather than once.
		if d.reclaimIdle != nil {
			d.reclaimIdle()
		}

		waitCtx, cancel := context.WithTimeout(ctx, reclaimInterval)
		err := d.slots.Acquire(waitCtx, 1)
		cancel()
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
}

func (d *boundedDialer) release() {
	if d.slots != nil {
		d.slots.Release(1)
	}
}

// pooledConn applies the read timeout only while an exchange is in flight.
// Writing a request arms the deadline and every read re-arms it, the
// equivalent of a socket-level read timeout. Once the response has been
// consumed the transport parks the connection and keeps a background read
// pending on it; release clears the deadline so that read never times out
// while the connection sits idle.
type pooledConn struct {
	net.Conn
	readTimeout time.Duration

	mu     sync.Mutex
	active bool
	// unanswered is set by a request write and cleared by the first
	// response byte.
	unanswered bool
	// writes counts request writes. release only idles the connection when
	// no newer exchange has started writing on it.
	writes uint64
	// abort is called with a read error that ends the current exchange.
	abort func(error)

	closeOnce sync.Once
	onClose   func()
}

func (c *pooledConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	if c.readTimeout > 0 {
		var deadline time.Time
		if c.active {
			deadline = time.Now().Add(c.readTimeout)
		}
		if err := c.Conn.SetReadDeadline(deadline); err != nil {
			c.mu.Unlock()
			return 0, err
		}
	}
	c.mu.Unlock()

	n, err := c.Conn.Read(p)

	c.mu.Lock()
	if n > 0 {
		c.unanswered = false
	}
	// A close-delimited body ends in EOF; EOF before any response byte
	// does not.
	failed := err != nil && c.active && (!errors.Is(err, io.EOF) || c.unanswered)
	abort := c.abort
	c.mu.Unlock()

	if failed && abort != nil {
		abort(err)
	}
	return n, err
}

func (c *pooledConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	c.active = true
	c.unanswered = true
	c.writes++
	if c.readTimeout > 0 {
		// Also moves the deadline of a read already blocked on the
		// connection.
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			c.mu.Unlock()
			return 0, err
		}
	}
	c.mu.Unlock()
	return c.Conn.Write(p)
}

// attach routes read failures of the next exchange to abort.
func (c *pooledConn) attach(abort func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abort = abort
}

// writeCount identifies the exchange currently using the connection.
func (c *pooledConn) writeCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

// release marks the connection idle if the exchange that wrote writes is
// still the latest one.
func (c *pooledConn) release(writes uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writes != writes || !c.active {
		return
	}
	c.active = false
	c.abort = nil
	if c.readTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Time{})
	}
}

func (c *pooledConn) Close() error {
	err := c.Conn.Close()
	c.closeOnce.Do(c.onClose)
	return err
}

// unwrapPooledConn finds the pooledConn under conn, looking through TLS.
func unwrapPooledConn(conn net.Conn) *pooledConn {
	for conn != nil {
		if pc, ok := conn.(*pooledConn); ok {
			return pc
		}
		inner, ok := conn.(interface{ NetConn() net.Conn })
		if !ok {
			return nil
		}
		conn = inner.NetConn()
	}
	return nil
}
