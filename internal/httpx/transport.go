package httpx

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"sync"
	"time"
)

const (
	defaultDialTimeout     = 10 * time.Second
	defaultDialKeepAlive   = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// Limits reports the effective pool parameters of a PooledTransport.
type Limits struct {
	MaxTotal    int
	MaxPerRoute int
	ReadTimeout time.Duration
	// Proxy is the upstream proxy URL, empty when requests go direct.
	Proxy string
}

// PooledTransport is an http.RoundTripper over a bounded connection pool.
type PooledTransport struct {
	base   *http.Transport
	dialer *boundedDialer
	limits Limits
}

// NewPooledTransport builds a PooledTransport from a clone of
// http.DefaultTransport.
func NewPooledTransport(opts PoolOptions) *PooledTransport {
	base := http.DefaultTransport.(*http.Transport).Clone()

	dialer := newBoundedDialer(
		&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultDialKeepAlive},
		opts.MaxTotal,
		opts.ReadTimeout,
		opts.Observer,
	)
	dialer.reclaimIdle = base.CloseIdleConnections

	base.DialContext = dialer.DialContext
	base.Proxy = nil
	if opts.Proxy != nil {
		base.Proxy = http.ProxyURL(opts.Proxy)
	}
	base.TLSClientConfig = opts.TLSConfig
	base.ForceAttemptHTTP2 = false
	base.DisableCompression = true
	base.IdleConnTimeout = defaultIdleConnTimeout
	if opts.MaxPerRoute > 0 {
		base.MaxConnsPerHost = opts.MaxPerRoute
		base.MaxIdleConnsPerHost = opts.MaxPerRoute
	}
	if opts.MaxTotal > 0 {
		base.MaxIdleConns = opts.MaxTotal
	}

	limits := Limits{
		MaxTotal:    opts.MaxTotal,
		MaxPerRoute: opts.MaxPerRoute,
		ReadTimeout: opts.ReadTimeout,
	}
	if opts.Proxy != nil {
		limits.Proxy = opts.Proxy.String()
	}

	return &PooledTransport{
		base:   base,
		dialer: dialer,
		limits: limits,
	}
}

// RoundTrip sends req on a pooled connection exactly once. net/http replays
// idempotent requests whose reused connection fails after the write; a read
// failure on the connection cancels the exchange instead, so the error is
// returned to the caller. The read timeout never counts time a connection
// spent idle in the pool.
func (t *PooledTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithCancelCause(req.Context())
	ex := &exchange{cancel: cancel}
	trace := &httptrace.ClientTrace{
		GotConn:      ex.gotConn,
		WroteRequest: ex.wroteRequest,
	}
	ctx = httptrace.WithClientTrace(ctx, trace)

	resp, err := t.base.RoundTrip(req.WithContext(ctx))
	if err != nil {
		if readErr := ex.failure(); readErr != nil {
			err = readErr
		}
		cancel(err)
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusSwitchingProtocols:
		// The connection left the pool with the response.
	case resp.Body == nil || resp.Body == http.NoBody:
		ex.release()
	default:
		resp.Body = &releasingBody{ReadCloser: resp.Body, release: ex.release}
	}
	return resp, nil
}

// exchange ties one round trip to the pooled connection that carried it.
// A server may answer before the request write finishes, so a release that
// arrives first is deferred until the write is reported.
type exchange struct {
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	conn     *pooledConn
	writes   uint64
	wrote    bool
	released bool
	readErr  error
}

func (e *exchange) gotConn(info httptrace.GotConnInfo) {
	conn := unwrapPooledConn(info.Conn)
	if conn != nil {
		conn.attach(e.abort)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conn = conn
}

func (e *exchange) wroteRequest(info httptrace.WroteRequestInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if info.Err != nil || e.conn == nil {
		return
	}
	e.writes = e.conn.writeCount()
	e.wrote = true
	if e.released {
		e.conn.release(e.writes)
	}
}

// abort runs on the connection's read path. The cancellation is observed
// before net/http decides whether to replay the request.
func (e *exchange) abort(err error) {
	e.mu.Lock()
	if e.readErr == nil {
		e.readErr = err
	}
	e.mu.Unlock()
	e.cancel(err)
}

func (e *exchange) failure() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.readErr
}

func (e *exchange) release() {
	e.mu.Lock()
	e.released = true
	if e.conn != nil && e.wrote {
		e.conn.release(e.writes)
	}
	e.mu.Unlock()
	e.cancel(nil)
}

// releasingBody idles the connection once the body hits EOF or is closed.
type releasingBody struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (b *releasingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err == io.EOF {
		b.once.Do(b.release)
	}
	return n, err
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}

// CloseIdleConnections lets http.Client.CloseIdleConnections reach the pool.
func (t *PooledTransport) CloseIdleConnections() {
	t.base.CloseIdleConnections()
}

func (t *PooledTransport) Limits() Limits {
	return t.limits
}

// OpenConnections reports pooled connections currently open, idle or in use.
func (t *PooledTransport) OpenConnections() int {
	return int(t.dialer.open.Load())
}
