package httpx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewPooledClient(t *testing.T) {
	client := NewPooledClient(PoolOptions{
		MaxTotal:    12,
		MaxPerRoute: 12,
		ReadTimeout: 7 * time.Second,
	})
	if client == nil {
		t.Fatalf("NewPooledClient returned nil")
	}
	if client.Timeout != 0 {
		t.Fatalf("client.Timeout = %v, want 0", client.Timeout)
	}
	if client.Jar != nil {
		t.Fatalf("client.Jar = %v, want nil", client.Jar)
	}
	if client.CheckRedirect == nil {
		t.Fatalf("client.CheckRedirect = nil, want redirect passthrough")
	}
	if err := client.CheckRedirect(nil, nil); !errors.Is(err, http.ErrUseLastResponse) {
		t.Fatalf("CheckRedirect() error = %v, want %v", err, http.ErrUseLastResponse)
	}

	transport, ok := client.Transport.(*PooledTransport)
	if !ok {
		t.Fatalf("client.Transport type = %T, want *PooledTransport", client.Transport)
	}
	if got := transport.Limits(); got != (Limits{MaxTotal: 12, MaxPerRoute: 12, ReadTimeout: 7 * time.Second}) {
		t.Fatalf("Limits() = %+v", got)
	}
	if transport.base.MaxConnsPerHost != 12 {
		t.Fatalf("base.MaxConnsPerHost = %d, want 12", transport.base.MaxConnsPerHost)
	}
	if transport.base.MaxIdleConns != 12 {
		t.Fatalf("base.MaxIdleConns = %d, want 12", transport.base.MaxIdleConns)
	}
	if transport.base.MaxIdleConnsPerHost != 12 {
		t.Fatalf("base.MaxIdleConnsPerHost = %d, want 12", transport.base.MaxIdleConnsPerHost)
	}
	if !transport.base.DisableCompression {
		t.Fatalf("base.DisableCompression = false, want true")
	}
	if transport.base.Proxy != nil {
		t.Fatalf("base.Proxy is set, want nil")
	}
	if transport.base.ForceAttemptHTTP2 {
		t.Fatalf("base.ForceAttemptHTTP2 = true, want false")
	}
}

func TestNewPooledClientRoutesThroughProxy(t *testing.T) {
	proxyURL := &url.URL{Scheme: "http", Host: "127.0.0.1:3128"}
	client := NewPooledClient(PoolOptions{MaxTotal: 1, MaxPerRoute: 1, Proxy: proxyURL})
	transport := client.Transport.(*PooledTransport)

	if got := transport.Limits().Proxy; got != "http://127.0.0.1:3128" {
		t.Fatalf("Limits().Proxy = %q, want %q", got, "http://127.0.0.1:3128")
	}
	req := httptest.NewRequest(http.MethodGet, "http://backend.invalid/", nil)
	got, err := transport.base.Proxy(req)
	if err != nil {
		t.Fatalf("Proxy() error = %v", err)
	}
	if got.String() != proxyURL.String() {
		t.Fatalf("Proxy() = %v, want %v", got, proxyURL)
	}
}

func TestPooledClientDoesNotFollowRedirects(t *testing.T) {
	var followed atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/target" {
			followed.Add(1)
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Redirect(w, r, "/target", http.StatusFound)
	}))
	defer backend.Close()

	client := NewPooledClient(PoolOptions{MaxTotal: 2, MaxPerRoute: 2})
	resp, err := client.Get(backend.URL + "/start")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("StatusCode = %d, want %d", resp.StatusCode, http.StatusFound)
	}
	if got := resp.Header.Get("Location"); got != "/target" {
		t.Fatalf("Location = %q, want %q", got, "/target")
	}
	if got := followed.Load(); got != 0 {
		t.Fatalf("redirect target calls = %d, want 0", got)
	}
}

func TestPooledTransportCapsTotalConnections(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		_, _ = w.Write([]byte("slow"))
	}))
	defer slow.Close()

	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("fast"))
	}))
	defer fast.Close()

	client := NewPooledClient(PoolOptions{MaxTotal: 1, MaxPerRoute: 1})
	transport := client.Transport.(*PooledTransport)

	slowDone := make(chan error, 1)
	go func() {
		resp, err := client.Get(slow.URL)
		if err != nil {
			slowDone <- err
			return
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		slowDone <- resp.Body.Close()
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fast.URL, nil)
	if err != nil {
		t.Fatalf("NewRequestWithContext() error = %v", err)
	}
	if resp, err := client.Do(req); err == nil {
		resp.Body.Close()
		t.Fatal("expected Do() to block on the full pool until its context expired")
	}
	if got := transport.OpenConnections(); got != 1 {
		t.Fatalf("OpenConnections() = %d, want 1", got)
	}

	close(release)
	if err := <-slowDone; err != nil {
		t.Fatalf("slow request error = %v", err)
	}

	// The idle connection to the slow route is reclaimed for the new route.
	resp, err := client.Get(fast.URL)
	if err != nil {
		t.Fatalf("Get() after release error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "fast" {
		t.Fatalf("body = %q, want %q", body, "fast")
	}
	if got := transport.OpenConnections(); got != 1 {
		t.Fatalf("OpenConnections() = %d, want 1", got)
	}
}

func TestPooledConnReadTimeout(t *testing.T) {
	unblock := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-unblock:
		case <-time.After(5 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()
	defer close(unblock)

	client := NewPooledClient(PoolOptions{MaxTotal: 1, MaxPerRoute: 1, ReadTimeout: 50 * time.Millisecond})

	start := time.Now()
	resp, err := client.Get(backend.URL)
	if err == nil {
		resp.Body.Close()
		t.Fatal("expected read timeout error")
	}
	if !strings.Contains(err.Error(), "timeout") {
		t.Fatalf("Get() error = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Get() took %v, want the read timeout to fire early", elapsed)
	}
}

func TestPooledConnReadTimeoutExcludesIdleTime(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodPost} {
		t.Run(method, func(t *testing.T) {
			var hits atomic.Int32
			var slow atomic.Bool
			backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				_, _ = io.Copy(io.Discard, r.Body)
				if slow.Load() {
					time.Sleep(200 * time.Millisecond)
				}
				_, _ = io.WriteString(w, "ok")
			}))
			defer backend.Close()

			observer := &countingObserver{opened: map[string]int{}, closed: map[string]int{}}
			client := NewPooledClient(PoolOptions{
				MaxTotal:    1,
				MaxPerRoute: 1,
				ReadTimeout: 300 * time.Millisecond,
				Observer:    observer,
			})
			defer client.CloseIdleConnections()

			send := func() error {
				req, err := http.NewRequest(method, backend.URL, strings.NewReader("payload"))
				if err != nil {
					return err
				}
				resp, err := client.Do(req)
				if err != nil {
					return err
				}
				defer resp.Body.Close()
				body, err := io.ReadAll(resp.Body)
				if err != nil {
					return err
				}
				if string(body) != "ok" {
					return errors.New("unexpected body " + string(body))
				}
				return nil
			}

			if err := send(); err != nil {
				t.Fatalf("first %s error = %v", method, err)
			}

			// Idle past the read timeout, then answer inside it.
			time.Sleep(450 * time.Millisecond)
			slow.Store(true)
			if err := send(); err != nil {
				t.Fatalf("%s on reused connection error = %v", method, err)
			}

			if got := hits.Load(); got != 2 {
				t.Fatalf("server hits = %d, want 2", got)
			}
			route := backend.Listener.Addr().String()
			observer.mu.Lock()
			defer observer.mu.Unlock()
			if got := observer.opened[route]; got != 1 {
				t.Fatalf("opened[%s] = %d, want 1 (idle connection survived)", route, got)
			}
		})
	}
}

func TestPooledConnReadTimeoutRestartsPerExchange(t *testing.T) {
	var hits atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) > 1 {
			time.Sleep(time.Second)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer backend.Close()

	client := NewPooledClient(PoolOptions{MaxTotal: 1, MaxPerRoute: 1, ReadTimeout: 250 * time.Millisecond})
	defer client.CloseIdleConnections()

	resp, err := client.Get(backend.URL)
	if err != nil {
		t.Fatalf("first Get() error = %v", err)
	}
	resp.Body.Close()

	time.Sleep(150 * time.Millisecond)

	start := time.Now()
	resp, err = client.Get(backend.URL)
	if err == nil {
		resp.Body.Close()
		t.Fatal("expected read timeout error")
	}
	elapsed := time.Since(start)
	if elapsed < 200*time.Millisecond {
		t.Fatalf("Get() failed after %v, want the full read timeout to elapse", elapsed)
	}
	if got := hits.Load(); got != 2 {
		t.Fatalf("server hits = %d, want 2 (no re-send)", got)
	}
}

type countingObserver struct {
	mu     sync.Mutex
	opened map[string]int
	closed map[string]int
}

func (o *countingObserver) ConnOpened(route string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened[route]++
}

func (o *countingObserver) ConnClosed(route string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed[route]++
}

func TestPooledTransportNotifiesObserver(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer backend.Close()

	observer := &countingObserver{opened: map[string]int{}, closed: map[string]int{}}
	client := NewPooledClient(PoolOptions{MaxTotal: 4, MaxPerRoute: 4, Observer: observer})

	for i := 0; i < 3; i++ {
		resp, err := client.Get(backend.URL)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
	client.CloseIdleConnections()

	route := backend.Listener.Addr().String()
	observer.mu.Lock()
	defer observer.mu.Unlock()
	if got := observer.opened[route]; got != 1 {
		t.Fatalf("opened[%s] = %d, want 1 (connection reused)", route, got)
	}
	if got := observer.closed[route]; got != 1 {
		t.Fatalf("closed[%s] = %d, want 1", route, got)
	}
}
