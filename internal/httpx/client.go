package httpx

import (
	"crypto/tls"
	"net/http"
	"net/url"
	"time"
)

// PoolOptions parameterizes the pooled transport behind a relay client.
type PoolOptions struct {
	// MaxTotal bounds the number of open connections across all routes.
	// Zero or less leaves the total unbounded.
	MaxTotal int
	// MaxPerRoute bounds open connections to a single host:port.
	MaxPerRoute int
	// ReadTimeout is armed before every socket read. Zero disables it.
	ReadTimeout time.Duration
	// Proxy routes every request through an upstream HTTP proxy when set.
	// A nil Proxy sends requests directly and ignores proxy environment variables.
	Proxy *url.URL
	// TLSConfig is used for https routes.
	TLSConfig *tls.Config
	// Observer is notified when pooled connections open and close.
	Observer ConnObserver
}

// NewPooledClient returns an HTTP client tuned for relaying requests
// unchanged: connections are pooled within the configured bounds, redirects
// are handed back to the caller, no cookie jar is attached and response
// bodies are not transparently decompressed.
func NewPooledClient(opts PoolOptions) *http.Client {
	return &http.Client{
		Transport:     NewPooledTransport(opts),
		CheckRedirect: returnRedirect,
		Jar:           nil,
	}
}

func returnRedirect(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}
