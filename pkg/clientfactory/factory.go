// Package clientfactory builds the outbound HTTP client used to relay
// requests to backends.
//
// Every client it returns has the same fixed transport semantics: a bounded
// connection pool, a per-read socket timeout, an optional upstream proxy and
// a trust-all TLS policy. Retries, cookie storage and redirect following are
// off so each call maps to exactly one observable exchange on the wire.
//
// SECURITY: the TLS policy accepts any certificate for any host name. The
// relay must reach self-signed and misconfigured test backends; this is not
// a sensible default for anything else.
package clientfactory

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/parsnips/recording-relay/internal/httpx"
)

const (
	DefaultMaxConnections = 50
	DefaultTimeoutMillis  = 30000
)

// CertificatePEM is a PEM-encoded client certificate and private key.
type CertificatePEM struct {
	Cert []byte
	Key  []byte
}

// ConnObserver is notified when pooled connections open and close.
type ConnObserver = httpx.ConnObserver

// Config describes one client. Use DefaultConfig as a baseline.
type Config struct {
	// MaxConnections bounds both the total pool and each route.
	MaxConnections int
	// TimeoutMillis is the socket read timeout. Zero disables it.
	TimeoutMillis int
	Proxy         ProxySettings

	// ClientCertificate is presented to backends that ask for one.
	ClientCertificate *CertificatePEM

	Observer ConnObserver
	Logger   *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		MaxConnections: DefaultMaxConnections,
		TimeoutMillis:  DefaultTimeoutMillis,
		Proxy:          NoProxy,
	}
}

// CreateClient returns a client with DefaultConfig.
func CreateClient() (*http.Client, error) {
	return CreateClientWithTimeout(DefaultTimeoutMillis)
}

func CreateClientWithTimeout(timeoutMillis int) (*http.Client, error) {
	return CreateClientWithLimits(DefaultMaxConnections, timeoutMillis)
}

func CreateClientWithLimits(maxConnections, timeoutMillis int) (*http.Client, error) {
	return CreateClientWithProxy(maxConnections, timeoutMillis, NoProxy)
}

func CreateClientWithProxy(maxConnections, timeoutMillis int, proxy ProxySettings) (*http.Client, error) {
	cfg := DefaultConfig()
	cfg.MaxConnections = maxConnections
	cfg.TimeoutMillis = timeoutMillis
	cfg.Proxy = proxy
	return NewClient(cfg)
}

// NewClient builds a fresh client from cfg. The factory keeps no reference
// to it; the caller owns its idle connections.
func NewClient(cfg Config) (*http.Client, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	var certPEM, keyPEM []byte
	if cfg.ClientCertificate != nil {
		certPEM = cfg.ClientCertificate.Cert
		keyPEM = cfg.ClientCertificate.Key
	}
	tlsConfig, err := httpx.TrustAllTLSConfig(certPEM, keyPEM)
	if err != nil {
		return nil, &ConstructionError{Cause: err}
	}

	opts := httpx.PoolOptions{
		MaxTotal:    cfg.MaxConnections,
		MaxPerRoute: cfg.MaxConnections,
		ReadTimeout: time.Duration(cfg.TimeoutMillis) * time.Millisecond,
		Proxy:       cfg.Proxy.URL(),
		TLSConfig:   tlsConfig,
		Observer:    cfg.Observer,
	}
	client := httpx.NewPooledClient(opts)

	if cfg.Logger != nil {
		cfg.Logger.Debug("http client constructed",
			"max_connections", cfg.MaxConnections,
			"timeout_ms", cfg.TimeoutMillis,
			"proxy", cfg.Proxy.String(),
			"tls_verification", "disabled",
		)
	}
	return client, nil
}

func validateConfig(cfg Config) error {
	if cfg.MaxConnections <= 0 {
		return fmt.Errorf("%w: max connections must be > 0, got %d", ErrInvalidConfig, cfg.MaxConnections)
	}
	if cfg.TimeoutMillis < 0 {
		return fmt.Errorf("%w: timeout must be >= 0ms, got %d", ErrInvalidConfig, cfg.TimeoutMillis)
	}
	return cfg.Proxy.validate()
}
