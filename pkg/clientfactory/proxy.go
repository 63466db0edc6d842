package clientfactory

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ProxySettings names an upstream HTTP proxy. The zero value is NoProxy.
type ProxySettings struct {
	Host string
	Port int
}

// NoProxy sends requests directly to their destination.
var NoProxy = ProxySettings{}

// NewProxySettings validates host and port up front rather than leaving a
// malformed proxy to fail on first use.
func NewProxySettings(host string, port int) (ProxySettings, error) {
	settings := ProxySettings{Host: strings.TrimSpace(host), Port: port}
	if err := settings.validate(); err != nil {
		return NoProxy, err
	}
	return settings, nil
}

// ParseProxySettings parses "host:port". An empty string yields NoProxy.
func ParseProxySettings(raw string) (ProxySettings, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return NoProxy, nil
	}
	if strings.Contains(raw, "://") {
		parsed, err := url.Parse(raw)
		if err != nil {
			return NoProxy, fmt.Errorf("%w: %q: %v", ErrInvalidProxy, raw, err)
		}
		if parsed.Scheme != "http" {
			return NoProxy, fmt.Errorf("%w: %q: only http proxies are supported", ErrInvalidProxy, raw)
		}
		raw = parsed.Host
	}

	host, rawPort, err := net.SplitHostPort(raw)
	if err != nil {
		return NoProxy, fmt.Errorf("%w: %q: %v", ErrInvalidProxy, raw, err)
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil {
		return NoProxy, fmt.Errorf("%w: %q: port is not a number", ErrInvalidProxy, raw)
	}
	return NewProxySettings(host, port)
}

func (p ProxySettings) IsNoProxy() bool {
	return p == NoProxy
}

// URL returns the proxy as an http URL, or nil for NoProxy.
func (p ProxySettings) URL() *url.URL {
	if p.IsNoProxy() {
		return nil
	}
	return &url.URL{Scheme: "http", Host: net.JoinHostPort(p.Host, strconv.Itoa(p.Port))}
}

func (p ProxySettings) String() string {
	if p.IsNoProxy() {
		return "none"
	}
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

func (p ProxySettings) validate() error {
	if p.IsNoProxy() {
		return nil
	}
	if p.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidProxy)
	}
	if strings.ContainsAny(p.Host, " /?#@") {
		return fmt.Errorf("%w: host %q is malformed", ErrInvalidProxy, p.Host)
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range [1,65535]", ErrInvalidProxy, p.Port)
	}
	return nil
}
