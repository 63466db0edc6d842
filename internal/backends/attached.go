package backends

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

type AttachedManager struct {
	endpoints []string
	timeout   time.Duration
}

func NewAttachedManager(endpoints []string) *AttachedManager {
	return &AttachedManager{
		endpoints: append([]string(nil), endpoints...),
		timeout:   2 * time.Second,
	}
}

func (m *AttachedManager) Start(ctx context.Context) ([]Target, error) {
	if len(m.endpoints) == 0 {
		return nil, fmt.Errorf("attached mode requires at least one target endpoint")
	}

	targets := make([]Target, 0, len(m.endpoints))
	for i, rawEndpoint := range m.endpoints {
		parsed, err := parseEndpoint(rawEndpoint)
		if err != nil {
			return nil, err
		}

		probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
		err = probeHostPort(probeCtx, hostPort(parsed))
		cancel()
		if err != nil {
			return nil, fmt.Errorf("probe target endpoint %q: %w", rawEndpoint, err)
		}

		targets = append(targets, Target{
			ID:       i,
			Endpoint: strings.TrimRight(parsed.String(), "/"),
		})
	}

	return targets, nil
}

func (m *AttachedManager) Close(context.Context) error {
	return nil
}

func parseEndpoint(rawEndpoint string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawEndpoint))
	if err != nil {
		return nil, fmt.Errorf("parse target endpoint %q: %w", rawEndpoint, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("target endpoint %q must use http or https", rawEndpoint)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("target endpoint %q is missing host", rawEndpoint)
	}
	return parsed, nil
}

func probeHostPort(ctx context.Context, hostport string) error {
	dialer := &net.Dialer{Timeout: 2 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", hostport)
	if err != nil {
		return err
	}
	return conn.Close()
}

func hostPort(parsed *url.URL) string {
	if parsed.Port() != "" {
		return parsed.Host
	}
	switch parsed.Scheme {
	case "https":
		return net.JoinHostPort(parsed.Hostname(), "443")
	default:
		return net.JoinHostPort(parsed.Hostname(), "80")
	}
}
