package relay

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/parsnips/recording-relay/internal/backends"
	"github.com/parsnips/recording-relay/internal/httpapi"
	"github.com/parsnips/recording-relay/internal/journal"
	"github.com/parsnips/recording-relay/pkg/clientfactory"
)

type Mode string

const (
	ModeManaged  Mode = "managed"
	ModeAttached Mode = "attached"
)

const (
	DefaultListenAddr   = "127.0.0.1:8080"
	DefaultMetricsAddr  = "127.0.0.1:9090"
	DefaultMode         = ModeAttached
	DefaultImage        = "wiremock/wiremock:3.9.1"
	DefaultImagePort    = "8080/tcp"
	DefaultInstances    = 1
	DefaultProbe        = backends.ProbeHTTP
	DefaultJournalSize  = journal.DefaultCapacity
	DefaultMaxBodyBytes = httpapi.DefaultMaxBodyBytes
)

type Config struct {
	ListenAddr string
	// MetricsAddr serves /metrics, /healthz and /readyz. Empty or equal to
	// ListenAddr mounts them under /__admin/ on the relay listener.
	MetricsAddr string
	Mode        Mode

	// TargetEndpoints are the upstreams in attached mode.
	TargetEndpoints []string

	// Image, ImagePort, Instances and Probe describe managed mode.
	Image     string
	ImagePort string
	Instances int
	Probe     string

	// Upstream client settings. Zero values take the factory defaults.
	MaxConnections    int
	TimeoutMillis     int
	Proxy             clientfactory.ProxySettings
	ClientCertificate *clientfactory.CertificatePEM

	JournalSize  int
	// MaxBodyBytes caps each relayed request body.
	MaxBodyBytes int64
}

func normalizeConfig(cfg Config) (Config, error) {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.Mode == "" {
		cfg.Mode = DefaultMode
	}
	if strings.TrimSpace(cfg.Image) == "" {
		cfg.Image = DefaultImage
	}
	if strings.TrimSpace(cfg.ImagePort) == "" {
		cfg.ImagePort = DefaultImagePort
	}
	if cfg.Instances == 0 {
		cfg.Instances = DefaultInstances
	}
	if strings.TrimSpace(cfg.Probe) == "" {
		cfg.Probe = DefaultProbe
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = clientfactory.DefaultMaxConnections
	}
	if cfg.TimeoutMillis == 0 {
		cfg.TimeoutMillis = clientfactory.DefaultTimeoutMillis
	}
	if cfg.JournalSize == 0 {
		cfg.JournalSize = DefaultJournalSize
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	cfg.MetricsAddr = strings.TrimSpace(cfg.MetricsAddr)
	cfg.TargetEndpoints = normalizeEndpointList(cfg.TargetEndpoints)

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func normalizeEndpointList(endpoints []string) []string {
	out := make([]string, 0, len(endpoints))
	for _, endpoint := range endpoints {
		endpoint = strings.TrimSpace(endpoint)
		if endpoint == "" {
			continue
		}
		if !strings.Contains(endpoint, "://") {
			endpoint = "http://" + endpoint
		}
		out = append(out, strings.TrimRight(endpoint, "/"))
	}
	return out
}

func validateConfig(cfg Config) error {
	switch cfg.Mode {
	case ModeManaged:
		if cfg.Instances < 0 {
			return fmt.Errorf("instances must be > 0 in managed mode")
		}
		switch cfg.Probe {
		case backends.ProbeHTTP, backends.ProbeDynamoDB:
		default:
			return fmt.Errorf("probe must be %q or %q", backends.ProbeHTTP, backends.ProbeDynamoDB)
		}
	case ModeAttached:
		if len(cfg.TargetEndpoints) == 0 {
			return fmt.Errorf("target_endpoints is required in attached mode")
		}
	default:
		return fmt.Errorf("mode must be %q or %q", ModeManaged, ModeAttached)
	}

	for _, endpoint := range cfg.TargetEndpoints {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return fmt.Errorf("invalid target endpoint %q: %w", endpoint, err)
		}
		if parsed.Host == "" {
			return fmt.Errorf("invalid target endpoint %q: missing host", endpoint)
		}
	}

	if cfg.MaxConnections < 0 {
		return fmt.Errorf("max_connections must be > 0, got %d", cfg.MaxConnections)
	}
	if cfg.TimeoutMillis < 0 {
		return fmt.Errorf("timeout_millis must be >= 0, got %d", cfg.TimeoutMillis)
	}
	if cfg.JournalSize < 0 {
		return fmt.Errorf("journal_size must be > 0, got %d", cfg.JournalSize)
	}
	if cfg.MaxBodyBytes < 0 {
		return fmt.Errorf("max_body_bytes must be > 0, got %d", cfg.MaxBodyBytes)
	}
	return nil
}
