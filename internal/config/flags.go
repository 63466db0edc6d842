package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/parsnips/recording-relay/internal/logging"
	"github.com/parsnips/recording-relay/pkg/clientfactory"
	"github.com/parsnips/recording-relay/pkg/relay"
)

// EnvPrefix prefixes environment overrides: --max-connections reads
// RELAY_MAX_CONNECTIONS when the flag is not given.
const EnvPrefix = "RELAY_"

type Options struct {
	Relay     relay.Config
	LogLevel  string
	LogFormat string
}

// Flags holds the raw values bound to a flag set.
type Flags struct {
	listenAddr      string
	metricsAddr     string
	mode            string
	targetEndpoints []string
	image           string
	imagePort       string
	instances       int
	probe           string
	maxConnections  int
	timeoutMillis   int
	proxy           string
	clientCert      string
	clientKey       string
	journalSize     int
	maxBodyBytes    int64
	logLevel        string
	logFormat       string
	envFile         string
}

func BindFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.listenAddr, "listen-addr", relay.DefaultListenAddr, "address the relay listens on")
	fs.StringVar(&f.metricsAddr, "metrics-addr", relay.DefaultMetricsAddr, "metrics and health endpoint address (empty serves them under /__admin/)")
	fs.StringVar(&f.mode, "mode", string(relay.DefaultMode), "target mode: attached|managed")
	fs.StringSliceVar(&f.targetEndpoints, "target-endpoints", nil, "comma-separated upstream endpoints (required for attached mode)")
	fs.StringVar(&f.image, "image", relay.DefaultImage, "upstream container image for managed mode")
	fs.StringVar(&f.imagePort, "image-port", relay.DefaultImagePort, "container port the upstream image listens on")
	fs.IntVar(&f.instances, "instances", relay.DefaultInstances, "number of upstream containers in managed mode")
	fs.StringVar(&f.probe, "probe", relay.DefaultProbe, "managed readiness probe: http|dynamodb")
	fs.IntVar(&f.maxConnections, "max-connections", clientfactory.DefaultMaxConnections, "upstream connection pool size, total and per route")
	fs.IntVar(&f.timeoutMillis, "timeout-ms", clientfactory.DefaultTimeoutMillis, "upstream socket read timeout in milliseconds")
	fs.StringVar(&f.proxy, "proxy", "", "forward upstream traffic through host:port (empty for none)")
	fs.StringVar(&f.clientCert, "client-cert", "", "PEM client certificate presented to TLS upstreams")
	fs.StringVar(&f.clientKey, "client-key", "", "PEM private key for --client-cert")
	fs.IntVar(&f.journalSize, "journal-size", relay.DefaultJournalSize, "number of exchanges kept in the request journal")
	fs.Int64Var(&f.maxBodyBytes, "max-body-bytes", relay.DefaultMaxBodyBytes, "largest request body the relay accepts")
	fs.StringVar(&f.logLevel, "log-level", "info", "log level: debug|info|warn|error")
	fs.StringVar(&f.logFormat, "log-format", logging.FormatJSON, "log format: json|text")
	fs.StringVar(&f.envFile, "env-file", "", "dotenv file with RELAY_* defaults")

	return f
}

// Options resolves the parsed flag set. Flags the user did not set fall back
// to RELAY_* environment variables, optionally loaded from --env-file.
func (f *Flags) Options(fs *pflag.FlagSet) (Options, error) {
	envFile := f.envFile
	if !fs.Changed("env-file") {
		envFile = os.Getenv(EnvPrefix + "ENV_FILE")
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Options{}, fmt.Errorf("load env file %q: %w", envFile, err)
		}
	}

	var applyErr error
	fs.VisitAll(func(flag *pflag.Flag) {
		if applyErr != nil || flag.Changed || flag.Name == "env-file" {
			return
		}
		value, ok := os.LookupEnv(envName(flag.Name))
		if !ok {
			return
		}
		if err := fs.Set(flag.Name, value); err != nil {
			applyErr = fmt.Errorf("apply %s: %w", envName(flag.Name), err)
		}
	})
	if applyErr != nil {
		return Options{}, applyErr
	}

	proxy, err := clientfactory.ParseProxySettings(f.proxy)
	if err != nil {
		return Options{}, err
	}

	cfg := relay.Config{
		ListenAddr:      f.listenAddr,
		MetricsAddr:     f.metricsAddr,
		Mode:            relay.Mode(strings.ToLower(strings.TrimSpace(f.mode))),
		TargetEndpoints: append([]string(nil), f.targetEndpoints...),
		Image:           f.image,
		ImagePort:       f.imagePort,
		Instances:       f.instances,
		Probe:           strings.ToLower(strings.TrimSpace(f.probe)),
		MaxConnections:  f.maxConnections,
		TimeoutMillis:   f.timeoutMillis,
		Proxy:           proxy,
		JournalSize:     f.journalSize,
		MaxBodyBytes:    f.maxBodyBytes,
	}

	if f.clientCert != "" || f.clientKey != "" {
		if f.clientCert == "" || f.clientKey == "" {
			return Options{}, fmt.Errorf("--client-cert and --client-key must be set together")
		}
		certPEM, err := os.ReadFile(f.clientCert)
		if err != nil {
			return Options{}, fmt.Errorf("read client certificate: %w", err)
		}
		keyPEM, err := os.ReadFile(f.clientKey)
		if err != nil {
			return Options{}, fmt.Errorf("read client key: %w", err)
		}
		cfg.ClientCertificate = &clientfactory.CertificatePEM{Cert: certPEM, Key: keyPEM}
	}

	return Options{
		Relay:     cfg,
		LogLevel:  f.logLevel,
		LogFormat: f.logFormat,
	}, nil
}

// ParseFlags parses args on a fresh flag set and resolves Options.
func ParseFlags(args []string) (Options, error) {
	fs := pflag.NewFlagSet("recording-relay", pflag.ContinueOnError)
	f := BindFlags(fs)

	if err := fs.Parse(args); err != nil {
		return Options{}, err
	}
	return f.Options(fs)
}

func envName(flagName string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}
