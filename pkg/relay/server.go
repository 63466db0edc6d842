// Package relay runs a recording reverse proxy: every request is forwarded
// to an upstream target through a pooled, trust-all client and the exchange
// is kept in an in-memory journal queryable under /__admin/.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/parsnips/recording-relay/internal/backends"
	"github.com/parsnips/recording-relay/internal/httpapi"
	"github.com/parsnips/recording-relay/internal/journal"
	"github.com/parsnips/recording-relay/internal/metrics"
	"github.com/parsnips/recording-relay/internal/router"
	"github.com/parsnips/recording-relay/pkg/clientfactory"
)

type Server struct {
	cfg     Config
	manager backends.Manager
	state   *metrics.State
	journal *journal.Journal
	logger  *slog.Logger

	mu sync.Mutex

	started  bool
	endpoint string
	client   *http.Client

	apiServer     *http.Server
	apiListener   net.Listener
	metricsServer *http.Server
	metricsListen net.Listener
}

func New(_ context.Context, cfg Config, logger *slog.Logger) (*Server, error) {
	normalized, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	var manager backends.Manager
	switch normalized.Mode {
	case ModeAttached:
		manager = backends.NewAttachedManager(normalized.TargetEndpoints)
	case ModeManaged:
		manager = backends.NewManagedManager(backends.ManagedOptions{
			Instances: normalized.Instances,
			Image:     normalized.Image,
			Port:      normalized.ImagePort,
			Probe:     normalized.Probe,
			Logger:    logger,
		})
	default:
		return nil, fmt.Errorf("unsupported mode %q", normalized.Mode)
	}

	return &Server{
		cfg:      normalized,
		manager:  manager,
		state:    metrics.NewState(),
		journal:  journal.New(normalized.JournalSize),
		logger:   logger,
		endpoint: "http://" + normalized.ListenAddr,
	}, nil
}

func (s *Server) Start(ctx context.Context) (err error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server already started")
	}
	s.started = true
	s.mu.Unlock()

	managerStarted := false
	startupCommitted := false
	defer func() {
		if startupCommitted {
			return
		}

		s.state.SetReady(false)
		s.setStarted(false)

		var cleanupErrs []error
		if s.metricsServer != nil {
			if shutdownErr := s.metricsServer.Shutdown(context.Background()); shutdownErr != nil && !errors.Is(shutdownErr, http.ErrServerClosed) {
				cleanupErrs = append(cleanupErrs, fmt.Errorf("startup cleanup: shutdown metrics server: %w", shutdownErr))
			}
			s.metricsServer = nil
			s.metricsListen = nil
		}
		if s.apiServer != nil {
			if shutdownErr := s.apiServer.Shutdown(context.Background()); shutdownErr != nil && !errors.Is(shutdownErr, http.ErrServerClosed) {
				cleanupErrs = append(cleanupErrs, fmt.Errorf("startup cleanup: shutdown api server: %w", shutdownErr))
			}
			s.apiServer = nil
			s.apiListener = nil
		}
		if managerStarted {
			if closeErr := s.manager.Close(context.Background()); closeErr != nil {
				cleanupErrs = append(cleanupErrs, fmt.Errorf("startup cleanup: close target manager: %w", closeErr))
			}
		}
		if s.client != nil {
			s.client.CloseIdleConnections()
			s.client = nil
		}
		if cleanupErr := errors.Join(cleanupErrs...); cleanupErr != nil {
			err = errors.Join(err, cleanupErr)
		}
	}()

	client, err := clientfactory.NewClient(clientfactory.Config{
		MaxConnections:    s.cfg.MaxConnections,
		TimeoutMillis:     s.cfg.TimeoutMillis,
		Proxy:             s.cfg.Proxy,
		ClientCertificate: s.cfg.ClientCertificate,
		Observer:          s.state,
		Logger:            s.logger,
	})
	if err != nil {
		return fmt.Errorf("build relay client: %w", err)
	}
	s.client = client

	targets, err := s.manager.Start(ctx)
	if err != nil {
		return err
	}
	managerStarted = true

	targetRouter, err := router.NewStaticRouter(targets)
	if err != nil {
		return err
	}

	handler := httpapi.NewHandler(targetRouter, client, s.journal, httpapi.Options{
		Metrics:      s.state,
		Logger:       s.logger,
		MaxBodyBytes: s.cfg.MaxBodyBytes,
	})
	handler.HandleAdmin("/__admin/healthz", s.state.HealthHandler)
	handler.HandleAdmin("/__admin/readyz", s.state.ReadyHandler)
	if s.cfg.MetricsAddr == s.cfg.ListenAddr || s.cfg.MetricsAddr == "" {
		handler.HandleAdmin("/__admin/metrics", s.state.MetricsHandler)
	}

	apiListener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", s.cfg.ListenAddr, err)
	}

	s.apiServer = &http.Server{Handler: handler}
	s.apiListener = apiListener
	s.setEndpoint("http://" + apiListener.Addr().String())

	go s.serve("api", s.apiServer, apiListener)

	if s.cfg.MetricsAddr != "" && s.cfg.MetricsAddr != s.cfg.ListenAddr {
		metricsMux := http.NewServeMux()
		metricsMux.HandleFunc("/metrics", s.state.MetricsHandler)
		metricsMux.HandleFunc("/healthz", s.state.HealthHandler)
		metricsMux.HandleFunc("/readyz", s.state.ReadyHandler)

		metricsListener, metricsErr := net.Listen("tcp", s.cfg.MetricsAddr)
		if metricsErr != nil {
			return fmt.Errorf("listen on metrics addr %q: %w", s.cfg.MetricsAddr, metricsErr)
		}

		s.metricsServer = &http.Server{Handler: metricsMux}
		s.metricsListen = metricsListener
		go s.serve("metrics", s.metricsServer, metricsListener)
	}

	s.state.SetReady(true)
	startupCommitted = true
	s.logger.Info("relay started",
		"endpoint", s.Endpoint(),
		"mode", s.cfg.Mode,
		"targets", len(targets),
		"max_connections", s.cfg.MaxConnections,
		"timeout_ms", s.cfg.TimeoutMillis,
		"proxy", s.cfg.Proxy.String(),
	)
	return nil
}

func (s *Server) Endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// MetricsEndpoint is empty when metrics share the relay listener.
func (s *Server) MetricsEndpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metricsListen == nil {
		return ""
	}
	return "http://" + s.metricsListen.Addr().String()
}

func (s *Server) Journal() *journal.Journal {
	return s.journal
}

func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}

	apiServer := s.apiServer
	metricsServer := s.metricsServer
	manager := s.manager
	client := s.client
	s.started = false
	s.mu.Unlock()

	s.state.SetReady(false)

	var errs []error
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
		}
	}
	if apiServer != nil {
		if err := apiServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("shutdown api server: %w", err))
		}
	}
	if client != nil {
		client.CloseIdleConnections()
	}
	if manager != nil {
		if err := manager.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown target manager: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *Server) setStarted(started bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = started
}

func (s *Server) setEndpoint(endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoint = endpoint
}

func (s *Server) serve(name string, srv *http.Server, listener net.Listener) {
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("server stopped with error", "server", name, "error", err)
	}
}
