package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	testcontainers "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/parsnips/recording-relay/pkg/clientfactory"
)

const (
	managedStartupTimeout     = 45 * time.Second
	managedCleanupTimeout     = 20 * time.Second
	managedAPIProbeTimeout    = 20 * time.Second
	managedAPIProbeMinBackoff = 100 * time.Millisecond
	managedAPIProbeMaxBackoff = 1 * time.Second
)

// Readiness probes run against each managed target after its port accepts
// connections.
const (
	ProbeHTTP     = "http"
	ProbeDynamoDB = "dynamodb"
)

type managedContainer interface {
	Endpoint(ctx context.Context, proto string) (string, error)
	Terminate(ctx context.Context, opts ...testcontainers.TerminateOption) error
}

type managedContainerStarter func(ctx context.Context, req testcontainers.GenericContainerRequest) (managedContainer, error)

type ManagedOptions struct {
	Instances int
	Image     string
	// Port is the container port to expose, e.g. "8080/tcp".
	Port string
	Cmd  []string
	Env  map[string]string
	// Probe is ProbeHTTP or ProbeDynamoDB. Empty means ProbeHTTP.
	Probe string
	// Client issues probe requests. Nil means a default factory client.
	Client *http.Client
	Logger *slog.Logger
}

type ManagedManager struct {
	opts ManagedOptions

	mu         sync.Mutex
	containers []managedContainer

	startContainer managedContainerStarter
	probeHostPort  func(ctx context.Context, hostport string) error
	probeAPI       func(ctx context.Context, endpoint string) error
	logger         *slog.Logger
}

func NewManagedManager(opts ManagedOptions) *ManagedManager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ManagedManager{
		opts:           opts,
		startContainer: defaultManagedContainerStarter,
		probeHostPort:  probeHostPort,
		logger:         logger,
	}
}

func (m *ManagedManager) Start(ctx context.Context) ([]Target, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if m.opts.Instances <= 0 {
		return nil, fmt.Errorf("managed mode requires instances > 0, got %d", m.opts.Instances)
	}
	image := strings.TrimSpace(m.opts.Image)
	if image == "" {
		return nil, fmt.Errorf("managed mode requires a non-empty image")
	}
	port, err := normalizeContainerPort(m.opts.Port)
	if err != nil {
		return nil, err
	}

	probeAPI := m.probeAPI
	if probeAPI == nil {
		probeAPI, err = m.apiProbe()
		if err != nil {
			return nil, err
		}
	}
	probe := m.probeHostPort
	if probe == nil {
		probe = probeHostPort
	}
	starter := m.startContainer
	if starter == nil {
		starter = defaultManagedContainerStarter
	}

	m.mu.Lock()
	if len(m.containers) > 0 {
		m.mu.Unlock()
		return nil, fmt.Errorf("managed manager already started")
	}
	m.mu.Unlock()

	targets, startedContainers, err := m.startContainerTargets(ctx, image, port, starter, probe, probeAPI)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if len(m.containers) > 0 {
		m.mu.Unlock()
		cleanupErr := terminateManagedContainers(startedContainers)
		startErr := fmt.Errorf("managed manager already started")
		if cleanupErr != nil {
			return nil, errors.Join(startErr, cleanupErr)
		}
		return nil, startErr
	}
	m.containers = startedContainers
	m.mu.Unlock()

	return append([]Target(nil), targets...), nil
}

func (m *ManagedManager) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	containers := append([]managedContainer(nil), m.containers...)
	m.containers = nil
	m.mu.Unlock()

	var errs []error
	for i := len(containers) - 1; i >= 0; i-- {
		if err := containers[i].Terminate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("terminate managed target %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (m *ManagedManager) startContainerTargets(
	ctx context.Context,
	image string,
	port string,
	starter managedContainerStarter,
	probe func(context.Context, string) error,
	probeAPI func(context.Context, string) error,
) ([]Target, []managedContainer, error) {
	startedContainers := make([]managedContainer, 0, m.opts.Instances)
	targets := make([]Target, 0, m.opts.Instances)

	fail := func(err error) ([]Target, []managedContainer, error) {
		if cleanupErr := terminateManagedContainers(startedContainers); cleanupErr != nil {
			return nil, nil, errors.Join(err, cleanupErr)
		}
		return nil, nil, err
	}

	for i := 0; i < m.opts.Instances; i++ {
		container, err := starter(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: m.containerRequest(image, port),
			Started:          true,
		})
		if err != nil {
			return fail(fmt.Errorf("start managed target %d: %w", i, err))
		}
		startedContainers = append(startedContainers, container)

		endpoint, err := container.Endpoint(ctx, "http")
		if err != nil {
			return fail(fmt.Errorf("resolve managed target %d endpoint: %w", i, err))
		}
		endpoint = strings.TrimRight(endpoint, "/")

		parsed, err := url.Parse(endpoint)
		if err != nil {
			return fail(fmt.Errorf("parse managed target %d endpoint %q: %w", i, endpoint, err))
		}
		if parsed.Host == "" {
			return fail(fmt.Errorf("managed target %d endpoint %q is missing host", i, endpoint))
		}

		if err := probe(ctx, hostPort(parsed)); err != nil {
			return fail(fmt.Errorf("probe managed target %d endpoint %q: %w", i, endpoint, err))
		}
		if err := probeAPI(ctx, endpoint); err != nil {
			return fail(fmt.Errorf("probe managed target %d API at %q: %w", i, endpoint, err))
		}

		m.logger.Info("managed target ready", "id", i, "endpoint", endpoint, "image", image)
		targets = append(targets, Target{
			ID:       i,
			Endpoint: endpoint,
		})
	}

	return targets, startedContainers, nil
}

func (m *ManagedManager) containerRequest(image string, port string) testcontainers.ContainerRequest {
	request := testcontainers.ContainerRequest{
		Image:        image,
		ExposedPorts: []string{port},
		WaitingFor: wait.ForExposedPort().
			WithStartupTimeout(managedStartupTimeout),
	}
	if len(m.opts.Cmd) > 0 {
		request.Cmd = append([]string(nil), m.opts.Cmd...)
	}
	if len(m.opts.Env) > 0 {
		request.Env = make(map[string]string, len(m.opts.Env))
		for key, value := range m.opts.Env {
			request.Env[key] = value
		}
	}
	return request
}

func (m *ManagedManager) apiProbe() (func(context.Context, string) error, error) {
	client := m.opts.Client
	if client == nil {
		var err error
		client, err = clientfactory.CreateClientWithTimeout(int(managedAPIProbeTimeout / time.Millisecond))
		if err != nil {
			return nil, fmt.Errorf("build managed probe client: %w", err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(m.opts.Probe)) {
	case "", ProbeHTTP:
		return func(ctx context.Context, endpoint string) error {
			return probeManagedAPI(ctx, func(ctx context.Context) error {
				return getRootOnce(ctx, client, endpoint)
			})
		}, nil
	case ProbeDynamoDB:
		return func(ctx context.Context, endpoint string) error {
			dynamo, err := dynamoProbeClient(ctx, client, endpoint)
			if err != nil {
				return fmt.Errorf("build managed API probe client: %w", err)
			}
			return probeManagedAPI(ctx, func(ctx context.Context) error {
				return listTablesOnce(ctx, dynamo)
			})
		}, nil
	default:
		return nil, fmt.Errorf("unsupported probe %q (want %q or %q)", m.opts.Probe, ProbeHTTP, ProbeDynamoDB)
	}
}

func normalizeContainerPort(raw string) (string, error) {
	port := strings.TrimSpace(raw)
	if port == "" {
		return "", fmt.Errorf("managed mode requires a container port")
	}
	if !strings.Contains(port, "/") {
		port += "/tcp"
	}
	return port, nil
}

func defaultManagedContainerStarter(ctx context.Context, req testcontainers.GenericContainerRequest) (managedContainer, error) {
	return testcontainers.GenericContainer(ctx, req)
}

// probeManagedAPI retries attempt with exponential backoff until it succeeds
// or managedAPIProbeTimeout elapses.
func probeManagedAPI(ctx context.Context, attempt func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	probeCtx, cancel := context.WithTimeout(ctx, managedAPIProbeTimeout)
	defer cancel()

	backoff := managedAPIProbeMinBackoff
	var lastErr error

	for {
		lastErr = attempt(probeCtx)
		if lastErr == nil {
			return nil
		}

		timer := time.NewTimer(backoff)
		select {
		case <-probeCtx.Done():
			timer.Stop()
			return fmt.Errorf("wait for API readiness: %w (last error: %v)", probeCtx.Err(), lastErr)
		case <-timer.C:
		}

		if backoff < managedAPIProbeMaxBackoff {
			backoff *= 2
			if backoff > managedAPIProbeMaxBackoff {
				backoff = managedAPIProbeMaxBackoff
			}
		}
	}
}

func getRootOnce(ctx context.Context, client *http.Client, endpoint string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func dynamoProbeClient(ctx context.Context, httpClient *http.Client, endpoint string) (*dynamodb.Client, error) {
	cfg, err := awscfg.LoadDefaultConfig(
		ctx,
		awscfg.WithRegion("us-west-2"),
		awscfg.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("local", "local", "")),
		awscfg.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, err
	}

	return dynamodb.NewFromConfig(cfg, func(options *dynamodb.Options) {
		options.BaseEndpoint = aws.String(endpoint)
	}), nil
}

func listTablesOnce(ctx context.Context, client *dynamodb.Client) error {
	_, err := client.ListTables(ctx, &dynamodb.ListTablesInput{
		Limit: aws.Int32(1),
	})
	return err
}

func terminateManagedContainers(containers []managedContainer) error {
	if len(containers) == 0 {
		return nil
	}

	cleanupCtx, cancel := context.WithTimeout(context.Background(), managedCleanupTimeout)
	defer cancel()

	var errs []error
	for i := len(containers) - 1; i >= 0; i-- {
		if err := containers[i].Terminate(cleanupCtx); err != nil {
			errs = append(errs, fmt.Errorf("cleanup managed target %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
