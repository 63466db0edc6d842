package router

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/parsnips/recording-relay/internal/backends"
)

// RouteKeyHeader pins a request to the target its value hashes to.
const RouteKeyHeader = "X-Relay-Route-Key"

type TargetRouter interface {
	Resolve(key []byte) (backends.Target, error)
	Targets() []backends.Target
}

// StaticRouter spreads requests over a fixed target set. Equal keys always
// land on the same target.
type StaticRouter struct {
	targets []backends.Target
}

func NewStaticRouter(targets []backends.Target) (*StaticRouter, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("at least one target is required")
	}
	return &StaticRouter{targets: append([]backends.Target(nil), targets...)}, nil
}

func (r *StaticRouter) Resolve(key []byte) (backends.Target, error) {
	if len(key) == 0 {
		return backends.Target{}, fmt.Errorf("route key is required")
	}
	if len(r.targets) == 1 {
		return r.targets[0], nil
	}

	index := xxhash.Sum64(key) % uint64(len(r.targets))
	return r.targets[index], nil
}

func (r *StaticRouter) Targets() []backends.Target {
	return append([]backends.Target(nil), r.targets...)
}

// RouteKey derives the routing key for an inbound request: the
// RouteKeyHeader value when present, otherwise method and path.
func RouteKey(r *http.Request) []byte {
	if pinned := strings.TrimSpace(r.Header.Get(RouteKeyHeader)); pinned != "" {
		return []byte(pinned)
	}
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	return []byte(r.Method + " " + path)
}
