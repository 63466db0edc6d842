package backends

import "context"

// Target is one upstream the relay forwards to.
type Target struct {
	ID       int
	Endpoint string
}

type Manager interface {
	Start(ctx context.Context) ([]Target, error)
	Close(ctx context.Context) error
}
