package backends

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"
)

func TestAttachedManagerStart(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	defer listener.Close()

	manager := NewAttachedManager([]string{"http://" + listener.Addr().String() + "/"})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	targets, err := manager.Start(ctx)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if len(targets) != 1 {
		t.Fatalf("len(targets) = %d, want 1", len(targets))
	}
	if want := "http://" + listener.Addr().String(); targets[0].Endpoint != want {
		t.Fatalf("targets[0].Endpoint = %q, want %q", targets[0].Endpoint, want)
	}
	if err := manager.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestAttachedManagerRequiresEndpoints(t *testing.T) {
	manager := NewAttachedManager(nil)
	if _, err := manager.Start(context.Background()); err == nil {
		t.Fatal("expected error when starting with no endpoints")
	}
}

func TestAttachedManagerRejectsMalformedEndpoints(t *testing.T) {
	for _, endpoint := range []string{"127.0.0.1:8000", "ftp://127.0.0.1:21", "http://"} {
		manager := NewAttachedManager([]string{endpoint})
		if _, err := manager.Start(context.Background()); err == nil {
			t.Fatalf("Start(%q) error = nil, want error", endpoint)
		}
	}
}

func TestAttachedManagerFailsWhenTargetUnreachable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	addr := listener.Addr().String()
	_ = listener.Close()

	manager := NewAttachedManager([]string{"http://" + addr})
	_, err = manager.Start(context.Background())
	if err == nil {
		t.Fatal("expected probe error for closed port")
	}
	if !strings.Contains(err.Error(), "probe target endpoint") {
		t.Fatalf("Start() error = %q, want probe error", err.Error())
	}
}
