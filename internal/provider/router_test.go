package provider

import (
	"context"
	"fmt"
	"testing"

	"go.uber.org/zap"
)

type stubProvider struct {
	id    string
	err   error
	calls int
}

func (s *stubProvider) ID() string   { return s.id }
func (s *stubProvider) Name() string { return s.id }

func (s *stubProvider) Chat(_ context.Context, req *ChatRequest) (*ChatResponse, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &ChatResponse{ID: "resp", Model: req.Model, Content: "from " + s.id}, nil
}

func (s *stubProvider) HealthCheck(context.Context) error { return s.err }

func TestRouteToNamedProvider(t *testing.T) {
	r := NewRouter(zap.NewNop())
	a := &stubProvider{id: "a"}
	b := &stubProvider{id: "b"}
	r.Register(a)
	r.Register(b)

	resp, err := r.Route(context.Background(), "b", &ChatRequest{Model: "m"})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if resp.Content != "from b" {
		t.Errorf("got %q, want from b", resp.Content)
	}
	if a.calls != 0 || b.calls != 1 {
		t.Errorf("got calls a=%d b=%d, want only b invoked", a.calls, b.calls)
	}
}

func TestRouteEmptyIDUsesDefault(t *testing.T) {
	r := NewRouter(zap.NewNop())
	first := &stubProvider{id: "first"}
	r.Register(first)
	r.Register(&stubProvider{id: "second"})

	resp, err := r.Route(context.Background(), "", &ChatRequest{})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if resp.Content != "from first" {
		t.Errorf("got %q, want the first registration as default", resp.Content)
	}

	r.SetDefault("second")
	resp, _ = r.Route(context.Background(), "", &ChatRequest{})
	if resp.Content != "from second" {
		t.Errorf("got %q, want the overridden default", resp.Content)
	}
}

func TestRouteFallbackChain(t *testing.T) {
	r := NewRouter(zap.NewNop())
	primary := &stubProvider{id: "primary", err: fmt.Errorf("rate limited")}
	alsoDown := &stubProvider{id: "also-down", err: fmt.Errorf("outage")}
	backup := &stubProvider{id: "backup"}
	r.Register(primary)
	r.Register(alsoDown)
	r.Register(backup)
	r.SetFallbacks("primary", []string{"also-down", "backup"})

	resp, err := r.Route(context.Background(), "primary", &ChatRequest{})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if resp.Content != "from backup" {
		t.Errorf("got %q, want the working fallback", resp.Content)
	}
	if primary.calls != 1 || alsoDown.calls != 1 || backup.calls != 1 {
		t.Errorf("got calls primary=%d also-down=%d backup=%d, want each tried once",
			primary.calls, alsoDown.calls, backup.calls)
	}
}

func TestRouteAllProvidersFail(t *testing.T) {
	r := NewRouter(zap.NewNop())
	r.Register(&stubProvider{id: "primary", err: fmt.Errorf("down")})
	r.Register(&stubProvider{id: "backup", err: fmt.Errorf("also down")})
	r.SetFallbacks("primary", []string{"backup"})

	if _, err := r.Route(context.Background(), "primary", &ChatRequest{}); err == nil {
		t.Fatal("expected error when every provider fails")
	}
}

func TestRouteUnknownProvider(t *testing.T) {
	r := NewRouter(zap.NewNop())
	if _, err := r.Route(context.Background(), "ghost", &ChatRequest{}); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestHealthyProviders(t *testing.T) {
	r := NewRouter(zap.NewNop())
	r.Register(&stubProvider{id: "up"})
	r.Register(&stubProvider{id: "down", err: fmt.Errorf("unreachable")})

	healthy := r.HealthyProviders(context.Background())
	if len(healthy) != 1 || healthy[0] != "up" {
		t.Errorf("got %v, want [up]", healthy)
	}
}
