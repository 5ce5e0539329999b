package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"switchboard/pkg/agenterr"
	"switchboard/pkg/proto"
)

func msgTo(agent string) *proto.AgentMsg {
	return proto.NewMessage("master", agent, proto.MsgTypeREQUEST,
		"book an appointment", proto.Context{ThreadID: "thread-1"}, nil)
}

func TestRouteDeliversToHandler(t *testing.T) {
	r := NewRouter()
	r.Register("scheduler", func(_ context.Context, msg *proto.AgentMsg) (any, error) {
		return map[string]any{"echo": msg.Content}, nil
	})

	out, err := r.Route(context.Background(), msgTo("scheduler"))
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	data, ok := out.(map[string]any)
	if !ok || data["echo"] != "book an appointment" {
		t.Errorf("Route() = %v, want handler result", out)
	}
}

func TestRoutePropagatesHandlerError(t *testing.T) {
	r := NewRouter()
	wantErr := errors.New("backend unavailable")
	r.Register("scheduler", func(context.Context, *proto.AgentMsg) (any, error) {
		return nil, wantErr
	})

	_, err := r.Route(context.Background(), msgTo("scheduler"))
	if !errors.Is(err, wantErr) {
		t.Errorf("Route() error = %v, want handler error propagated", err)
	}
}

func TestRouteNoHandler(t *testing.T) {
	r := NewRouter()

	_, err := r.Route(context.Background(), msgTo("nobody"))
	if agenterr.CodeOf(err) != agenterr.CodeNoHandler {
		t.Errorf("Route() error = %v, want NO_HANDLER", err)
	}
}

func TestUnregisterFailsFastInFlight(t *testing.T) {
	r := NewRouter()
	entered := make(chan struct{})
	release := make(chan struct{})
	r.Register("scheduler", func(context.Context, *proto.AgentMsg) (any, error) {
		close(entered)
		<-release
		return "late", nil
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Route(context.Background(), msgTo("scheduler"))
		errCh <- err
	}()

	<-entered
	r.Unregister("scheduler")

	select {
	case err := <-errCh:
		if agenterr.CodeOf(err) != agenterr.CodeAgentUnregistered {
			t.Errorf("Route() error = %v, want AGENT_UNREGISTERED", err)
		}
	case <-time.After(time.Second):
		t.Fatal("route did not fail fast after unregister")
	}
	close(release) // let the abandoned handler finish
}

func TestUnregisterThenRoute(t *testing.T) {
	r := NewRouter()
	r.Register("scheduler", func(context.Context, *proto.AgentMsg) (any, error) {
		return "ok", nil
	})
	r.Unregister("scheduler")

	_, err := r.Route(context.Background(), msgTo("scheduler"))
	if agenterr.CodeOf(err) != agenterr.CodeNoHandler {
		t.Errorf("Route() error = %v, want NO_HANDLER after unregister", err)
	}
}

func TestReRegisterReplacesHandler(t *testing.T) {
	r := NewRouter()
	r.Register("scheduler", func(context.Context, *proto.AgentMsg) (any, error) {
		return "old", nil
	})
	r.Register("scheduler", func(context.Context, *proto.AgentMsg) (any, error) {
		return "new", nil
	})

	out, err := r.Route(context.Background(), msgTo("scheduler"))
	if err != nil || out != "new" {
		t.Errorf("Route() = %v, %v; want new handler to win", out, err)
	}
}

func TestRouteHonorsContextCancellation(t *testing.T) {
	r := NewRouter()
	release := make(chan struct{})
	defer close(release)
	r.Register("scheduler", func(context.Context, *proto.AgentMsg) (any, error) {
		<-release
		return "late", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Route(ctx, msgTo("scheduler"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Route() error = %v, want context.Canceled", err)
	}
}
