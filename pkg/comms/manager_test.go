package comms

import (
	"context"
	"sync"
	"testing"
	"time"

	"switchboard/pkg/agenterr"
	"switchboard/pkg/proto"
	"switchboard/pkg/router"
)

func newTestManager(config Config) *Manager {
	return NewManager(config, router.NewRouter())
}

func request(to, content string) *proto.AgentMsg {
	return proto.NewMessage("master", to, proto.MsgTypeREQUEST, content,
		proto.Context{ThreadID: "thread-1"}, nil)
}

func inform(to, content string, priority proto.Priority) *proto.AgentMsg {
	return proto.NewMessage("master", to, proto.MsgTypeINFORM, content,
		proto.Context{ThreadID: "thread-1"}, &proto.Options{Priority: priority})
}

func TestSendAndWaitResolvesWithResponse(t *testing.T) {
	m := newTestManager(DefaultConfig)
	defer m.Shutdown()

	m.RegisterAgent("scheduler", func(_ context.Context, msg *proto.AgentMsg) (any, error) {
		return "10am works", nil
	})

	msg := request("scheduler", "find a slot")
	resp, err := m.SendAndWait(context.Background(), msg, time.Second)
	if err != nil {
		t.Fatalf("SendAndWait() error = %v", err)
	}
	if resp.CorrelationID != msg.ID {
		t.Errorf("CorrelationID = %s, want original message id %s", resp.CorrelationID, msg.ID)
	}
	if resp.Type != proto.MsgTypeINFORM || resp.Content != "10am works" {
		t.Errorf("response = %+v, want INFORM with handler result", resp)
	}
	if m.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0 after resolution", m.PendingCount())
	}
}

func TestSendAndWaitTimesOut(t *testing.T) {
	m := newTestManager(Config{DefaultTimeout: time.Second, RetryEnabled: false})
	defer m.Shutdown()

	release := make(chan struct{})
	defer close(release)
	m.RegisterAgent("slow", func(context.Context, *proto.AgentMsg) (any, error) {
		<-release
		return "late", nil
	})

	_, err := m.SendAndWait(context.Background(), request("slow", "hurry"), 50*time.Millisecond)
	if agenterr.CodeOf(err) != agenterr.CodeRequestTimeout {
		t.Errorf("SendAndWait() error = %v, want REQUEST_TIMEOUT", err)
	}
}

func TestSendAndWaitRejectsFireAndForget(t *testing.T) {
	m := newTestManager(DefaultConfig)
	defer m.Shutdown()

	_, err := m.SendAndWait(context.Background(), inform("sink", "fyi", proto.PriorityNormal), time.Second)
	if agenterr.CodeOf(err) != agenterr.CodeValidation {
		t.Errorf("SendAndWait() error = %v, want VALIDATION_ERROR for non-response message", err)
	}
}

func TestInvalidMessageNeverQueued(t *testing.T) {
	m := newTestManager(DefaultConfig)
	defer m.Shutdown()

	msg := request("scheduler", "find a slot")
	msg.Context.ThreadID = ""
	if err := m.SendMessage(msg); agenterr.CodeOf(err) != agenterr.CodeValidation {
		t.Fatalf("SendMessage() error = %v, want VALIDATION_ERROR", err)
	}
	if m.QueueDepth() != 0 {
		t.Errorf("QueueDepth = %d, want 0", m.QueueDepth())
	}
}

func TestDrainsInPriorityOrder(t *testing.T) {
	m := newTestManager(Config{DefaultTimeout: time.Second, RetryEnabled: false})
	defer m.Shutdown()

	// Hold the drain goroutine inside the gate handler so the three
	// messages below all sit in the queue together.
	gateEntered := make(chan struct{})
	gateRelease := make(chan struct{})
	m.RegisterAgent("gate", func(context.Context, *proto.AgentMsg) (any, error) {
		close(gateEntered)
		<-gateRelease
		return nil, nil
	})

	var mu sync.Mutex
	var order []proto.Priority
	done := make(chan struct{}, 3)
	m.RegisterAgent("sink", func(_ context.Context, msg *proto.AgentMsg) (any, error) {
		mu.Lock()
		order = append(order, msg.Priority)
		mu.Unlock()
		done <- struct{}{}
		return nil, nil
	})

	if err := m.SendMessage(inform("gate", "hold", proto.PriorityNormal)); err != nil {
		t.Fatal(err)
	}
	<-gateEntered

	for _, p := range []proto.Priority{proto.PriorityLow, proto.PriorityHigh, proto.PriorityNormal} {
		if err := m.SendMessage(inform("sink", "work", p)); err != nil {
			t.Fatal(err)
		}
	}
	close(gateRelease)

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("queue did not drain")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []proto.Priority{proto.PriorityHigh, proto.PriorityNormal, proto.PriorityLow}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("drain order = %v, want %v", order, want)
		}
	}
}

func TestExpiringMessageJumpsQueue(t *testing.T) {
	soon := time.Now().Add(2 * time.Second)
	urgent := proto.NewMessage("master", "sink", proto.MsgTypeINFORM, "now",
		proto.Context{ThreadID: "thread-1"}, &proto.Options{ExpiresAt: &soon})

	now := time.Now()
	plain := inform("sink", "later", proto.PriorityHigh)
	if computePriority(urgent, now) <= computePriority(plain, now) {
		t.Error("message expiring within the urgency window should outrank explicit high priority")
	}
}

func TestRetriesThenSucceeds(t *testing.T) {
	m := newTestManager(Config{DefaultTimeout: 5 * time.Second, RetryEnabled: true, MaxRetries: 3})
	defer m.Shutdown()

	var mu sync.Mutex
	calls := 0
	m.RegisterAgent("flaky", func(context.Context, *proto.AgentMsg) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return nil, agenterr.New(agenterr.CodeToolExecution, "transient failure")
		}
		return "finally", nil
	})

	resp, err := m.SendAndWait(context.Background(), request("flaky", "try hard"), 5*time.Second)
	if err != nil {
		t.Fatalf("SendAndWait() error = %v", err)
	}
	if resp.Content != "finally" {
		t.Errorf("Content = %v, want result of third attempt", resp.Content)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Errorf("handler calls = %d, want 3", calls)
	}
}

func TestRetryNeverMutatesThreadMessage(t *testing.T) {
	m := newTestManager(Config{DefaultTimeout: 5 * time.Second, RetryEnabled: true, MaxRetries: 3})
	defer m.Shutdown()

	var evMu sync.Mutex
	var retried []*proto.AgentMsg
	m.OnEvent(string(EventMessageRetried), func(e Event) {
		evMu.Lock()
		retried = append(retried, e.Message)
		evMu.Unlock()
	})

	var mu sync.Mutex
	calls := 0
	m.RegisterAgent("flaky", func(context.Context, *proto.AgentMsg) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return nil, agenterr.New(agenterr.CodeToolExecution, "transient failure")
		}
		return "finally", nil
	})

	msg := request("flaky", "keep trying")
	if _, err := m.SendAndWait(context.Background(), msg, 5*time.Second); err != nil {
		t.Fatalf("SendAndWait() error = %v", err)
	}

	if msg.RetryCount != 0 {
		t.Errorf("sent message RetryCount = %d, want 0", msg.RetryCount)
	}
	thread := m.GetThread("thread-1")
	if thread == nil {
		t.Fatal("GetThread() = nil")
	}
	for _, tm := range thread.Messages {
		if tm.ID == msg.ID && tm.RetryCount != 0 {
			t.Errorf("thread message RetryCount = %d, want 0", tm.RetryCount)
		}
	}

	evMu.Lock()
	defer evMu.Unlock()
	if len(retried) != 2 {
		t.Fatalf("retried events = %d, want 2", len(retried))
	}
	for i, rm := range retried {
		if rm.ID != msg.ID {
			t.Errorf("retry %d ID = %s, want %s", i, rm.ID, msg.ID)
		}
		if rm.RetryCount != i+1 {
			t.Errorf("retry %d RetryCount = %d, want %d", i, rm.RetryCount, i+1)
		}
	}
}

func TestRetriesExhaustedRejectsPending(t *testing.T) {
	m := newTestManager(Config{DefaultTimeout: 5 * time.Second, RetryEnabled: true, MaxRetries: 1})
	defer m.Shutdown()

	var mu sync.Mutex
	calls := 0
	m.RegisterAgent("broken", func(context.Context, *proto.AgentMsg) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return nil, agenterr.New(agenterr.CodeToolExecution, "hard down")
	})

	_, err := m.SendAndWait(context.Background(), request("broken", "try"), 5*time.Second)
	if agenterr.CodeOf(err) != agenterr.CodeToolExecution {
		t.Errorf("SendAndWait() error = %v, want handler error after retries", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 { // initial attempt + one retry
		t.Errorf("handler calls = %d, want 2", calls)
	}
}

func TestUnmatchedResponseSilentlyDropped(t *testing.T) {
	m := newTestManager(DefaultConfig)
	defer m.Shutdown()

	dropped := make(chan Event, 1)
	m.OnEvent(string(EventResponseDropped), func(e Event) { dropped <- e })

	orphan := proto.NewMessage("scheduler", "master", proto.MsgTypeINFORM, "who asked",
		proto.Context{ThreadID: "thread-1"}, &proto.Options{CorrelationID: "no-such-request"})
	if err := m.SendMessage(orphan); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	select {
	case <-dropped:
	case <-time.After(time.Second):
		t.Fatal("expected a response_dropped event")
	}
	if m.QueueDepth() != 0 {
		t.Error("orphan response must not be queued")
	}
}

func TestClearRejectsPendingRequests(t *testing.T) {
	m := newTestManager(DefaultConfig)
	defer m.Shutdown()

	release := make(chan struct{})
	defer close(release)
	m.RegisterAgent("slow", func(context.Context, *proto.AgentMsg) (any, error) {
		<-release
		return "late", nil
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := m.SendAndWait(context.Background(), request("slow", "wait"), 10*time.Second)
		errCh <- err
	}()

	deadline := time.Now().Add(time.Second)
	for m.PendingCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	m.Clear()

	select {
	case err := <-errCh:
		if agenterr.CodeOf(err) != agenterr.CodeManagerCleared {
			t.Errorf("SendAndWait() error = %v, want MANAGER_CLEARED", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending request not rejected by Clear")
	}
	if m.GetThread("thread-1") != nil {
		t.Error("threads must be emptied by Clear")
	}
}

func TestUnregisterRejectsPendingForAgent(t *testing.T) {
	m := newTestManager(Config{DefaultTimeout: 10 * time.Second, RetryEnabled: false})
	defer m.Shutdown()

	release := make(chan struct{})
	defer close(release)
	m.RegisterAgent("doomed", func(context.Context, *proto.AgentMsg) (any, error) {
		<-release
		return "late", nil
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := m.SendAndWait(context.Background(), request("doomed", "wait"), 10*time.Second)
		errCh <- err
	}()

	deadline := time.Now().Add(time.Second)
	for m.PendingCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	m.UnregisterAgent("doomed")

	select {
	case err := <-errCh:
		if agenterr.CodeOf(err) != agenterr.CodeAgentUnregistered {
			t.Errorf("SendAndWait() error = %v, want AGENT_UNREGISTERED", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not rejected by unregister")
	}
}

func TestThreadGrowsAppendOnly(t *testing.T) {
	m := newTestManager(DefaultConfig)
	defer m.Shutdown()

	m.RegisterAgent("scheduler", func(context.Context, *proto.AgentMsg) (any, error) {
		return "ok", nil
	})

	if _, err := m.SendAndWait(context.Background(), request("scheduler", "first"), time.Second); err != nil {
		t.Fatal(err)
	}
	if _, err := m.SendAndWait(context.Background(), request("scheduler", "second"), time.Second); err != nil {
		t.Fatal(err)
	}

	thread := m.GetThread("thread-1")
	if thread == nil {
		t.Fatal("thread not created")
	}
	// Two requests plus two responses.
	if len(thread.Messages) != 4 {
		t.Errorf("thread has %d messages, want 4", len(thread.Messages))
	}
	if !thread.hasParticipant("master") || !thread.hasParticipant("scheduler") {
		t.Errorf("participants = %v, want both agents", thread.Participants)
	}
	if thread.Status != ThreadActive {
		t.Errorf("status = %s, want active", thread.Status)
	}
}

func TestEventsCoverLifecycle(t *testing.T) {
	m := newTestManager(DefaultConfig)
	defer m.Shutdown()

	var mu sync.Mutex
	seen := make(map[EventType]int)
	m.OnEvent(Wildcard, func(e Event) {
		mu.Lock()
		seen[e.Type]++
		mu.Unlock()
	})

	m.RegisterAgent("scheduler", func(context.Context, *proto.AgentMsg) (any, error) {
		return "ok", nil
	})
	if _, err := m.SendAndWait(context.Background(), request("scheduler", "go"), time.Second); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		ok := seen[EventAgentRegistered] > 0 && seen[EventMessageQueued] > 0 && seen[EventMessageProcessed] > 0
		mu.Unlock()
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	t.Fatalf("events seen = %v, want registration, queued and processed", seen)
}
