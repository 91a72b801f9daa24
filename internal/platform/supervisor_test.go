package platform

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func fastPolicy(maxRestarts int) SupervisorPolicy {
	return SupervisorPolicy{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		BackoffFactor:  1,
		MaxRestarts:    maxRestarts,
	}
}

func TestSupervisorRestartsFailingTask(t *testing.T) {
	supervisor := NewSupervisor(fastPolicy(0), nil)
	var calls atomic.Int32
	run := func(ctx context.Context) error {
		if calls.Add(1) <= 2 {
			return errors.New("boom")
		}
		<-ctx.Done()
		return ctx.Err()
	}
	if err := supervisor.Go(TaskSpec{Name: "restarting"}, run); err != nil {
		t.Fatalf("start supervisor task: %v", err)
	}
	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) && calls.Load() < 3 {
		time.Sleep(2 * time.Millisecond)
	}
	if calls.Load() < 3 {
		t.Fatalf("expected task restarts to reach at least 3 calls, got=%d", calls.Load())
	}
	children := supervisor.Children()
	if len(children) != 1 || !children[0].Running || children[0].RestartCount != 2 {
		t.Fatalf("unexpected children %+v", children)
	}
	supervisor.StopAll()
	if len(supervisor.Tasks()) != 0 {
		t.Fatalf("expected no supervisor tasks after stop all, got=%v", supervisor.Tasks())
	}
}

func TestSupervisorRecoversPanics(t *testing.T) {
	supervisor := NewSupervisor(fastPolicy(1), nil)
	var calls atomic.Int32
	if err := supervisor.Go(TaskSpec{Name: "panicky", Restart: RestartTransient}, func(context.Context) error {
		calls.Add(1)
		panic("kaboom")
	}); err != nil {
		t.Fatalf("start supervisor task: %v", err)
	}
	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) && len(supervisor.Tasks()) > 0 {
		time.Sleep(2 * time.Millisecond)
	}
	children := supervisor.Children()
	if len(children) != 1 || !children[0].PermanentFailed || children[0].LastError == "" {
		t.Fatalf("expected permanently failed task, got %+v", children)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected one restart, got %d calls", calls.Load())
	}
}

func TestSupervisorTransientTaskEndsOnSuccess(t *testing.T) {
	supervisor := NewSupervisor(fastPolicy(0), nil)
	done := make(chan struct{})
	if err := supervisor.Go(TaskSpec{Name: "once", Restart: RestartTransient}, func(context.Context) error {
		close(done)
		return nil
	}); err != nil {
		t.Fatalf("start supervisor task: %v", err)
	}
	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected transient task to run")
	}
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) && len(supervisor.Tasks()) > 0 {
		time.Sleep(time.Millisecond)
	}
	if len(supervisor.Tasks()) != 0 || len(supervisor.Children()) != 0 {
		t.Fatalf("expected clean exit, tasks=%v children=%+v", supervisor.Tasks(), supervisor.Children())
	}
}

func TestSupervisorStopsTaskByName(t *testing.T) {
	supervisor := NewSupervisor(fastPolicy(0), nil)
	stopped := make(chan struct{})
	if err := supervisor.Go(TaskSpec{Name: "named-stop"}, func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	}); err != nil {
		t.Fatalf("start supervisor task: %v", err)
	}
	supervisor.Stop("named-stop")
	select {
	case <-stopped:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected supervised task to stop after named stop")
	}
	if len(supervisor.Tasks()) != 0 {
		t.Fatalf("expected no supervisor tasks after named stop, got=%v", supervisor.Tasks())
	}
}

func TestSupervisorRejectsDuplicateTaskName(t *testing.T) {
	supervisor := NewSupervisor(SupervisorPolicy{}, nil)
	if err := supervisor.Go(TaskSpec{Name: "dup"}, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}); err != nil {
		t.Fatalf("start supervisor task: %v", err)
	}
	if err := supervisor.Go(TaskSpec{Name: "dup"}, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected duplicate task name to fail")
	}
	if err := supervisor.Go(TaskSpec{}, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected missing task name to fail")
	}
	supervisor.StopAll()
}
