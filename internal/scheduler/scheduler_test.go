package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestRunner_RunsAndStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := NewRunner(nil, zap.NewNop())
	var calls atomic.Int32
	if err := r.Add("tick", time.Second, func(ctx context.Context) (int, error) {
		calls.Add(1)
		return 1, nil
	}); err != nil {
		t.Fatal(err)
	}

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}

	deadline := time.Now().Add(5 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	r.Stop()
	r.Stop()

	if calls.Load() == 0 {
		t.Fatal("job never ran")
	}
}

func TestRunner_StopCancelsJobContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := NewRunner(nil, zap.NewNop())
	started := make(chan struct{})
	var once atomic.Bool
	_ = r.Add("blocking", time.Second, func(ctx context.Context) (int, error) {
		if once.CompareAndSwap(false, true) {
			close(started)
		}
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}
	r.Stop()
}

func TestRunner_Add(t *testing.T) {
	r := NewRunner(nil, zap.NewNop())
	if err := r.Add("bad", 0, nil); err == nil {
		t.Error("zero interval should be rejected")
	}
}

func TestRunner_RunNow(t *testing.T) {
	r := NewRunner(nil, zap.NewNop())
	_ = r.Add("scan", time.Minute, func(ctx context.Context) (int, error) { return 3, nil })
	_ = r.Add("broken", time.Minute, func(ctx context.Context) (int, error) { return 0, errors.New("boom") })

	if n, err := r.RunNow(context.Background(), "scan"); err != nil || n != 3 {
		t.Errorf("RunNow(scan) = %d, %v", n, err)
	}
	if _, err := r.RunNow(context.Background(), "broken"); err == nil {
		t.Error("RunNow(broken) should return the job error")
	}
	if _, err := r.RunNow(context.Background(), "missing"); err == nil {
		t.Error("RunNow(missing) should fail")
	}
}
