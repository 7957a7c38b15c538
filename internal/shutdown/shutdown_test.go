package shutdown

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/framecast/api/internal/logger"
)

func TestShutdownRunsHandlersInReverseOrder(t *testing.T) {
	mgr := NewManager(logger.Discard(), 5*time.Second)

	var order []string
	for _, name := range []string{"store", "scheduler", "http"} {
		name := name
		mgr.Register(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	if err := mgr.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	want := []string{"http", "scheduler", "store"}
	if !slices.Equal(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestShutdownRunsOnce(t *testing.T) {
	mgr := NewManager(logger.Discard(), 0)

	calls := 0
	mgr.RegisterSimple("counter", func() { calls++ })

	_ = mgr.Shutdown()
	_ = mgr.Shutdown()
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}

	select {
	case <-mgr.Done():
	default:
		t.Error("Done() not closed after Shutdown")
	}
}

func TestShutdownCollectsErrors(t *testing.T) {
	mgr := NewManager(logger.Discard(), 5*time.Second)

	ran := false
	mgr.RegisterSimple("last", func() { ran = true })
	mgr.Register("broken", func(context.Context) error { return errors.New("connection reset") })

	err := mgr.Shutdown()
	if err == nil || !strings.Contains(err.Error(), "broken: connection reset") {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if !ran {
		t.Error("handler after failing handler did not run")
	}
}

func TestShutdownTimeoutSkipsRemaining(t *testing.T) {
	mgr := NewManager(logger.Discard(), 50*time.Millisecond)

	skipped := true
	mgr.RegisterSimple("store", func() { skipped = false })
	mgr.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	err := mgr.Shutdown()
	if time.Since(start) > time.Second {
		t.Errorf("shutdown took %v", time.Since(start))
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown() error = %v, want deadline exceeded", err)
	}
	if !skipped {
		t.Error("handler ran after the timeout")
	}
}

func TestWaitReturnsOnContextCancel(t *testing.T) {
	mgr := NewManager(logger.Discard(), time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := mgr.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}
