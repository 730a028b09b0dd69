package health

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestRegistryEmptyIsReady(t *testing.T) {
	r := NewRegistry()

	ready, statuses := r.CheckAll(context.Background())
	if !ready {
		t.Fatal("empty registry should report ready")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected no statuses, got %d", len(statuses))
	}
}

func TestRegistryAggregatesFailures(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(context.Context) error { return nil })
	r.Register("scheduler", func(context.Context) error { return errors.New("cron stopped") })

	ready, statuses := r.CheckAll(context.Background())
	if ready {
		t.Fatal("one failing probe should make the aggregate not ready")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}

	// Sorted by name: database then scheduler.
	if statuses[0].Name != "database" || !statuses[0].Healthy || statuses[0].Detail != "" {
		t.Errorf("unexpected database status: %+v", statuses[0])
	}
	if statuses[1].Name != "scheduler" || statuses[1].Healthy {
		t.Errorf("unexpected scheduler status: %+v", statuses[1])
	}
	if statuses[1].Detail != "cron stopped" {
		t.Errorf("expected failure detail, got %q", statuses[1].Detail)
	}
}

func TestRegistryReplacesProbeByName(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(context.Context) error { return errors.New("down") })
	r.Register("database", func(context.Context) error { return nil })

	ready, statuses := r.CheckAll(context.Background())
	if !ready {
		t.Fatal("re-registered probe should win")
	}
	if len(statuses) != 1 {
		t.Fatalf("expected 1 status, got %d", len(statuses))
	}
}

func TestRegistryPassesContext(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(ctx context.Context) error { return ctx.Err() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ready, statuses := r.CheckAll(ctx)
	if ready {
		t.Fatal("probe seeing a cancelled context should fail")
	}
	if statuses[0].Detail != context.Canceled.Error() {
		t.Errorf("expected context error detail, got %q", statuses[0].Detail)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register("database", func(context.Context) error { return nil })
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()

	ready, _ := r.CheckAll(context.Background())
	if !ready {
		t.Fatal("expected ready after concurrent churn")
	}
}
