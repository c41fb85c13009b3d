package admission

import (
	"context"
	"sync"
	"testing"
	"time"

	"creditgen-go/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestController(clock *fakeClock) *Controller {
	return NewController(ControllerConfig{
		Window:      60 * time.Second,
		MaxRequests: 10,
		Cooldown:    2 * time.Second,
		IdleTTL:     10 * time.Minute,
		Now:         clock.Now,
	})
}

func TestAdmit_Cooldown(t *testing.T) {
	clock := newFakeClock()
	c := newTestController(clock)
	ctx := context.Background()

	first := c.Admit(ctx, "user1", models.KindImage)
	if !first.Allowed || first.Token == "" {
		t.Fatalf("Expected first request admitted with token, got %+v", first)
	}

	clock.Advance(500 * time.Millisecond)
	second := c.Admit(ctx, "user1", models.KindImage)
	if second.Allowed {
		t.Fatal("Expected second request inside cooldown to be rejected")
	}
	if second.Reason != ReasonCooldown {
		t.Errorf("Expected cooldown reason, got %q", second.Reason)
	}

	clock.Advance(1500 * time.Millisecond)
	third := c.Admit(ctx, "user1", models.KindImage)
	if !third.Allowed {
		t.Errorf("Expected request after cooldown to be admitted, got %+v", third)
	}
	if third.Token == first.Token {
		t.Error("Expected a fresh token per admission")
	}
}

func TestAdmit_WindowLimit(t *testing.T) {
	clock := newFakeClock()
	c := newTestController(clock)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		d := c.Admit(ctx, "user1", models.KindVideo)
		if !d.Allowed {
			t.Fatalf("Expected request %d to be admitted, got %+v", i, d)
		}
		clock.Advance(2 * time.Second)
	}

	eleventh := c.Admit(ctx, "user1", models.KindVideo)
	if eleventh.Allowed {
		t.Fatal("Expected 11th request in the window to be rejected")
	}
	if eleventh.Reason != ReasonTooMany {
		t.Errorf("Expected too many requests reason, got %q", eleventh.Reason)
	}

	// The first admission leaves the rolling window after 60s.
	clock.Advance(41 * time.Second)
	if d := c.Admit(ctx, "user1", models.KindVideo); !d.Allowed {
		t.Errorf("Expected admission once the oldest request expired, got %+v", d)
	}
}

func TestAdmit_KindsAreIndependent(t *testing.T) {
	clock := newFakeClock()
	c := newTestController(clock)
	ctx := context.Background()

	if d := c.Admit(ctx, "user1", models.KindImage); !d.Allowed {
		t.Fatalf("Expected image admitted, got %+v", d)
	}
	if d := c.Admit(ctx, "user1", models.KindImageEdit); !d.Allowed {
		t.Errorf("Expected edit admitted despite image cooldown, got %+v", d)
	}
	if d := c.Admit(ctx, "user2", models.KindImage); !d.Allowed {
		t.Errorf("Expected other user admitted, got %+v", d)
	}
}

func TestAdmit_AnonymousPassesThrough(t *testing.T) {
	c := newTestController(newFakeClock())
	for i := 0; i < 20; i++ {
		if d := c.Admit(context.Background(), "", models.KindImage); !d.Allowed {
			t.Fatalf("Expected anonymous request %d admitted, got %+v", i, d)
		}
	}
	if c.Len() != 0 {
		t.Errorf("Expected no entries for anonymous callers, got %d", c.Len())
	}
}

func TestAdmit_ConcurrentCallsAdmitOnce(t *testing.T) {
	c := newTestController(newFakeClock())
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Admit(ctx, "user1", models.KindImage).Allowed {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 1 {
		t.Errorf("Expected exactly one admission under a frozen clock, got %d", admitted)
	}
}

func TestSweep_EvictsIdleEntries(t *testing.T) {
	clock := newFakeClock()
	c := newTestController(clock)
	ctx := context.Background()

	c.Admit(ctx, "user1", models.KindImage)
	clock.Advance(5 * time.Minute)
	c.Admit(ctx, "user2", models.KindImage)
	clock.Advance(6 * time.Minute)

	if evicted := c.Sweep(); evicted != 1 {
		t.Errorf("Expected 1 eviction, got %d", evicted)
	}
	if c.Len() != 1 {
		t.Errorf("Expected 1 remaining entry, got %d", c.Len())
	}

	// An evicted key starts fresh.
	if d := c.Admit(ctx, "user1", models.KindImage); !d.Allowed {
		t.Errorf("Expected evicted user admitted, got %+v", d)
	}
}

func TestStartStop(t *testing.T) {
	c := NewController(ControllerConfig{SweepInterval: 10 * time.Millisecond})
	c.Start(context.Background())
	c.Stop()
	c.Stop()

	idle := NewController(ControllerConfig{})
	idle.Stop()
}
