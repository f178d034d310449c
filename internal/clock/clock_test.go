package clock_test

import (
	"testing"
	"time"

	"pkt.systems/blobd/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
	if delta := time.Since(now); delta < 0 || delta > time.Second {
		t.Fatalf("unexpected Now delta: %v", delta)
	}
}

func TestManualAdvanceFiresDueTimers(t *testing.T) {
	t.Parallel()

	manual := clock.NewManual(time.Unix(1_700_000_000, 0))
	ch := manual.After(30 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired before advance")
	default:
	}
	manual.Advance(29 * time.Second)
	if manual.Pending() != 1 {
		t.Fatalf("expected 1 pending timer, got %d", manual.Pending())
	}
	manual.Advance(time.Second)
	select {
	case at := <-ch:
		if got := at.Unix(); got != 1_700_000_030 {
			t.Fatalf("unexpected fire time %d", got)
		}
	default:
		t.Fatal("timer did not fire after advance")
	}
}

func TestManualSetJumpsForward(t *testing.T) {
	t.Parallel()

	start := time.Unix(1_700_000_000, 0)
	manual := clock.NewManual(start)
	manual.Set(start.Add(time.Hour))
	if got := manual.Now().Sub(start); got != time.Hour {
		t.Fatalf("expected one hour elapsed, got %v", got)
	}
}
