package clock

import (
	"testing"
	"time"
)

func TestManualAfterFiresOnAdvance(t *testing.T) {
	m := NewManual(time.Unix(1000, 0))
	ch := m.After(5 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired before advance")
	default:
	}
	m.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}
	m.Advance(1 * time.Second)
	select {
	case now := <-ch:
		if got := now.Unix(); got != 1005 {
			t.Fatalf("fired at %d, want 1005", got)
		}
	default:
		t.Fatal("timer did not fire at deadline")
	}
	if m.Pending() != 0 {
		t.Fatalf("pending timers: %d", m.Pending())
	}
}

func TestManualAfterNonPositiveFiresImmediately(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	select {
	case <-m.After(0):
	default:
		t.Fatal("zero-duration timer should fire immediately")
	}
}
