package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_NewTimer(t *testing.T) {
	clock := RealClock{}
	timer := clock.NewTimer(10 * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C():
	case <-time.After(time.Second):
		t.Error("timer did not fire")
	}
}

func TestOrReal(t *testing.T) {
	if _, ok := OrReal(nil).(RealClock); !ok {
		t.Errorf("OrReal(nil) should return RealClock")
	}
	mock := NewMockClock(time.Unix(0, 0))
	if OrReal(mock) != Clock(mock) {
		t.Errorf("OrReal should pass a non-nil clock through")
	}
}

func TestMockClock_Advance(t *testing.T) {
	start := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	clock := NewMockClock(start)
	clock.Advance(5 * time.Second)

	if got := clock.Since(start); got != 5*time.Second {
		t.Errorf("Since() = %v, want 5s", got)
	}
}

func TestMockTimer_FiresAtDeadline(t *testing.T) {
	clock := NewMockClock(time.Unix(100, 0))
	timer := clock.NewTimer(2 * time.Second)

	if clock.PendingTimers() != 1 {
		t.Fatalf("PendingTimers() = %d, want 1", clock.PendingTimers())
	}

	clock.Advance(time.Second)
	select {
	case <-timer.C():
		t.Fatal("timer fired early")
	default:
	}

	clock.Advance(time.Second)
	select {
	case got := <-timer.C():
		if !got.Equal(time.Unix(102, 0)) {
			t.Errorf("fired at %v, want %v", got, time.Unix(102, 0))
		}
	default:
		t.Fatal("timer did not fire at deadline")
	}

	if clock.PendingTimers() != 0 {
		t.Errorf("fired timer should no longer be pending")
	}
}

func TestMockTimer_Stop(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	timer := clock.NewTimer(time.Second)

	if !timer.Stop() {
		t.Error("Stop() on an active timer should return true")
	}
	if timer.Stop() {
		t.Error("second Stop() should return false")
	}
	clock.Advance(2 * time.Second)
	select {
	case <-timer.C():
		t.Error("stopped timer fired")
	default:
	}
}

func TestWait(t *testing.T) {
	t.Run("elapses", func(t *testing.T) {
		clock := NewMockClock(time.Unix(0, 0))
		result := make(chan bool, 1)
		go func() { result <- Wait(clock, time.Second, nil) }()

		for clock.PendingTimers() == 0 {
			time.Sleep(time.Millisecond)
		}
		clock.Advance(time.Second)
		if !<-result {
			t.Error("Wait should report the full duration elapsed")
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		done := make(chan struct{})
		close(done)
		if Wait(NewMockClock(time.Unix(0, 0)), time.Hour, done) {
			t.Error("Wait should return false when done is closed")
		}
	})

	t.Run("zero duration", func(t *testing.T) {
		if !Wait(RealClock{}, 0, make(chan struct{})) {
			t.Error("zero wait should elapse immediately")
		}
	})
}
