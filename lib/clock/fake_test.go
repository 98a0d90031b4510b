// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	fake := Fake(time.Unix(1000, 0))
	ch := fake.After(5 * time.Second)

	select {
	case <-ch:
		t.Fatal("timer fired before Advance")
	default:
	}

	fake.Advance(5 * time.Second)
	select {
	case fired := <-ch:
		if !fired.Equal(time.Unix(1005, 0)) {
			t.Errorf("fire time = %v, want %v", fired, time.Unix(1005, 0))
		}
	default:
		t.Fatal("timer did not fire after Advance")
	}
}

func TestFakeAfterFuncStop(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	called := false
	timer := fake.AfterFunc(time.Minute, func() { called = true })

	if !timer.Stop() {
		t.Error("Stop on a pending timer returned false")
	}
	if timer.Stop() {
		t.Error("second Stop returned true")
	}
	fake.Advance(2 * time.Minute)
	if called {
		t.Error("stopped AfterFunc callback ran")
	}
	if fake.PendingCount() != 0 {
		t.Errorf("PendingCount = %d after stop, want 0", fake.PendingCount())
	}
}

func TestFakeAfterFuncFiresInDeadlineOrder(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	var order []string
	fake.AfterFunc(3*time.Second, func() { order = append(order, "late") })
	fake.AfterFunc(1*time.Second, func() { order = append(order, "early") })

	fake.Advance(5 * time.Second)

	if len(order) != 2 || order[0] != "early" || order[1] != "late" {
		t.Errorf("callback order = %v, want [early late]", order)
	}
}

func TestFakeTickerFiresPerInterval(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	ticker := fake.NewTicker(time.Second)
	defer ticker.Stop()

	fake.Advance(time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("no tick after one interval")
	}

	ticker.Stop()
	fake.Advance(10 * time.Second)
	select {
	case <-ticker.C:
		t.Error("tick delivered after Stop")
	default:
	}
}

func TestFakeTimerReset(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	fired := 0
	timer := fake.AfterFunc(time.Second, func() { fired++ })

	fake.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}

	if timer.Reset(time.Second) {
		t.Error("Reset on a fired timer reported it as active")
	}
	fake.Advance(time.Second)
	if fired != 2 {
		t.Errorf("fired = %d after reset, want 2", fired)
	}
}
