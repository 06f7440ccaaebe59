package engine

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestReaperReclaimsZombies(t *testing.T) {
	fleet, ledger, executor := newTestFleet(0, testNow)
	ledger.put(seedInstance("pod-zombie", "hb-zombie", testNow.Add(-time.Hour), nil))

	healthy := seedInstance("pod-healthy", "hb-healthy", testNow.Add(-time.Hour), nil)
	healthy.LastHeartbeat = testNow.Add(-time.Minute)
	ledger.put(healthy)

	reaper := NewReaper(fleet, ReaperConfig{StaleTimeout: 5 * time.Minute})
	report, err := reaper.ReapOnce(context.Background())
	if err != nil {
		t.Fatalf("ReapOnce() error = %v", err)
	}

	if report.Zombies != 1 || report.Reclaimed != 1 || report.Failed != 0 {
		t.Errorf("report = %+v", report)
	}
	if got := executor.terminatedIDs(); len(got) != 1 || got[0] != "pod-zombie" {
		t.Errorf("terminated = %v, want [pod-zombie]", got)
	}
	if ledger.get("pod-zombie").Active {
		t.Error("zombie still active")
	}
	if !ledger.get("pod-healthy").Active {
		t.Error("healthy instance was reclaimed")
	}
}

func TestReaperRetriesFailedReclaim(t *testing.T) {
	fleet, ledger, executor := newTestFleet(0, testNow)
	ledger.put(seedInstance("pod-1", "hb-1", testNow.Add(-time.Hour), nil))
	executor.setTerminateErr(errors.New("502 bad gateway"))

	reaper := NewReaper(fleet, DefaultReaperConfig())

	report, err := reaper.ReapOnce(context.Background())
	if err != nil {
		t.Fatalf("ReapOnce() error = %v", err)
	}
	if report.Failed != 1 || report.Reclaimed != 0 {
		t.Errorf("first tick report = %+v", report)
	}
	if !ledger.get("pod-1").Active {
		t.Fatal("record went inactive although terminate failed")
	}

	executor.setTerminateErr(nil)
	report, err = reaper.ReapOnce(context.Background())
	if err != nil {
		t.Fatalf("ReapOnce() error = %v", err)
	}
	if report.Zombies != 1 || report.Reclaimed != 1 {
		t.Errorf("second tick report = %+v", report)
	}
	if ledger.get("pod-1").Active {
		t.Error("record still active after successful retry")
	}
}

func TestReaperReclaimsExpiredLeases(t *testing.T) {
	fleet, ledger, executor := newTestFleet(0, testNow)

	expired := testNow.Add(-time.Minute)
	leased := seedInstance("pod-leased", "hb-leased", testNow.Add(-2*time.Hour), &expired)
	leased.LastHeartbeat = testNow
	ledger.put(leased)

	// Both stale and expired: reclaimed once, counted as a zombie.
	both := seedInstance("pod-both", "hb-both", testNow.Add(-2*time.Hour), &expired)
	ledger.put(both)

	future := testNow.Add(time.Hour)
	running := seedInstance("pod-running", "hb-running", testNow.Add(-time.Hour), &future)
	running.LastHeartbeat = testNow
	ledger.put(running)

	report, err := NewReaper(fleet, DefaultReaperConfig()).ReapOnce(context.Background())
	if err != nil {
		t.Fatalf("ReapOnce() error = %v", err)
	}
	if report.Zombies != 1 || report.Expired != 1 || report.Reclaimed != 2 {
		t.Errorf("report = %+v", report)
	}

	got := executor.terminatedIDs()
	sort.Strings(got)
	if len(got) != 2 || got[0] != "pod-both" || got[1] != "pod-leased" {
		t.Errorf("terminated = %v", got)
	}
	if !ledger.get("pod-running").Active {
		t.Error("instance within its lease was reclaimed")
	}
}

func TestReaperAndManualTerminateDoNotDoubleReclaim(t *testing.T) {
	fleet, ledger, executor := newTestFleet(0, testNow)
	executor.delay = 5 * time.Millisecond
	ledger.put(seedInstance("pod-1", "hb-1", testNow.Add(-time.Hour), nil))

	reaper := NewReaper(fleet, DefaultReaperConfig())

	var wg sync.WaitGroup
	var outcome TerminateOutcome
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = reaper.ReapOnce(context.Background())
	}()
	go func() {
		defer wg.Done()
		outcome, _, _ = fleet.Terminate(context.Background(), "hb-1", "")
	}()
	wg.Wait()

	if got := executor.terminatedIDs(); len(got) != 1 {
		t.Errorf("provider terminate calls = %d, want 1", len(got))
	}
	if outcome != TerminateTerminated && outcome != TerminateAlreadyInactive {
		t.Errorf("manual outcome = %q", outcome)
	}
	if ledger.get("pod-1").Active {
		t.Error("record still active")
	}
}

func TestReaperRunStopsOnCancel(t *testing.T) {
	fleet, ledger, executor := newTestFleet(0, testNow)
	ledger.put(seedInstance("pod-1", "hb-1", testNow.Add(-time.Hour), nil))

	reaper := NewReaper(fleet, ReaperConfig{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reaper.Run(ctx) }()

	// The first pass runs before the first tick.
	deadline := time.After(2 * time.Second)
	for len(executor.terminatedIDs()) == 0 {
		select {
		case <-deadline:
			t.Fatal("reaper did not run immediately")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestReaperRunSlowTerminateOutlastsInterval(t *testing.T) {
	fleet, ledger, executor := newTestFleet(0, testNow)
	for _, id := range []string{"pod-1", "pod-2", "pod-3"} {
		ledger.put(seedInstance(id, "hb-"+id, testNow.Add(-time.Hour), nil))
	}
	calls := &callLog{}
	executor.log = calls
	executor.delay = 40 * time.Millisecond

	reaper := NewReaper(fleet, ReaperConfig{Interval: 5 * time.Millisecond, Concurrency: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reaper.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for len(executor.terminatedIDs()) < 3 {
		select {
		case <-deadline:
			cancel()
			t.Fatalf("terminated = %v, want all three", executor.terminatedIDs())
		case <-time.After(5 * time.Millisecond):
		}
	}
	// Let many more ticks elapse.
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	if n := strings.Count(calls.String(), "terminate"); n != 3 {
		t.Errorf("terminate called %d times, want one per record: %s", n, calls)
	}
	got := executor.terminatedIDs()
	sort.Strings(got)
	if strings.Join(got, ",") != "pod-1,pod-2,pod-3" {
		t.Errorf("terminated = %v", got)
	}
	for _, id := range got {
		if ledger.get(id).Active {
			t.Errorf("%s still active", id)
		}
	}
}

func TestNewReaperDefaults(t *testing.T) {
	fleet, _, _ := newTestFleet(0, testNow)
	r := NewReaper(fleet, ReaperConfig{})
	if r.cfg != DefaultReaperConfig() {
		t.Errorf("cfg = %+v, want defaults", r.cfg)
	}
}
