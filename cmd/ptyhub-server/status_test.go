package main

import "testing"

func TestTrackerTaskNameFallsBackToID(t *testing.T) {
	tracker := NewTracker(nil)
	tracker.RegisterTask("T1", "Fix flaky test")

	if name := tracker.TaskName("T1"); name != "Fix flaky test" {
		t.Errorf("Expected registered name, got %q", name)
	}
	if name := tracker.TaskName("T2"); name != "T2" {
		t.Errorf("Expected task id fallback, got %q", name)
	}
}

func TestTrackerRecordsExit(t *testing.T) {
	next := newRecordingSink()
	tracker := NewTracker(next)

	code := 2
	tracker.Exit("a1", ExitReport{ExitCode: &code, LastOutput: []string{"warm up", "boom"}})

	st := tracker.AgentStatus("a1")
	if st.Status != "exited" || st.ExitCode == nil || *st.ExitCode != 2 {
		t.Errorf("Unexpected status: %+v", st)
	}
	if st.LastLine != "boom" {
		t.Errorf("Expected last output line, got %q", st.LastLine)
	}
	if _, ok := next.exitReport("a1"); !ok {
		t.Error("Expected exit report forwarded to downstream sink")
	}
}

func TestTrackerReportsRunning(t *testing.T) {
	tracker := NewTracker(nil)
	pool := NewPool(tracker)
	tracker.Bind(pool)

	st := tracker.AgentStatus("never-exited")
	if st.Status != "running" {
		t.Errorf("Expected running for unknown-but-live agent, got %q", st.Status)
	}
}

func TestTrackerPassesOutputThrough(t *testing.T) {
	next := newRecordingSink()
	tracker := NewTracker(next)

	tracker.Output("a1", "aGk=")

	if got := next.decoded("a1"); got != "hi" {
		t.Errorf("Expected output forwarded, got %q", got)
	}
}
