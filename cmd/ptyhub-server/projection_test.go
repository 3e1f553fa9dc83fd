package main

import "testing"

type fakeNamer map[string]string

func (f fakeNamer) TaskName(taskID string) string {
	if name, ok := f[taskID]; ok {
		return name
	}
	return taskID
}

type fakeStatus map[string]AgentStatus

func (f fakeStatus) AgentStatus(agentID string) AgentStatus {
	return f[agentID]
}

func metaFromMap(m map[string]string) func(string) (string, bool) {
	return func(agentID string) (string, bool) {
		taskID, ok := m[agentID]
		return taskID, ok
	}
}

func TestProjectionDedupPrefersRunning(t *testing.T) {
	meta := metaFromMap(map[string]string{"a1": "T1", "a2": "T1"})
	code := 0
	status := fakeStatus{
		"a1": {Status: "running", LastLine: "$ "},
		"a2": {Status: "exited", ExitCode: &code},
	}

	list := buildProjection([]string{"a1", "a2"}, meta, fakeNamer{"T1": "Fix tests"}, status)

	if len(list) != 1 {
		t.Fatalf("Expected 1 entry after dedup, got %d", len(list))
	}
	if list[0].AgentID != "a1" || list[0].Status != "running" {
		t.Errorf("Expected running agent a1 to win, got %+v", list[0])
	}
	if list[0].TaskName != "Fix tests" {
		t.Errorf("Expected task name resolution, got %q", list[0].TaskName)
	}
}

func TestProjectionDedupRunningSurvivesEitherOrder(t *testing.T) {
	meta := metaFromMap(map[string]string{"a1": "T1", "a2": "T1"})
	code := 1
	status := fakeStatus{
		"a1": {Status: "exited", ExitCode: &code},
		"a2": {Status: "running"},
	}

	list := buildProjection([]string{"a1", "a2"}, meta, fakeNamer{}, status)

	if len(list) != 1 || list[0].AgentID != "a2" {
		t.Errorf("Expected running a2 to replace exited a1, got %+v", list)
	}
}

func TestProjectionDedupLastSeenWins(t *testing.T) {
	meta := metaFromMap(map[string]string{"a1": "T1", "a2": "T1"})
	status := fakeStatus{
		"a1": {Status: "running"},
		"a2": {Status: "running"},
	}

	list := buildProjection([]string{"a1", "a2"}, meta, fakeNamer{}, status)

	if len(list) != 1 || list[0].AgentID != "a2" {
		t.Errorf("Expected last-seen a2 to win, got %+v", list)
	}
}

func TestProjectionOneEntryPerTask(t *testing.T) {
	meta := metaFromMap(map[string]string{"a1": "T1", "a2": "T2", "a3": "T1"})
	status := fakeStatus{
		"a1": {Status: "running"},
		"a2": {Status: "running"},
		"a3": {Status: "running"},
	}

	list := buildProjection([]string{"a1", "a2", "a3"}, meta, fakeNamer{}, status)

	if len(list) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(list))
	}
	seen := map[string]bool{}
	for _, entry := range list {
		if seen[entry.TaskID] {
			t.Errorf("Duplicate task id %s in projection", entry.TaskID)
		}
		seen[entry.TaskID] = true
	}
}

func TestProjectionSkipsUnknownMeta(t *testing.T) {
	meta := metaFromMap(map[string]string{})
	list := buildProjection([]string{"ghost"}, meta, fakeNamer{}, fakeStatus{})
	if len(list) != 0 {
		t.Errorf("Expected empty projection, got %+v", list)
	}
}
