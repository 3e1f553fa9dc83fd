package main

import "sync"

// AgentStatus is the UI-shaped view of one agent's state.
type AgentStatus struct {
	Status   string // "running" | "exited"
	ExitCode *int
	LastLine string
}

// TaskNamer resolves a task id to its display name.
type TaskNamer interface {
	TaskName(taskID string) string
}

// StatusProvider reports an agent's current status.
type StatusProvider interface {
	AgentStatus(agentID string) AgentStatus
}

// Tracker is the standalone implementation of the task-metadata
// collaborators. It sits between the pool and the downstream desktop sink:
// output passes through untouched, exit reports are recorded so status
// queries keep answering during the removal window. Running agents take
// their last line from the session's virtual terminal.
type Tracker struct {
	next DesktopSink

	mu        sync.Mutex
	pool      *Pool
	taskNames map[string]string
	exits     map[string]ExitReport
}

func NewTracker(next DesktopSink) *Tracker {
	if next == nil {
		next = logSink{}
	}
	return &Tracker{
		next:      next,
		taskNames: make(map[string]string),
		exits:     make(map[string]ExitReport),
	}
}

// Bind attaches the pool the tracker reads live screen state from.
func (t *Tracker) Bind(pool *Pool) {
	t.mu.Lock()
	t.pool = pool
	t.mu.Unlock()
}

// RegisterTask records a display name for a task id.
func (t *Tracker) RegisterTask(taskID, name string) {
	t.mu.Lock()
	t.taskNames[taskID] = name
	t.mu.Unlock()
}

func (t *Tracker) TaskName(taskID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if name, ok := t.taskNames[taskID]; ok {
		return name
	}
	return taskID
}

func (t *Tracker) AgentStatus(agentID string) AgentStatus {
	t.mu.Lock()
	report, exited := t.exits[agentID]
	pool := t.pool
	t.mu.Unlock()

	if exited {
		st := AgentStatus{Status: "exited", ExitCode: report.ExitCode}
		if n := len(report.LastOutput); n > 0 {
			st.LastLine = report.LastOutput[n-1]
		}
		return st
	}
	st := AgentStatus{Status: "running"}
	if pool != nil {
		st.LastLine = pool.LastScreenLine(agentID)
	}
	return st
}

// Output implements DesktopSink.
func (t *Tracker) Output(channel string, data string) {
	t.next.Output(channel, data)
}

// Exit implements DesktopSink. The channel id doubles as the agent id for
// the standalone tracker.
func (t *Tracker) Exit(channel string, report ExitReport) {
	t.mu.Lock()
	t.exits[channel] = report
	t.mu.Unlock()
	t.next.Exit(channel, report)
}
