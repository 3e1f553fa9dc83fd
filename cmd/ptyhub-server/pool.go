package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/creack/pty"
	"github.com/hinshun/vt10x"
)

var (
	// ErrInvalidCommand rejects a spawn whose command carries shell
	// metacharacters.
	ErrInvalidCommand = errors.New("command contains disallowed characters")
	// ErrAgentNotFound is returned for operations on unknown agents.
	ErrAgentNotFound = errors.New("agent not found")
)

const commandMetachars = ";&|`$(){}\n"

// Caller-supplied environment overrides may not shadow these.
var envDenyList = map[string]bool{
	"PATH":                  true,
	"HOME":                  true,
	"USER":                  true,
	"SHELL":                 true,
	"LD_PRELOAD":            true,
	"LD_LIBRARY_PATH":       true,
	"DYLD_INSERT_LIBRARIES": true,
	"NODE_OPTIONS":          true,
	"ELECTRON_RUN_AS_NODE":  true,
}

// Removed unconditionally so spawned CLIs don't detect a nested agent
// session.
var envScrubList = []string{"CLAUDECODE", "CLAUDE_CODE_SESSION", "CLAUDE_CODE_ENTRYPOINT"}

// SpawnRequest carries everything needed to start one agent.
type SpawnRequest struct {
	AgentID string
	TaskID  string
	Command string
	Args    []string
	Cwd     string
	Cols    uint16
	Rows    uint16
	Env     map[string]string
	Channel string // desktop sink channel id
}

// Pool is the process-wide registry of PTY sessions keyed by agent id.
type Pool struct {
	sink           DesktopSink
	events         *eventBus
	flushThreshold int

	mu       sync.RWMutex
	sessions map[string]*Session
}

// PoolOption tunes pool construction.
type PoolOption func(*Pool)

// WithFlushThreshold overrides the chunk size below which output is
// flushed immediately instead of batched.
func WithFlushThreshold(n int) PoolOption {
	return func(p *Pool) { p.flushThreshold = n }
}

func NewPool(sink DesktopSink, opts ...PoolOption) *Pool {
	p := &Pool{
		sink:           sink,
		events:         newEventBus(),
		flushThreshold: 1024,
		sessions:       make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Events exposes the lifecycle bus (spawn, exit, list-changed).
func (p *Pool) Events() *eventBus {
	return p.events
}

func validateCommand(command string) error {
	if strings.ContainsAny(command, commandMetachars) {
		return fmt.Errorf("%w: %q", ErrInvalidCommand, command)
	}
	return nil
}

// buildEnv starts from base (the process environment), forces terminal
// vars, drops scrubbed vars, and merges overrides minus the deny list.
func buildEnv(base []string, overrides map[string]string) []string {
	merged := make(map[string]string, len(base)+len(overrides))
	order := make([]string, 0, len(base)+len(overrides))
	set := func(k, v string) {
		if _, ok := merged[k]; !ok {
			order = append(order, k)
		}
		merged[k] = v
	}

	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		set(k, v)
	}
	set("TERM", "xterm-256color")
	set("COLORTERM", "truecolor")
	for k, v := range overrides {
		if envDenyList[k] {
			continue
		}
		set(k, v)
	}
	for _, k := range envScrubList {
		delete(merged, k)
	}

	env := make([]string, 0, len(merged))
	for _, k := range order {
		if v, ok := merged[k]; ok {
			env = append(env, k+"="+v)
		}
	}
	return env
}

// Spawn validates the request, starts the child on a fresh PTY, registers
// the session, and emits a spawn event. The session's reader goroutine
// owns the output pipeline from here on.
func (p *Pool) Spawn(req SpawnRequest) error {
	if err := validateCommand(req.Command); err != nil {
		return err
	}

	command := req.Command
	if command == "" {
		command = os.Getenv("SHELL")
		if command == "" {
			command = "/bin/sh"
		}
	}
	cwd := req.Cwd
	if cwd == "" {
		cwd = os.Getenv("HOME")
		if cwd == "" {
			cwd = "/"
		}
	}
	cols, rows := req.Cols, req.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	cmd := exec.Command(command, req.Args...)
	cmd.Dir = cwd
	cmd.Env = buildEnv(os.Environ(), req.Env)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return fmt.Errorf("start %q: %w", command, err)
	}

	s := &Session{
		agentID:     req.AgentID,
		taskID:      req.TaskID,
		channel:     req.Channel,
		cmd:         cmd,
		ptmx:        ptmx,
		pool:        p,
		cols:        cols,
		rows:        rows,
		scrollback:  newRingBuffer(scrollbackCap),
		subscribers: make(map[int]func(string)),
		vt:          vt10x.New(vt10x.WithSize(int(cols), int(rows))),
	}

	p.mu.Lock()
	if _, exists := p.sessions[req.AgentID]; exists {
		p.mu.Unlock()
		cmd.Process.Kill()
		ptmx.Close()
		go cmd.Wait()
		return fmt.Errorf("agent %q already exists", req.AgentID)
	}
	p.sessions[req.AgentID] = s
	p.mu.Unlock()

	log.Printf("[PTY] spawned agent %s (task=%s cmd=%q pid=%d)", req.AgentID, req.TaskID, command, cmd.Process.Pid)
	p.events.EmitSpawn(req.AgentID)

	go s.readLoop()
	return nil
}

func (p *Pool) session(agentID string) *Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sessions[agentID]
}

func (p *Pool) remove(agentID string) {
	p.mu.Lock()
	delete(p.sessions, agentID)
	p.mu.Unlock()
}

// Write sends raw bytes to the agent's PTY.
func (p *Pool) Write(agentID string, data []byte) error {
	s := p.session(agentID)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	_, err := s.ptmx.Write(data)
	return err
}

// Resize adjusts the PTY and the session's virtual terminal.
func (p *Pool) Resize(agentID string, cols, rows uint16) error {
	s := p.session(agentID)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if err := pty.Setsize(s.ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return err
	}
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.mu.Unlock()
	s.vtMu.Lock()
	s.vt.Resize(int(cols), int(rows))
	s.vtMu.Unlock()
	return nil
}

// Kill cancels any pending flush, clears the subscriber set so the final
// flush doesn't notify stale listeners, and terminates the child. Final
// cleanup runs in the session's exit handler. Unknown agents are a no-op.
func (p *Pool) Kill(agentID string) {
	s := p.session(agentID)
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	s.subscribers = make(map[int]func(string))
	s.mu.Unlock()

	log.Printf("[PTY] killing agent %s (pid=%d)", agentID, s.cmd.Process.Pid)
	if err := s.cmd.Process.Kill(); err != nil {
		log.Printf("[PTY] kill agent %s: %v", agentID, err)
	}
}

// KillAll terminates every live session.
func (p *Pool) KillAll() {
	for _, id := range p.ActiveIDs() {
		p.Kill(id)
	}
}

// Subscribe registers a callback for flushed output chunks and returns an
// identity handle for removal. ok is false if the agent no longer exists.
func (p *Pool) Subscribe(agentID string, fn func(data string)) (handle int, ok bool) {
	s := p.session(agentID)
	if s == nil {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	s.subscribers[s.nextSubID] = fn
	return s.nextSubID, true
}

// Unsubscribe removes a subscription by handle; silent if absent.
func (p *Pool) Unsubscribe(agentID string, handle int) {
	s := p.session(agentID)
	if s == nil {
		return
	}
	s.mu.Lock()
	delete(s.subscribers, handle)
	s.mu.Unlock()
}

// Scrollback returns the base64 snapshot of the agent's recent output.
func (p *Pool) Scrollback(agentID string) (string, bool) {
	s := p.session(agentID)
	if s == nil {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scrollback.Base64(), true
}

// Cols returns the agent's current terminal width, 0 if unknown.
func (p *Pool) Cols(agentID string) int {
	s := p.session(agentID)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.cols)
}

// Meta returns the task id an agent belongs to.
func (p *Pool) Meta(agentID string) (taskID string, ok bool) {
	s := p.session(agentID)
	if s == nil {
		return "", false
	}
	return s.taskID, true
}

// ActiveIDs lists live agent ids in stable order.
func (p *Pool) ActiveIDs() []string {
	p.mu.RLock()
	ids := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	p.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Screen renders the agent's current terminal contents as plain text.
func (p *Pool) Screen(agentID string) (string, bool) {
	s := p.session(agentID)
	if s == nil {
		return "", false
	}
	return s.ScreenText(), true
}

// LastScreenLine returns the bottom-most non-empty screen row.
func (p *Pool) LastScreenLine(agentID string) string {
	s := p.session(agentID)
	if s == nil {
		return ""
	}
	return s.lastScreenLine()
}

// Count prunes sessions whose child has already been reaped and returns
// the number of live agents.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, s := range p.sessions {
		if s.cmd.ProcessState != nil {
			delete(p.sessions, id)
		}
	}
	return len(p.sessions)
}
