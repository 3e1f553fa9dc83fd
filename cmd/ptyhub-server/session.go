package main

import (
	"encoding/base64"
	"errors"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hinshun/vt10x"
)

// Output pipeline constants. The small-chunk flush threshold is a pool
// option so the interactive-prompt heuristic stays tunable.
const (
	batchMax      = 64 * 1024
	batchInterval = 8 * time.Millisecond
	tailCap       = 8 * 1024
	maxTailLines  = 50
	scrollbackCap = 64 * 1024
)

// Session is the runtime record for one agent: child process, batching
// state, scrollback, screen state, and subscriber set.
type Session struct {
	agentID string
	taskID  string
	channel string // desktop sink channel id

	cmd  *exec.Cmd
	ptmx *os.File

	pool *Pool

	mu          sync.Mutex
	cols, rows  uint16
	batch       []byte
	tail        []byte
	flushTimer  *time.Timer
	scrollback  *ringBuffer
	subscribers map[int]func(data string)
	nextSubID   int

	vtMu sync.Mutex // always acquired after mu when both are held
	vt   vt10x.Terminal
}

// handleChunk runs on the session's PTY reader goroutine for every read.
func (s *Session) handleChunk(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Tail buffer: keep only the last tailCap bytes for the exit report.
	if len(chunk) >= tailCap {
		s.tail = append(s.tail[:0], chunk[len(chunk)-tailCap:]...)
	} else {
		s.tail = append(s.tail, chunk...)
		if excess := len(s.tail) - tailCap; excess > 0 {
			s.tail = append(s.tail[:0], s.tail[excess:]...)
		}
	}

	s.batch = append(s.batch, chunk...)

	switch {
	case len(s.batch) >= batchMax:
		s.flushLocked()
	case len(chunk) < s.pool.flushThreshold:
		// Small chunk: likely an interactive prompt fragment that should
		// reach clients immediately.
		s.flushLocked()
	default:
		if s.flushTimer == nil {
			s.flushTimer = time.AfterFunc(batchInterval, s.flush)
		}
	}
}

func (s *Session) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
}

// flushLocked takes the pending batch and delivers it in order to the
// desktop sink, the scrollback, the virtual terminal, and every
// subscriber. Caller holds s.mu.
func (s *Session) flushLocked() {
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	if len(s.batch) == 0 {
		return
	}
	chunk := s.batch
	s.batch = nil

	encoded := base64.StdEncoding.EncodeToString(chunk)
	s.pool.sink.Output(s.channel, encoded)
	s.scrollback.Write(chunk)

	s.vtMu.Lock()
	s.vt.Write(chunk)
	s.vtMu.Unlock()

	for _, fn := range s.subscribers {
		fn(encoded)
	}
}

// readLoop streams PTY output until the child exits, then runs the exit
// sequence: final flush, exit report, exit event, pool removal.
func (s *Session) readLoop() {
	buf := make([]byte, 16*1024)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			s.handleChunk(buf[:n])
		}
		if err != nil {
			break
		}
	}
	s.handleExit()
}

func (s *Session) handleExit() {
	s.flush()

	info := waitExit(s.cmd)
	s.ptmx.Close()

	s.mu.Lock()
	lines := lastLines(s.tail, maxTailLines)
	s.mu.Unlock()

	report := ExitReport{ExitCode: info.ExitCode, LastOutput: lines}
	if info.Signal != "" {
		sig := info.Signal
		report.Signal = &sig
	}
	s.pool.sink.Exit(s.channel, report)

	log.Printf("[PTY] agent %s exited (code=%v signal=%q)", s.agentID, formatExitCode(info.ExitCode), info.Signal)
	s.pool.events.EmitExit(s.agentID, info)
	s.pool.remove(s.agentID)
}

// waitExit reaps the child and extracts the exit code, or the signal name
// when the child was signaled (exit code nil in that case).
func waitExit(cmd *exec.Cmd) ExitInfo {
	err := cmd.Wait()
	if err == nil {
		zero := 0
		return ExitInfo{ExitCode: &zero}
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return ExitInfo{Signal: ws.Signal().String()}
		}
		code := ee.ExitCode()
		return ExitInfo{ExitCode: &code}
	}
	// Wait itself failed; report as signal-less unknown exit.
	code := -1
	return ExitInfo{ExitCode: &code}
}

// lastLines decodes the tail buffer into at most max trailing lines,
// stripping carriage returns and dropping empties.
func lastLines(tail []byte, max int) []string {
	var lines []string
	for _, line := range strings.Split(string(tail), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) > max {
		lines = lines[len(lines)-max:]
	}
	return lines
}

func formatExitCode(code *int) string {
	if code == nil {
		return "none"
	}
	return strconv.Itoa(*code)
}

// ScreenText renders the current virtual-terminal screen as plain text
// with trailing blanks trimmed.
func (s *Session) ScreenText() string {
	s.vtMu.Lock()
	defer s.vtMu.Unlock()

	cols, rows := s.vt.Size()
	var b strings.Builder
	lines := make([]string, 0, rows)
	for row := 0; row < rows; row++ {
		b.Reset()
		for col := 0; col < cols; col++ {
			cell := s.vt.Cell(col, row)
			if cell.Char == 0 {
				b.WriteRune(' ')
			} else {
				b.WriteRune(cell.Char)
			}
		}
		lines = append(lines, strings.TrimRight(b.String(), " "))
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

// lastScreenLine returns the bottom-most non-empty screen row.
func (s *Session) lastScreenLine() string {
	text := s.ScreenText()
	if text == "" {
		return ""
	}
	parts := strings.Split(text, "\n")
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] != "" {
			return parts[i]
		}
	}
	return ""
}
