package main

import (
	"encoding/base64"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// serverFrame is the union of server → client frame fields for tests.
type serverFrame struct {
	Type     string        `json:"type"`
	AgentID  string        `json:"agentId"`
	Data     string        `json:"data"`
	Cols     int           `json:"cols"`
	Status   string        `json:"status"`
	ExitCode *int          `json:"exitCode"`
	List     []RemoteAgent `json:"list"`
}

func wsURL(t *testing.T, srv *Server) string {
	t.Helper()
	_, port, err := net.SplitHostPort(srv.Addr().String())
	if err != nil {
		t.Fatalf("Bad listener address: %v", err)
	}
	return "ws://127.0.0.1:" + port + "/ws?token=" + srv.Token()
}

func dialWS(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(t, srv), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) serverFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame serverFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	return frame
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame map[string]interface{}) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
}

func TestWebSocketRequiresAuth(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	_, port, _ := net.SplitHostPort(srv.Addr().String())

	_, resp, err := websocket.DefaultDialer.Dial("ws://127.0.0.1:"+port+"/ws", nil)
	if err == nil {
		t.Fatal("Expected handshake to fail without token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %+v", resp)
	}
}

func TestWebSocketCapacityLimit(t *testing.T) {
	srv, _, _, _ := newTestServer(t, WithMaxClients(2))

	first := dialWS(t, srv)
	second := dialWS(t, srv)
	readFrame(t, first)  // initial agents frame
	readFrame(t, second) // initial agents frame

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(t, srv), nil)
	if err == nil {
		t.Fatal("Expected handshake to fail at capacity")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %+v", resp)
	}
}

func TestWebSocketDefaultClientCap(t *testing.T) {
	srv := NewServer(NewPool(newRecordingSink()), fakeNamer{}, fakeStatus{}, t.TempDir())
	defer srv.static.Close()
	if srv.maxClients != 10 {
		t.Errorf("Expected default cap of 10 clients, got %d", srv.maxClients)
	}
}

func TestWebSocketStreamLifecycle(t *testing.T) {
	srv, pool, tracker, _ := newTestServer(t)

	tracker.RegisterTask("T1", "Shell")
	if err := pool.Spawn(SpawnRequest{AgentID: "a1", TaskID: "T1", Command: "/bin/cat", Channel: "a1"}); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	conn := dialWS(t, srv)

	frame := readFrame(t, conn)
	if frame.Type != "agents" {
		t.Fatalf("Expected initial agents frame, got %q", frame.Type)
	}
	if len(frame.List) != 1 || frame.List[0].AgentID != "a1" {
		t.Fatalf("Expected a1 in initial list, got %+v", frame.List)
	}

	sendFrame(t, conn, map[string]interface{}{"type": "subscribe", "agentId": "a1"})
	frame = readFrame(t, conn)
	if frame.Type != "scrollback" || frame.AgentID != "a1" {
		t.Fatalf("Expected scrollback frame after subscribe, got %+v", frame)
	}

	sendFrame(t, conn, map[string]interface{}{"type": "input", "agentId": "a1", "data": "ping\n"})

	var streamed strings.Builder
	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(streamed.String(), "ping") {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for echoed input, got %q", streamed.String())
		}
		frame = readFrame(t, conn)
		if frame.Type != "output" || frame.AgentID != "a1" {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(frame.Data)
		if err != nil {
			t.Fatalf("Bad base64 in output frame: %v", err)
		}
		streamed.Write(raw)
	}

	sendFrame(t, conn, map[string]interface{}{"type": "kill", "agentId": "a1"})

	// The exited status frame must arrive before any agents frame that
	// omits the agent.
	sawStatus := false
	for {
		frame = readFrame(t, conn)
		if frame.Type == "status" && frame.AgentID == "a1" {
			if frame.Status != "exited" {
				t.Errorf("Expected exited status, got %q", frame.Status)
			}
			sawStatus = true
			continue
		}
		if frame.Type == "agents" && len(frame.List) == 0 {
			if !sawStatus {
				t.Error("Agents frame omitted a1 before its exited status frame")
			}
			break
		}
	}
}

func TestWebSocketSubscribeIdempotent(t *testing.T) {
	srv, pool, _, _ := newTestServer(t)

	if err := pool.Spawn(SpawnRequest{AgentID: "a1", TaskID: "T1", Command: "/bin/cat", Channel: "a1"}); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer pool.Kill("a1")

	conn := dialWS(t, srv)
	readFrame(t, conn) // initial agents frame

	sendFrame(t, conn, map[string]interface{}{"type": "subscribe", "agentId": "a1"})
	frame := readFrame(t, conn)
	if frame.Type != "scrollback" {
		t.Fatalf("Expected scrollback frame, got %q", frame.Type)
	}

	// A repeat subscribe is skipped entirely: no second scrollback replay.
	sendFrame(t, conn, map[string]interface{}{"type": "subscribe", "agentId": "a1"})
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var extra serverFrame
	if err := conn.ReadJSON(&extra); err == nil {
		t.Errorf("Expected no frame after duplicate subscribe, got %+v", extra)
	}
}

func TestWebSocketUnsubscribeStopsOutput(t *testing.T) {
	srv, pool, _, _ := newTestServer(t)

	if err := pool.Spawn(SpawnRequest{AgentID: "a1", TaskID: "T1", Command: "/bin/cat", Channel: "a1"}); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer pool.Kill("a1")

	conn := dialWS(t, srv)
	readFrame(t, conn) // initial agents frame

	sendFrame(t, conn, map[string]interface{}{"type": "subscribe", "agentId": "a1"})
	frame := readFrame(t, conn)
	if frame.Type != "scrollback" {
		t.Fatalf("Expected scrollback frame, got %q", frame.Type)
	}

	sendFrame(t, conn, map[string]interface{}{"type": "unsubscribe", "agentId": "a1"})
	// Unsubscribing an agent that is not subscribed is a silent no-op.
	sendFrame(t, conn, map[string]interface{}{"type": "unsubscribe", "agentId": "a1"})

	// Give the server time to process, then write: no output should arrive.
	time.Sleep(100 * time.Millisecond)
	if err := pool.Write("a1", []byte("silent\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var extra serverFrame
	if err := conn.ReadJSON(&extra); err == nil && extra.Type == "output" {
		t.Errorf("Expected no output after unsubscribe, got %+v", extra)
	}
}

func TestWebSocketInvalidFramesDropped(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	conn := dialWS(t, srv)
	readFrame(t, conn) // initial agents frame

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	sendFrame(t, conn, map[string]interface{}{"type": "warp", "agentId": "a1"})

	// The connection stays healthy and silent.
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var extra serverFrame
	if err := conn.ReadJSON(&extra); err == nil {
		t.Errorf("Expected no reply to invalid frames, got %+v", extra)
	}

	// Prove the socket still works by pinging a valid no-op frame.
	sendFrame(t, conn, map[string]interface{}{"type": "kill", "agentId": "ghost"})
}

func TestClientCleanupOnClose(t *testing.T) {
	srv, pool, _, _ := newTestServer(t)

	if err := pool.Spawn(SpawnRequest{AgentID: "a1", TaskID: "T1", Command: "/bin/cat", Channel: "a1"}); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer pool.Kill("a1")

	conn := dialWS(t, srv)
	readFrame(t, conn)
	sendFrame(t, conn, map[string]interface{}{"type": "subscribe", "agentId": "a1"})
	readFrame(t, conn) // scrollback

	waitFor(t, 2*time.Second, "subscriber registration", func() bool {
		s := pool.session("a1")
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.subscribers) == 1
	})

	conn.Close()

	waitFor(t, 2*time.Second, "subscriber cleanup", func() bool {
		s := pool.session("a1")
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.subscribers) == 0
	})
	waitFor(t, 2*time.Second, "client deregistration", func() bool {
		return srv.clientCount() == 0
	})
}
