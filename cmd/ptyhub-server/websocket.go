package main

import (
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const maxSocketPayload = 64 * 1024

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // token auth gates the upgrade, not the origin
	},
}

// wsClient is one connected browser: a socket plus its per-agent
// subscription handles.
type wsClient struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex // gorilla/websocket writes are not concurrent-safe

	mu     sync.Mutex
	subs   map[string]int // agent id → subscription handle
	closed bool
}

// send writes a JSON frame; sends on a closed socket are dropped.
func (c *wsClient) send(v interface{}) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed || c.conn == nil {
		return
	}
	if err := c.conn.WriteJSON(v); err != nil {
		log.Printf("[WS] client %s write: %v", c.id, err)
	}
}

func (c *wsClient) close() {
	c.writeMu.Lock()
	c.closed = true
	conn := c.conn
	c.writeMu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// dropSub removes the client-side record of a subscription.
func (c *wsClient) dropSub(agentID string) (handle int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	handle, ok = c.subs[agentID]
	if ok {
		delete(c.subs, agentID)
	}
	return handle, ok
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	client := &wsClient{id: uuid.New().String(), subs: make(map[string]int)}

	s.mu.Lock()
	if len(s.clients) >= s.maxClients {
		s.mu.Unlock()
		http.Error(w, "Too many connections", http.StatusTooManyRequests)
		return
	}
	s.clients[client] = true
	s.mu.Unlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] upgrade: %v", err)
		s.mu.Lock()
		delete(s.clients, client)
		s.mu.Unlock()
		return
	}
	client.conn = conn
	conn.SetReadLimit(maxSocketPayload)
	log.Printf("[WS] client %s connected (total: %d)", client.id, s.clientCount())

	client.send(agentsFrame{Type: "agents", List: s.projection()})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		frame := parseClientFrame(data)
		if frame == nil {
			continue // invalid frames are dropped without a reply
		}
		s.dispatch(client, frame)
	}

	s.dropClient(client)
	log.Printf("[WS] client %s disconnected (total: %d)", client.id, s.clientCount())
}

func (s *Server) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) dropClient(client *wsClient) {
	client.close()

	s.mu.Lock()
	delete(s.clients, client)
	s.mu.Unlock()

	client.mu.Lock()
	subs := client.subs
	client.subs = make(map[string]int)
	client.mu.Unlock()
	for agentID, handle := range subs {
		s.pool.Unsubscribe(agentID, handle)
	}
}

// dispatch applies one validated client frame. Pool errors are swallowed:
// the agent may have exited between frames and the status broadcast
// already tells the client.
func (s *Server) dispatch(client *wsClient, frame *ClientFrame) {
	switch frame.Type {
	case "input":
		if err := s.pool.Write(frame.AgentID, []byte(frame.Data)); err != nil {
			log.Printf("[WS] input for %s: %v", frame.AgentID, err)
		}
	case "resize":
		if err := s.pool.Resize(frame.AgentID, uint16(frame.Cols), uint16(frame.Rows)); err != nil {
			log.Printf("[WS] resize for %s: %v", frame.AgentID, err)
		}
	case "kill":
		s.pool.Kill(frame.AgentID)
	case "subscribe":
		s.subscribe(client, frame.AgentID)
	case "unsubscribe":
		if handle, ok := client.dropSub(frame.AgentID); ok {
			s.pool.Unsubscribe(frame.AgentID, handle)
		}
	}
}

// subscribe replays the scrollback snapshot, then registers a live output
// callback. Repeat subscriptions are idempotent.
func (s *Server) subscribe(client *wsClient, agentID string) {
	client.mu.Lock()
	_, already := client.subs[agentID]
	client.mu.Unlock()
	if already {
		return
	}

	if snapshot, ok := s.pool.Scrollback(agentID); ok {
		client.send(scrollbackFrame{
			Type:    "scrollback",
			AgentID: agentID,
			Data:    snapshot,
			Cols:    s.pool.Cols(agentID),
		})
	}

	handle, ok := s.pool.Subscribe(agentID, func(data string) {
		client.send(outputFrame{Type: "output", AgentID: agentID, Data: data})
	})
	if !ok {
		return
	}
	client.mu.Lock()
	client.subs[agentID] = handle
	client.mu.Unlock()
}
