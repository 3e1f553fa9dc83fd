package main

import "encoding/json"

// Server → client frames, tagged by "type".

type outputFrame struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
	Data    string `json:"data"` // base64
}

type scrollbackFrame struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
	Data    string `json:"data"` // base64
	Cols    int    `json:"cols"`
}

type statusFrame struct {
	Type     string `json:"type"`
	AgentID  string `json:"agentId"`
	Status   string `json:"status"` // "running" | "exited"
	ExitCode *int   `json:"exitCode"`
}

type agentsFrame struct {
	Type string        `json:"type"`
	List []RemoteAgent `json:"list"`
}

// RemoteAgent is the deduplicated, UI-shaped summary of one agent.
type RemoteAgent struct {
	AgentID  string `json:"agentId"`
	TaskID   string `json:"taskId"`
	TaskName string `json:"taskName"`
	Status   string `json:"status"`
	ExitCode *int   `json:"exitCode"`
	LastLine string `json:"lastLine"`
}

// Client → server frame bounds.
const (
	maxAgentIDLen   = 100
	maxInputDataLen = 4096
	minTermDim      = 1
	maxTermDim      = 500
)

// ClientFrame is a validated client → server message.
type ClientFrame struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
	Data    string `json:"data,omitempty"`
	Cols    int    `json:"cols,omitempty"`
	Rows    int    `json:"rows,omitempty"`
}

// rawClientFrame defers numeric decoding so integer-ness can be checked.
type rawClientFrame struct {
	Type    *string      `json:"type"`
	AgentID *string      `json:"agentId"`
	Data    *string      `json:"data"`
	Cols    *json.Number `json:"cols"`
	Rows    *json.Number `json:"rows"`
}

// parseClientFrame validates a raw message and returns nil on any
// violation: unknown type, missing field, out-of-bound length or
// dimension, or a non-integer number.
func parseClientFrame(data []byte) *ClientFrame {
	var raw rawClientFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	if raw.Type == nil || raw.AgentID == nil {
		return nil
	}
	if len(*raw.AgentID) > maxAgentIDLen {
		return nil
	}

	frame := &ClientFrame{Type: *raw.Type, AgentID: *raw.AgentID}
	switch frame.Type {
	case "input":
		if raw.Data == nil || len(*raw.Data) > maxInputDataLen {
			return nil
		}
		frame.Data = *raw.Data
	case "resize":
		cols, ok := intInRange(raw.Cols, minTermDim, maxTermDim)
		if !ok {
			return nil
		}
		rows, ok := intInRange(raw.Rows, minTermDim, maxTermDim)
		if !ok {
			return nil
		}
		frame.Cols = cols
		frame.Rows = rows
	case "kill", "subscribe", "unsubscribe":
	default:
		return nil
	}
	return frame
}

func intInRange(n *json.Number, lo, hi int) (int, bool) {
	if n == nil {
		return 0, false
	}
	v, err := n.Int64()
	if err != nil {
		return 0, false
	}
	if v < int64(lo) || v > int64(hi) {
		return 0, false
	}
	return int(v), true
}
