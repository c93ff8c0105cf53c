package models

import "time"

// Client-to-server message types
const (
	MsgCommand = "command"
	MsgPing    = "ping"
	MsgResize  = "resize"
)

// Server-to-client message types
const (
	MsgInfo      = "info"
	MsgSuccess   = "success"
	MsgError     = "error"
	MsgExecuting = "executing"
	MsgOutput    = "output"
	MsgPrompt    = "prompt"
	MsgClear     = "clear"
	MsgPong      = "pong"
)

// ClientEnvelope is a structured message received on a terminal session
type ClientEnvelope struct {
	Type    string `json:"type"`
	Command string `json:"command,omitempty"`
	Cols    int    `json:"cols,omitempty"`
	Rows    int    `json:"rows,omitempty"`
}

// ServerEnvelope is a structured message sent back to the terminal client
type ServerEnvelope struct {
	Type      string    `json:"type"`
	Content   string    `json:"content,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
