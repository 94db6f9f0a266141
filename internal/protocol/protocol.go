// Package protocol defines the JSON frames exchanged between the hub server
// and device agents over the persistent WebSocket connection.
package protocol

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Version is the protocol version both sides must agree on in the hello
// exchange. Bump on any incompatible frame change.
const Version = 1

// Query parameters carrying the connect-time credential. Exactly one must be
// present on the WebSocket URL.
const (
	ParamEnrollCode  = "enroll_code"
	ParamDeviceToken = "device_token"
)

// Frame types with fixed semantics. Any other type received by a registered
// connection on the server is a command on the client and a protocol
// violation on the server.
const (
	TypeHello        = "hello"
	TypeEnrollOK     = "enroll_ok"
	TypeHeartbeat    = "heartbeat"
	TypeServerStatus = "server_status"
	TypeAck          = "ack"
)

// Ack statuses. A command may be acked more than once, e.g. "received"
// followed later by "completed" or "failed".
const (
	AckReceived  = "received"
	AckCompleted = "completed"
	AckFailed    = "failed"
)

// Envelope is the decode target for any inbound frame: the union of the
// fields of all client-originated frame types, dispatched on Type.
type Envelope struct {
	Type string `json:"type"`

	// hello
	DeviceID   string `json:"device_id,omitempty"`
	Username   string `json:"username,omitempty"`
	DeviceName string `json:"device_name,omitempty"`
	Version    string `json:"version,omitempty"`
	Protocol   int    `json:"protocol,omitempty"`

	// heartbeat
	TS float64 `json:"ts,omitempty"`

	// ack
	ID     string `json:"id,omitempty"`
	Status string `json:"status,omitempty"`
	Detail string `json:"detail,omitempty"`
}

type Hello struct {
	Type       string `json:"type"`
	DeviceID   string `json:"device_id"`
	Username   string `json:"username"`
	DeviceName string `json:"device_name"`
	Version    string `json:"version"`
	Protocol   int    `json:"protocol"`
}

type EnrollOK struct {
	Type        string `json:"type"`
	DeviceToken string `json:"device_token"`
}

type Heartbeat struct {
	Type string  `json:"type"`
	TS   float64 `json:"ts"`
}

// ServerStatus is the reply to every heartbeat. LastCommandTS is the unix
// time the hub last pushed a command to any device, or null if it never has.
type ServerStatus struct {
	Type          string   `json:"type"`
	LastCommandTS *float64 `json:"last_command_ts"`
}

type Ack struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Command is a server-initiated instruction. The same shape doubles as a
// session step, where TimerS is the pacing interval the sequencer applies
// after dispatching the step.
type Command struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Title     string          `json:"title,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
	Level     string          `json:"level,omitempty"`
	Text      string          `json:"text,omitempty"`
	Reps      int             `json:"reps,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	LifespanS *float64        `json:"lifespan_s,omitempty"`
	TimerS    *float64        `json:"timer_s,omitempty"`
}

// BodyString decodes Body as a JSON string, for command types whose body is
// plain text (open_url, image_popup, show_message).
func (c Command) BodyString() string {
	var s string
	if err := json.Unmarshal(c.Body, &s); err != nil {
		return ""
	}
	return s
}

// Steps decodes Body as an ordered step list (session_start).
func (c Command) Steps() ([]Command, error) {
	var steps []Command
	if err := json.Unmarshal(c.Body, &steps); err != nil {
		return nil, err
	}
	return steps, nil
}

// NewCommandID mints a correlation id for an outbound command.
func NewCommandID() string {
	return "cmd_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:10]
}

// UnixSeconds converts a wall-clock time to the wire timestamp format.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
