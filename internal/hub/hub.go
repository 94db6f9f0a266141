// Package hub is the server-side device registry: the single source of truth
// for which devices are online, the rolling event log, and the process-wide
// last-command timestamp. All state is guarded by one coarse lock; operations
// are small and cheap.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kestrelworks/commandhub/internal/metrics"
	"github.com/kestrelworks/commandhub/internal/protocol"
)

const (
	sendChannelBuffer = 32
	sendTimeout       = 5 * time.Second

	// DefaultLogCapacity bounds the in-memory event ring.
	DefaultLogCapacity = 1000
)

var (
	ErrDeviceOffline  = errors.New("device has no active connection")
	ErrDeviceNotFound = errors.New("device not found")
)

// Event kinds recorded in the ring log.
const (
	EventConnect       = "connect"
	EventDisconnect    = "disconnect"
	EventSent          = "sent"
	EventAck           = "ack"
	EventClientMessage = "client_message"
)

// Device is the runtime view of a device the hub has seen this process.
// Entries survive disconnects so the registry can report offline devices.
type Device struct {
	DeviceID    string    `json:"device_id"`
	Username    string    `json:"username"`
	DeviceName  string    `json:"device_name"`
	Version     string    `json:"version"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// DeviceStatus pairs a device with its current connectivity.
type DeviceStatus struct {
	Device
	Online bool `json:"online"`
}

// Event is one entry of the append-only, bounded log.
type Event struct {
	TS        time.Time `json:"ts"`
	DeviceID  string    `json:"device_id"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
	CommandID string    `json:"command_id"`
}

// Conn is the hub's handle on one live device connection. The acceptor's
// send loop is the only reader of SendCh and the only writer to the socket.
type Conn struct {
	DeviceID    string
	SendCh      chan []byte
	ConnectedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// Done is closed when the connection has been replaced or the hub shut down.
func (c *Conn) Done() <-chan struct{} { return c.ctx.Done() }

type Hub struct {
	mu      sync.RWMutex
	conns   map[string]*Conn
	devices map[string]*Device

	events []Event
	start  int
	count  int

	lastCommandSent time.Time
	metrics         *metrics.Metrics
}

// New creates a hub with the given event log capacity. metrics may be nil.
func New(logCapacity int, m *metrics.Metrics) *Hub {
	if logCapacity <= 0 {
		logCapacity = DefaultLogCapacity
	}
	return &Hub{
		conns:   make(map[string]*Conn),
		devices: make(map[string]*Device),
		events:  make([]Event, logCapacity),
		metrics: m,
	}
}

// Register stores a session for the device, replacing (and cancelling) any
// prior connection for the same id.
func (h *Hub) Register(dev Device) *Conn {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.conns[dev.DeviceID]; ok {
		slog.Warn("Device already connected, replacing connection", "device_id", dev.DeviceID)
		existing.cancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	conn := &Conn{
		DeviceID:    dev.DeviceID,
		SendCh:      make(chan []byte, sendChannelBuffer),
		ConnectedAt: now,
		ctx:         ctx,
		cancel:      cancel,
	}
	h.conns[dev.DeviceID] = conn

	dev.ConnectedAt = now
	dev.LastSeen = now
	h.devices[dev.DeviceID] = &dev

	h.appendEventLocked(Event{
		TS:       now,
		DeviceID: dev.DeviceID,
		Kind:     EventConnect,
		Detail:   fmt.Sprintf("%s @ %s", dev.Username, dev.DeviceName),
	})

	if h.metrics != nil {
		h.metrics.DevicesOnline.Set(float64(len(h.conns)))
	}
	slog.Info("Device registered", "device_id", dev.DeviceID, "total_connections", len(h.conns))
	return conn
}

// Unregister removes the session if conn is still the current one for its
// device. Idempotent; a replaced connection's deferred unregister must not
// evict its successor.
func (h *Hub) Unregister(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	current, ok := h.conns[conn.DeviceID]
	if !ok || current != conn {
		return
	}
	conn.cancel()
	delete(h.conns, conn.DeviceID)

	detail := ""
	if dev, ok := h.devices[conn.DeviceID]; ok {
		detail = fmt.Sprintf("%s @ %s", dev.Username, dev.DeviceName)
	}
	h.appendEventLocked(Event{
		TS:       time.Now(),
		DeviceID: conn.DeviceID,
		Kind:     EventDisconnect,
		Detail:   detail,
	})

	if h.metrics != nil {
		h.metrics.DevicesOnline.Set(float64(len(h.conns)))
	}
	slog.Info("Device unregistered", "device_id", conn.DeviceID, "total_connections", len(h.conns))
}

// UpdateLastSeen is called for every inbound frame, not just heartbeats.
func (h *Hub) UpdateLastSeen(deviceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if dev, ok := h.devices[deviceID]; ok {
		dev.LastSeen = time.Now()
	}
}

// Send pushes a command to the device's live connection. Offline devices are
// reported, never queued for.
func (h *Hub) Send(deviceID string, cmd protocol.Command) error {
	h.mu.RLock()
	conn, ok := h.conns[deviceID]
	h.mu.RUnlock()

	if !ok {
		return ErrDeviceOffline
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}

	select {
	case conn.SendCh <- payload:
	case <-time.After(sendTimeout):
		return fmt.Errorf("timeout sending command to device %s", deviceID)
	case <-conn.ctx.Done():
		return ErrDeviceOffline
	}

	h.RecordSent(deviceID, cmd.ID, describeCommand(cmd))
	return nil
}

// RecordSent appends a sent event and advances the process-wide last-command
// timestamp.
func (h *Hub) RecordSent(deviceID, commandID, detail string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastCommandSent = time.Now()
	h.appendEventLocked(Event{
		TS:        h.lastCommandSent,
		DeviceID:  deviceID,
		Kind:      EventSent,
		Detail:    detail,
		CommandID: commandID,
	})
	if h.metrics != nil {
		h.metrics.CommandsSent.Inc()
	}
}

// RecordAck appends an ack event with status and detail merged.
func (h *Hub) RecordAck(deviceID string, ack protocol.Ack) {
	detail := ack.Status
	if ack.Detail != "" {
		detail += " " + ack.Detail
	}

	h.mu.Lock()
	h.appendEventLocked(Event{
		TS:        time.Now(),
		DeviceID:  deviceID,
		Kind:      EventAck,
		Detail:    detail,
		CommandID: ack.ID,
	})
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.AcksTotal.WithLabelValues(ack.Status).Inc()
	}
}

// RecordClientMessage logs an out-of-schema frame from a registered device.
func (h *Hub) RecordClientMessage(deviceID, detail string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.appendEventLocked(Event{
		TS:       time.Now(),
		DeviceID: deviceID,
		Kind:     EventClientMessage,
		Detail:   detail,
	})
}

// LastCommandSent reports when any command was last pushed, false if never.
func (h *Hub) LastCommandSent() (time.Time, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastCommandSent, !h.lastCommandSent.IsZero()
}

// Devices lists every device seen this process, online first, then most
// recently seen first.
func (h *Hub) Devices() []DeviceStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]DeviceStatus, 0, len(h.devices))
	for id, dev := range h.devices {
		_, online := h.conns[id]
		out = append(out, DeviceStatus{Device: *dev, Online: online})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Online != out[j].Online {
			return out[i].Online
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

// DeviceStatus returns one device's registry entry. Unknown ids fail with
// ErrDeviceNotFound, distinct from known-but-offline.
func (h *Hub) DeviceStatus(deviceID string) (DeviceStatus, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	dev, ok := h.devices[deviceID]
	if !ok {
		return DeviceStatus{}, ErrDeviceNotFound
	}
	_, online := h.conns[deviceID]
	return DeviceStatus{Device: *dev, Online: online}, nil
}

// Events returns up to limit most recent log events for one device, oldest
// first.
func (h *Hub) Events(deviceID string, limit int) ([]Event, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, ok := h.devices[deviceID]; !ok {
		return nil, ErrDeviceNotFound
	}

	var out []Event
	for i := h.count - 1; i >= 0 && len(out) < limit; i-- {
		ev := h.events[(h.start+i)%len(h.events)]
		if ev.DeviceID == deviceID {
			out = append(out, ev)
		}
	}
	// reverse into chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Shutdown cancels every live connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, conn := range h.conns {
		conn.cancel()
	}
	h.conns = make(map[string]*Conn)
	if h.metrics != nil {
		h.metrics.DevicesOnline.Set(0)
	}
}

func (h *Hub) appendEventLocked(ev Event) {
	if ev.CommandID == "" {
		ev.CommandID = "-"
	}
	if h.count < len(h.events) {
		h.events[(h.start+h.count)%len(h.events)] = ev
		h.count++
		return
	}
	// full: overwrite oldest
	h.events[h.start] = ev
	h.start = (h.start + 1) % len(h.events)
}

func describeCommand(cmd protocol.Command) string {
	switch {
	case cmd.Level != "":
		return fmt.Sprintf("%s level=%s", cmd.Type, cmd.Level)
	case cmd.SessionID != "":
		return fmt.Sprintf("%s session_id=%s", cmd.Type, cmd.SessionID)
	default:
		return cmd.Type
	}
}
