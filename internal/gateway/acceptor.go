// Package gateway accepts device WebSocket connections, authenticates them
// with an enrollment code or device token, performs the hello handshake and
// relays frames between the wire and the hub.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kestrelworks/commandhub/internal/credstore"
	"github.com/kestrelworks/commandhub/internal/hub"
	"github.com/kestrelworks/commandhub/internal/metrics"
	"github.com/kestrelworks/commandhub/internal/protocol"
)

const (
	maxFrameBytes     = 64 << 10
	closeWriteWait    = time.Second
	touchTimeout      = 5 * time.Second
	defaultDeviceName = "unknown"
)

// CredentialStore is the slice of the credential store the acceptor needs.
type CredentialStore interface {
	ConsumeEnrollmentCode(ctx context.Context, raw string) (bool, error)
	RegisterDevice(ctx context.Context, deviceID, rawToken, username, deviceName string) error
	LookupDeviceIDByToken(ctx context.Context, rawToken string) (string, error)
	TouchDevice(ctx context.Context, deviceID, username, deviceName string) error
}

type Acceptor struct {
	hub      *hub.Hub
	store    CredentialStore
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

func NewAcceptor(h *hub.Hub, store CredentialStore, m *metrics.Metrics) *Acceptor {
	return &Acceptor{
		hub:     h,
		store:   store,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	enrollCode := r.URL.Query().Get(protocol.ParamEnrollCode)
	deviceToken := r.URL.Query().Get(protocol.ParamDeviceToken)

	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	defer ws.Close()

	a.handle(r.Context(), ws, enrollCode, deviceToken)
}

func (a *Acceptor) handle(ctx context.Context, ws *websocket.Conn, enrollCode, deviceToken string) {
	if (enrollCode == "") == (deviceToken == "") {
		a.reject(ws, "exactly one of enroll_code or device_token is required")
		return
	}

	enrolling := enrollCode != ""
	var expectedDeviceID string

	if enrolling {
		// The code is burned here, before the hello is even read: a valid
		// code spends itself on the attempt, not on its success.
		ok, err := a.store.ConsumeEnrollmentCode(ctx, enrollCode)
		if err != nil {
			slog.Error("Enrollment code consume failed", "error", err)
			closeWith(ws, websocket.CloseInternalServerErr, "internal error")
			return
		}
		if !ok {
			a.countEnrollment("rejected")
			a.reject(ws, "invalid enrollment code")
			return
		}
	} else {
		id, err := a.store.LookupDeviceIDByToken(ctx, deviceToken)
		if err != nil {
			if errors.Is(err, credstore.ErrTokenUnknown) {
				a.reject(ws, "unknown device token")
				return
			}
			slog.Error("Device token lookup failed", "error", err)
			closeWith(ws, websocket.CloseInternalServerErr, "internal error")
			return
		}
		expectedDeviceID = id
	}

	ws.SetReadLimit(maxFrameBytes)

	hello, ok := a.readHello(ws, expectedDeviceID)
	if !ok {
		if enrolling {
			a.countEnrollment("bad_hello")
		}
		return
	}

	deviceName := hello.DeviceName
	if deviceName == "" {
		deviceName = defaultDeviceName
	}

	if enrolling {
		rawToken, err := credstore.MintDeviceToken()
		if err != nil {
			slog.Error("Token mint failed", "error", err)
			closeWith(ws, websocket.CloseInternalServerErr, "internal error")
			return
		}
		err = a.store.RegisterDevice(ctx, hello.DeviceID, rawToken, hello.Username, deviceName)
		if err != nil {
			if errors.Is(err, credstore.ErrDeviceExists) {
				a.countEnrollment("duplicate_device")
				a.reject(ws, "device already enrolled")
				return
			}
			slog.Error("Device registration failed", "error", err, "device_id", hello.DeviceID)
			closeWith(ws, websocket.CloseInternalServerErr, "internal error")
			return
		}

		// The raw token crosses the wire exactly once, here.
		reply := protocol.EnrollOK{Type: protocol.TypeEnrollOK, DeviceToken: rawToken}
		if err := a.writeJSON(ws, reply); err != nil {
			slog.Warn("Failed to deliver enroll_ok", "error", err, "device_id", hello.DeviceID)
			return
		}
		a.countEnrollment("ok")
	} else {
		if err := a.store.TouchDevice(ctx, hello.DeviceID, hello.Username, deviceName); err != nil {
			slog.Warn("Device touch failed on reconnect", "error", err, "device_id", hello.DeviceID)
		}
	}

	conn := a.hub.Register(hub.Device{
		DeviceID:   hello.DeviceID,
		Username:   hello.Username,
		DeviceName: deviceName,
		Version:    hello.Version,
	})
	defer a.hub.Unregister(conn)

	if a.metrics != nil {
		a.metrics.ConnectionsTotal.WithLabelValues("registered").Inc()
	}

	a.relay(ws, conn)
}

// readHello enforces the first-frame schema: type "hello", non-empty
// device_id and username, matching protocol version, and, on the token path,
// a device_id equal to the one the token resolves to.
func (a *Acceptor) readHello(ws *websocket.Conn, expectedDeviceID string) (protocol.Hello, bool) {
	var none protocol.Hello

	_, raw, err := ws.ReadMessage()
	if err != nil {
		return none, false
	}

	var hello protocol.Hello
	if err := json.Unmarshal(raw, &hello); err != nil {
		a.reject(ws, "malformed hello")
		return none, false
	}
	if hello.Type != protocol.TypeHello || hello.DeviceID == "" || hello.Username == "" {
		a.reject(ws, "first message must be a well-formed hello")
		return none, false
	}
	if hello.Protocol != protocol.Version {
		a.reject(ws, fmt.Sprintf("unsupported protocol version %d", hello.Protocol))
		return none, false
	}
	if expectedDeviceID != "" && hello.DeviceID != expectedDeviceID {
		a.reject(ws, "device_id does not match token")
		return none, false
	}
	return hello, true
}

// relay is the registered-state loop: a send loop drains the hub connection's
// channel as the sole socket writer while this goroutine reads inbound
// frames.
func (a *Acceptor) relay(ws *websocket.Conn, conn *hub.Conn) {
	done := make(chan struct{})
	defer close(done)

	go a.sendLoop(ws, conn, done)

	deviceID := conn.DeviceID
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("Read error", "device_id", deviceID, "error", err)
			}
			return
		}

		a.hub.UpdateLastSeen(deviceID)
		a.touchAsync(deviceID)

		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			a.hub.RecordClientMessage(deviceID, "malformed frame")
			closeWith(ws, websocket.CloseProtocolError, "malformed frame")
			return
		}

		switch env.Type {
		case protocol.TypeHeartbeat:
			if a.metrics != nil {
				a.metrics.HeartbeatsTotal.Inc()
			}
			status := protocol.ServerStatus{Type: protocol.TypeServerStatus}
			if last, ok := a.hub.LastCommandSent(); ok {
				ts := protocol.UnixSeconds(last)
				status.LastCommandTS = &ts
			}
			payload, err := json.Marshal(status)
			if err == nil {
				select {
				case conn.SendCh <- payload:
				case <-conn.Done():
					return
				}
			}

		case protocol.TypeAck:
			a.hub.RecordAck(deviceID, protocol.Ack{
				Type:   env.Type,
				ID:     env.ID,
				Status: env.Status,
				Detail: env.Detail,
			})

		default:
			a.hub.RecordClientMessage(deviceID, "unexpected frame type: "+env.Type)
			closeWith(ws, websocket.CloseProtocolError, "unexpected frame type")
			return
		}
	}
}

func (a *Acceptor) sendLoop(ws *websocket.Conn, conn *hub.Conn, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-conn.Done():
			// Replaced by a newer connection or hub shutdown.
			closeWith(ws, websocket.CloseNormalClosure, "session closed")
			ws.Close()
			return
		case payload := <-conn.SendCh:
			if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				slog.Debug("Write error", "device_id", conn.DeviceID, "error", err)
				ws.Close()
				return
			}
		}
	}
}

// touchAsync mirrors the hub's in-memory last_seen into the store without
// blocking the read loop.
func (a *Acceptor) touchAsync(deviceID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()
		if err := a.store.TouchDevice(ctx, deviceID, "", ""); err != nil {
			slog.Debug("Failed to persist last seen", "device_id", deviceID, "error", err)
		}
	}()
}

func (a *Acceptor) writeJSON(ws *websocket.Conn, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, payload)
}

func (a *Acceptor) countEnrollment(result string) {
	if a.metrics != nil {
		a.metrics.EnrollmentsTotal.WithLabelValues(result).Inc()
	}
}

func (a *Acceptor) reject(ws *websocket.Conn, reason string) {
	if a.metrics != nil {
		a.metrics.ConnectionsTotal.WithLabelValues("rejected").Inc()
	}
	slog.Warn("Connection rejected", "reason", reason)
	closeWith(ws, websocket.ClosePolicyViolation, reason)
}

func closeWith(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
}
