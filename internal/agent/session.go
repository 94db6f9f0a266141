package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kestrelworks/commandhub/internal/protocol"
)

const (
	defaultHeartbeatInterval = 25 * time.Second
	defaultBaseDelay         = 2 * time.Second
	defaultMaxDelay          = 30 * time.Second
	backoffFactor            = 2
	sendChannelBuffer        = 16
	dialTimeout              = 10 * time.Second
)

// errReconnect is a deliberate break of the receive loop, used after
// enroll_ok so the next cycle exercises the token path immediately.
var errReconnect = errors.New("deliberate reconnect")

// errStopped terminates the connection loop on external shutdown.
var errStopped = errors.New("session stopped")

// ErrEnrollmentRefused is fatal: the operator declined to provide a code.
var ErrEnrollmentRefused = errors.New("enrollment refused")

// CodePrompter obtains an enrollment code from the operator. The call may
// block; returning an error aborts the client.
type CodePrompter interface {
	EnrollCode(ctx context.Context) (string, error)
}

// StatusListener receives the server_status liveness signal. ok is false
// when the server has never pushed a command.
type StatusListener func(lastCommand time.Time, ok bool)

type SessionConfig struct {
	ServerURL         string // ws(s)://host/ws, without credentials
	DeviceName        string
	AppVersion        string
	HeartbeatInterval time.Duration
	BaseDelay         time.Duration
	MaxDelay          time.Duration
}

// Session owns the client side of the device connection: it dials, performs
// the hello exchange, runs the heartbeat/receive/ack loops, and reconnects
// with exponential backoff on any failure.
type Session struct {
	cfg      SessionConfig
	identity *Identity
	file     *IdentityFile
	prompter CodePrompter
	bridge   *Bridge
	status   StatusListener

	reconnectDelay time.Duration

	mu       sync.Mutex
	conn     *websocket.Conn
	fatalErr error

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewSession(cfg SessionConfig, identity *Identity, file *IdentityFile, prompter CodePrompter, bridge *Bridge, status StatusListener) *Session {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	return &Session{
		cfg:            cfg,
		identity:       identity,
		file:           file,
		prompter:       prompter,
		bridge:         bridge,
		status:         status,
		reconnectDelay: cfg.BaseDelay,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

func (s *Session) Start() {
	go s.connectionLoop()
}

// Stop requests shutdown, closes any live connection and waits for the
// connection loop to exit.
func (s *Session) Stop() {
	slog.Info("Stopping session")
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.mu.Lock()
	if s.conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		s.conn.Close()
	}
	s.mu.Unlock()

	select {
	case <-s.doneCh:
	case <-time.After(5 * time.Second):
		slog.Warn("Timed out waiting for session to stop")
	}
}

// Done is closed when the connection loop has exited.
func (s *Session) Done() <-chan struct{} { return s.doneCh }

// Err reports the fatal error that stopped the loop, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalErr
}

func (s *Session) connectionLoop() {
	defer close(s.doneCh)

	pendingCode := ""
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if s.token() == "" && pendingCode == "" {
			code, err := s.promptCode()
			if err != nil {
				slog.Error("Enrollment prompt failed", "error", err)
				s.setFatal(fmt.Errorf("%w: %v", ErrEnrollmentRefused, err))
				return
			}
			pendingCode = code
		}

		err := s.runOnce(pendingCode)
		switch {
		case errors.Is(err, errStopped):
			return
		case errors.Is(err, errReconnect):
			// Token was just obtained; reconnect immediately on the token
			// path without backoff.
			pendingCode = ""
			continue
		}

		// Codes are not reusable across failed handshakes: if we still hold
		// no token, request a fresh one next cycle.
		if s.token() == "" {
			pendingCode = ""
		}

		slog.Warn("Connection error", "error", err, "retry_in", s.reconnectDelay)
		select {
		case <-time.After(s.reconnectDelay):
		case <-s.stopCh:
			return
		}
		s.increaseReconnectDelay()
	}
}

// runOnce performs one full connection cycle: dial, hello, then the
// concurrent loops until the first failure.
func (s *Session) runOnce(enrollCode string) error {
	target, err := s.dialURL(enrollCode)
	if err != nil {
		return err
	}

	slog.Info("Connecting to server", "url", s.cfg.ServerURL)
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(target, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	s.setConn(conn)
	defer func() {
		s.setConn(nil)
		conn.Close()
	}()

	hello := protocol.Hello{
		Type:       protocol.TypeHello,
		DeviceID:   s.identity.DeviceID,
		Username:   s.identity.Username,
		DeviceName: s.cfg.DeviceName,
		Version:    s.cfg.AppVersion,
		Protocol:   protocol.Version,
	}
	payload, err := json.Marshal(hello)
	if err != nil {
		return fmt.Errorf("encode hello: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	// Live: the hello is on the wire. Only now does the backoff reset;
	// a socket that opens but dies during the handshake keeps backing off.
	s.reconnectDelay = s.cfg.BaseDelay
	slog.Info("Session live", "device_id", s.identity.DeviceID)

	return s.runLoops(conn)
}

// runLoops runs the write, heartbeat, ack-drain and receive loops for one
// open connection. All four are cancelled and awaited before returning, so
// no stale loop can touch the next connection.
func (s *Session) runLoops(conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sendCh := make(chan []byte, sendChannelBuffer)
	errChan := make(chan error, 4)

	var wg sync.WaitGroup
	wg.Add(4)
	go s.writeLoop(ctx, conn, sendCh, errChan, &wg)
	go s.heartbeatLoop(ctx, sendCh, &wg)
	go s.ackLoop(ctx, sendCh, &wg)
	go s.receiveLoop(ctx, conn, errChan, &wg)

	go func() {
		select {
		case <-s.stopCh:
			errChan <- errStopped
		case <-ctx.Done():
		}
	}()

	err := <-errChan
	cancel()
	conn.Close()
	wg.Wait()
	return err
}

func (s *Session) writeLoop(ctx context.Context, conn *websocket.Conn, sendCh chan []byte, errChan chan error, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-sendCh:
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				errChan <- fmt.Errorf("write: %w", err)
				return
			}
		}
	}
}

func (s *Session) heartbeatLoop(ctx context.Context, sendCh chan []byte, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := protocol.Heartbeat{Type: protocol.TypeHeartbeat, TS: protocol.UnixSeconds(time.Now())}
			payload, err := json.Marshal(hb)
			if err != nil {
				continue
			}
			select {
			case sendCh <- payload:
				slog.Debug("Heartbeat sent")
			case <-ctx.Done():
				return
			}
		}
	}
}

// ackLoop drains the bridge's outbound ack queue onto the wire.
func (s *Session) ackLoop(ctx context.Context, sendCh chan []byte, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ack := <-s.bridge.Acks():
			payload, err := json.Marshal(ack)
			if err != nil {
				continue
			}
			select {
			case sendCh <- payload:
				slog.Debug("Ack sent", "command_id", ack.ID, "status", ack.Status)
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Session) receiveLoop(ctx context.Context, conn *websocket.Conn, errChan chan error, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			errChan <- fmt.Errorf("read: %w", err)
			return
		}

		var head struct {
			Type          string   `json:"type"`
			DeviceToken   string   `json:"device_token"`
			LastCommandTS *float64 `json:"last_command_ts"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			errChan <- fmt.Errorf("malformed frame: %w", err)
			return
		}

		switch head.Type {
		case protocol.TypeEnrollOK:
			if head.DeviceToken == "" {
				errChan <- errors.New("enroll_ok missing device_token")
				return
			}
			if err := s.storeToken(head.DeviceToken); err != nil {
				errChan <- err
				return
			}
			slog.Info("Enrollment successful, device token saved")
			// Force a reconnect so the durable session runs on the token
			// path rather than a connection opened under a one-shot code.
			errChan <- errReconnect
			return

		case protocol.TypeServerStatus:
			if s.status != nil {
				if head.LastCommandTS != nil {
					sec := *head.LastCommandTS
					s.status(time.Unix(int64(sec), int64((sec-float64(int64(sec)))*1e9)), true)
				} else {
					s.status(time.Time{}, false)
				}
			}

		default:
			var cmd protocol.Command
			if err := json.Unmarshal(raw, &cmd); err != nil {
				errChan <- fmt.Errorf("malformed command: %w", err)
				return
			}
			slog.Info("Command received", "type", cmd.Type, "command_id", cmd.ID)
			if cmd.ID != "" {
				// Optimistic received ack; the bridge reports the outcome
				// separately once the handler has run.
				s.bridge.EnqueueAck(protocol.Ack{Type: protocol.TypeAck, ID: cmd.ID, Status: protocol.AckReceived})
			}
			if err := s.bridge.Deliver(ctx, cmd); err != nil {
				errChan <- err
				return
			}
		}
	}
}

func (s *Session) promptCode() (string, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	code, err := s.prompter.EnrollCode(ctx)
	if err != nil {
		return "", err
	}
	if code == "" {
		return "", errors.New("empty enrollment code")
	}
	return code, nil
}

// dialURL appends exactly one credential query parameter: the enrollment
// code before first enrollment, the device token ever after.
func (s *Session) dialURL(enrollCode string) (string, error) {
	u, err := url.Parse(s.cfg.ServerURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}

	q := u.Query()
	if token := s.token(); token != "" {
		q.Set(protocol.ParamDeviceToken, token)
	} else {
		q.Set(protocol.ParamEnrollCode, enrollCode)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Session) increaseReconnectDelay() {
	s.reconnectDelay *= backoffFactor
	if s.reconnectDelay > s.cfg.MaxDelay {
		s.reconnectDelay = s.cfg.MaxDelay
	}
}

func (s *Session) token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity.DeviceToken
}

func (s *Session) storeToken(token string) error {
	s.mu.Lock()
	s.identity.DeviceToken = token
	id := *s.identity
	s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	if err := s.file.Save(&id); err != nil {
		return fmt.Errorf("persist device token: %w", err)
	}
	return nil
}

func (s *Session) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *Session) setFatal(err error) {
	s.mu.Lock()
	s.fatalErr = err
	s.mu.Unlock()
}
