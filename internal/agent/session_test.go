package agent

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelworks/commandhub/internal/credstore"
	"github.com/kestrelworks/commandhub/internal/gateway"
	"github.com/kestrelworks/commandhub/internal/hub"
	"github.com/kestrelworks/commandhub/internal/protocol"
)

type codePrompterFunc func(ctx context.Context) (string, error)

func (f codePrompterFunc) EnrollCode(ctx context.Context) (string, error) { return f(ctx) }

type serverFixture struct {
	hub   *hub.Hub
	store *credstore.MemoryStore
	wsURL string
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	h := hub.New(100, nil)
	store := credstore.NewMemoryStore()
	server := httptest.NewServer(gateway.NewAcceptor(h, store, nil))
	t.Cleanup(func() {
		h.Shutdown()
		server.Close()
	})
	return &serverFixture{
		hub:   h,
		store: store,
		wsURL: "ws" + strings.TrimPrefix(server.URL, "http"),
	}
}

func newTestSession(t *testing.T, f *serverFixture, identityPath string, prompter CodePrompter, handler Handler) (*Session, *Bridge) {
	t.Helper()

	file := NewIdentityFile(identityPath)
	identity, err := file.Load()
	require.NoError(t, err)
	if identity == nil {
		identity = &Identity{DeviceID: "dev-test", Username: "alice", ServerURL: f.wsURL}
	}

	if handler == nil {
		handler = HandlerFunc(func(ctx context.Context, cmd protocol.Command) error { return nil })
	}
	bridge := NewBridge(handler)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go bridge.Run(ctx)

	session := NewSession(SessionConfig{
		ServerURL:         f.wsURL,
		DeviceName:        "laptop",
		AppVersion:        "1.0.0-test",
		HeartbeatInterval: 50 * time.Millisecond,
		BaseDelay:         20 * time.Millisecond,
		MaxDelay:          100 * time.Millisecond,
	}, identity, file, prompter, bridge, nil)
	t.Cleanup(session.Stop)
	return session, bridge
}

func waitOnline(t *testing.T, h *hub.Hub, deviceID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		status, err := h.DeviceStatus(deviceID)
		return err == nil && status.Online
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSession_EnrollsAndPersistsToken(t *testing.T) {
	f := newServerFixture(t)
	identityPath := filepath.Join(t.TempDir(), "identity.yaml")

	code, _, err := f.store.CreateEnrollmentCode(context.Background(), time.Minute)
	require.NoError(t, err)

	var prompts atomic.Int32
	prompter := codePrompterFunc(func(ctx context.Context) (string, error) {
		prompts.Add(1)
		return code, nil
	})

	session, _ := newTestSession(t, f, identityPath, prompter, nil)
	session.Start()

	// Enrollment deliberately breaks the connection, then the token path
	// brings the device online.
	waitOnline(t, f.hub, "dev-test")
	assert.Equal(t, int32(1), prompts.Load())

	// The token is on disk.
	saved, err := NewIdentityFile(identityPath).Load()
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.True(t, strings.HasPrefix(saved.DeviceToken, "dt_"))

	// And it resolves to the enrolled device.
	id, err := f.store.LookupDeviceIDByToken(context.Background(), saved.DeviceToken)
	require.NoError(t, err)
	assert.Equal(t, "dev-test", id)
}

func TestSession_ReconnectsWithStoredToken(t *testing.T) {
	f := newServerFixture(t)
	identityPath := filepath.Join(t.TempDir(), "identity.yaml")

	code, _, err := f.store.CreateEnrollmentCode(context.Background(), time.Minute)
	require.NoError(t, err)

	first, _ := newTestSession(t, f, identityPath, codePrompterFunc(func(ctx context.Context) (string, error) {
		return code, nil
	}), nil)
	first.Start()
	waitOnline(t, f.hub, "dev-test")
	first.Stop()

	// A later run must never prompt again.
	second, _ := newTestSession(t, f, identityPath, codePrompterFunc(func(ctx context.Context) (string, error) {
		t.Error("prompted despite stored token")
		return "", context.Canceled
	}), nil)
	second.Start()
	waitOnline(t, f.hub, "dev-test")
}

func TestSession_DeliversCommandsAndAcks(t *testing.T) {
	f := newServerFixture(t)
	identityPath := filepath.Join(t.TempDir(), "identity.yaml")

	code, _, err := f.store.CreateEnrollmentCode(context.Background(), time.Minute)
	require.NoError(t, err)

	received := make(chan protocol.Command, 8)
	handler := HandlerFunc(func(ctx context.Context, cmd protocol.Command) error {
		received <- cmd
		return nil
	})

	session, _ := newTestSession(t, f, identityPath, codePrompterFunc(func(ctx context.Context) (string, error) {
		return code, nil
	}), handler)
	session.Start()
	waitOnline(t, f.hub, "dev-test")

	require.NoError(t, f.hub.Send("dev-test", protocol.Command{Type: "show_message", ID: "cmd_1", Title: "hi"}))

	select {
	case cmd := <-received:
		assert.Equal(t, "cmd_1", cmd.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("command never reached the handler")
	}

	// Both the optimistic received ack and the completed ack land in the
	// hub's event log.
	require.Eventually(t, func() bool {
		events, err := f.hub.Events("dev-test", 100)
		if err != nil {
			return false
		}
		var gotReceived, gotCompleted bool
		for _, ev := range events {
			if ev.Kind != hub.EventAck || ev.CommandID != "cmd_1" {
				continue
			}
			switch ev.Detail {
			case protocol.AckReceived:
				gotReceived = true
			case protocol.AckCompleted:
				gotCompleted = true
			}
		}
		return gotReceived && gotCompleted
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSession_HeartbeatsFlow(t *testing.T) {
	f := newServerFixture(t)
	identityPath := filepath.Join(t.TempDir(), "identity.yaml")

	code, _, err := f.store.CreateEnrollmentCode(context.Background(), time.Minute)
	require.NoError(t, err)

	statuses := make(chan bool, 32)
	file := NewIdentityFile(identityPath)
	identity := &Identity{DeviceID: "dev-test", Username: "alice", ServerURL: f.wsURL}
	bridge := NewBridge(HandlerFunc(func(ctx context.Context, cmd protocol.Command) error { return nil }))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go bridge.Run(ctx)

	session := NewSession(SessionConfig{
		ServerURL:         f.wsURL,
		HeartbeatInterval: 30 * time.Millisecond,
		BaseDelay:         20 * time.Millisecond,
		MaxDelay:          100 * time.Millisecond,
	}, identity, file, codePrompterFunc(func(ctx context.Context) (string, error) {
		return code, nil
	}), bridge, func(last time.Time, ok bool) {
		statuses <- ok
	})
	t.Cleanup(session.Stop)
	session.Start()
	waitOnline(t, f.hub, "dev-test")

	// First statuses report no command ever sent.
	select {
	case ok := <-statuses:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("no server_status received")
	}

	require.NoError(t, f.hub.Send("dev-test", protocol.Command{Type: "show_message", ID: "cmd_1"}))

	// Eventually a status carries the last-command time.
	require.Eventually(t, func() bool {
		select {
		case ok := <-statuses:
			return ok
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSession_FatalWhenPrompterFails(t *testing.T) {
	f := newServerFixture(t)
	identityPath := filepath.Join(t.TempDir(), "identity.yaml")

	session, _ := newTestSession(t, f, identityPath, codePrompterFunc(func(ctx context.Context) (string, error) {
		return "", assert.AnError
	}), nil)
	session.Start()

	select {
	case <-session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate")
	}
	assert.ErrorIs(t, session.Err(), ErrEnrollmentRefused)
}

func TestSession_RepromptsAfterRejectedCode(t *testing.T) {
	f := newServerFixture(t)
	identityPath := filepath.Join(t.TempDir(), "identity.yaml")

	good, _, err := f.store.CreateEnrollmentCode(context.Background(), time.Minute)
	require.NoError(t, err)

	// First attempt presents a bogus code; while tokenless every failure
	// discards the pending code and prompts again.
	var prompts atomic.Int32
	session, _ := newTestSession(t, f, identityPath, codePrompterFunc(func(ctx context.Context) (string, error) {
		if prompts.Add(1) == 1 {
			return "ec_bogus", nil
		}
		return good, nil
	}), nil)
	session.Start()

	waitOnline(t, f.hub, "dev-test")
	assert.GreaterOrEqual(t, prompts.Load(), int32(2))
}

func TestSession_BackoffDoublesAndCaps(t *testing.T) {
	s := NewSession(SessionConfig{}, &Identity{}, nil, nil, nil, nil)

	var got []time.Duration
	for i := 0; i < 6; i++ {
		got = append(got, s.reconnectDelay)
		s.increaseReconnectDelay()
	}

	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	assert.Equal(t, want, got)
}

func TestSession_DialURL(t *testing.T) {
	id := &Identity{DeviceID: "dev-1", ServerURL: "ws://example.com/ws"}
	s := NewSession(SessionConfig{ServerURL: "ws://example.com/ws"}, id, nil, nil, nil, nil)

	// Tokenless: the enrollment code rides the query string.
	url, err := s.dialURL("ec_code")
	require.NoError(t, err)
	assert.Contains(t, url, "enroll_code=ec_code")
	assert.NotContains(t, url, "device_token")

	// With a token, the code is never sent again.
	id.DeviceToken = "dt_token"
	url, err = s.dialURL("ec_code")
	require.NoError(t, err)
	assert.Contains(t, url, "device_token=dt_token")
	assert.NotContains(t, url, "enroll_code")
}
