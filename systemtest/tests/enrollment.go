package tests

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelworks/commandhub/internal/credstore"
	"github.com/kestrelworks/commandhub/internal/hub"
	"github.com/kestrelworks/commandhub/internal/protocol"
)

// TestDeviceEnrollment runs the full wire flow against a Postgres-backed
// store: enroll with a one-shot code, receive the token, reconnect with it.
func TestDeviceEnrollment(t *testing.T, wsURL string, store *credstore.Store, h *hub.Hub) {
	ctx := context.Background()

	code, _, err := store.CreateEnrollmentCode(ctx, time.Minute)
	require.NoError(t, err)

	hello := protocol.Hello{
		Type:       protocol.TypeHello,
		DeviceID:   "sys-ws-dev",
		Username:   "alice",
		DeviceName: "laptop",
		Version:    "1.0.0",
		Protocol:   protocol.Version,
	}

	// Enroll.
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL+"?"+protocol.ParamEnrollCode+"="+code, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.NoError(t, ws.WriteJSON(hello))

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)

	var enrollOK protocol.EnrollOK
	require.NoError(t, json.Unmarshal(raw, &enrollOK))
	require.Equal(t, protocol.TypeEnrollOK, enrollOK.Type)
	require.NotEmpty(t, enrollOK.DeviceToken)
	ws.Close()

	// The code is spent.
	ok, err := store.ConsumeEnrollmentCode(ctx, code)
	require.NoError(t, err)
	assert.False(t, ok)

	// Reconnect on the token path.
	ws2, resp2, err := websocket.DefaultDialer.Dial(wsURL+"?"+protocol.ParamDeviceToken+"="+enrollOK.DeviceToken, nil)
	require.NoError(t, err)
	if resp2 != nil && resp2.Body != nil {
		resp2.Body.Close()
	}
	defer ws2.Close()
	require.NoError(t, ws2.WriteJSON(hello))

	require.Eventually(t, func() bool {
		status, err := h.DeviceStatus("sys-ws-dev")
		return err == nil && status.Online
	}, 5*time.Second, 20*time.Millisecond)
}
