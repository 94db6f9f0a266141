package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelworks/commandhub/internal/protocol"
)

func waitAck(t *testing.T, b *Bridge) protocol.Ack {
	t.Helper()
	select {
	case ack := <-b.Acks():
		return ack
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ack")
		return protocol.Ack{}
	}
}

func TestBridge_CompletedAck(t *testing.T) {
	b := NewBridge(HandlerFunc(func(ctx context.Context, cmd protocol.Command) error {
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	require.NoError(t, b.Deliver(ctx, protocol.Command{Type: "show_message", ID: "cmd_1"}))

	ack := waitAck(t, b)
	assert.Equal(t, protocol.TypeAck, ack.Type)
	assert.Equal(t, "cmd_1", ack.ID)
	assert.Equal(t, protocol.AckCompleted, ack.Status)
	assert.Empty(t, ack.Detail)
}

func TestBridge_FailedAck(t *testing.T) {
	b := NewBridge(HandlerFunc(func(ctx context.Context, cmd protocol.Command) error {
		return errors.New("renderer exploded")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	require.NoError(t, b.Deliver(ctx, protocol.Command{Type: "open_url", ID: "cmd_2"}))

	ack := waitAck(t, b)
	assert.Equal(t, protocol.AckFailed, ack.Status)
	assert.Equal(t, "renderer exploded", ack.Detail)
}

func TestBridge_NoAckWithoutCommandID(t *testing.T) {
	b := NewBridge(HandlerFunc(func(ctx context.Context, cmd protocol.Command) error {
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	// Session steps carry no id and produce no wire acks.
	require.NoError(t, b.Deliver(ctx, protocol.Command{Type: "show_message"}))

	select {
	case ack := <-b.Acks():
		t.Fatalf("unexpected ack: %+v", ack)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBridge_EnqueueAck_DropsOnOverflow(t *testing.T) {
	b := NewBridge(HandlerFunc(func(ctx context.Context, cmd protocol.Command) error {
		return nil
	}))

	// Nothing drains the queue; filling past capacity must not block.
	for i := 0; i < ackBuffer+10; i++ {
		b.EnqueueAck(protocol.Ack{Type: protocol.TypeAck, ID: "cmd", Status: protocol.AckReceived})
	}
	assert.Len(t, b.acks, ackBuffer)
}

func TestBridge_Deliver_ContextCancelled(t *testing.T) {
	b := NewBridge(HandlerFunc(func(ctx context.Context, cmd protocol.Command) error {
		return nil
	}))

	// No Run loop: fill the command buffer, then a cancelled Deliver fails.
	ctx := context.Background()
	for i := 0; i < commandBuffer; i++ {
		require.NoError(t, b.Deliver(ctx, protocol.Command{Type: "show_message"}))
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Deliver(cancelled, protocol.Command{Type: "show_message"})
	assert.ErrorIs(t, err, context.Canceled)
}
