package agent

import (
	"context"
	"log/slog"

	"github.com/kestrelworks/commandhub/internal/protocol"
)

const (
	commandBuffer = 16
	ackBuffer     = 64
)

// Handler executes one command in the application domain.
type Handler interface {
	Handle(ctx context.Context, cmd protocol.Command) error
}

type HandlerFunc func(ctx context.Context, cmd protocol.Command) error

func (f HandlerFunc) Handle(ctx context.Context, cmd protocol.Command) error {
	return f(ctx, cmd)
}

// Bridge carries commands from the network domain to the application domain
// and ack requests back. The command channel applies bounded backpressure
// and never drops; the ack channel drops-and-logs on overflow so a slow
// connection cannot stall handlers.
type Bridge struct {
	handler  Handler
	commands chan protocol.Command
	acks     chan protocol.Ack
}

func NewBridge(handler Handler) *Bridge {
	return &Bridge{
		handler:  handler,
		commands: make(chan protocol.Command, commandBuffer),
		acks:     make(chan protocol.Ack, ackBuffer),
	}
}

// Deliver hands a command to the application side, blocking under
// backpressure until ctx is cancelled.
func (b *Bridge) Deliver(ctx context.Context, cmd protocol.Command) error {
	select {
	case b.commands <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Acks exposes the outbound ack queue for the session's ack-draining loop.
func (b *Bridge) Acks() <-chan protocol.Ack {
	return b.acks
}

// EnqueueAck queues an ack for the wire, dropping it if the queue is full.
func (b *Bridge) EnqueueAck(ack protocol.Ack) {
	select {
	case b.acks <- ack:
	default:
		slog.Warn("Ack queue full, dropping ack", "command_id", ack.ID, "status", ack.Status)
	}
}

// Run consumes commands and invokes the handler, reporting the outcome of
// each id-bearing command as a completed or failed ack. Blocks until ctx is
// cancelled; run it from the application goroutine.
func (b *Bridge) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-b.commands:
			err := b.handler.Handle(ctx, cmd)
			if err != nil {
				slog.Error("Command failed", "command_id", cmd.ID, "type", cmd.Type, "error", err)
			}
			if cmd.ID == "" {
				continue
			}
			ack := protocol.Ack{Type: protocol.TypeAck, ID: cmd.ID, Status: protocol.AckCompleted}
			if err != nil {
				ack.Status = protocol.AckFailed
				ack.Detail = err.Error()
			}
			b.EnqueueAck(ack)
		}
	}
}
