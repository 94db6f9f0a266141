package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kestrelworks/commandhub/internal/protocol"
	"github.com/kestrelworks/commandhub/internal/sequencer"
)

// Command vocabulary the router understands.
const (
	cmdShowMessage  = "show_message"
	cmdOpenURL      = "open_url"
	cmdImagePopup   = "image_popup"
	cmdWriteForMe   = "write_for_me"
	cmdSessionStart = "session_start"
)

const defaultMessageLifespan = 10 * time.Second

// Renderer is the surface the router draws on. Implementations decide what
// "showing" means; the shipped binary logs, a desktop build would open
// windows.
type Renderer interface {
	ShowMessage(title, body string, lifespan time.Duration) error
	OpenURL(url string) error
	ShowImage(url string) error

	// StartDrill presents a blocking interactive exercise and invokes done
	// exactly once when the operator finishes it.
	StartDrill(text string, reps int, done func()) error
}

// Router maps inbound commands onto the renderer and the session sequencer.
// It implements Handler for wire commands; the sequencer feeds steps back in
// through HandleStep.
type Router struct {
	renderer Renderer
	seq      *sequencer.Sequencer
}

func NewRouter(renderer Renderer, interval time.Duration) *Router {
	r := &Router{renderer: renderer}
	r.seq = sequencer.New(r.HandleStep, interval)
	return r
}

func (r *Router) Sequencer() *sequencer.Sequencer { return r.seq }

// Handle routes a wire command. Returned errors surface as failed acks.
func (r *Router) Handle(ctx context.Context, cmd protocol.Command) error {
	switch cmd.Type {
	case cmdShowMessage:
		return r.renderer.ShowMessage(cmd.Title, cmd.BodyString(), messageLifespan(cmd))

	case cmdOpenURL:
		url := strings.TrimSpace(cmd.BodyString())
		if url == "" {
			return errors.New("open_url missing body")
		}
		return r.renderer.OpenURL(url)

	case cmdImagePopup:
		return r.renderer.ShowImage(cmd.BodyString())

	case cmdWriteForMe:
		return r.runDrill(cmd)

	case cmdSessionStart:
		steps, err := cmd.Steps()
		if err != nil {
			return fmt.Errorf("session_start body must be a step list: %w", err)
		}
		sessionID := cmd.SessionID
		if sessionID == "" {
			sessionID = "sess_unknown"
		}
		r.seq.Start(sessionID, steps)
		return nil

	default:
		slog.Warn("Unknown command type", "type", cmd.Type)
		return fmt.Errorf("unknown command type %q", cmd.Type)
	}
}

// HandleStep dispatches a session step. Steps skip the ack path, so failures
// only log; the session keeps pacing regardless.
func (r *Router) HandleStep(step protocol.Command) {
	if step.Type == cmdSessionStart {
		// A session cannot nest itself.
		slog.Warn("Ignoring session_start inside a running session")
		return
	}
	if err := r.Handle(context.Background(), step); err != nil {
		slog.Error("Session step failed", "type", step.Type, "error", err)
	}
}

// runDrill pauses the session pacing for the duration of the interactive
// exercise and resumes it when the renderer reports completion. If the
// renderer cannot even start the drill the session resumes immediately so
// it never wedges in paused.
func (r *Router) runDrill(cmd protocol.Command) error {
	text := strings.TrimSpace(cmd.Text)
	if text == "" {
		return errors.New("write_for_me missing text")
	}
	reps := cmd.Reps
	if reps <= 0 {
		reps = 1
	}

	r.seq.Pause()
	if err := r.renderer.StartDrill(text, reps, r.seq.Resume); err != nil {
		r.seq.Resume()
		return err
	}
	return nil
}

// messageLifespan picks how long a message stays up: its own lifespan, else
// the step pacing, else a fixed default.
func messageLifespan(cmd protocol.Command) time.Duration {
	if cmd.LifespanS != nil {
		return time.Duration(*cmd.LifespanS * float64(time.Second))
	}
	if cmd.TimerS != nil {
		return time.Duration(*cmd.TimerS * float64(time.Second))
	}
	return defaultMessageLifespan
}
