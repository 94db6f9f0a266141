package agent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelworks/commandhub/internal/protocol"
	"github.com/kestrelworks/commandhub/internal/sequencer"
)

type renderCall struct {
	kind     string
	title    string
	body     string
	lifespan time.Duration
	text     string
	reps     int
}

type fakeRenderer struct {
	mu       sync.Mutex
	calls    []renderCall
	drillErr error
	done     func()
	notify   chan renderCall
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{notify: make(chan renderCall, 32)}
}

func (r *fakeRenderer) record(c renderCall) {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
	r.notify <- c
}

func (r *fakeRenderer) ShowMessage(title, body string, lifespan time.Duration) error {
	r.record(renderCall{kind: "message", title: title, body: body, lifespan: lifespan})
	return nil
}

func (r *fakeRenderer) OpenURL(url string) error {
	r.record(renderCall{kind: "url", body: url})
	return nil
}

func (r *fakeRenderer) ShowImage(url string) error {
	r.record(renderCall{kind: "image", body: url})
	return nil
}

func (r *fakeRenderer) StartDrill(text string, reps int, done func()) error {
	if r.drillErr != nil {
		return r.drillErr
	}
	r.mu.Lock()
	r.done = done
	r.mu.Unlock()
	r.record(renderCall{kind: "drill", text: text, reps: reps})
	return nil
}

func (r *fakeRenderer) waitCall(t *testing.T) renderCall {
	t.Helper()
	select {
	case c := <-r.notify:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for renderer call")
		return renderCall{}
	}
}

func jsonBody(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestRouter_ShowMessage(t *testing.T) {
	r := newFakeRenderer()
	router := NewRouter(r, time.Second)

	lifespan := 3.5
	err := router.Handle(context.Background(), protocol.Command{
		Type:      "show_message",
		Title:     "hi",
		Body:      jsonBody(t, "hello"),
		LifespanS: &lifespan,
	})
	require.NoError(t, err)

	call := r.waitCall(t)
	assert.Equal(t, "message", call.kind)
	assert.Equal(t, "hi", call.title)
	assert.Equal(t, "hello", call.body)
	assert.Equal(t, 3500*time.Millisecond, call.lifespan)
}

func TestRouter_ShowMessage_LifespanFallsBackToTimer(t *testing.T) {
	r := newFakeRenderer()
	router := NewRouter(r, time.Second)

	timer := 2.0
	err := router.Handle(context.Background(), protocol.Command{
		Type:   "show_message",
		Body:   jsonBody(t, "hello"),
		TimerS: &timer,
	})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, r.waitCall(t).lifespan)
}

func TestRouter_ShowMessage_DefaultLifespan(t *testing.T) {
	r := newFakeRenderer()
	router := NewRouter(r, time.Second)

	err := router.Handle(context.Background(), protocol.Command{
		Type: "show_message",
		Body: jsonBody(t, "hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, r.waitCall(t).lifespan)
}

func TestRouter_OpenURL(t *testing.T) {
	r := newFakeRenderer()
	router := NewRouter(r, time.Second)

	err := router.Handle(context.Background(), protocol.Command{
		Type: "open_url",
		Body: jsonBody(t, "  https://example.com  "),
	})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", r.waitCall(t).body)
}

func TestRouter_OpenURL_MissingBody(t *testing.T) {
	r := newFakeRenderer()
	router := NewRouter(r, time.Second)

	err := router.Handle(context.Background(), protocol.Command{Type: "open_url"})
	assert.Error(t, err)
}

func TestRouter_ImagePopup(t *testing.T) {
	r := newFakeRenderer()
	router := NewRouter(r, time.Second)

	err := router.Handle(context.Background(), protocol.Command{
		Type: "image_popup",
		Body: jsonBody(t, "https://example.com/cat.png"),
	})
	require.NoError(t, err)
	assert.Equal(t, "image", r.waitCall(t).kind)
}

func TestRouter_UnknownType(t *testing.T) {
	r := newFakeRenderer()
	router := NewRouter(r, time.Second)

	err := router.Handle(context.Background(), protocol.Command{Type: "mystery"})
	assert.Error(t, err)
}

func TestRouter_WriteForMe_MissingText(t *testing.T) {
	r := newFakeRenderer()
	router := NewRouter(r, time.Second)

	err := router.Handle(context.Background(), protocol.Command{Type: "write_for_me"})
	assert.Error(t, err)
	assert.Equal(t, sequencer.StateIdle, router.Sequencer().State())
}

func TestRouter_WriteForMe_DefaultsRepsToOne(t *testing.T) {
	r := newFakeRenderer()
	router := NewRouter(r, time.Second)

	err := router.Handle(context.Background(), protocol.Command{
		Type: "write_for_me",
		Text: "I will test my code",
	})
	require.NoError(t, err)

	call := r.waitCall(t)
	assert.Equal(t, "drill", call.kind)
	assert.Equal(t, 1, call.reps)
}

func TestRouter_SessionStart_BadBody(t *testing.T) {
	r := newFakeRenderer()
	router := NewRouter(r, time.Second)

	err := router.Handle(context.Background(), protocol.Command{
		Type: "session_start",
		Body: jsonBody(t, "not a list"),
	})
	assert.Error(t, err)
}

func TestRouter_SessionHoldsOnDrill(t *testing.T) {
	r := newFakeRenderer()
	router := NewRouter(r, 10*time.Millisecond)

	steps := []protocol.Command{
		{Type: "write_for_me", Text: "focus"},
		{Type: "show_message", Body: jsonBody(t, "after the drill")},
	}
	err := router.Handle(context.Background(), protocol.Command{
		Type:      "session_start",
		SessionID: "sess_1",
		Body:      jsonBody(t, steps),
	})
	require.NoError(t, err)

	// The drill dispatches, then the session parks in paused.
	assert.Equal(t, "drill", r.waitCall(t).kind)
	require.Eventually(t, func() bool {
		return router.Sequencer().State() == sequencer.StatePaused
	}, time.Second, 5*time.Millisecond)

	select {
	case c := <-r.notify:
		t.Fatalf("step dispatched while drill active: %+v", c)
	case <-time.After(100 * time.Millisecond):
	}

	// Completing the drill resumes the session immediately.
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	require.NotNil(t, done)
	done()

	assert.Equal(t, "message", r.waitCall(t).kind)
}

func TestRouter_DrillStartFailureResumesSession(t *testing.T) {
	r := newFakeRenderer()
	r.drillErr = assert.AnError
	router := NewRouter(r, 10*time.Millisecond)

	steps := []protocol.Command{
		{Type: "write_for_me", Text: "focus"},
		{Type: "show_message", Body: jsonBody(t, "still arrives")},
	}
	err := router.Handle(context.Background(), protocol.Command{
		Type:      "session_start",
		SessionID: "sess_1",
		Body:      jsonBody(t, steps),
	})
	require.NoError(t, err)

	// The failed drill must not leave the session wedged in paused.
	assert.Equal(t, "message", r.waitCall(t).kind)
}

func TestRouter_NestedSessionStartIgnored(t *testing.T) {
	r := newFakeRenderer()
	router := NewRouter(r, 10*time.Millisecond)

	inner := []protocol.Command{{Type: "show_message", Body: jsonBody(t, "inner")}}
	steps := []protocol.Command{
		{Type: "session_start", Body: jsonBody(t, inner)},
		{Type: "show_message", Body: jsonBody(t, "outer")},
	}
	err := router.Handle(context.Background(), protocol.Command{
		Type:      "session_start",
		SessionID: "sess_1",
		Body:      jsonBody(t, steps),
	})
	require.NoError(t, err)

	// Only the outer session's message step renders.
	call := r.waitCall(t)
	assert.Equal(t, "outer", call.body)
}
