package s2s

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bt-bridge/openai-s2s/shared"
)

type readResult struct {
	event *ServerEvent
	err   error
}

// fakeTransport feeds the read loop from a channel and records every write.
type fakeTransport struct {
	mu       sync.Mutex
	inbound  chan readResult
	updates  [][]byte
	appends  [][]byte
	messages [][]ContentPart
	closed   bool
	closedC  chan struct{}
}

var _ transport = (*fakeTransport)(nil)

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan readResult, 64),
		closedC: make(chan struct{}),
	}
}

func (f *fakeTransport) emit(event *ServerEvent) {
	f.inbound <- readResult{event: event}
}

func (f *fakeTransport) emitErr(err error) {
	f.inbound <- readResult{err: err}
}

func (f *fakeTransport) ReadEvent() (*ServerEvent, error) {
	select {
	case in := <-f.inbound:
		return in.event, in.err
	case <-f.closedC:
		return nil, errors.New("use of closed connection")
	}
}

func (f *fakeTransport) WriteSessionUpdate(session []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, session)
	return nil
}

func (f *fakeTransport) WriteAudioAppend(audio []byte) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appends = append(f.appends, append([]byte(nil), audio...))
	return time.Millisecond, nil
}

func (f *fakeTransport) WriteUserMessage(parts []ContentPart) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, parts)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.closedC)
	}
	return nil
}

func (f *fakeTransport) sessionUpdates() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.updates...)
}

func (f *fakeTransport) audioAppends() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.appends...)
}

func (f *fakeTransport) userMessages() [][]ContentPart {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]ContentPart(nil), f.messages...)
}

func recv[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func assertNoRecv[T any](t *testing.T, ch chan T, what string) {
	t.Helper()
	select {
	case <-ch:
		t.Fatalf("unexpected %s", what)
	case <-time.After(100 * time.Millisecond):
	}
}

func serverEvent(t *testing.T, raw string) *ServerEvent {
	t.Helper()
	event := new(ServerEvent)
	require.NoError(t, event.UnmarshalJSON([]byte(raw)))
	return event
}

func itemDoneEvent(t *testing.T, item map[string]any) *ServerEvent {
	t.Helper()
	raw, err := sonic.Marshal(map[string]any{
		"event_id": "event_item",
		"type":     "conversation.item.done",
		"item":     item,
	})
	require.NoError(t, err)
	return serverEvent(t, string(raw))
}

func audioDeltaEvent(t *testing.T, audio []byte) *ServerEvent {
	t.Helper()
	raw := fmt.Sprintf(
		`{"event_id":"event_delta","type":"response.output_audio.delta","delta":%q}`,
		base64.StdEncoding.EncodeToString(audio),
	)
	return serverEvent(t, raw)
}

func audioDoneEvent(t *testing.T) *ServerEvent {
	t.Helper()
	return serverEvent(t, `{"event_id":"event_done","type":"response.output_audio.done","response_id":"resp_1"}`)
}

func speechStartedEvent(t *testing.T) *ServerEvent {
	t.Helper()
	return serverEvent(t, `{"event_id":"event_speech","type":"input_audio_buffer.speech_started","audio_start_ms":10}`)
}

func speechStoppedEvent(t *testing.T) *ServerEvent {
	t.Helper()
	return serverEvent(t, `{"event_id":"event_quiet","type":"input_audio_buffer.speech_stopped","audio_end_ms":900}`)
}

// startTestSession wires a session to a fake transport through a manager
// with the dialer swapped out.
func startTestSession(t *testing.T, ft *fakeTransport, cb Callbacks, tune func(*SessionConfig)) (*Manager, *Session) {
	t.Helper()
	mgr, err := NewManager(shared.NewNopLogger())
	require.NoError(t, err)
	mgr.dial = func(ctx context.Context, log shared.LoggerAdapter, cfg *SessionConfig) (transport, error) {
		return ft, nil
	}
	cfg := SessionConfig{APIKey: "sk-test"}
	if tune != nil {
		tune(&cfg)
	}
	sess, err := mgr.StartSession(context.Background(), "call-1", cfg, cb)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sess.Close()
		<-sess.Done()
	})
	return mgr, sess
}

func discardAudio(ctx context.Context, frame []byte, playAt time.Time) error {
	return nil
}

func TestSessionSendsConfigFirst(t *testing.T) {
	ft := newFakeTransport()
	_, _ = startTestSession(t, ft, Callbacks{OnAudioChunk: discardAudio}, nil)

	updates := ft.sessionUpdates()
	require.Len(t, updates, 1)

	var session map[string]any
	require.NoError(t, sonic.Unmarshal(updates[0], &session))
	assert.Equal(t, "realtime", session["type"])
	assert.Equal(t, "auto", session["tool_choice"])
	assert.NotContains(t, session, "model", "the model rides the URL, not the session payload")

	tools, ok := session["tools"].([]any)
	require.True(t, ok)
	require.Len(t, tools, 1)
	tool, ok := tools[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "function", tool["type"])
	assert.Equal(t, "output", tool["name"])

	audio, ok := session["audio"].(map[string]any)
	require.True(t, ok)
	input, ok := audio["input"].(map[string]any)
	require.True(t, ok)
	format, ok := input["format"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "audio/pcmu", format["type"])
	assert.NotContains(t, input, "transcription", "transcription stays off unless configured")

	turnDetection, ok := input["turn_detection"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "semantic_vad", turnDetection["type"])
	assert.Equal(t, "high", turnDetection["eagerness"])

	output, ok := audio["output"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "marin", output["voice"])
	outFormat, ok := output["format"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "audio/pcmu", outFormat["type"])
}

func TestSessionPacesAudioDeltas(t *testing.T) {
	frames := make(chan []byte, 16)
	ft := newFakeTransport()
	cb := Callbacks{
		OnAudioChunk: func(ctx context.Context, frame []byte, playAt time.Time) error {
			frames <- frame
			return nil
		},
	}
	_, _ = startTestSession(t, ft, cb, nil)

	ft.emit(audioDeltaEvent(t, []byte{1, 2, 3, 4}))
	frame := recv(t, frames, "paced frame")
	assert.Equal(t, []byte{1, 2, 3, 4}, frame)
}

func TestSessionInterruptWithQueuedAudio(t *testing.T) {
	interrupts := make(chan *ServerEvent, 4)
	ft := newFakeTransport()
	cb := Callbacks{
		OnAudioChunk: discardAudio,
		OnInterrupt: func(ctx context.Context, event *ServerEvent) {
			interrupts <- event
		},
	}
	_, sess := startTestSession(t, ft, cb, nil)

	// Ten seconds of backlog guarantees frames are still queued when the
	// speech event lands.
	for i := 0; i < 10; i++ {
		ft.emit(audioDeltaEvent(t, make([]byte, 8000)))
	}
	ft.emit(speechStartedEvent(t))

	event := recv(t, interrupts, "interrupt notification")
	assert.Equal(t, ServerEventTypeInputAudioBufferSpeechStarted, event.Type)
	assert.Equal(t, 0, sess.Stats().QueuedFrames, "the queue must be dropped before OnInterrupt fires")
}

func TestSessionSpeechWithoutPlaybackIsNotInterrupt(t *testing.T) {
	interrupts := make(chan *ServerEvent, 4)
	ft := newFakeTransport()
	cb := Callbacks{
		OnAudioChunk: discardAudio,
		OnInterrupt: func(ctx context.Context, event *ServerEvent) {
			interrupts <- event
		},
	}
	startTestSession(t, ft, cb, nil)

	ft.emit(speechStartedEvent(t))
	assertNoRecv(t, interrupts, "interrupt for ordinary turn taking")
}

func TestSessionTurnStateFollowsAudio(t *testing.T) {
	frames := make(chan []byte, 4)
	ft := newFakeTransport()
	cb := Callbacks{
		OnAudioChunk: func(ctx context.Context, frame []byte, playAt time.Time) error {
			frames <- frame
			return nil
		},
	}
	_, sess := startTestSession(t, ft, cb, nil)

	require.Equal(t, TurnIdle, sess.Turn())
	require.Equal(t, "idle", sess.Turn().String())
	require.False(t, sess.Listening())

	ft.emit(speechStartedEvent(t))
	require.Eventually(t, sess.Listening, time.Second, 5*time.Millisecond)

	ft.emit(speechStoppedEvent(t))
	require.Eventually(t, func() bool { return !sess.Listening() }, time.Second, 5*time.Millisecond)

	ft.emit(audioDeltaEvent(t, make([]byte, 160)))
	recv(t, frames, "assistant frame")
	require.Equal(t, TurnAssistantSpeaking, sess.Turn())
	require.Equal(t, "assistant_speaking", sess.Turn().String())

	ft.emit(audioDoneEvent(t))
	require.Eventually(t, func() bool { return sess.Turn() == TurnIdle }, time.Second, 5*time.Millisecond)
}

func TestSessionInterruptWithinGraceWindow(t *testing.T) {
	frames := make(chan []byte, 4)
	interrupts := make(chan *ServerEvent, 4)
	ft := newFakeTransport()
	cb := Callbacks{
		OnAudioChunk: func(ctx context.Context, frame []byte, playAt time.Time) error {
			frames <- frame
			return nil
		},
		OnInterrupt: func(ctx context.Context, event *ServerEvent) {
			interrupts <- event
		},
	}
	_, sess := startTestSession(t, ft, cb, nil)

	ft.emit(audioDeltaEvent(t, make([]byte, 160)))
	ft.emit(audioDoneEvent(t))
	recv(t, frames, "paced frame")
	require.Eventually(t, func() bool {
		return !sess.pacer.LastTurnEnd().IsZero()
	}, time.Second, 5*time.Millisecond)

	// Queue is empty now, but the turn just drained; speech inside the grace
	// window still counts as barging in on the tail end.
	ft.emit(speechStartedEvent(t))
	recv(t, interrupts, "interrupt within grace window")
}

func TestSessionCommandRouting(t *testing.T) {
	commands := make(chan Command, 8)
	ft := newFakeTransport()
	cb := Callbacks{
		OnAudioChunk: discardAudio,
		OnCommand: func(ctx context.Context, cmd Command) error {
			commands <- cmd
			return nil
		},
	}
	startTestSession(t, ft, cb, nil)

	// A tool declared by name arrives as a direct function call.
	ft.emit(itemDoneEvent(t, map[string]any{
		"type":      "function_call",
		"name":      "play_music",
		"call_id":   "call_a",
		"arguments": `{"genre":"jazz"}`,
	}))
	cmd := recv(t, commands, "direct command")
	assert.Equal(t, "play_music", cmd.Name)
	assert.Equal(t, map[string]any{"genre": "jazz"}, cmd.Args)

	// The built-in command tool carries a single JSON command.
	ft.emit(itemDoneEvent(t, map[string]any{
		"type":      "function_call",
		"name":      "output",
		"call_id":   "call_b",
		"arguments": `{"text":"{\"pause\":{\"seconds\":2}}"}`,
	}))
	cmd = recv(t, commands, "single packed command")
	assert.Equal(t, "pause", cmd.Name)
	assert.Equal(t, map[string]any{"seconds": float64(2)}, cmd.Args)

	// Or an array of commands, invoked in order.
	ft.emit(itemDoneEvent(t, map[string]any{
		"type":      "function_call",
		"name":      "output",
		"call_id":   "call_c",
		"arguments": `{"text":"[{\"dial\":{\"number\":\"+15550100\"}},{\"hangup\":{}}]"}`,
	}))
	first := recv(t, commands, "first packed command")
	second := recv(t, commands, "second packed command")
	assert.Equal(t, "dial", first.Name)
	assert.Equal(t, "hangup", second.Name)
	assert.Equal(t, map[string]any{}, second.Args)
}

func TestSessionCommandErrorsAreReported(t *testing.T) {
	commands := make(chan Command, 8)
	ft := newFakeTransport()
	cb := Callbacks{
		OnAudioChunk: discardAudio,
		OnCommand: func(ctx context.Context, cmd Command) error {
			commands <- cmd
			if cmd.Name == "reject" {
				return errors.New("device busy")
			}
			return nil
		},
	}
	startTestSession(t, ft, cb, nil)

	report := func(after int) []ContentPart {
		var msgs [][]ContentPart
		require.Eventually(t, func() bool {
			msgs = ft.userMessages()
			return len(msgs) > after
		}, time.Second, 5*time.Millisecond)
		return msgs[len(msgs)-1]
	}

	// Undecodable arguments never reach the callback.
	ft.emit(itemDoneEvent(t, map[string]any{
		"type":      "function_call",
		"name":      "output",
		"call_id":   "call_a",
		"arguments": "not json",
	}))
	parts := report(0)
	require.Len(t, parts, 1)
	assert.Equal(t, ContentTypeText, parts[0].Type)
	assert.Contains(t, parts[0].Text, "[SYSTEM: Error executing command:")
	assertNoRecv(t, commands, "command from malformed arguments")

	// A command object with more than one key is rejected.
	ft.emit(itemDoneEvent(t, map[string]any{
		"type":      "function_call",
		"name":      "output",
		"call_id":   "call_b",
		"arguments": `{"text":"{\"dial\":{},\"hangup\":{}}"}`,
	}))
	parts = report(1)
	assert.Contains(t, parts[0].Text, "single-key object")

	// A rejecting callback is reported the same way, and the session keeps
	// dispatching afterwards.
	ft.emit(itemDoneEvent(t, map[string]any{
		"type":      "function_call",
		"name":      "reject",
		"call_id":   "call_c",
		"arguments": `{}`,
	}))
	recv(t, commands, "rejected command")
	parts = report(2)
	assert.Contains(t, parts[0].Text, "device busy")

	ft.emit(itemDoneEvent(t, map[string]any{
		"type":      "function_call",
		"name":      "play_music",
		"call_id":   "call_d",
		"arguments": `{"genre":"jazz"}`,
	}))
	cmd := recv(t, commands, "command after an error report")
	assert.Equal(t, "play_music", cmd.Name)
}

func TestSessionTranscripts(t *testing.T) {
	type entry struct {
		role Role
		text string
	}
	transcripts := make(chan entry, 8)
	ft := newFakeTransport()
	cb := Callbacks{
		OnAudioChunk: discardAudio,
		OnTranscript: func(ctx context.Context, role Role, text string) {
			transcripts <- entry{role: role, text: text}
		},
	}
	startTestSession(t, ft, cb, nil)

	ft.emit(itemDoneEvent(t, map[string]any{
		"type": "message",
		"role": "assistant",
		"content": []any{
			map[string]any{"type": "output_audio", "transcript": "How can I help?"},
		},
	}))
	got := recv(t, transcripts, "assistant transcript")
	assert.Equal(t, RoleAssistant, got.role)
	assert.Equal(t, "How can I help?", got.text)

	ft.emit(itemDoneEvent(t, map[string]any{
		"type": "message",
		"role": "user",
		"content": []any{
			map[string]any{"type": "input_text", "text": "Book a table."},
		},
	}))
	got = recv(t, transcripts, "user transcript")
	assert.Equal(t, RoleUser, got.role)
	assert.Equal(t, "Book a table.", got.text)

	ft.emit(serverEvent(t, `{"event_id":"event_tr","type":"conversation.item.input_audio_transcription.completed","item_id":"item_5","content_index":0,"transcript":"Seven tonight."}`))
	got = recv(t, transcripts, "input transcription")
	assert.Equal(t, RoleUser, got.role)
	assert.Equal(t, "Seven tonight.", got.text)

	// Empty transcripts are dropped silently.
	ft.emit(itemDoneEvent(t, map[string]any{
		"type": "message",
		"role": "assistant",
		"content": []any{
			map[string]any{"type": "output_audio", "transcript": ""},
		},
	}))
	assertNoRecv(t, transcripts, "transcript for an empty utterance")
}

func TestSessionSurvivesUnparseableEvents(t *testing.T) {
	frames := make(chan []byte, 4)
	ft := newFakeTransport()
	cb := Callbacks{
		OnAudioChunk: func(ctx context.Context, frame []byte, playAt time.Time) error {
			frames <- frame
			return nil
		},
	}
	_, sess := startTestSession(t, ft, cb, nil)

	ft.emitErr(fmt.Errorf("%w: %w", shared.ErrMalformedEvent,
		fmt.Errorf("%w: response.created", shared.ErrUnknownEventType)))
	ft.emitErr(fmt.Errorf("%w: junk frame", shared.ErrMalformedEvent))
	ft.emit(audioDeltaEvent(t, []byte{9, 9}))

	recv(t, frames, "frame after skipped events")
	select {
	case <-sess.Done():
		t.Fatal("session must survive unparseable events")
	default:
	}
}

func TestSessionTransportErrorTearsDown(t *testing.T) {
	ft := newFakeTransport()
	mgr, sess := startTestSession(t, ft, Callbacks{OnAudioChunk: discardAudio}, nil)

	transportErr := errors.New("connection reset by peer")
	ft.emitErr(transportErr)

	<-sess.Done()
	assert.ErrorIs(t, sess.Err(), transportErr)
	assert.Equal(t, 0, mgr.Count(), "a dead session must leave the registry")

	err := sess.SendAudio(make([]byte, 160))
	assert.Error(t, err)
}

func TestSessionSendAudioRecordsLatency(t *testing.T) {
	ft := newFakeTransport()
	_, sess := startTestSession(t, ft, Callbacks{OnAudioChunk: discardAudio}, nil)

	require.NoError(t, sess.SendAudio(make([]byte, 160)))
	require.NoError(t, sess.SendAudio(make([]byte, 160)))
	require.NoError(t, sess.SendAudio(nil)) // empty chunks are dropped
	require.NoError(t, sess.SendAudio(make([]byte, 160)))

	assert.Len(t, ft.audioAppends(), 3)
	stats := sess.Stats()
	assert.Equal(t, uint64(3), stats.Latency.Chunks)
	assert.Equal(t, uint64(480), stats.Latency.Bytes)
}

func TestSessionCloseStopsSends(t *testing.T) {
	ft := newFakeTransport()
	_, sess := startTestSession(t, ft, Callbacks{OnAudioChunk: discardAudio}, nil)

	require.NoError(t, sess.Close())
	<-sess.Done()
	assert.ErrorIs(t, sess.Err(), shared.ErrSessionClosed)
	assert.ErrorIs(t, sess.SendAudio(make([]byte, 160)), shared.ErrSessionClosed)
	assert.ErrorIs(t, sess.SendText("hello"), shared.ErrSessionClosed)
}
