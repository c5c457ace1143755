package s2s

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bt-bridge/openai-s2s/shared"
	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

// Command is one model-issued command, either a directly declared function
// call or one entry unpacked from the built-in command tool. Args holds the
// decoded JSON arguments.
type Command struct {
	Name string
	Args any
}

// TurnState says whether an assistant response turn is open.
type TurnState int32

const (
	TurnIdle TurnState = iota
	TurnAssistantSpeaking
)

func (t TurnState) String() string {
	if t == TurnAssistantSpeaking {
		return "assistant_speaking"
	}
	return "idle"
}

// Callbacks connect a session to its host. OnAudioChunk is required; the
// rest may be nil. All callbacks run on session goroutines: OnAudioChunk on
// the pacer's release loop, the others on the read loop, so a slow callback
// stalls event handling for its session only.
type Callbacks struct {
	// OnAudioChunk receives paced assistant audio.
	OnAudioChunk AudioSink
	// OnCommand executes one model command. A returned error is reported
	// back into the conversation and the session keeps running.
	OnCommand func(ctx context.Context, cmd Command) error
	// OnTranscript receives finished utterance text for both roles.
	OnTranscript func(ctx context.Context, role Role, text string)
	// OnInterrupt fires when caller speech interrupts assistant playback,
	// after the pacer queue has been dropped. The host should stop its own
	// downstream buffer.
	OnInterrupt func(ctx context.Context, event *ServerEvent)
}

// SessionStats is a point-in-time view of a session's counters.
type SessionStats struct {
	Latency      LatencyStats
	QueuedFrames int
	QueuedBytes  int
}

// Session is one live conversation: a WebSocket to the realtime API, the
// pacer draining assistant audio toward the host, and the read loop
// translating server events into callbacks. Create sessions through a
// Manager.
type Session struct {
	id     string
	log    shared.LoggerAdapter
	cfg    SessionConfig
	cb     Callbacks
	conn   transport
	pacer  *Pacer
	lat    *LatencyTracker
	ctx    context.Context
	cancel context.CancelCauseFunc

	closeOnce sync.Once
	done      chan struct{}
	onExit    func(*Session)

	stateMu         sync.Mutex
	turn            TurnState
	listening       bool
	turnStartedAt   time.Time
	speechStoppedAt time.Time
}

func newSession(ctx context.Context, log shared.LoggerAdapter, id string, cfg SessionConfig, cb Callbacks, conn transport, onExit func(*Session)) *Session {
	sessCtx, cancel := context.WithCancelCause(ctx)
	return &Session{
		id:     id,
		log:    log,
		cfg:    cfg,
		cb:     cb,
		conn:   conn,
		pacer:  NewPacer(log, cfg.Encoding.ByteRate(), cfg.Tuning.PlaybackRate, cfg.Tuning.PacerIdlePoll),
		lat:    NewLatencyTracker(log, cfg.Tuning.LatencyWindow),
		ctx:    sessCtx,
		cancel: cancel,
		done:   make(chan struct{}),
		onExit: onExit,
	}
}

// start sends the session configuration, which must be the first event on
// the wire, then brings up the pacer and the read loop.
func (s *Session) start() error {
	payload, err := s.cfg.sessionPayload()
	if err != nil {
		return err
	}
	if err := s.conn.WriteSessionUpdate(payload); err != nil {
		return fmt.Errorf("configuring session: %w", err)
	}
	if err := s.pacer.Start(s.ctx, s.cb.OnAudioChunk); err != nil {
		return err
	}
	go s.readLoop()
	return nil
}

// ID returns the caller-assigned session id.
func (s *Session) ID() string {
	return s.id
}

// Done is closed once the session has fully shut down and left the registry.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session ended, or nil while it is running.
// shared.ErrSessionClosed means a clean local close.
func (s *Session) Err() error {
	return context.Cause(s.ctx)
}

func (s *Session) respectCtx() error {
	select {
	case <-s.ctx.Done():
		return context.Cause(s.ctx)
	default:
		return nil
	}
}

// SendAudio forwards one chunk of caller audio upstream. Chunks are relayed
// as they come; the server's VAD does its own buffering, so callers can send
// whatever cadence the source produces (20 ms telephony frames, typically).
func (s *Session) SendAudio(chunk []byte) error {
	if err := s.respectCtx(); err != nil {
		return fmt.Errorf("respecting session context: %w", err)
	}
	if len(chunk) == 0 {
		return nil
	}
	elapsed, err := s.conn.WriteAudioAppend(chunk)
	if err != nil {
		return err
	}
	s.lat.Record(elapsed, len(chunk))
	return nil
}

// SendMessage injects a user message into the conversation and requests a
// response.
func (s *Session) SendMessage(parts []ContentPart) error {
	if err := s.respectCtx(); err != nil {
		return fmt.Errorf("respecting session context: %w", err)
	}
	return s.conn.WriteUserMessage(parts)
}

// SendText is SendMessage with a single text part.
func (s *Session) SendText(text string) error {
	return s.SendMessage([]ContentPart{{Type: ContentTypeText, Text: text}})
}

// Stats snapshots the session counters.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		Latency:      s.lat.Stats(),
		QueuedFrames: s.pacer.QueuedFrames(),
		QueuedBytes:  s.pacer.QueuedBytes(),
	}
}

// Turn reports whether an assistant turn is in progress. The turn opens on
// the first audio delta of a response and closes on the matching done event,
// so it can read TurnIdle while the pacer is still draining queued frames.
func (s *Session) Turn() TurnState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.turn
}

// Listening reports whether the server-side VAD currently hears the caller.
func (s *Session) Listening() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.listening
}

// Close shuts the session down: cancels its context and closes the socket,
// which unblocks the read loop and lets it run the full cleanup. Close does
// not wait for that cleanup, so it is safe to call from inside a callback;
// use Done to observe completion. Closing twice is a no-op.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel(shared.ErrSessionClosed)
		if err := s.conn.Close(); err != nil {
			s.log.Debug("closing realtime socket", zap.Error(err))
		}
	})
	return nil
}

// readLoop owns the inbound half of the socket. It exits on the first
// transport error, which is also how Close terminates it, and then tears the
// session down.
func (s *Session) readLoop() {
	defer func() {
		s.pacer.Stop()
		s.closeOnce.Do(func() {
			if err := s.conn.Close(); err != nil {
				s.log.Debug("closing realtime socket", zap.Error(err))
			}
		})
		if s.onExit != nil {
			s.onExit(s)
		}
		close(s.done)
		s.log.Info("session finished")
	}()
	for {
		event, err := s.conn.ReadEvent()
		if err != nil {
			if errors.Is(err, shared.ErrMalformedEvent) {
				if errors.Is(err, shared.ErrUnknownEventType) {
					s.log.Trace("ignoring unhandled server event", zap.Error(err))
				} else {
					s.log.Warn("skipping malformed server event", zap.Error(err))
				}
				continue
			}
			if s.respectCtx() != nil {
				// Local close, the read error is just the socket going away.
				s.log.Debug("read loop finished", zap.Error(err))
			} else {
				s.log.Error("realtime connection lost", err)
				s.cancel(err)
			}
			return
		}
		s.handleEvent(event)
	}
}

func (s *Session) handleEvent(event *ServerEvent) {
	switch event.Type {
	case ServerEventTypeError:
		if p, ok := event.Param.(*ServerEventParamError); ok {
			s.log.Error(
				"realtime API error",
				errors.New(p.Message),
				zap.String("errorType", p.Type),
				zap.String("code", p.Code),
			)
		}
	case ServerEventTypeSessionCreated:
		if p, ok := event.Param.(*ServerEventParamSessionCreated); ok {
			id, _ := p.Session["id"].(string)
			s.log.Info("realtime session created", zap.String("serverSessionId", id))
		}
	case ServerEventTypeSessionUpdated:
		s.log.Debug("session configuration acknowledged")
	case ServerEventTypeConversationItemDone:
		if p, ok := event.Param.(*ServerEventParamConversationItemDone); ok {
			s.handleItemDone(p.Item)
		}
	case ServerEventTypeConversationItemInputAudioTranscriptionCompleted:
		if p, ok := event.Param.(*ServerEventParamConversationItemInputAudioTranscriptionCompleted); ok {
			if p.Transcript != "" && s.cb.OnTranscript != nil {
				s.cb.OnTranscript(s.ctx, RoleUser, p.Transcript)
			}
		}
	case ServerEventTypeInputAudioBufferSpeechStarted:
		s.handleSpeechStarted(event)
	case ServerEventTypeInputAudioBufferSpeechStopped:
		s.handleSpeechStopped()
	case ServerEventTypeResponseOutputAudioDelta:
		if p, ok := event.Param.(*ServerEventParamResponseOutputAudioDelta); ok {
			s.handleAudioDelta(p)
		}
	case ServerEventTypeResponseOutputAudioDone:
		s.closeTurn()
	}
}

func (s *Session) handleAudioDelta(p *ServerEventParamResponseOutputAudioDelta) {
	audio, err := base64.StdEncoding.DecodeString(p.Delta)
	if err != nil {
		s.log.Warn("undecodable audio delta", zap.Error(err))
		return
	}
	s.openTurn()
	s.log.Trace("audio delta", zap.Int("bytes", len(audio)))
	s.pacer.Enqueue(audio)
}

// openTurn flips the session to AssistantSpeaking on the first delta of a
// response. That first delta also marks how long the model took to start
// answering after the caller went quiet, which is the latency the caller
// actually hears.
func (s *Session) openTurn() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.turn == TurnAssistantSpeaking {
		return
	}
	s.turn = TurnAssistantSpeaking
	s.turnStartedAt = time.Now()
	if !s.speechStoppedAt.IsZero() {
		s.log.Debug("response latency", zap.Duration("sinceSpeechStopped", time.Since(s.speechStoppedAt)))
		s.speechStoppedAt = time.Time{}
	}
}

// closeTurn marks the assistant turn complete. Queued frames may still be
// draining; the pacer keeps pacing them and records the drain instant for
// interruption grace.
func (s *Session) closeTurn() {
	s.stateMu.Lock()
	var turnAge time.Duration
	if s.turn == TurnAssistantSpeaking && !s.turnStartedAt.IsZero() {
		turnAge = time.Since(s.turnStartedAt)
	}
	s.turn = TurnIdle
	s.stateMu.Unlock()
	s.pacer.FinishTurn()
	s.log.Debug("assistant turn finished", zap.Duration("turnAge", turnAge))
}

func (s *Session) handleSpeechStopped() {
	s.stateMu.Lock()
	s.listening = false
	s.speechStoppedAt = time.Now()
	s.stateMu.Unlock()
	s.log.Debug("caller speech stopped")
}

// handleSpeechStarted classifies caller speech. It counts as an interruption
// only while assistant audio is queued, or within the grace window after the
// last turn drained; otherwise the caller is simply taking their turn and
// nothing needs to happen locally. On interruption the queue is dropped
// before OnInterrupt runs, so stale audio never follows the notification.
func (s *Session) handleSpeechStarted(event *ServerEvent) {
	s.stateMu.Lock()
	s.listening = true
	s.stateMu.Unlock()
	queued := s.pacer.QueuedFrames()
	lastEnd := s.pacer.LastTurnEnd()
	withinGrace := !lastEnd.IsZero() && time.Since(lastEnd) <= s.cfg.Tuning.InterruptGrace
	if queued == 0 && !withinGrace {
		s.log.Debug("caller speech started")
		return
	}
	s.log.Info(
		"caller interrupted assistant",
		zap.Int("queuedFrames", queued),
		zap.Bool("withinGrace", withinGrace),
	)
	s.pacer.Clear()
	if s.cb.OnInterrupt != nil {
		s.cb.OnInterrupt(s.ctx, event)
	}
}

func (s *Session) handleItemDone(item ConversationItem) {
	switch item.Type() {
	case "function_call":
		s.handleFunctionCall(item)
	case "message":
		if transcript := item.Transcript(); transcript != "" && s.cb.OnTranscript != nil {
			s.log.Debug("transcript", zap.String("role", string(item.Role())))
			s.cb.OnTranscript(s.ctx, item.Role(), transcript)
		}
	}
}

// handleFunctionCall routes a finished function_call item. Any failure, from
// malformed arguments to a rejecting OnCommand, is reported back into the
// conversation as a user message so the model can correct itself; the
// session keeps running.
func (s *Session) handleFunctionCall(item ConversationItem) {
	if s.cb.OnCommand == nil {
		s.log.Trace("dropping function call, no command callback", zap.String("name", item.Name()))
		return
	}
	if err := s.routeFunctionCall(item); err != nil {
		s.log.Error("executing command", err, zap.String("name", item.Name()))
		s.reportCommandError(err)
	}
}

func (s *Session) routeFunctionCall(item ConversationItem) error {
	var args any
	if err := sonic.UnmarshalString(item.Arguments(), &args); err != nil {
		return fmt.Errorf("parsing %s arguments: %w", item.Name(), err)
	}
	if name := item.Name(); name != commandToolName {
		return s.invokeCommand(Command{Name: name, Args: args})
	}
	wrapper, ok := args.(map[string]any)
	if !ok {
		return fmt.Errorf("%s arguments are not an object", commandToolName)
	}
	text, ok := wrapper["text"].(string)
	if !ok {
		return fmt.Errorf("%s arguments carry no text field", commandToolName)
	}
	var payload any
	if err := sonic.UnmarshalString(text, &payload); err != nil {
		return fmt.Errorf("parsing command payload: %w", err)
	}
	list, ok := payload.([]any)
	if !ok {
		list = []any{payload}
	}
	for _, raw := range list {
		cmd, err := splitCommand(raw)
		if err != nil {
			return err
		}
		if err := s.invokeCommand(cmd); err != nil {
			return err
		}
	}
	return nil
}

// splitCommand unpacks one {"name": args} object from the command tool
// payload.
func splitCommand(raw any) (Command, error) {
	obj, ok := raw.(map[string]any)
	if !ok || len(obj) != 1 {
		return Command{}, fmt.Errorf("command must be a single-key object, got %T", raw)
	}
	var cmd Command
	for name, args := range obj {
		cmd = Command{Name: name, Args: args}
	}
	return cmd, nil
}

func (s *Session) invokeCommand(cmd Command) error {
	s.log.Info("invoking command", zap.String("command", cmd.Name))
	if err := s.cb.OnCommand(s.ctx, cmd); err != nil {
		return fmt.Errorf("command %s: %w", cmd.Name, err)
	}
	return nil
}

func (s *Session) reportCommandError(cmdErr error) {
	text := fmt.Sprintf("[SYSTEM: Error executing command: %v]", cmdErr)
	if err := s.conn.WriteUserMessage([]ContentPart{{Type: ContentTypeText, Text: text}}); err != nil {
		s.log.Error("reporting command error", err)
	}
}
