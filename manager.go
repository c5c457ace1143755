package s2s

import (
	"context"
	"fmt"
	"sync"

	"github.com/bt-bridge/openai-s2s/shared"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Manager owns the session registry. Every live session is reachable by its
// caller-assigned id, so a telephony host can route frames by call id
// without holding session handles itself.
type Manager struct {
	log  shared.LoggerAdapter
	dial dialFunc

	mu       sync.RWMutex
	sessions map[string]*Session
	pending  map[string]struct{}
}

func NewManager(log shared.LoggerAdapter) (*Manager, error) {
	if log == nil {
		return nil, shared.ErrNoLogger
	}
	return &Manager{
		log:      log,
		dial:     dialRealtime,
		sessions: make(map[string]*Session),
		pending:  make(map[string]struct{}),
	}, nil
}

// StartSession dials the realtime API, pushes the session configuration as
// the first event on the wire and registers the live session under id. An
// empty id gets a generated UUID. The session ends when ctx is cancelled,
// the transport fails, or Close is called, and unregisters itself on exit.
func (m *Manager) StartSession(ctx context.Context, id string, cfg SessionConfig, cb Callbacks) (*Session, error) {
	if cb.OnAudioChunk == nil {
		if cb.OnCommand == nil && cb.OnTranscript == nil && cb.OnInterrupt == nil {
			return nil, shared.ErrNoCallbacks
		}
		return nil, shared.ErrNoAudioSink
	}
	cfg = cfg.withDefaults()
	if cfg.APIKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	if id == "" {
		id = uuid.NewString()
	}
	if err := m.reserve(id); err != nil {
		return nil, err
	}
	log := m.log.With(zap.String("sessionId", id))
	conn, err := m.dial(ctx, log, &cfg)
	if err != nil {
		m.release(id)
		return nil, err
	}
	sess := newSession(ctx, log, id, cfg, cb, conn, m.unregister)
	m.commit(sess)
	if err := sess.start(); err != nil {
		_ = sess.Close()
		m.unregister(sess)
		return nil, err
	}
	log.Info(
		"session started",
		zap.String("model", cfg.Model),
		zap.String("encoding", cfg.Encoding.String()),
	)
	return sess, nil
}

// Session returns the live session registered under id.
func (m *Manager) Session(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", shared.ErrNoActiveSession, id)
	}
	return sess, nil
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// SendAudioChunk forwards caller audio to the session registered under id.
func (m *Manager) SendAudioChunk(id string, chunk []byte) error {
	sess, err := m.Session(id)
	if err != nil {
		return err
	}
	return sess.SendAudio(chunk)
}

// SendMessage injects a user message into the session registered under id.
func (m *Manager) SendMessage(id string, parts []ContentPart) error {
	sess, err := m.Session(id)
	if err != nil {
		return err
	}
	return sess.SendMessage(parts)
}

// SendText is SendMessage with a single text part.
func (m *Manager) SendText(id, text string) error {
	sess, err := m.Session(id)
	if err != nil {
		return err
	}
	return sess.SendText(text)
}

// CloseSession unregisters the session and starts its teardown. The id is
// free for reuse as soon as CloseSession returns; the teardown itself
// finishes in the background, observable through the session's Done channel.
// That makes it safe to call from inside a session callback, a hangup
// command being the usual case.
func (m *Manager) CloseSession(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", shared.ErrNoActiveSession, id)
	}
	return sess.Close()
}

// CloseAll closes every live session and waits for their teardown. Meant for
// process shutdown, not for use inside session callbacks.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, sess := range m.sessions {
		sessions = append(sessions, sess)
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	for _, sess := range sessions {
		_ = sess.Close()
	}
	for _, sess := range sessions {
		<-sess.Done()
	}
}

// reserve claims an id before the dial so two concurrent StartSession calls
// cannot race into one slot while the handshake is in flight.
func (m *Manager) reserve(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; ok {
		return fmt.Errorf("%w: %s", shared.ErrSessionExists, id)
	}
	if _, ok := m.pending[id]; ok {
		return fmt.Errorf("%w: %s", shared.ErrSessionExists, id)
	}
	m.pending[id] = struct{}{}
	return nil
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, id)
}

func (m *Manager) commit(sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, sess.id)
	m.sessions[sess.id] = sess
}

// unregister drops the session if it is still the registered owner of its
// id. The read loop calls it on exit; CloseSession may already have removed
// the entry, and a replacement session may already hold the id.
func (m *Manager) unregister(sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.sessions[sess.id]; ok && current == sess {
		delete(m.sessions, sess.id)
	}
}
