package s2s

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/bt-bridge/openai-s2s/shared"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Precomputed envelope for input_audio_buffer.append events. The append path
// runs every 20 ms per session; splicing base64 into a fixed template avoids
// a map marshal per frame.
const (
	appendEventPrefix = `{"type":"` + string(ClientEventTypeInputAudioBufferAppend) + `","audio":"`
	appendEventSuffix = `"}`
)

// response.create is sent bare. The server generates its own event id.
const responseCreateEvent = `{"type":"` + string(ClientEventTypeResponseCreate) + `"}`

// ContentType of an outbound message part.
type ContentType string

const ContentTypeText ContentType = "text"

// ContentPart is one element of an outbound user message. Only plain text is
// supported; on the wire it becomes the realtime API's input_text part.
type ContentPart struct {
	Type ContentType `json:"type"`
	Text string      `json:"text"`
}

// transport is the session's view of one realtime connection. *Conn
// implements it over a WebSocket; session tests substitute a fake.
type transport interface {
	ReadEvent() (*ServerEvent, error)
	WriteSessionUpdate(session []byte) error
	WriteAudioAppend(audio []byte) (time.Duration, error)
	WriteUserMessage(parts []ContentPart) error
	Close() error
}

// dialFunc opens a transport for a session. The manager swaps it out in
// tests.
type dialFunc func(ctx context.Context, log shared.LoggerAdapter, cfg *SessionConfig) (transport, error)

// Conn is one WebSocket connection to the realtime API, tuned for small
// frequent frames. Reads belong to a single goroutine (the session's read
// loop); writes from any goroutine are serialized by an internal mutex.
type Conn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	appendBuf []byte // reused append envelope, guarded by writeMu
}

var _ transport = (*Conn)(nil)

// dialRealtime opens the WebSocket and applies the telephony socket tuning:
// Nagle off and small kernel buffers, so a 160-byte frame leaves the host
// the moment it is written instead of coalescing with the next one.
func dialRealtime(ctx context.Context, log shared.LoggerAdapter, cfg *SessionConfig) (transport, error) {
	endpoint, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing realtime URL: %w", err)
	}
	query := endpoint.Query()
	query.Set("model", cfg.Model)
	endpoint.RawQuery = query.Encode()

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.Tuning.HandshakeTimeout,
		ReadBufferSize:   cfg.Tuning.SocketBuffer,
		WriteBufferSize:  cfg.Tuning.SocketBuffer,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tcp, ok := conn.(*net.TCPConn); ok {
				if err := tcp.SetNoDelay(true); err != nil {
					log.Warn("disabling Nagle", zap.Error(err))
				}
				if err := tcp.SetReadBuffer(cfg.Tuning.SocketBuffer); err != nil {
					log.Warn("sizing read buffer", zap.Error(err))
				}
				if err := tcp.SetWriteBuffer(cfg.Tuning.SocketBuffer); err != nil {
					log.Warn("sizing write buffer", zap.Error(err))
				}
			}
			return conn, nil
		},
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.APIKey)
	ws, resp, err := dialer.DialContext(ctx, endpoint.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing realtime API (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dialing realtime API: %w", err)
	}
	ws.SetReadLimit(cfg.Tuning.MaxMessage)
	return &Conn{ws: ws}, nil
}

// ReadEvent blocks for the next server event. Transport failures come back
// as-is; frames that arrive but do not parse are wrapped in
// shared.ErrMalformedEvent so the read loop can skip them and keep the
// session alive.
func (c *Conn) ReadEvent() (*ServerEvent, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading from realtime socket: %w", err)
	}
	event := new(ServerEvent)
	if err := event.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrMalformedEvent, err)
	}
	return event, nil
}

// WriteSessionUpdate wraps the session object into a session.update event.
func (c *Conn) WriteSessionUpdate(session []byte) error {
	payload, err := sonic.Marshal(map[string]any{
		"event_id": uuid.NewString(),
		"type":     string(ClientEventTypeSessionUpdate),
		"session":  json.RawMessage(session),
	})
	if err != nil {
		return fmt.Errorf("marshaling session update: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("writing session update: %w", err)
	}
	return nil
}

// WriteAudioAppend base64-encodes one upstream chunk into the append
// envelope and writes it, returning how long the socket write took.
func (c *Conn) WriteAudioAppend(audio []byte) (time.Duration, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	encodedLen := base64.StdEncoding.EncodedLen(len(audio))
	need := len(appendEventPrefix) + encodedLen + len(appendEventSuffix)
	if cap(c.appendBuf) < need {
		c.appendBuf = make([]byte, 0, need)
	}
	buf := append(c.appendBuf[:0], appendEventPrefix...)
	buf = buf[:len(buf)+encodedLen]
	base64.StdEncoding.Encode(buf[len(appendEventPrefix):], audio)
	buf = append(buf, appendEventSuffix...)
	c.appendBuf = buf

	start := time.Now()
	if err := c.ws.WriteMessage(websocket.TextMessage, buf); err != nil {
		return 0, fmt.Errorf("writing audio append: %w", err)
	}
	return time.Since(start), nil
}

// WriteUserMessage injects a user message into the conversation and asks for
// a response: one conversation.item.create followed by one response.create,
// written back to back so no other event lands between them. Parts other
// than plain text are rejected with shared.ErrUnsupportedContentType.
func (c *Conn) WriteUserMessage(parts []ContentPart) error {
	content := make([]map[string]any, 0, len(parts))
	for _, part := range parts {
		if part.Type != ContentTypeText {
			return fmt.Errorf("%w: %q", shared.ErrUnsupportedContentType, part.Type)
		}
		content = append(content, map[string]any{
			"type": "input_text",
			"text": part.Text,
		})
	}
	itemCreate, err := sonic.Marshal(map[string]any{
		"event_id": uuid.NewString(),
		"type":     string(ClientEventTypeConversationItemCreate),
		"item": map[string]any{
			"type":    "message",
			"role":    string(RoleUser),
			"content": content,
		},
	})
	if err != nil {
		return fmt.Errorf("marshaling conversation item: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, itemCreate); err != nil {
		return fmt.Errorf("writing conversation item: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(responseCreateEvent)); err != nil {
		return fmt.Errorf("writing response request: %w", err)
	}
	return nil
}

// Close sends a close frame and tears the socket down, unblocking any
// concurrent ReadEvent.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		deadline,
	)
	return c.ws.Close()
}
