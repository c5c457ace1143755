package s2s

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bt-bridge/openai-s2s/shared"
	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type EventType string

type ServerEventType EventType

type ClientEventType EventType

// Server event types consumed by the dispatcher. The realtime API emits many
// more kinds; parsing rejects those with shared.ErrUnknownEventType and the
// dispatcher skips them, so the enum stays closed without breaking on new
// server versions.
const (
	ServerEventTypeError                                            ServerEventType = "error"
	ServerEventTypeSessionCreated                                   ServerEventType = "session.created"
	ServerEventTypeSessionUpdated                                   ServerEventType = "session.updated"
	ServerEventTypeConversationItemDone                             ServerEventType = "conversation.item.done"
	ServerEventTypeConversationItemInputAudioTranscriptionCompleted ServerEventType = "conversation.item.input_audio_transcription.completed"
	ServerEventTypeInputAudioBufferSpeechStarted                    ServerEventType = "input_audio_buffer.speech_started"
	ServerEventTypeInputAudioBufferSpeechStopped                    ServerEventType = "input_audio_buffer.speech_stopped"
	ServerEventTypeResponseOutputAudioDelta                         ServerEventType = "response.output_audio.delta"
	ServerEventTypeResponseOutputAudioDone                          ServerEventType = "response.output_audio.done"
)

// Client event types
const (
	ClientEventTypeSessionUpdate          ClientEventType = "session.update"
	ClientEventTypeInputAudioBufferAppend ClientEventType = "input_audio_buffer.append"
	ClientEventTypeConversationItemCreate ClientEventType = "conversation.item.create"
	ClientEventTypeResponseCreate         ClientEventType = "response.create"
)

type Event interface {
	EventType() EventType
	IsServerEvent() bool
	IsClientEvent() bool
	MarshalYAML() ([]byte, error)
	UnmarshalYAML(data []byte) error
	MarshalJSON() ([]byte, error)
	UnmarshalJSON(data []byte) error
}

type ServerEvent struct {
	EventId string
	Type    ServerEventType
	Param   EventParam
}

var _ Event = (*ServerEvent)(nil)

func (e *ServerEvent) EventType() EventType {
	return EventType(e.Type)
}

func (e *ServerEvent) IsServerEvent() bool {
	return true
}

func (e *ServerEvent) IsClientEvent() bool {
	return false
}

func newServerEventParam(t ServerEventType) (EventParam, error) {
	switch t {
	case ServerEventTypeError:
		return new(ServerEventParamError), nil
	case ServerEventTypeSessionCreated:
		return new(ServerEventParamSessionCreated), nil
	case ServerEventTypeSessionUpdated:
		return new(ServerEventParamSessionUpdated), nil
	case ServerEventTypeConversationItemDone:
		return new(ServerEventParamConversationItemDone), nil
	case ServerEventTypeConversationItemInputAudioTranscriptionCompleted:
		return new(ServerEventParamConversationItemInputAudioTranscriptionCompleted), nil
	case ServerEventTypeInputAudioBufferSpeechStarted:
		return new(ServerEventParamInputAudioBufferSpeechStarted), nil
	case ServerEventTypeInputAudioBufferSpeechStopped:
		return new(ServerEventParamInputAudioBufferSpeechStopped), nil
	case ServerEventTypeResponseOutputAudioDelta:
		return new(ServerEventParamResponseOutputAudioDelta), nil
	case ServerEventTypeResponseOutputAudioDone:
		return new(ServerEventParamResponseOutputAudioDone), nil
	default:
		return nil, fmt.Errorf("%w: %s", shared.ErrUnknownEventType, t)
	}
}

func (e *ServerEvent) unmarshalMap(raw map[string]any) error {
	if v, ok := raw["event_id"].(string); ok {
		e.EventId = v
		delete(raw, "event_id")
	} else {
		return fmt.Errorf("%w: event_id", shared.ErrMissingEventField)
	}
	if v, ok := raw["type"].(string); ok {
		e.Type = ServerEventType(v)
		delete(raw, "type")
	} else {
		return fmt.Errorf("%w: type", shared.ErrMissingEventField)
	}
	if len(raw) == 0 {
		return errors.New("missing param")
	}
	param, err := newServerEventParam(e.Type)
	if err != nil {
		return err
	}
	e.Param = param
	return e.Param.New(raw)
}

func (e *ServerEvent) marshalMap() (map[string]any, error) {
	if e.EventId == "" {
		return nil, errors.New("EventId is empty")
	}
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	if e.Param == nil {
		return nil, errors.New("Param is nil")
	}
	resp := map[string]any{}
	for k, v := range e.Param.Json() {
		resp[k] = v
	}
	resp["event_id"] = e.EventId
	resp["type"] = e.Type
	return resp, nil
}

func (e *ServerEvent) MarshalJSON() ([]byte, error) {
	resp, err := e.marshalMap()
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(resp)
}

func (e *ServerEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	return e.unmarshalMap(raw)
}

func (e *ServerEvent) MarshalYAML() ([]byte, error) {
	resp, err := e.marshalMap()
	if err != nil {
		return nil, err
	}
	return yaml.MarshalWithOptions(resp, yaml.UseJSONMarshaler())
}

func (e *ServerEvent) UnmarshalYAML(data []byte) error {
	var raw map[string]any
	if err := yaml.UnmarshalWithOptions(data, &raw, yaml.UseJSONUnmarshaler()); err != nil {
		return err
	}
	return e.unmarshalMap(raw)
}

type EventParam interface {
	New(map[string]any) error
	Json() map[string]any
}

// Helper for number conversions
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	case float32:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}

// ConversationItem is the raw item payload of a conversation.item.* event,
// kept in its wire shape. Accessors cover the fields the dispatcher routes
// on; anything else stays reachable through the map.
type ConversationItem map[string]any

func (i ConversationItem) Id() string {
	v, _ := i["id"].(string)
	return v
}

func (i ConversationItem) Type() string {
	v, _ := i["type"].(string)
	return v
}

func (i ConversationItem) Role() Role {
	v, _ := i["role"].(string)
	return Role(v)
}

func (i ConversationItem) Name() string {
	v, _ := i["name"].(string)
	return v
}

func (i ConversationItem) CallId() string {
	v, _ := i["call_id"].(string)
	return v
}

// Arguments returns the JSON-encoded argument string of a function_call item.
func (i ConversationItem) Arguments() string {
	v, _ := i["arguments"].(string)
	return v
}

func (i ConversationItem) Content() []map[string]any {
	raw, ok := i["content"].([]any)
	if !ok {
		return nil
	}
	parts := make([]map[string]any, 0, len(raw))
	for _, p := range raw {
		if part, ok := p.(map[string]any); ok {
			parts = append(parts, part)
		}
	}
	return parts
}

// Transcript extracts the spoken text of a done message item. Assistant
// turns carry it on their output_audio content part; user turns either on a
// transcript field or as an input_text part. Empty when nothing is
// extractable.
func (i ConversationItem) Transcript() string {
	role := i.Role()
	for _, part := range i.Content() {
		partType, _ := part["type"].(string)
		switch role {
		case RoleAssistant:
			if partType == "output_audio" {
				if v, ok := part["transcript"].(string); ok && v != "" {
					return v
				}
			}
		case RoleUser:
			if v, ok := part["transcript"].(string); ok && v != "" {
				return v
			}
			if partType == "input_text" {
				if v, ok := part["text"].(string); ok && v != "" {
					return v
				}
			}
		}
	}
	return ""
}

// error
type ServerEventParamError struct {
	Type    string
	EventId string
	Code    string
	Message string
	Param   any
}

func (p *ServerEventParamError) New(m map[string]any) error {
	errObj, ok := m["error"].(map[string]any)
	if !ok {
		return fmt.Errorf("%w: error", shared.ErrMissingEventField)
	}
	if v, ok := errObj["type"].(string); ok {
		p.Type = v
	} else {
		return fmt.Errorf("%w: error.type", shared.ErrMissingEventField)
	}
	if v, ok := errObj["message"].(string); ok {
		p.Message = v
	} else {
		return fmt.Errorf("%w: error.message", shared.ErrMissingEventField)
	}
	// code, event_id and param are nullable
	if v, ok := errObj["code"].(string); ok {
		p.Code = v
	}
	if v, ok := errObj["event_id"].(string); ok {
		p.EventId = v
	}
	p.Param = errObj["param"]
	return nil
}

func (p *ServerEventParamError) Json() map[string]any {
	return map[string]any{
		"error": map[string]any{
			"type":     p.Type,
			"event_id": p.EventId,
			"code":     p.Code,
			"message":  p.Message,
			"param":    p.Param,
		},
	}
}

// session.created
type ServerEventParamSessionCreated struct {
	Session map[string]any
}

func (p *ServerEventParamSessionCreated) New(m map[string]any) error {
	if session, ok := m["session"].(map[string]any); ok {
		p.Session = session
	} else {
		return fmt.Errorf("%w: session", shared.ErrMissingEventField)
	}
	return nil
}

func (p *ServerEventParamSessionCreated) Json() map[string]any {
	return map[string]any{
		"session": p.Session,
	}
}

// session.updated
type ServerEventParamSessionUpdated struct {
	Session map[string]any
}

func (p *ServerEventParamSessionUpdated) New(m map[string]any) error {
	if session, ok := m["session"].(map[string]any); ok {
		p.Session = session
	} else {
		return fmt.Errorf("%w: session", shared.ErrMissingEventField)
	}
	return nil
}

func (p *ServerEventParamSessionUpdated) Json() map[string]any {
	return map[string]any{
		"session": p.Session,
	}
}

// conversation.item.done
type ServerEventParamConversationItemDone struct {
	PreviousItemId any
	Item           ConversationItem
}

func (p *ServerEventParamConversationItemDone) New(m map[string]any) error {
	if v, ok := m["previous_item_id"]; ok {
		p.PreviousItemId = v // can be string or nil
	}
	if item, ok := m["item"].(map[string]any); ok {
		p.Item = ConversationItem(item)
	} else {
		return fmt.Errorf("%w: item", shared.ErrMissingEventField)
	}
	return nil
}

func (p *ServerEventParamConversationItemDone) Json() map[string]any {
	return map[string]any{
		"previous_item_id": p.PreviousItemId,
		"item":             map[string]any(p.Item),
	}
}

// conversation.item.input_audio_transcription.completed
type ServerEventParamConversationItemInputAudioTranscriptionCompleted struct {
	ItemId       string
	ContentIndex int
	Transcript   string
}

func (p *ServerEventParamConversationItemInputAudioTranscriptionCompleted) New(m map[string]any) error {
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	}
	if v, ok := asInt(m["content_index"]); ok {
		p.ContentIndex = v
	}
	// A completed transcription with no transcript is valid; the dispatcher
	// drops it silently.
	if v, ok := m["transcript"].(string); ok {
		p.Transcript = v
	}
	return nil
}

func (p *ServerEventParamConversationItemInputAudioTranscriptionCompleted) Json() map[string]any {
	return map[string]any{
		"item_id":       p.ItemId,
		"content_index": p.ContentIndex,
		"transcript":    p.Transcript,
	}
}

// input_audio_buffer.speech_started
type ServerEventParamInputAudioBufferSpeechStarted struct {
	AudioStartMs int
	ItemId       string
}

func (p *ServerEventParamInputAudioBufferSpeechStarted) New(m map[string]any) error {
	if v, ok := asInt(m["audio_start_ms"]); ok {
		p.AudioStartMs = v
	}
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	}
	return nil
}

func (p *ServerEventParamInputAudioBufferSpeechStarted) Json() map[string]any {
	return map[string]any{
		"audio_start_ms": p.AudioStartMs,
		"item_id":        p.ItemId,
	}
}

// input_audio_buffer.speech_stopped
type ServerEventParamInputAudioBufferSpeechStopped struct {
	AudioEndMs int
	ItemId     string
}

func (p *ServerEventParamInputAudioBufferSpeechStopped) New(m map[string]any) error {
	if v, ok := asInt(m["audio_end_ms"]); ok {
		p.AudioEndMs = v
	}
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	}
	return nil
}

func (p *ServerEventParamInputAudioBufferSpeechStopped) Json() map[string]any {
	return map[string]any{
		"audio_end_ms": p.AudioEndMs,
		"item_id":      p.ItemId,
	}
}

// response.output_audio.delta
type ServerEventParamResponseOutputAudioDelta struct {
	ResponseId   string
	ItemId       string
	OutputIndex  int
	ContentIndex int
	Delta        string
}

func (p *ServerEventParamResponseOutputAudioDelta) New(m map[string]any) error {
	if v, ok := m["delta"].(string); ok {
		p.Delta = v
	} else {
		return fmt.Errorf("%w: delta", shared.ErrMissingEventField)
	}
	if v, ok := m["response_id"].(string); ok {
		p.ResponseId = v
	}
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	}
	if v, ok := asInt(m["output_index"]); ok {
		p.OutputIndex = v
	}
	if v, ok := asInt(m["content_index"]); ok {
		p.ContentIndex = v
	}
	return nil
}

func (p *ServerEventParamResponseOutputAudioDelta) Json() map[string]any {
	return map[string]any{
		"response_id":   p.ResponseId,
		"item_id":       p.ItemId,
		"output_index":  p.OutputIndex,
		"content_index": p.ContentIndex,
		"delta":         p.Delta,
	}
}

// response.output_audio.done
type ServerEventParamResponseOutputAudioDone struct {
	ResponseId   string
	ItemId       string
	OutputIndex  int
	ContentIndex int
}

func (p *ServerEventParamResponseOutputAudioDone) New(m map[string]any) error {
	if v, ok := m["response_id"].(string); ok {
		p.ResponseId = v
	}
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	}
	if v, ok := asInt(m["output_index"]); ok {
		p.OutputIndex = v
	}
	if v, ok := asInt(m["content_index"]); ok {
		p.ContentIndex = v
	}
	return nil
}

func (p *ServerEventParamResponseOutputAudioDone) Json() map[string]any {
	return map[string]any{
		"response_id":   p.ResponseId,
		"item_id":       p.ItemId,
		"output_index":  p.OutputIndex,
		"content_index": p.ContentIndex,
	}
}
