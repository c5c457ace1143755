package s2s

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/openai/openai-go/v2/packages/param"
	"github.com/openai/openai-go/v2/realtime"
)

// Name of the always-registered command tool. The model calls it with
// JSON-encoded commands; the dispatcher unpacks them into OnCommand calls.
const commandToolName = "output"

// Session defaults
const (
	defaultModel          string = "gpt-realtime"
	defaultVoice          string = "marin"
	defaultVADEagerness   string = "high" // low, medium, high
	defaultNoiseReduction string = "near_field"
	defaultRealtimeURL    string = "wss://api.openai.com/v1/realtime"
)

// Transport and pacing defaults
const (
	defaultSocketBuffer     int           = 4096
	defaultMaxMessage       int64         = 10 << 20
	defaultHandshakeTimeout time.Duration = 10 * time.Second
	defaultInterruptGrace   time.Duration = time.Second
)

type TurnDetectionMode string

const (
	TurnDetectionSemanticVAD TurnDetectionMode = "semantic_vad"
	TurnDetectionServerVAD   TurnDetectionMode = "server_vad"
)

// TurnDetection selects how the server decides the caller finished speaking.
// The zero value is semantic VAD with high eagerness, which suits telephony
// where silence padding is expensive.
type TurnDetection struct {
	Mode TurnDetectionMode
	// Eagerness applies to semantic VAD only: low, medium or high.
	Eagerness string
	// The remaining knobs apply to server VAD only. Zero values defer to the
	// server defaults.
	Threshold float64
	SilenceMs int64
	PrefixMs  int64
}

// TranscriptionConfig enables input-side transcription. When nil, the
// session runs without it and user transcripts only arrive through
// conversation items.
type TranscriptionConfig struct {
	Model    string
	Language string
	Prompt   string
}

// FunctionTool is an operator-defined tool registered alongside the built-in
// command tool. Parameters holds a JSON schema object.
type FunctionTool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Tuning groups the transport and pacing knobs. Zero values mean defaults;
// most deployments never touch these.
type Tuning struct {
	// SocketBuffer sizes the TCP send and receive buffers in bytes. Kept
	// small so 20 ms telephony frames leave the host immediately.
	SocketBuffer int
	// MaxMessage caps inbound WebSocket messages in bytes.
	MaxMessage int64
	// HandshakeTimeout bounds the WebSocket dial.
	HandshakeTimeout time.Duration
	// PacerIdlePoll is how often the release loop re-checks an empty queue.
	PacerIdlePoll time.Duration
	// PlaybackRate releases assistant audio faster (>1.0) or slower (<1.0)
	// than real time without changing frame timestamps.
	PlaybackRate float64
	// InterruptGrace is how long after a turn finishes a speech_started
	// event still counts as interrupting that turn.
	InterruptGrace time.Duration
	// LatencyWindow is the number of audio sends averaged per latency report.
	LatencyWindow int
}

// SessionConfig describes one realtime session. APIKey is the only required
// field.
type SessionConfig struct {
	// APIKey authorizes the WebSocket handshake. Ephemeral client secrets
	// minted with MintClientSecret work here too.
	APIKey string
	// Model rides the URL as a query parameter; the session payload itself
	// never names it. Empty means gpt-realtime.
	Model string
	// BaseURL overrides the realtime endpoint, mainly for tests.
	BaseURL string
	// Instructions is the system prompt.
	Instructions string
	Voice        string
	// Encoding applies to both directions. Empty means PCMU.
	Encoding Encoding
	// Speed adjusts the voice speed server-side, 0.25 to 1.5. Zero defers to
	// the server default.
	Speed float64
	// MaxOutputTokens caps each response. Zero defers to the server default.
	MaxOutputTokens int64
	// NoiseReduction is near_field or far_field.
	NoiseReduction string
	TurnDetection  TurnDetection
	Transcription  *TranscriptionConfig
	// ExtraTools are appended after the built-in command tool.
	ExtraTools []FunctionTool
	Tuning     Tuning
}

// withDefaults returns a copy with every empty knob resolved, so the rest of
// the package never branches on zero values.
func (cfg SessionConfig) withDefaults() SessionConfig {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultRealtimeURL
	}
	if cfg.Voice == "" {
		cfg.Voice = defaultVoice
	}
	if cfg.Encoding == "" {
		cfg.Encoding = EncodingPCMU
	}
	if cfg.NoiseReduction == "" {
		cfg.NoiseReduction = defaultNoiseReduction
	}
	if cfg.TurnDetection.Mode == "" {
		cfg.TurnDetection.Mode = TurnDetectionSemanticVAD
	}
	if cfg.TurnDetection.Eagerness == "" {
		cfg.TurnDetection.Eagerness = defaultVADEagerness
	}
	if cfg.Tuning.SocketBuffer <= 0 {
		cfg.Tuning.SocketBuffer = defaultSocketBuffer
	}
	if cfg.Tuning.MaxMessage <= 0 {
		cfg.Tuning.MaxMessage = defaultMaxMessage
	}
	if cfg.Tuning.HandshakeTimeout <= 0 {
		cfg.Tuning.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.Tuning.PacerIdlePoll <= 0 {
		cfg.Tuning.PacerIdlePoll = defaultPacerIdlePoll
	}
	if cfg.Tuning.PlaybackRate <= 0 {
		cfg.Tuning.PlaybackRate = 1.0
	}
	if cfg.Tuning.InterruptGrace <= 0 {
		cfg.Tuning.InterruptGrace = defaultInterruptGrace
	}
	if cfg.Tuning.LatencyWindow <= 0 {
		cfg.Tuning.LatencyWindow = defaultLatencyWindow
	}
	return cfg
}

// sessionParam builds the typed session config for everything the SDK
// covers. Tools and the session type discriminator are merged onto the
// marshaled form by sessionPayload.
func (cfg *SessionConfig) sessionParam() *realtime.RealtimeSessionCreateRequestParam {
	input := realtime.RealtimeAudioConfigInputParam{
		Format: cfg.Encoding.formatParam(),
		NoiseReduction: realtime.RealtimeAudioConfigInputNoiseReductionParam{
			Type: realtime.NoiseReductionType(cfg.NoiseReduction),
		},
	}
	switch cfg.TurnDetection.Mode {
	case TurnDetectionServerVAD:
		serverVad := &realtime.RealtimeAudioInputTurnDetectionServerVadParam{
			CreateResponse:    param.NewOpt(true),
			InterruptResponse: param.NewOpt(true),
		}
		if cfg.TurnDetection.Threshold > 0 {
			serverVad.Threshold = param.NewOpt(cfg.TurnDetection.Threshold)
		}
		if cfg.TurnDetection.SilenceMs > 0 {
			serverVad.SilenceDurationMs = param.NewOpt(cfg.TurnDetection.SilenceMs)
		}
		if cfg.TurnDetection.PrefixMs > 0 {
			serverVad.PrefixPaddingMs = param.NewOpt(cfg.TurnDetection.PrefixMs)
		}
		input.TurnDetection = realtime.RealtimeAudioInputTurnDetectionUnionParam{
			OfServerVad: serverVad,
		}
	default:
		input.TurnDetection = realtime.RealtimeAudioInputTurnDetectionUnionParam{
			OfSemanticVad: &realtime.RealtimeAudioInputTurnDetectionSemanticVadParam{
				CreateResponse:    param.NewOpt(true),
				InterruptResponse: param.NewOpt(true),
				Eagerness:         cfg.TurnDetection.Eagerness,
			},
		}
	}
	if cfg.Transcription != nil {
		input.Transcription = realtime.AudioTranscriptionParam{
			Model: realtime.AudioTranscriptionModel(cfg.Transcription.Model),
		}
		if cfg.Transcription.Language != "" {
			input.Transcription.Language = param.NewOpt(cfg.Transcription.Language)
		}
		if cfg.Transcription.Prompt != "" {
			input.Transcription.Prompt = param.NewOpt(cfg.Transcription.Prompt)
		}
	}
	output := realtime.RealtimeAudioConfigOutputParam{
		Format: cfg.Encoding.formatParam(),
		Voice:  realtime.RealtimeAudioConfigOutputVoice(cfg.Voice),
	}
	if cfg.Speed > 0 {
		output.Speed = param.NewOpt(cfg.Speed)
	}
	session := &realtime.RealtimeSessionCreateRequestParam{
		Instructions: param.NewOpt(cfg.Instructions),
		Audio: realtime.RealtimeAudioConfigParam{
			Input:  input,
			Output: output,
		},
	}
	if cfg.MaxOutputTokens > 0 {
		session.MaxOutputTokens = realtime.RealtimeSessionCreateRequestMaxOutputTokensUnionParam{
			OfInt: param.NewOpt(cfg.MaxOutputTokens),
		}
	}
	return session
}

// sessionPayload renders the session object carried by the session.update
// event. The SDK param covers audio and instructions; the command tool and
// type discriminator are spliced in at the map level to keep the wire shape
// exact.
func (cfg *SessionConfig) sessionPayload() ([]byte, error) {
	raw, err := cfg.sessionParam().MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshaling session config: %w", err)
	}
	var session map[string]any
	if err := sonic.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("remapping session config: %w", err)
	}
	session["type"] = "realtime"
	session["tools"] = cfg.toolSpecs()
	session["tool_choice"] = "auto"
	delete(session, "model")
	if cfg.Transcription == nil {
		if audio, ok := session["audio"].(map[string]any); ok {
			if in, ok := audio["input"].(map[string]any); ok {
				delete(in, "transcription")
			}
		}
	}
	payload, err := sonic.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("marshaling session payload: %w", err)
	}
	return payload, nil
}

func (cfg *SessionConfig) toolSpecs() []map[string]any {
	tools := make([]map[string]any, 0, 1+len(cfg.ExtraTools))
	tools = append(tools, map[string]any{
		"type":        "function",
		"name":        commandToolName,
		"description": "Call this function with JSON-encoded function calls if necessary.",
		"parameters": map[string]any{
			"type":   "object",
			"strict": true,
			"properties": map[string]any{
				"text": map[string]any{
					"type":        "string",
					"description": "Properly escaped JSON for the command and arguments",
				},
			},
		},
	})
	for _, tool := range cfg.ExtraTools {
		tools = append(tools, map[string]any{
			"type":        "function",
			"name":        tool.Name,
			"description": tool.Description,
			"parameters":  tool.Parameters,
		})
	}
	return tools
}
