package agents

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	pkg "github.com/bt-bridge/openai-s2s"
)

// Profile is the YAML session description a deployment ships next to its
// binary. It covers the knobs an operator actually tunes; everything left
// out resolves to the library defaults.
type Profile struct {
	Model        string `yaml:"model"`
	BaseURL      string `yaml:"base_url"`
	Voice        string `yaml:"voice"`
	Instructions string `yaml:"instructions"`
	// Greeting seeds the conversation: it is sent as the first user message
	// so the assistant opens the call instead of waiting for the caller.
	Greeting        string                `yaml:"greeting"`
	Encoding        string                `yaml:"encoding"`
	Speed           float64               `yaml:"speed"`
	MaxOutputTokens int64                 `yaml:"max_output_tokens"`
	NoiseReduction  string                `yaml:"noise_reduction"`
	TurnDetection   ProfileTurnDetection  `yaml:"turn_detection"`
	Transcription   *ProfileTranscription `yaml:"transcription"`
	Tuning          ProfileTuning         `yaml:"tuning"`
}

type ProfileTurnDetection struct {
	Mode      string  `yaml:"mode"`
	Eagerness string  `yaml:"eagerness"`
	Threshold float64 `yaml:"threshold"`
	SilenceMs int64   `yaml:"silence_ms"`
	PrefixMs  int64   `yaml:"prefix_ms"`
}

type ProfileTranscription struct {
	Model    string `yaml:"model"`
	Language string `yaml:"language"`
	Prompt   string `yaml:"prompt"`
}

type ProfileTuning struct {
	PlaybackRate     float64 `yaml:"playback_rate"`
	InterruptGraceMs int64   `yaml:"interrupt_grace_ms"`
	LatencyWindow    int     `yaml:"latency_window"`
}

// LoadProfile reads and validates a YAML profile. A missing path yields the
// zero profile, so running without one just means library defaults.
func LoadProfile(path string) (*Profile, error) {
	if path == "" {
		return &Profile{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile: %w", err)
	}
	return ParseProfile(data)
}

// ParseProfile decodes and validates YAML profile bytes.
func ParseProfile(data []byte) (*Profile, error) {
	profile := new(Profile)
	if err := yaml.Unmarshal(data, profile); err != nil {
		return nil, fmt.Errorf("parsing profile: %w", err)
	}
	if err := profile.validate(); err != nil {
		return nil, err
	}
	return profile, nil
}

func (p *Profile) validate() error {
	if _, err := pkg.ParseEncoding(p.Encoding); err != nil {
		return err
	}
	switch pkg.TurnDetectionMode(p.TurnDetection.Mode) {
	case "", pkg.TurnDetectionSemanticVAD, pkg.TurnDetectionServerVAD:
	default:
		return fmt.Errorf("unknown turn detection mode: %q", p.TurnDetection.Mode)
	}
	switch p.TurnDetection.Eagerness {
	case "", "low", "medium", "high":
	default:
		return fmt.Errorf("unknown VAD eagerness: %q", p.TurnDetection.Eagerness)
	}
	if p.Speed != 0 && (p.Speed < 0.25 || p.Speed > 1.5) {
		return fmt.Errorf("voice speed %v outside [0.25, 1.5]", p.Speed)
	}
	return nil
}

// SessionConfig converts the profile into a session configuration carrying
// the given API key.
func (p *Profile) SessionConfig(apiKey string) (pkg.SessionConfig, error) {
	if err := p.validate(); err != nil {
		return pkg.SessionConfig{}, err
	}
	encoding, err := pkg.ParseEncoding(p.Encoding)
	if err != nil {
		return pkg.SessionConfig{}, err
	}
	cfg := pkg.SessionConfig{
		APIKey:          apiKey,
		Model:           p.Model,
		BaseURL:         p.BaseURL,
		Voice:           p.Voice,
		Instructions:    p.Instructions,
		Encoding:        encoding,
		Speed:           p.Speed,
		MaxOutputTokens: p.MaxOutputTokens,
		NoiseReduction:  p.NoiseReduction,
		TurnDetection: pkg.TurnDetection{
			Mode:      pkg.TurnDetectionMode(p.TurnDetection.Mode),
			Eagerness: p.TurnDetection.Eagerness,
			Threshold: p.TurnDetection.Threshold,
			SilenceMs: p.TurnDetection.SilenceMs,
			PrefixMs:  p.TurnDetection.PrefixMs,
		},
		Tuning: pkg.Tuning{
			PlaybackRate:   p.Tuning.PlaybackRate,
			InterruptGrace: time.Duration(p.Tuning.InterruptGraceMs) * time.Millisecond,
			LatencyWindow:  p.Tuning.LatencyWindow,
		},
	}
	if p.Transcription != nil {
		cfg.Transcription = &pkg.TranscriptionConfig{
			Model:    p.Transcription.Model,
			Language: p.Transcription.Language,
			Prompt:   p.Transcription.Prompt,
		}
	}
	return cfg, nil
}
