package s2s

import (
	"fmt"
	"strings"

	"github.com/openai/openai-go/v2/realtime"
)

// Encoding identifies the audio codec carried in both directions of a
// session. The realtime API is configured with the matching wire format and
// the pacer derives its release clock from the encoding's byte rate.
type Encoding string

const (
	// EncodingPCMU is 8 kHz G.711 mu-law, one byte per sample. This is the
	// telephony default.
	EncodingPCMU Encoding = "pcmu"
	// EncodingPCM16 is 24 kHz 16-bit little-endian PCM.
	EncodingPCM16 Encoding = "pcm16"
)

// ByteRate returns the number of wire bytes that represent one second of
// real-time audio. The zero value counts as PCMU.
func (e Encoding) ByteRate() int {
	if e == EncodingPCM16 {
		return 24000 * 2
	}
	return 8000
}

// SampleRate returns the sampling frequency in Hz.
func (e Encoding) SampleRate() int {
	if e == EncodingPCM16 {
		return 24000
	}
	return 8000
}

func (e Encoding) String() string {
	return string(e)
}

// ParseEncoding normalizes a user-supplied encoding name. The empty string
// resolves to PCMU.
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(strings.ToLower(strings.TrimSpace(s))) {
	case EncodingPCMU, "":
		return EncodingPCMU, nil
	case EncodingPCM16:
		return EncodingPCM16, nil
	}
	return "", fmt.Errorf("unknown audio encoding: %q", s)
}

// formatParam returns the realtime API format descriptor for this encoding,
// used for both the input and output halves of the session config.
func (e Encoding) formatParam() realtime.RealtimeAudioFormatsUnionParam {
	if e == EncodingPCM16 {
		return realtime.RealtimeAudioFormatsUnionParam{
			OfAudioPCM: &realtime.RealtimeAudioFormatsAudioPCMParam{
				Rate: 24000,
				Type: "audio/pcm",
			},
		}
	}
	return realtime.RealtimeAudioFormatsUnionParam{
		OfAudioPCMU: &realtime.RealtimeAudioFormatsAudioPCMUParam{
			Type: "audio/pcmu",
		},
	}
}
