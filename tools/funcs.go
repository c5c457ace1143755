package tools

import (
	"encoding/base64"
	"encoding/binary"
	"time"
)

// ULawSilence is the G.711 μ-law code for zero amplitude.
const ULawSilence byte = 0xFF

func FrameBytes(duration time.Duration, byteRate int) int {
	return int(duration.Seconds() * float64(byteRate))
}

func FrameDuration(n, byteRate int) time.Duration {
	if byteRate <= 0 {
		return 0
	}
	return time.Duration(float64(n) / float64(byteRate) * float64(time.Second))
}

func SilenceFrame(n int) []byte {
	frame := make([]byte, n)
	for i := range frame {
		frame[i] = ULawSilence
	}
	return frame
}

// PCM16FromFloat32 converts float32 samples to little-endian 16-bit PCM,
// clipping to [-1, 1].
func PCM16FromFloat32(samples []float32) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		clipped := float64(s)
		if clipped > 1.0 {
			clipped = 1.0
		} else if clipped < -1.0 {
			clipped = -1.0
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(clipped*32767)))
	}
	return pcm
}

func EncodeAudioBase64(samples []float32) string {
	return base64.StdEncoding.EncodeToString(PCM16FromFloat32(samples))
}
