// Package pcm converts between native floating-point audio samples and the
// 16-bit little-endian PCM wire format used by the live session protocol,
// plus the base64 transport envelope wrapped around it.
//
// The codec is lossless up to 16-bit quantisation: for any sample sequence in
// [-1, 1], DecodeFloat32(EncodeFloat32(s)) reproduces s with a maximum
// absolute error of 1/32768.
//
// This package lives under pkg/ because device adapters and transport
// implementations outside the session core are expected to use it.
package pcm

import (
	"encoding/base64"
	"fmt"
	"math"
)

// BytesPerSample is the width of one encoded sample (int16).
const BytesPerSample = 2

// EncodeFloat32 serialises mono float32 samples as 16-bit little-endian PCM.
// Each sample is clamped to [-1, 1] and scaled to the signed 16-bit range.
// The output length is always 2× the input length.
func EncodeFloat32(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		// Scale by 32767 so that +1.0 and -1.0 both stay in range.
		v := int16(math.Round(float64(s) * 32767))
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// DecodeFloat32 interprets 16-bit little-endian PCM as mono float32 samples
// in [-1, 1]. An odd-length input is truncated to the largest even prefix
// rather than rejected: inbound chunks can be cut mid-sample by the remote
// service and a hard error would drop the whole chunk. The number of
// truncated trailing bytes is returned so callers can log the data loss.
func DecodeFloat32(data []byte) (samples []float32, truncated int) {
	truncated = len(data) % BytesPerSample
	data = data[:len(data)-truncated]

	samples = make([]float32, len(data)/BytesPerSample)
	for i := range samples {
		v := int16(data[i*2]) | int16(data[i*2+1])<<8
		samples[i] = float32(v) / 32768
	}
	return samples, truncated
}

// EncodeEnvelope wraps raw PCM bytes in the base64 transport envelope.
func EncodeEnvelope(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeEnvelope unwraps the base64 transport envelope. Unlike odd-length
// PCM, invalid base64 is a hard error: it indicates a corrupt or foreign
// message, not a partial sample.
func DecodeEnvelope(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("pcm: decode envelope: %w", err)
	}
	return data, nil
}
