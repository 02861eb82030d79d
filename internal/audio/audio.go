// Package audio holds the PCM value types passed between capture,
// segmentation and recognition, plus WAV helpers.
package audio

import "time"

// Frame is one fixed-duration block of 16-bit little-endian PCM.
type Frame struct {
	PCM        []byte
	Duration   time.Duration
	SampleRate int
}

// Utterance is a run of consecutive speech frames bounded by silence.
type Utterance struct {
	PCM    []byte
	Frames int
}

// FrameBytes returns the byte length of a mono 16-bit frame of the given
// duration.
func FrameBytes(sampleRate, channels int, duration time.Duration) int {
	samples := int(int64(sampleRate) * int64(duration) / int64(time.Second))
	return samples * channels * 2
}
