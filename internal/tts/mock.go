package tts

import (
	"context"
	"encoding/binary"
	"math"
	"time"
	"unicode/utf8"
)

const (
	mockToneHz        = 440
	mockAmplitude     = 3000
	mockChunkDuration = 100 * time.Millisecond
	mockPerRune       = 10 * time.Millisecond
)

type mockSynth struct {
	sampleRate int
	channels   int
}

// NewMockSynth returns a synthesizer that renders a quiet 440 Hz tone lasting
// 10ms per character, delivered in 100ms chunks.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	if channels <= 0 {
		channels = 1
	}
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		total := m.samplesFor(time.Duration(utf8.RuneCountInString(req.Text)) * mockPerRune)
		per := m.samplesFor(mockChunkDuration)
		if per <= 0 {
			per = total
		}
		sequence := 0
		for offset := 0; offset < total || sequence == 0; offset += per {
			n := min(per, total-offset)
			chunk := SynthChunk{
				Sequence:   sequence,
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				PCM:        m.tone(offset, n),
				Final:      offset+per >= total,
			}
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case chunks <- chunk:
			}
			sequence++
		}
	}()
	return chunks, errs
}

func (m *mockSynth) samplesFor(d time.Duration) int {
	return int(int64(m.sampleRate) * int64(d) / int64(time.Second))
}

func (m *mockSynth) tone(offset, n int) []byte {
	if n <= 0 {
		return []byte{}
	}
	pcm := make([]byte, n*m.channels*2)
	for i := 0; i < n; i++ {
		v := int16(mockAmplitude * math.Sin(2*math.Pi*mockToneHz*float64(offset+i)/float64(m.sampleRate)))
		for ch := 0; ch < m.channels; ch++ {
			binary.LittleEndian.PutUint16(pcm[(i*m.channels+ch)*2:], uint16(v))
		}
	}
	return pcm
}
