package stt

import (
	"context"
	"fmt"
	"time"
)

type mockRecognizer struct{}

// NewMockRecognizer returns a recognizer that reports the utterance duration
// instead of words. It lets the pipeline run without a model.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int) (TranscriptResult, error) {
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}
	if sampleRate <= 0 || channels <= 0 {
		return TranscriptResult{}, fmt.Errorf("invalid audio format %d Hz x %d", sampleRate, channels)
	}
	samples := len(pcm) / 2 / channels
	duration := time.Duration(samples) * time.Second / time.Duration(sampleRate)
	return TranscriptResult{
		Text:       fmt.Sprintf("[utterance %s]", duration.Round(time.Millisecond)),
		Confidence: 0,
	}, nil
}
