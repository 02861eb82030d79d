package vad

import (
	"bytes"
	"log/slog"

	"github.com/loqalabs/loqa-speech/internal/audio"
)

// SegmenterConfig bounds utterances in frames.
type SegmenterConfig struct {
	SilenceThreshold int
	MinFrames        int
	MaxFrames        int
}

// Segmenter accumulates speech frames and emits utterances. It is owned by a
// single goroutine and is not safe for concurrent use.
type Segmenter struct {
	cfg        SegmenterConfig
	classifier Classifier
	logger     *slog.Logger
	frames     [][]byte
	silence    int
}

func NewSegmenter(cfg SegmenterConfig, classifier Classifier, logger *slog.Logger) *Segmenter {
	if cfg.MinFrames <= 0 {
		cfg.MinFrames = 1
	}
	if cfg.MaxFrames < cfg.MinFrames {
		cfg.MaxFrames = cfg.MinFrames
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = 1
	}
	return &Segmenter{
		cfg:        cfg,
		classifier: classifier,
		logger:     logger.With(slog.String("component", "segmenter")),
	}
}

// Observe classifies one frame and returns a completed utterance when the
// flush condition holds.
func (s *Segmenter) Observe(frame audio.Frame) (audio.Utterance, bool) {
	speech, err := s.classifier.IsSpeech(frame.PCM, frame.SampleRate)
	if err != nil {
		s.logger.Debug("classifier failed, treating frame as silence", slog.String("error", err.Error()))
		speech = false
	}

	if speech {
		s.frames = append(s.frames, frame.PCM)
		s.silence = 0
		// An unbroken speech run never grows past MaxFrames.
		if len(s.frames) >= s.cfg.MaxFrames {
			return s.flush(), true
		}
		return audio.Utterance{}, false
	}

	s.silence++
	if len(s.frames) >= s.cfg.MinFrames &&
		(s.silence >= s.cfg.SilenceThreshold || len(s.frames) >= s.cfg.MaxFrames) {
		return s.flush(), true
	}
	return audio.Utterance{}, false
}

// Buffered reports the number of speech frames held.
func (s *Segmenter) Buffered() int { return len(s.frames) }

// Reset discards buffered speech.
func (s *Segmenter) Reset() {
	s.frames = nil
	s.silence = 0
}

func (s *Segmenter) flush() audio.Utterance {
	utt := audio.Utterance{
		PCM:    bytes.Join(s.frames, nil),
		Frames: len(s.frames),
	}
	s.Reset()
	return utt
}
