// Package vad gates captured audio into utterances. A Classifier labels each
// frame as speech or silence and a Segmenter groups speech frames into
// utterances bounded by silence.
package vad

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Classifier labels one PCM frame as speech or silence.
type Classifier interface {
	IsSpeech(frame []byte, sampleRate int) (bool, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(frame []byte, sampleRate int) (bool, error)

func (f ClassifierFunc) IsSpeech(frame []byte, sampleRate int) (bool, error) {
	return f(frame, sampleRate)
}

// RMS thresholds per sensitivity mode. Higher modes need more energy before a
// frame counts as speech.
var modeThresholds = [4]float64{300, 500, 800, 1200}

var errEmptyFrame = errors.New("empty frame")

// EnergyClassifier is an RMS-energy speech detector for 16-bit PCM.
type EnergyClassifier struct {
	threshold float64
}

// NewEnergyClassifier builds a classifier for sensitivity mode 0–3.
func NewEnergyClassifier(mode int) (*EnergyClassifier, error) {
	if mode < 0 || mode >= len(modeThresholds) {
		return nil, fmt.Errorf("vad mode must be between 0 and %d, got %d", len(modeThresholds)-1, mode)
	}
	return &EnergyClassifier{threshold: modeThresholds[mode]}, nil
}

func (c *EnergyClassifier) IsSpeech(frame []byte, sampleRate int) (bool, error) {
	if len(frame) == 0 {
		return false, errEmptyFrame
	}
	if len(frame)%2 != 0 {
		return false, fmt.Errorf("frame not aligned to 16-bit samples: %d bytes", len(frame))
	}
	if sampleRate <= 0 {
		return false, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	return rms(frame) >= c.threshold, nil
}

func rms(frame []byte) float64 {
	samples := len(frame) / 2
	var energy float64
	for i := 0; i < samples; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(frame[i*2:])))
		energy += s * s
	}
	return math.Sqrt(energy / float64(samples))
}
