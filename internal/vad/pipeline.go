package vad

import (
	"context"
	"log/slog"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/observe"
)

// Pipeline is the segmentation consumer: it drains captured frames into the
// Segmenter and offers finished utterances to the recognition queue.
type Pipeline struct {
	segmenter  *Segmenter
	frames     <-chan audio.Frame
	utterances chan<- audio.Utterance
	listening  func() bool
	metrics    *observe.Metrics
	logger     *slog.Logger
}

func NewPipeline(segmenter *Segmenter, frames <-chan audio.Frame, utterances chan<- audio.Utterance, listening func() bool, metrics *observe.Metrics, logger *slog.Logger) *Pipeline {
	if listening == nil {
		listening = func() bool { return true }
	}
	if metrics == nil {
		metrics = observe.Default()
	}
	return &Pipeline{
		segmenter:  segmenter,
		frames:     frames,
		utterances: utterances,
		listening:  listening,
		metrics:    metrics,
		logger:     logger.With(slog.String("component", "vad-pipeline")),
	}
}

// Run consumes frames until ctx is done or the frame channel closes. Frames
// that arrive while not listening are discarded along with any partial
// utterance.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-p.frames:
			if !ok {
				return nil
			}
			p.observe(ctx, frame)
		}
	}
}

func (p *Pipeline) observe(ctx context.Context, frame audio.Frame) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("segmentation panicked", slog.Any("panic", r))
			p.segmenter.Reset()
		}
	}()

	if !p.listening() {
		if p.segmenter.Buffered() > 0 {
			p.segmenter.Reset()
		}
		return
	}
	utt, ok := p.segmenter.Observe(frame)
	if !ok {
		return
	}
	p.metrics.UtterancesSegmented.Add(ctx, 1)
	select {
	case p.utterances <- utt:
	default:
		p.metrics.UtterancesDropped.Add(ctx, 1)
		p.logger.Warn("audio queue full, dropping speech data", slog.Int("frames", utt.Frames))
	}
}
