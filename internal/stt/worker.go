package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/observe"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Publisher mirrors transcripts onto the bus. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

type WorkerConfig struct {
	SampleRate int
	Channels   int
	Timeout    time.Duration
	SessionID  string
}

// Worker transcribes utterances one at a time and offers the results to the
// broadcast queue. Exactly one Worker runs per session.
type Worker struct {
	cfg        WorkerConfig
	recognizer Recognizer
	utterances <-chan audio.Utterance
	events     chan<- protocol.Event
	publisher  Publisher
	metrics    *observe.Metrics
	tracer     trace.Tracer
	logger     *slog.Logger
}

func NewWorker(cfg WorkerConfig, recognizer Recognizer, utterances <-chan audio.Utterance, events chan<- protocol.Event, publisher Publisher, metrics *observe.Metrics, logger *slog.Logger) *Worker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if metrics == nil {
		metrics = observe.Default()
	}
	return &Worker{
		cfg:        cfg,
		recognizer: recognizer,
		utterances: utterances,
		events:     events,
		publisher:  publisher,
		metrics:    metrics,
		tracer:     otel.Tracer("github.com/loqalabs/loqa-speech/stt"),
		logger:     logger.With(slog.String("component", "stt-worker")),
	}
}

// Run blocks until ctx is cancelled or the utterance channel is closed.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("recognition worker started")
	defer w.logger.Info("recognition worker stopped")
	for {
		select {
		case <-ctx.Done():
			return nil
		case utt, ok := <-w.utterances:
			if !ok {
				return nil
			}
			w.handle(ctx, utt)
		}
	}
}

func (w *Worker) handle(ctx context.Context, utt audio.Utterance) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("recognition panicked", slog.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()
	ctx, span := w.tracer.Start(ctx, "stt.transcribe", trace.WithAttributes(
		attribute.Int("utterance.frames", utt.Frames),
		attribute.Int("utterance.bytes", len(utt.PCM)),
	))
	defer span.End()

	start := time.Now()
	result, err := w.recognizer.Transcribe(ctx, utt.PCM, w.cfg.SampleRate, w.cfg.Channels)
	w.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.metrics.RecognitionErrors.Add(ctx, 1)
		w.logger.Warn("stt transcription failed", slogError(err))
		return
	}

	text := strings.TrimSpace(result.Text)
	if text == "" {
		return
	}
	confidence := result.Confidence
	if confidence <= 0 {
		// Backends without scores report full confidence.
		confidence = 1.0
	}
	w.metrics.Transcripts.Add(ctx, 1)
	w.logger.Info("recognized speech", slog.String("text", text))

	evt := protocol.NewEvent(protocol.EventSpeechRecognized, protocol.SpeechRecognized{Text: text, Confidence: confidence})
	select {
	case w.events <- evt:
	default:
		w.metrics.EventsDropped.Add(ctx, 1)
		w.logger.Warn("event queue full, dropping speech recognition result")
	}

	w.publishTranscript(text, confidence)
}

func (w *Worker) publishTranscript(text string, confidence float64) {
	if w.publisher == nil {
		return
	}
	msg := protocol.Transcript{
		SessionID:  w.cfg.SessionID,
		Text:       text,
		Timestamp:  time.Now().UTC(),
		Confidence: confidence,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		w.logger.Warn("failed to marshal transcript", slogError(err))
		return
	}
	if err := w.publisher.Publish(protocol.SubjectTranscriptFinal, data); err != nil {
		w.logger.Warn("failed to publish transcript", slogError(fmt.Errorf("publish %s: %w", protocol.SubjectTranscriptFinal, err)))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
