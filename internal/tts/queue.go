package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/hub"
	"github.com/loqalabs/loqa-speech/internal/observe"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrQueueFull is returned by Enqueue when the pending FIFO is at capacity.
	ErrQueueFull = errors.New("TTS queue full, please try again later")
	// ErrSynthesizerUnavailable is returned when no synthesizer is loaded.
	ErrSynthesizerUnavailable = errors.New("TTS model not loaded")
)

const (
	outcomeCompleted  = "completed"
	outcomeErrored    = "errored"
	outcomeSuperseded = "superseded"
)

// Sender delivers an event to the peer that asked for it. *hub.Hub satisfies
// it.
type Sender interface {
	SendTo(ctx context.Context, peer hub.Peer, evt protocol.Event) error
}

// Request is one synthesis job.
type Request struct {
	ID        protocol.MessageID
	Text      string
	Streaming bool
	Peer      hub.Peer
}

// Snapshot is a consistent view of the queue for status replies.
type Snapshot struct {
	Pending    int
	Processing bool
	CurrentID  protocol.MessageID
}

// Cancellation reports what CancelCurrent discarded.
type Cancellation struct {
	Stopped   bool
	CurrentID protocol.MessageID
	Drained   int
}

type QueueConfig struct {
	Capacity   int
	SampleRate int
	Channels   int
	Voice      string
	Timeout    time.Duration
	ChunkDelay time.Duration
	Splitter   Splitter
}

// Queue serialises synthesis requests. At most one request is in flight, and
// cancelling it supersedes the in-flight request and every pending one.
type Queue struct {
	cfg     QueueConfig
	synth   Synthesizer
	sender  Sender
	metrics *observe.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger

	mu      sync.Mutex
	pending []*Request
	current *Request
	active  bool

	notify chan struct{}
}

func NewQueue(cfg QueueConfig, synth Synthesizer, sender Sender, metrics *observe.Metrics, logger *slog.Logger) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if metrics == nil {
		metrics = observe.Default()
	}
	return &Queue{
		cfg:     cfg,
		synth:   synth,
		sender:  sender,
		metrics: metrics,
		tracer:  otel.Tracer("github.com/loqalabs/loqa-speech/tts"),
		logger:  logger.With(slog.String("component", "tts-queue")),
		notify:  make(chan struct{}, 1),
	}
}

// Available reports whether a synthesizer is loaded.
func (q *Queue) Available() bool {
	return q.synth != nil
}

// Enqueue appends req to the FIFO and wakes the driver.
func (q *Queue) Enqueue(req *Request) error {
	if q.synth == nil {
		return ErrSynthesizerUnavailable
	}
	q.mu.Lock()
	if len(q.pending) >= q.cfg.Capacity {
		q.mu.Unlock()
		q.metrics.SynthesisRejected.Add(context.Background(), 1)
		return ErrQueueFull
	}
	q.pending = append(q.pending, req)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// CancelCurrent supersedes the in-flight request and discards every pending
// one. Calling it on an idle queue is a no-op.
func (q *Queue) CancelCurrent() Cancellation {
	q.mu.Lock()
	defer q.mu.Unlock()

	c := Cancellation{Drained: len(q.pending)}
	for i := range q.pending {
		q.pending[i] = nil
	}
	q.pending = q.pending[:0]
	inFlight := q.current != nil
	if inFlight {
		c.CurrentID = q.current.ID
		q.current = nil
	}
	c.Stopped = inFlight || c.Drained > 0
	if c.Drained > 0 {
		q.metrics.SynthesisRequests.Add(context.Background(), int64(c.Drained),
			metric.WithAttributes(attribute.String("outcome", outcomeSuperseded)))
	}
	return c
}

func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Snapshot{Pending: len(q.pending)}
	if q.current != nil {
		s.Processing = true
		s.CurrentID = q.current.ID
	}
	return s
}

// Run drives the queue until ctx is cancelled. Exactly one Run call may be
// active per Queue.
func (q *Queue) Run(ctx context.Context) error {
	q.logger.Info("synthesis queue started")
	defer q.logger.Info("synthesis queue stopped")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.notify:
			q.drain(ctx)
		}
	}
}

func (q *Queue) drain(ctx context.Context) {
	q.mu.Lock()
	if q.active {
		q.mu.Unlock()
		return
	}
	q.active = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.active = false
		q.current = nil
		q.mu.Unlock()
	}()

	for ctx.Err() == nil {
		req := q.next()
		if req == nil {
			return
		}
		q.process(ctx, req)
	}
}

func (q *Queue) next() *Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		q.current = nil
		return nil
	}
	req := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	q.current = req
	return req
}

func (q *Queue) isCurrent(req *Request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current == req
}

func (q *Queue) process(ctx context.Context, req *Request) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("synthesis panicked", slog.Any("panic", r), slog.String("message_id", string(req.ID)))
			q.finish(ctx, req, outcomeErrored)
			if q.isCurrent(req) {
				q.reply(ctx, req, q.failureEvent(req, fmt.Errorf("synthesis failed: %v", r)))
			}
		}
	}()
	if req.Streaming {
		q.finish(ctx, req, q.stream(ctx, req))
		return
	}
	q.finish(ctx, req, q.single(ctx, req))
}

func (q *Queue) single(ctx context.Context, req *Request) string {
	if !q.isCurrent(req) {
		return outcomeSuperseded
	}
	wav, err := q.synthesize(ctx, req.Text)
	if !q.isCurrent(req) {
		return outcomeSuperseded
	}
	if err != nil {
		q.logger.Warn("synthesis failed", slog.String("error", err.Error()), slog.String("message_id", string(req.ID)))
		q.reply(ctx, req, q.failureEvent(req, err))
		return outcomeErrored
	}
	q.reply(ctx, req, protocol.NewEvent(protocol.EventSpeechGenerated, protocol.SpeechGenerated{
		AudioData: wav,
		Text:      req.Text,
		MessageID: req.ID,
	}))
	return outcomeCompleted
}

func (q *Queue) stream(ctx context.Context, req *Request) string {
	if !q.isCurrent(req) {
		return outcomeSuperseded
	}
	sentences := q.cfg.Splitter.Split(req.Text)
	total := len(sentences)
	if !q.reply(ctx, req, protocol.NewEvent(protocol.EventTTSStreamStart, protocol.TTSStreamStart{
		TotalSentences: total,
		Text:           req.Text,
		MessageID:      req.ID,
	})) {
		return outcomeErrored
	}

	for i, sentence := range sentences {
		if !q.isCurrent(req) {
			return outcomeSuperseded
		}
		wav, err := q.synthesize(ctx, sentence)
		if !q.isCurrent(req) {
			return outcomeSuperseded
		}
		if err != nil {
			q.logger.Warn("sentence synthesis failed",
				slog.String("error", err.Error()),
				slog.String("message_id", string(req.ID)),
				slog.Int("chunk_index", i),
			)
			q.reply(ctx, req, q.failureEvent(req, err))
			return outcomeErrored
		}
		if !q.reply(ctx, req, protocol.NewEvent(protocol.EventTTSStreamChunk, protocol.TTSStreamChunk{
			AudioData:   wav,
			Text:        sentence,
			ChunkIndex:  i,
			TotalChunks: total,
			IsFinal:     i == total-1,
			MessageID:   req.ID,
		})) {
			return outcomeErrored
		}
		if i < total-1 && !q.pause(ctx) {
			return outcomeSuperseded
		}
	}

	if !q.isCurrent(req) {
		return outcomeSuperseded
	}
	q.reply(ctx, req, protocol.NewEvent(protocol.EventTTSStreamComplete, protocol.TTSStreamComplete{
		Text:        req.Text,
		TotalChunks: total,
		MessageID:   req.ID,
	}))
	return outcomeCompleted
}

func (q *Queue) failureEvent(req *Request, err error) protocol.Event {
	if req.Streaming {
		return protocol.NewEvent(protocol.EventTTSStreamError, protocol.TTSStreamError{Error: err.Error(), MessageID: req.ID})
	}
	return protocol.NewEvent(protocol.EventSpeechError, protocol.SpeechError{Error: err.Error(), MessageID: req.ID})
}

// reply sends evt to the requesting peer. A failed send means the peer is
// gone, so the caller abandons the request.
func (q *Queue) reply(ctx context.Context, req *Request, evt protocol.Event) bool {
	if q.sender == nil || req.Peer == nil {
		return true
	}
	if err := q.sender.SendTo(ctx, req.Peer, evt); err != nil {
		q.logger.Debug("dropping reply for departed peer",
			slog.String("event", evt.Command),
			slog.String("peer", req.Peer.ID()),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

func (q *Queue) pause(ctx context.Context) bool {
	if q.cfg.ChunkDelay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(q.cfg.ChunkDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// synthesize renders text to a WAV container.
func (q *Queue) synthesize(ctx context.Context, text string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, q.cfg.Timeout)
	defer cancel()
	ctx, span := q.tracer.Start(ctx, "tts.synthesize", trace.WithAttributes(
		attribute.Int("tts.text_length", len(text)),
	))
	defer span.End()

	start := time.Now()
	pcm, err := Collect(ctx, q.synth, SynthRequest{Text: text, Voice: q.cfg.Voice})
	q.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	wav, err := audio.EncodeWAV(pcm, q.cfg.SampleRate, q.cfg.Channels)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("encode wav: %w", err)
	}
	span.SetAttributes(attribute.Int("tts.audio_bytes", len(wav)))
	return wav, nil
}

func (q *Queue) finish(ctx context.Context, req *Request, outcome string) {
	q.metrics.SynthesisRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	q.logger.Debug("synthesis request finished",
		slog.String("message_id", string(req.ID)),
		slog.Bool("streaming", req.Streaming),
		slog.String("outcome", outcome),
	)
}
