// Package capture turns incoming PCM into fixed-duration frames for the
// segmenter.
package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/observe"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Source produces audio frames until it is closed.
type Source interface {
	Frames() <-chan audio.Frame
	Start(ctx context.Context) error
	Close()
}

// Subscriber is the subset of *nats.Conn the bus source needs.
type Subscriber interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// BusSource reads protocol.AudioFrame messages from the bus and re-chunks
// their PCM into frames of the configured duration. When the consumer falls
// behind, new frames are dropped.
type BusSource struct {
	conn       Subscriber
	subject    string
	sampleRate int
	channels   int
	duration   time.Duration
	frameBytes int
	metrics    *observe.Metrics
	logger     *slog.Logger

	frames chan audio.Frame

	mu      sync.Mutex
	pending []byte
	sub     *nats.Subscription
	closed  bool
}

func NewBusSource(conn Subscriber, cfg config.CaptureConfig, metrics *observe.Metrics, logger *slog.Logger) *BusSource {
	if metrics == nil {
		metrics = observe.Default()
	}
	duration := time.Duration(cfg.ChunkDurationMS) * time.Millisecond
	buffer := cfg.FrameBuffer
	if buffer <= 0 {
		buffer = 64
	}
	return &BusSource{
		conn:       conn,
		subject:    cfg.Subject,
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
		duration:   duration,
		frameBytes: audio.FrameBytes(cfg.SampleRate, cfg.Channels, duration),
		metrics:    metrics,
		logger:     logger.With(slog.String("component", "capture"), slog.String("subject", cfg.Subject)),
		frames:     make(chan audio.Frame, buffer),
	}
}

func (s *BusSource) Frames() <-chan audio.Frame {
	return s.frames
}

func (s *BusSource) Start(ctx context.Context) error {
	if s.frameBytes <= 0 {
		return fmt.Errorf("invalid capture frame size for %d Hz / %s", s.sampleRate, s.duration)
	}
	sub, err := s.conn.Subscribe(s.subject, s.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.subject, err)
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	s.logger.Info("audio capture subscribed", slog.Int("frame_bytes", s.frameBytes))

	go func() {
		<-ctx.Done()
		s.Close()
	}()
	return nil
}

// Close unsubscribes and closes the frame channel. It is safe to call more
// than once.
func (s *BusSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			s.logger.Debug("unsubscribe failed", slog.String("error", err.Error()))
		}
	}
	s.pending = nil
	close(s.frames)
}

func (s *BusSource) handle(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn("invalid audio frame payload", slog.String("error", err.Error()))
		return
	}
	s.push(frame)
}

func (s *BusSource) push(frame protocol.AudioFrame) {
	if frame.SampleRate != 0 && frame.SampleRate != s.sampleRate {
		s.logger.Warn("dropping audio with unexpected sample rate",
			slog.Int("sample_rate", frame.SampleRate),
			slog.Int("expected", s.sampleRate),
		)
		return
	}
	if frame.Channels != 0 && frame.Channels != s.channels {
		s.logger.Warn("dropping audio with unexpected channel count",
			slog.Int("channels", frame.Channels),
			slog.Int("expected", s.channels),
		)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending = append(s.pending, frame.PCM...)
	for len(s.pending) >= s.frameBytes {
		pcm := make([]byte, s.frameBytes)
		copy(pcm, s.pending)
		s.pending = s.pending[s.frameBytes:]
		select {
		case s.frames <- audio.Frame{PCM: pcm, Duration: s.duration, SampleRate: s.sampleRate}:
		default:
			s.metrics.FramesDropped.Add(context.Background(), 1)
			s.logger.Debug("frame dropped, segmenter behind")
		}
	}
	if frame.Final && len(s.pending) > 0 {
		s.pending = s.pending[:0]
	}
}

// NopSource never produces frames. It backs deployments without an audio
// input.
type NopSource struct {
	once   sync.Once
	frames chan audio.Frame
}

func NewNopSource() *NopSource {
	return &NopSource{frames: make(chan audio.Frame)}
}

func (n *NopSource) Frames() <-chan audio.Frame { return n.frames }

func (n *NopSource) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		n.Close()
	}()
	return nil
}

func (n *NopSource) Close() {
	n.once.Do(func() { close(n.frames) })
}
