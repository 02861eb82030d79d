// Package session owns one speech service instance: the capture and
// recognition pipeline, the synthesis queue and the connected peers.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/capture"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/hub"
	"github.com/loqalabs/loqa-speech/internal/modem"
	"github.com/loqalabs/loqa-speech/internal/observe"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/stt"
	"github.com/loqalabs/loqa-speech/internal/tts"
	"github.com/loqalabs/loqa-speech/internal/vad"
	"golang.org/x/sync/errgroup"
)

const (
	welcomeMessage  = "Connected to Loqa Speech Service"
	ttsStopped      = "TTS processing stopped"
	ttsIdle         = "No TTS currently processing"
	noTextProvided  = "No text provided"
	modemNotPresent = "ggwave not available"
)

// Options carries the collaborators of a Controller. Nil Recognizer,
// Synthesizer or Encoder disable the matching feature.
type Options struct {
	Config      config.Config
	Source      capture.Source
	Classifier  vad.Classifier
	Recognizer  stt.Recognizer
	Synthesizer tts.Synthesizer
	Encoder     modem.Encoder
	Publisher   stt.Publisher
	Metrics     *observe.Metrics
	Logger      *slog.Logger
}

// Controller routes commands from connected peers and supervises the
// background workers.
type Controller struct {
	cfg     config.Config
	metrics *observe.Metrics
	logger  *slog.Logger

	hub         *hub.Hub
	queue       *tts.Queue
	source      capture.Source
	pipeline    *vad.Pipeline
	worker      *stt.Worker
	transmitter *modem.Transmitter
	events      chan protocol.Event

	modelsLoaded bool
	listening    atomic.Bool
	ready        atomic.Bool
	background   sync.WaitGroup
}

func New(opts Options) *Controller {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observe.Default()
	}

	c := &Controller{
		cfg:          cfg,
		metrics:      metrics,
		logger:       logger.With(slog.String("component", "session")),
		hub:          hub.New(metrics, logger),
		events:       make(chan protocol.Event, cfg.STT.EventQueueSize),
		modelsLoaded: opts.Recognizer != nil && opts.Synthesizer != nil,
	}
	c.listening.Store(true)

	c.queue = tts.NewQueue(tts.QueueConfig{
		Capacity:   cfg.TTS.QueueSize,
		SampleRate: cfg.TTS.SampleRate,
		Channels:   cfg.TTS.Channels,
		Voice:      cfg.TTS.Voice,
		Timeout:    time.Duration(cfg.TTS.TimeoutMS) * time.Millisecond,
		ChunkDelay: time.Duration(cfg.TTS.ChunkDelayMS) * time.Millisecond,
		Splitter: tts.Splitter{
			MaxLength: cfg.TTS.MaxSentenceLength,
			MinLength: cfg.TTS.MinSentenceLength,
		},
	}, opts.Synthesizer, c.hub, metrics, logger)

	if opts.Recognizer != nil && opts.Source != nil && opts.Classifier != nil {
		utterances := make(chan audio.Utterance, cfg.VAD.UtteranceQueueSize)
		segmenter := vad.NewSegmenter(vad.SegmenterConfig{
			SilenceThreshold: cfg.VAD.SilenceThreshold,
			MinFrames:        cfg.VAD.MinSpeechChunks,
			MaxFrames:        cfg.VAD.MaxSpeechChunks,
		}, opts.Classifier, logger)
		c.source = opts.Source
		c.pipeline = vad.NewPipeline(segmenter, opts.Source.Frames(), utterances, c.listening.Load, metrics, logger)
		c.worker = stt.NewWorker(stt.WorkerConfig{
			SampleRate: cfg.Capture.SampleRate,
			Channels:   cfg.Capture.Channels,
			Timeout:    time.Duration(cfg.STT.TimeoutMS) * time.Millisecond,
			SessionID:  cfg.RuntimeName,
		}, opts.Recognizer, utterances, c.events, opts.Publisher, metrics, logger)
	}

	if opts.Encoder != nil {
		c.transmitter = modem.NewTransmitter(opts.Encoder, cfg.Modem.MaxPayloadSize,
			time.Duration(cfg.Modem.ChunkGapMS)*time.Millisecond, logger)
	}
	return c
}

// Hub exposes the peer registry.
func (c *Controller) Hub() *hub.Hub { return c.hub }

// Ready reports whether the background workers are running.
func (c *Controller) Ready() bool { return c.ready.Load() }

// Listening reports whether captured audio is being segmented.
func (c *Controller) Listening() bool { return c.listening.Load() }

// SetListening gates the capture pipeline.
func (c *Controller) SetListening(on bool) {
	if c.listening.Swap(on) != on {
		c.logger.Info("listening changed", slog.Bool("listening", on))
	}
}

// Run starts capture, segmentation, recognition, the synthesis driver and the
// broadcast drain, then blocks until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if c.worker != nil {
		if err := c.source.Start(gctx); err != nil {
			return fmt.Errorf("start audio capture: %w", err)
		}
		g.Go(func() error { return c.pipeline.Run(gctx) })
		g.Go(func() error { return c.worker.Run(gctx) })
	} else {
		c.logger.Warn("speech recognition disabled")
	}
	g.Go(func() error { return c.queue.Run(gctx) })
	g.Go(func() error { return c.hub.Run(gctx, c.events) })

	c.ready.Store(true)
	c.logger.Info("session started",
		slog.Bool("recognition", c.worker != nil),
		slog.Bool("synthesis", c.queue.Available()),
		slog.Bool("modem", c.transmitter != nil),
	)

	<-gctx.Done()
	c.ready.Store(false)
	c.logger.Info("session stopping")
	c.hub.CloseAll()
	err := g.Wait()
	c.background.Wait()
	return err
}

// Status returns the current session snapshot.
func (c *Controller) Status() protocol.Status {
	snap := c.queue.Snapshot()
	return protocol.Status{
		Listening:       c.listening.Load(),
		Device:          c.cfg.Device,
		ModelsLoaded:    c.modelsLoaded,
		TTSQueueSize:    snap.Pending,
		IsProcessingTTS: snap.Processing,
		CurrentTTSID:    snap.CurrentID,
	}
}

// Handle decodes one inbound message from peer and dispatches it. Errors are
// reported to the peer and never end the connection.
func (c *Controller) Handle(ctx context.Context, peer hub.Peer, data []byte) {
	cmd, err := protocol.DecodeCommand(data)
	if err != nil {
		var unknown *protocol.UnknownCommandError
		if errors.As(err, &unknown) {
			c.logger.Warn("unknown command", slog.String("peer", peer.ID()), slog.String("command", unknown.Command))
		} else {
			c.logger.Warn("malformed message", slog.String("peer", peer.ID()), slog.String("error", err.Error()))
		}
		c.reply(ctx, peer, protocol.EventError, protocol.ErrorPayload{Error: err.Error()})
		return
	}

	switch cmd := cmd.(type) {
	case protocol.GetStatus:
		c.reply(ctx, peer, protocol.EventStatus, c.Status())
	case protocol.StartListening:
		c.SetListening(true)
		c.reply(ctx, peer, protocol.EventListeningStarted, protocol.Ack{Status: "ok"})
	case protocol.StopListening:
		c.SetListening(false)
		c.reply(ctx, peer, protocol.EventListeningStopped, protocol.Ack{Status: "ok"})
	case protocol.SynthesizeSpeech:
		c.handleSynthesize(ctx, peer, cmd)
	case protocol.StopTTS:
		c.handleStopTTS(ctx, peer)
	case protocol.SendGGWave:
		c.handleGGWave(ctx, peer, cmd)
	default:
		c.reply(ctx, peer, protocol.EventError, protocol.ErrorPayload{Error: "Unknown command: " + cmd.Name()})
	}
}

func (c *Controller) handleSynthesize(ctx context.Context, peer hub.Peer, cmd protocol.SynthesizeSpeech) {
	text := strings.TrimSpace(cmd.Text)
	if text == "" {
		c.reply(ctx, peer, protocol.EventSpeechError, protocol.SpeechError{Error: noTextProvided, MessageID: cmd.MessageID})
		return
	}
	err := c.queue.Enqueue(&tts.Request{
		ID:        cmd.MessageID,
		Text:      text,
		Streaming: cmd.Streaming,
		Peer:      peer,
	})
	if err != nil {
		c.logger.Warn("synthesis request rejected",
			slog.String("peer", peer.ID()),
			slog.String("message_id", string(cmd.MessageID)),
			slog.String("error", err.Error()),
		)
		c.reply(ctx, peer, protocol.EventSpeechError, protocol.SpeechError{Error: err.Error(), MessageID: cmd.MessageID})
		return
	}
	c.logger.Info("synthesis request queued",
		slog.String("message_id", string(cmd.MessageID)),
		slog.Bool("streaming", cmd.Streaming),
		slog.Int("queue_size", c.queue.Snapshot().Pending),
	)
}

func (c *Controller) handleStopTTS(ctx context.Context, peer hub.Peer) {
	cancellation := c.queue.CancelCurrent()
	message := ttsIdle
	if cancellation.Stopped {
		message = ttsStopped
		c.logger.Info("synthesis stopped",
			slog.String("message_id", string(cancellation.CurrentID)),
			slog.Int("drained", cancellation.Drained),
		)
	}
	c.reply(ctx, peer, protocol.EventTTSStopped, protocol.TTSStopped{Message: message})
}

// handleGGWave runs the transmission off the read loop so that playback never
// blocks further commands.
func (c *Controller) handleGGWave(ctx context.Context, peer hub.Peer, cmd protocol.SendGGWave) {
	if c.transmitter == nil {
		c.reply(ctx, peer, protocol.EventGGWaveError, protocol.GGWaveError{Error: modemNotPresent})
		return
	}
	if cmd.Text == "" {
		c.reply(ctx, peer, protocol.EventGGWaveError, protocol.GGWaveError{Error: noTextProvided})
		return
	}
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		err := c.transmitter.Send(ctx, cmd.Text)
		switch {
		case err == nil:
			c.reply(ctx, peer, protocol.EventGGWaveSent, protocol.GGWaveSent{Success: true, Text: cmd.Text})
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			c.reply(ctx, peer, protocol.EventGGWaveError, protocol.GGWaveError{Error: err.Error()})
		default:
			c.logger.Error("ggwave transmission failed", slog.String("error", err.Error()))
			c.reply(ctx, peer, protocol.EventGGWaveSent, protocol.GGWaveSent{Success: false, Text: cmd.Text})
		}
	}()
}

func (c *Controller) reply(ctx context.Context, peer hub.Peer, command string, payload any) {
	if err := c.hub.SendTo(ctx, peer, protocol.NewEvent(command, payload)); err != nil {
		c.logger.Debug("reply not delivered",
			slog.String("peer", peer.ID()),
			slog.String("event", command),
			slog.String("error", err.Error()),
		)
	}
}
