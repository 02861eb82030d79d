package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/stt"
	"github.com/loqalabs/loqa-speech/internal/tts"
	"github.com/loqalabs/loqa-speech/internal/vad"
)

type received struct {
	Command   string          `json:"command"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp float64         `json:"timestamp"`
}

func (r received) decode(t *testing.T, target any) {
	t.Helper()
	if err := json.Unmarshal(r.Payload, target); err != nil {
		t.Fatalf("decode %s payload: %v", r.Command, err)
	}
}

type testPeer struct {
	id       string
	messages chan received

	mu  sync.Mutex
	log []received
}

func newTestPeer(id string) *testPeer {
	return &testPeer{id: id, messages: make(chan received, 128)}
}

func (p *testPeer) ID() string         { return p.id }
func (p *testPeer) RemoteAddr() string { return "test" }
func (p *testPeer) Close() error       { return nil }

func (p *testPeer) Send(_ context.Context, data []byte) error {
	var msg received
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	p.mu.Lock()
	p.log = append(p.log, msg)
	p.mu.Unlock()
	p.messages <- msg
	return nil
}

func (p *testPeer) next(t *testing.T) received {
	t.Helper()
	select {
	case msg := <-p.messages:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return received{}
	}
}

func (p *testPeer) expect(t *testing.T, command string) received {
	t.Helper()
	msg := p.next(t)
	if msg.Command != command {
		t.Fatalf("expected %s, got %s %s", command, msg.Command, msg.Payload)
	}
	return msg
}

func (p *testPeer) history() []received {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]received(nil), p.log...)
}

type funcSynth func(ctx context.Context, text string) ([]byte, error)

func (f funcSynth) Synthesize(ctx context.Context, req tts.SynthRequest) (<-chan tts.SynthChunk, <-chan error) {
	chunks := make(chan tts.SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		pcm, err := f(ctx, req.Text)
		if err != nil {
			errs <- err
			return
		}
		chunks <- tts.SynthChunk{PCM: pcm, Final: true}
	}()
	return chunks, errs
}

func quickSynth() tts.Synthesizer {
	return funcSynth(func(context.Context, string) ([]byte, error) {
		return make([]byte, 64), nil
	})
}

// gatedSynth blocks every call until release is closed and reports each
// call on started.
func gatedSynth() (tts.Synthesizer, chan string, chan struct{}) {
	started := make(chan string, 64)
	release := make(chan struct{})
	synth := funcSynth(func(ctx context.Context, text string) ([]byte, error) {
		started <- text
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return make([]byte, 64), nil
	})
	return synth, started, release
}

type fakeRecognizer struct {
	text string
}

func (r fakeRecognizer) Transcribe(context.Context, []byte, int, int) (stt.TranscriptResult, error) {
	return stt.TranscriptResult{Text: r.text}, nil
}

type fakeEncoder struct {
	err error
}

func (e fakeEncoder) EncodeAndPlay(ctx context.Context, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.err
}

type chanSource struct {
	frames chan audio.Frame
	once   sync.Once
}

func (s *chanSource) Frames() <-chan audio.Frame  { return s.frames }
func (s *chanSource) Start(context.Context) error { return nil }
func (s *chanSource) Close()                      { s.once.Do(func() { close(s.frames) }) }

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Capture.Source = "none"
	cfg.TTS.ChunkDelayMS = 0
	cfg.TTS.MinSentenceLength = 0
	cfg.Modem.ChunkGapMS = 0
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newController(t *testing.T, opts Options) *Controller {
	t.Helper()
	if opts.Config.RuntimeName == "" {
		opts.Config = testConfig()
	}
	opts.Logger = testLogger()
	c := New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("controller did not stop")
		}
	})

	deadline := time.Now().Add(2 * time.Second)
	for !c.Ready() {
		if time.Now().After(deadline) {
			t.Fatal("controller never became ready")
		}
		time.Sleep(time.Millisecond)
	}
	return c
}

func connect(c *Controller, id string) *testPeer {
	peer := newTestPeer(id)
	c.Hub().Register(peer)
	return peer
}

func send(c *Controller, peer *testPeer, command string, payload any) {
	msg := map[string]any{"command": command}
	if payload != nil {
		msg["payload"] = payload
	}
	data, _ := json.Marshal(msg)
	c.Handle(context.Background(), peer, data)
}

func TestUnknownCommandKeepsSessionUsable(t *testing.T) {
	c := newController(t, Options{Synthesizer: quickSynth()})
	peer := connect(c, "a")

	send(c, peer, "foo", nil)
	var errPayload protocol.ErrorPayload
	peer.expect(t, protocol.EventError).decode(t, &errPayload)
	if errPayload.Error != "Unknown command: foo" {
		t.Fatalf("unexpected error %q", errPayload.Error)
	}

	send(c, peer, protocol.CommandGetStatus, nil)
	peer.expect(t, protocol.EventStatus)
}

func TestMalformedMessage(t *testing.T) {
	c := newController(t, Options{})
	peer := connect(c, "a")

	c.Handle(context.Background(), peer, []byte("{not json"))
	var errPayload protocol.ErrorPayload
	peer.expect(t, protocol.EventError).decode(t, &errPayload)
	if errPayload.Error == "" {
		t.Fatal("expected error text")
	}
}

func TestStatusAndListening(t *testing.T) {
	c := newController(t, Options{Synthesizer: quickSynth()})
	peer := connect(c, "a")

	send(c, peer, protocol.CommandGetStatus, nil)
	var status protocol.Status
	msg := peer.expect(t, protocol.EventStatus)
	msg.decode(t, &status)
	if !status.Listening || status.Device != "cpu" || status.ModelsLoaded || status.TTSQueueSize != 0 || status.IsProcessingTTS {
		t.Fatalf("unexpected status %+v", status)
	}
	if msg.Timestamp == 0 {
		t.Fatal("expected server timestamp")
	}

	send(c, peer, protocol.CommandStopListening, nil)
	var ack protocol.Ack
	peer.expect(t, protocol.EventListeningStopped).decode(t, &ack)
	if ack.Status != "ok" || c.Listening() {
		t.Fatalf("expected listening off, ack %+v", ack)
	}
	send(c, peer, protocol.CommandStartListening, nil)
	peer.expect(t, protocol.EventListeningStarted)
	if !c.Listening() {
		t.Fatal("expected listening on")
	}
}

func TestSynthesizeSingle(t *testing.T) {
	c := newController(t, Options{Synthesizer: quickSynth()})
	peer := connect(c, "a")
	other := connect(c, "b")

	send(c, peer, protocol.CommandSynthesizeSpeech, map[string]any{"text": "Hi.", "messageId": "m-1"})
	var generated protocol.SpeechGenerated
	peer.expect(t, protocol.EventSpeechGenerated).decode(t, &generated)
	if generated.MessageID != "m-1" || generated.Text != "Hi." || len(generated.AudioData) == 0 {
		t.Fatalf("unexpected payload %+v", generated)
	}
	time.Sleep(20 * time.Millisecond)
	if len(other.history()) != 0 {
		t.Fatalf("synthesis result leaked to another peer: %+v", other.history())
	}
}

func TestSynthesizeStreaming(t *testing.T) {
	c := newController(t, Options{Synthesizer: quickSynth()})
	peer := connect(c, "a")

	send(c, peer, protocol.CommandSynthesizeSpeech, map[string]any{"text": "One. Two. Three.", "messageId": 7, "streaming": true})
	var start protocol.TTSStreamStart
	peer.expect(t, protocol.EventTTSStreamStart).decode(t, &start)
	if start.TotalSentences != 3 || start.MessageID != "7" {
		t.Fatalf("unexpected start %+v", start)
	}
	for i := 0; i < 3; i++ {
		var chunk protocol.TTSStreamChunk
		peer.expect(t, protocol.EventTTSStreamChunk).decode(t, &chunk)
		if chunk.ChunkIndex != i || chunk.IsFinal != (i == 2) {
			t.Fatalf("unexpected chunk %+v", chunk)
		}
	}
	var complete protocol.TTSStreamComplete
	peer.expect(t, protocol.EventTTSStreamComplete).decode(t, &complete)
	if complete.TotalChunks != 3 {
		t.Fatalf("unexpected complete %+v", complete)
	}
}

func TestStopTTSDuringStream(t *testing.T) {
	synth, started, release := gatedSynth()
	c := newController(t, Options{Synthesizer: synth})
	peer := connect(c, "a")

	send(c, peer, protocol.CommandSynthesizeSpeech, map[string]any{
		"text": "This is the first sentence. This is the second sentence.", "messageId": "s", "streaming": true,
	})
	peer.expect(t, protocol.EventTTSStreamStart)
	<-started

	send(c, peer, protocol.CommandStopTTS, nil)
	var stopped protocol.TTSStopped
	peer.expect(t, protocol.EventTTSStopped).decode(t, &stopped)
	if stopped.Message != ttsStopped {
		t.Fatalf("unexpected message %q", stopped.Message)
	}
	close(release)

	send(c, peer, protocol.CommandSynthesizeSpeech, map[string]any{"text": "Next.", "messageId": "n"})
	var generated protocol.SpeechGenerated
	peer.expect(t, protocol.EventSpeechGenerated).decode(t, &generated)
	if generated.MessageID != "n" {
		t.Fatalf("expected the follow-up request, got %+v", generated)
	}
	for _, msg := range peer.history() {
		if msg.Command == protocol.EventTTSStreamChunk || msg.Command == protocol.EventTTSStreamComplete {
			t.Fatalf("superseded stream delivered %s", msg.Command)
		}
	}
}

func TestStopTTSWhenIdle(t *testing.T) {
	c := newController(t, Options{Synthesizer: quickSynth()})
	peer := connect(c, "a")
	for i := 0; i < 2; i++ {
		send(c, peer, protocol.CommandStopTTS, nil)
		var stopped protocol.TTSStopped
		peer.expect(t, protocol.EventTTSStopped).decode(t, &stopped)
		if stopped.Message != ttsIdle {
			t.Fatalf("unexpected message %q", stopped.Message)
		}
	}
}

func TestSynthesizeQueueFull(t *testing.T) {
	synth, started, release := gatedSynth()
	defer close(release)
	c := newController(t, Options{Synthesizer: synth})
	peer := connect(c, "a")

	send(c, peer, protocol.CommandSynthesizeSpeech, map[string]any{"text": "in flight", "messageId": "0"})
	<-started
	for i := 1; i <= 10; i++ {
		send(c, peer, protocol.CommandSynthesizeSpeech, map[string]any{"text": "queued", "messageId": i})
	}
	send(c, peer, protocol.CommandSynthesizeSpeech, map[string]any{"text": "overflow", "messageId": "11"})

	var speechErr protocol.SpeechError
	peer.expect(t, protocol.EventSpeechError).decode(t, &speechErr)
	if speechErr.MessageID != "11" || speechErr.Error != tts.ErrQueueFull.Error() {
		t.Fatalf("unexpected error %+v", speechErr)
	}
	if status := c.Status(); status.TTSQueueSize != 10 || !status.IsProcessingTTS || status.CurrentTTSID != "0" {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestSynthesizeRejections(t *testing.T) {
	c := newController(t, Options{})
	peer := connect(c, "a")

	send(c, peer, protocol.CommandSynthesizeSpeech, map[string]any{"text": "hello"})
	var speechErr protocol.SpeechError
	peer.expect(t, protocol.EventSpeechError).decode(t, &speechErr)
	if speechErr.Error != "TTS model not loaded" {
		t.Fatalf("unexpected error %q", speechErr.Error)
	}

	send(c, peer, protocol.CommandSynthesizeSpeech, map[string]any{"text": "   ", "messageId": "e"})
	peer.expect(t, protocol.EventSpeechError).decode(t, &speechErr)
	if speechErr.Error != noTextProvided || speechErr.MessageID != "e" {
		t.Fatalf("unexpected error %+v", speechErr)
	}
}

func TestGGWave(t *testing.T) {
	cases := []struct {
		name    string
		encoder *fakeEncoder
		text    string
		want    string
		success bool
	}{
		{"sent", &fakeEncoder{}, "ping", protocol.EventGGWaveSent, true},
		{"encoder failure", &fakeEncoder{err: errors.New("no audio device")}, "ping", protocol.EventGGWaveSent, false},
		{"empty", &fakeEncoder{}, "", protocol.EventGGWaveError, false},
		{"unavailable", nil, "ping", protocol.EventGGWaveError, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := Options{}
			if tc.encoder != nil {
				opts.Encoder = *tc.encoder
			}
			c := newController(t, opts)
			peer := connect(c, "a")
			send(c, peer, protocol.CommandSendGGWave, map[string]any{"text": tc.text})
			msg := peer.expect(t, tc.want)
			if tc.want == protocol.EventGGWaveSent {
				var sent protocol.GGWaveSent
				msg.decode(t, &sent)
				if sent.Success != tc.success || sent.Text != tc.text {
					t.Fatalf("unexpected payload %+v", sent)
				}
			}
		})
	}
}

func TestRecognitionBroadcast(t *testing.T) {
	source := &chanSource{frames: make(chan audio.Frame, 16)}
	cfg := testConfig()
	cfg.VAD.MinSpeechChunks = 2
	cfg.VAD.SilenceThreshold = 1
	cfg.VAD.MaxSpeechChunks = 10

	c := newController(t, Options{
		Config:      cfg,
		Source:      source,
		Classifier:  vad.ClassifierFunc(func(frame []byte, _ int) (bool, error) { return frame[0] == 1, nil }),
		Recognizer:  fakeRecognizer{text: "  turn on the lights  "},
		Synthesizer: quickSynth(),
	})
	a := connect(c, "a")
	b := connect(c, "b")

	for _, level := range []byte{1, 1, 1, 0} {
		source.frames <- audio.Frame{PCM: []byte{level, 0}, SampleRate: 16000}
	}

	for _, peer := range []*testPeer{a, b} {
		var recognized protocol.SpeechRecognized
		peer.expect(t, protocol.EventSpeechRecognized).decode(t, &recognized)
		if recognized.Text != "turn on the lights" || recognized.Confidence != 1 {
			t.Fatalf("unexpected recognition %+v", recognized)
		}
	}

	send(c, a, protocol.CommandGetStatus, nil)
	var status protocol.Status
	a.expect(t, protocol.EventStatus).decode(t, &status)
	if !status.ModelsLoaded {
		t.Fatal("expected models_loaded with recognizer and synthesizer")
	}
}
