package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speech/internal/hub"
	"github.com/loqalabs/loqa-speech/internal/protocol"
)

type stubPeer struct{ id string }

func (p *stubPeer) ID() string                         { return p.id }
func (p *stubPeer) RemoteAddr() string                 { return "test" }
func (p *stubPeer) Send(context.Context, []byte) error { return nil }
func (p *stubPeer) Close() error                       { return nil }

type recordingSender struct {
	mu     sync.Mutex
	events []protocol.Event
	ch     chan protocol.Event
}

func newRecordingSender() *recordingSender {
	return &recordingSender{ch: make(chan protocol.Event, 256)}
}

func (s *recordingSender) SendTo(_ context.Context, _ hub.Peer, evt protocol.Event) error {
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
	s.ch <- evt
	return nil
}

func (s *recordingSender) next(t *testing.T) protocol.Event {
	t.Helper()
	select {
	case evt := <-s.ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return protocol.Event{}
	}
}

func (s *recordingSender) snapshot() []protocol.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Event(nil), s.events...)
}

// funcSynth adapts a function into a Synthesizer.
type funcSynth func(ctx context.Context, text string) ([]byte, error)

func (f funcSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		pcm, err := f(ctx, req.Text)
		if err != nil {
			errs <- err
			return
		}
		chunks <- SynthChunk{PCM: pcm, Final: true}
	}()
	return chunks, errs
}

func tone(context.Context, string) ([]byte, error) {
	return make([]byte, 320), nil
}

func newTestQueue(t *testing.T, cfg QueueConfig, synth Synthesizer) (*Queue, *recordingSender) {
	t.Helper()
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
		cfg.Channels = 1
	}
	sender := newRecordingSender()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewQueue(cfg, synth, sender, nil, logger), sender
}

func runQueue(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestQueueSingleRequest(t *testing.T) {
	q, sender := newTestQueue(t, QueueConfig{Capacity: 10}, funcSynth(tone))
	runQueue(t, q)

	peer := &stubPeer{id: "a"}
	if err := q.Enqueue(&Request{ID: "m1", Text: "Hello world.", Peer: peer}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	evt := sender.next(t)
	if evt.Command != protocol.EventSpeechGenerated {
		t.Fatalf("expected speech_generated, got %s", evt.Command)
	}
	payload := evt.Payload.(protocol.SpeechGenerated)
	if payload.MessageID != "m1" || payload.Text != "Hello world." {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if !bytes.HasPrefix(payload.AudioData, []byte("RIFF")) {
		t.Fatalf("expected wav audio, got % x", payload.AudioData[:8])
	}
}

func TestQueueStreamingEmitsChunksInOrder(t *testing.T) {
	q, sender := newTestQueue(t, QueueConfig{
		Capacity: 10,
		Splitter: Splitter{MaxLength: 50},
	}, funcSynth(tone))
	runQueue(t, q)

	if err := q.Enqueue(&Request{ID: "s1", Text: "One. Two. Three.", Streaming: true, Peer: &stubPeer{id: "a"}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	start := sender.next(t)
	if start.Command != protocol.EventTTSStreamStart || start.Payload.(protocol.TTSStreamStart).TotalSentences != 3 {
		t.Fatalf("unexpected start event %+v", start)
	}
	want := []string{"One.", "Two.", "Three."}
	for i, text := range want {
		evt := sender.next(t)
		if evt.Command != protocol.EventTTSStreamChunk {
			t.Fatalf("expected chunk %d, got %s", i, evt.Command)
		}
		chunk := evt.Payload.(protocol.TTSStreamChunk)
		if chunk.ChunkIndex != i || chunk.Text != text || chunk.TotalChunks != 3 || chunk.MessageID != "s1" {
			t.Fatalf("unexpected chunk %+v", chunk)
		}
		if chunk.IsFinal != (i == 2) {
			t.Fatalf("chunk %d final flag %v", i, chunk.IsFinal)
		}
	}
	complete := sender.next(t)
	if complete.Command != protocol.EventTTSStreamComplete || complete.Payload.(protocol.TTSStreamComplete).TotalChunks != 3 {
		t.Fatalf("unexpected complete event %+v", complete)
	}
}

func TestQueueCancelSupersedesInFlightAndPending(t *testing.T) {
	started := make(chan string, 8)
	release := make(chan struct{})
	synth := funcSynth(func(ctx context.Context, text string) ([]byte, error) {
		started <- text
		<-release
		return make([]byte, 32), nil
	})
	q, sender := newTestQueue(t, QueueConfig{Capacity: 10, Splitter: Splitter{MaxLength: 50}}, synth)
	runQueue(t, q)

	peer := &stubPeer{id: "a"}
	if err := q.Enqueue(&Request{ID: "A", Text: "First sentence is here. Second sentence is here.", Streaming: true, Peer: peer}); err != nil {
		t.Fatalf("enqueue A: %v", err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("synthesis never started")
	}
	for _, id := range []protocol.MessageID{"B", "C"} {
		if err := q.Enqueue(&Request{ID: id, Text: "Queued behind.", Peer: peer}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	c := q.CancelCurrent()
	if !c.Stopped || c.CurrentID != "A" || c.Drained != 2 {
		t.Fatalf("unexpected cancellation %+v", c)
	}
	if snap := q.Snapshot(); snap.Pending != 0 || snap.Processing {
		t.Fatalf("expected empty queue after cancel, got %+v", snap)
	}
	close(release)

	if err := q.Enqueue(&Request{ID: "D", Text: "After the stop.", Peer: peer}); err != nil {
		t.Fatalf("enqueue D: %v", err)
	}
	if first := sender.next(t); first.Command != protocol.EventTTSStreamStart {
		t.Fatalf("expected stream start first, got %s", first.Command)
	}
	last := sender.next(t)
	if last.Command != protocol.EventSpeechGenerated || last.Payload.(protocol.SpeechGenerated).MessageID != "D" {
		t.Fatalf("expected D to be the next delivery, got %+v", last)
	}
	if events := sender.snapshot(); len(events) != 2 {
		t.Fatalf("expected exactly two events, got %+v", events)
	}
}

func TestQueueRejectsWhenFull(t *testing.T) {
	q, _ := newTestQueue(t, QueueConfig{Capacity: 10}, funcSynth(tone))
	for i := 0; i < 10; i++ {
		if err := q.Enqueue(&Request{ID: protocol.MessageID(fmt.Sprint(i)), Text: "hi there"}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := q.Enqueue(&Request{Text: "one too many"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if snap := q.Snapshot(); snap.Pending != 10 {
		t.Fatalf("expected 10 pending, got %d", snap.Pending)
	}
}

func TestQueueWithoutSynthesizer(t *testing.T) {
	q, _ := newTestQueue(t, QueueConfig{}, nil)
	if q.Available() {
		t.Fatal("expected queue without synthesizer to be unavailable")
	}
	if err := q.Enqueue(&Request{Text: "hello"}); !errors.Is(err, ErrSynthesizerUnavailable) {
		t.Fatalf("expected ErrSynthesizerUnavailable, got %v", err)
	}
}

func TestCancelIdleQueueIsNoop(t *testing.T) {
	q, _ := newTestQueue(t, QueueConfig{}, funcSynth(tone))
	for i := 0; i < 2; i++ {
		if c := q.CancelCurrent(); c.Stopped || c.Drained != 0 {
			t.Fatalf("expected no-op cancellation, got %+v", c)
		}
	}
}

func TestQueuePreservesFIFOOrder(t *testing.T) {
	q, sender := newTestQueue(t, QueueConfig{Capacity: 10}, funcSynth(tone))
	ids := []protocol.MessageID{"1", "2", "3", "4", "5"}
	for _, id := range ids {
		if err := q.Enqueue(&Request{ID: id, Text: "request " + string(id), Peer: &stubPeer{id: "a"}}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	runQueue(t, q)
	for _, id := range ids {
		evt := sender.next(t)
		if got := evt.Payload.(protocol.SpeechGenerated).MessageID; got != id {
			t.Fatalf("expected %s, got %s", id, got)
		}
	}
}

func TestQueueReportsSynthesisFailure(t *testing.T) {
	failing := funcSynth(func(context.Context, string) ([]byte, error) {
		return nil, errors.New("backend crashed")
	})
	q, sender := newTestQueue(t, QueueConfig{Capacity: 10, Splitter: Splitter{MaxLength: 50}}, failing)
	runQueue(t, q)
	peer := &stubPeer{id: "a"}

	if err := q.Enqueue(&Request{ID: "x", Text: "Say this.", Peer: peer}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	evt := sender.next(t)
	if evt.Command != protocol.EventSpeechError {
		t.Fatalf("expected speech_error, got %s", evt.Command)
	}
	if p := evt.Payload.(protocol.SpeechError); p.MessageID != "x" || p.Error != "backend crashed" {
		t.Fatalf("unexpected payload %+v", p)
	}

	if err := q.Enqueue(&Request{ID: "y", Text: "Stream this one. And this one.", Streaming: true, Peer: peer}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if evt := sender.next(t); evt.Command != protocol.EventTTSStreamStart {
		t.Fatalf("expected stream start, got %s", evt.Command)
	}
	if evt := sender.next(t); evt.Command != protocol.EventTTSStreamError {
		t.Fatalf("expected stream error, got %s", evt.Command)
	}
	time.Sleep(50 * time.Millisecond)
	for _, evt := range sender.snapshot() {
		if evt.Command == protocol.EventTTSStreamComplete {
			t.Fatal("failed stream must not complete")
		}
	}
}

func TestQueueSingleFlight(t *testing.T) {
	var inFlight, peak atomic.Int32
	synth := funcSynth(func(context.Context, string) ([]byte, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return make([]byte, 16), nil
	})
	q, sender := newTestQueue(t, QueueConfig{Capacity: 64}, synth)
	runQueue(t, q)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = q.Enqueue(&Request{ID: protocol.MessageID(fmt.Sprint(i)), Text: "concurrent", Peer: &stubPeer{id: "a"}})
		}(i)
	}
	wg.Wait()
	for i := 0; i < 20; i++ {
		sender.next(t)
	}
	if peak.Load() != 1 {
		t.Fatalf("expected one synthesis at a time, saw %d", peak.Load())
	}
}
