package modem

import (
	"context"
	"errors"
	"log/slog"
	"time"
	"unicode/utf8"
)

// ErrEmptyPayload is returned when there is nothing to transmit.
var ErrEmptyPayload = errors.New("ggwave text is empty")

// Transmitter splits text into encoder-sized chunks and plays them in order.
type Transmitter struct {
	encoder    Encoder
	maxPayload int
	gap        time.Duration
	logger     *slog.Logger
}

func NewTransmitter(encoder Encoder, maxPayload int, gap time.Duration, logger *slog.Logger) *Transmitter {
	if maxPayload <= 0 {
		maxPayload = 140
	}
	return &Transmitter{
		encoder:    encoder,
		maxPayload: maxPayload,
		gap:        gap,
		logger:     logger.With(slog.String("component", "modem")),
	}
}

// Send transmits text. It stops at the first failing chunk.
func (t *Transmitter) Send(ctx context.Context, text string) error {
	if text == "" {
		return ErrEmptyPayload
	}
	chunks := Chunks(text, t.maxPayload)
	for i, chunk := range chunks {
		if err := t.encoder.EncodeAndPlay(ctx, chunk); err != nil {
			return err
		}
		if i == len(chunks)-1 || t.gap <= 0 {
			continue
		}
		timer := time.NewTimer(t.gap)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	t.logger.Info("ggwave transmitted", slog.Int("chunks", len(chunks)), slog.Int("bytes", len(text)))
	return nil
}

// Chunks splits text into pieces of at most size bytes without cutting a
// multi-byte character.
func Chunks(text string, size int) []string {
	var out []string
	for len(text) > 0 {
		if len(text) <= size {
			out = append(out, text)
			break
		}
		cut := size
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if cut == 0 {
			_, cut = utf8.DecodeRuneInString(text)
		}
		out = append(out, text[:cut])
		text = text[cut:]
	}
	return out
}
