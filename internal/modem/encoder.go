// Package modem transmits short text payloads as audible data-over-sound
// signals.
package modem

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/mattn/go-shellwords"
)

// Encoder modulates one payload chunk and plays it on the output device.
type Encoder interface {
	EncodeAndPlay(ctx context.Context, chunk string) error
}

// NewEncoder picks the backend named by cfg.Mode. A disabled modem is
// reported as nil.
func NewEncoder(cfg config.ModemConfig, logger *slog.Logger) (Encoder, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Mode {
	case "exec":
		return NewExecEncoder(cfg)
	case "mock", "":
		return &mockEncoder{logger: logger.With(slog.String("component", "modem"))}, nil
	default:
		return nil, fmt.Errorf("unsupported modem mode %q", cfg.Mode)
	}
}

type mockEncoder struct {
	logger *slog.Logger
}

func (m *mockEncoder) EncodeAndPlay(ctx context.Context, chunk string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.logger.Debug("mock modem transmit", slog.Int("bytes", len(chunk)))
	return nil
}

type execEncoder struct {
	cmd      []string
	protocol int
	volume   int
	mu       sync.Mutex
}

// NewExecEncoder runs cfg.Command once per chunk with --protocol and --volume
// appended. The chunk is written to stdin.
func NewExecEncoder(cfg config.ModemConfig) (Encoder, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse modem command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("modem command is empty")
	}
	return &execEncoder{cmd: args, protocol: cfg.ProtocolID, volume: cfg.Volume}, nil
}

func (e *execEncoder) EncodeAndPlay(ctx context.Context, chunk string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	args := append([]string{}, e.cmd[1:]...)
	args = append(args,
		"--protocol", strconv.Itoa(e.protocol),
		"--volume", strconv.Itoa(e.volume),
	)
	command := exec.CommandContext(ctx, e.cmd[0], args...)
	command.Stdin = strings.NewReader(chunk)
	var stderr bytes.Buffer
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("modem command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
