package stt

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/loqalabs/loqa-speech/internal/config"
)

func configFor(enabled bool, mode string) config.STTConfig {
	cfg := config.Default().STT
	cfg.Enabled = enabled
	cfg.Mode = mode
	return cfg
}

func TestExecRecognizer(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script backend")
	}
	script := filepath.Join(t.TempDir(), "stt.sh")
	body := "#!/bin/sh\nprintf '{\"text\":\"from exec\",\"confidence\":0.9}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	cfg := configFor(true, "exec")
	cfg.Command = script
	rec, err := NewExecRecognizer(cfg)
	if err != nil {
		t.Fatalf("new exec recognizer: %v", err)
	}
	res, err := rec.Transcribe(context.Background(), make([]byte, 64), 16000, 1)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "from exec" || res.Confidence != 0.9 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExecRecognizerEmptyCommand(t *testing.T) {
	if _, err := NewExecRecognizer(configFor(true, "exec")); err == nil {
		t.Fatal("expected error for empty command")
	}
}
