package encode

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestRunRejectsBitrateOutOfRange(t *testing.T) {
	err := Run(context.Background(), Options{MixWAVPath: "unused.wav", MP3Path: "unused.mp3", BitrateKbps: 32}, nil)
	if err == nil {
		t.Fatal("expected error for bitrate below 64kbps")
	}
	err = Run(context.Background(), Options{MixWAVPath: "unused.wav", MP3Path: "unused.mp3", BitrateKbps: 512}, nil)
	if err == nil {
		t.Fatal("expected error for bitrate above 320kbps")
	}
}

func TestRunRejectsEmptyMixFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mix.wav")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	err := Run(context.Background(), Options{MixWAVPath: path, MP3Path: filepath.Join(dir, "out.mp3"), BitrateKbps: 192}, nil)
	if err == nil {
		t.Fatal("expected error for empty mix file")
	}
}

func TestRunRejectsMissingMixFile(t *testing.T) {
	err := Run(context.Background(), Options{MixWAVPath: "/nonexistent/mix.wav", MP3Path: "/tmp/out.mp3", BitrateKbps: 192}, nil)
	if err == nil {
		t.Fatal("expected error for missing mix file")
	}
}
