package features

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-cockpit/internal/config"
	"github.com/loqalabs/loqa-cockpit/internal/errdefs"
)

func TestStubExtractor(t *testing.T) {
	ext := NewStubExtractor()
	out, err := ext.Extract(context.Background(), "pilot_command.wav")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != Length {
		t.Fatalf("expected %d features, got %d", Length, len(out))
	}
	for i, v := range out {
		if v != StubValue {
			t.Fatalf("feature %d = %f, want %f", i, v, StubValue)
		}
	}
	if _, err := ext.Extract(context.Background(), ""); !errors.Is(err, errdefs.ErrNoAudio) {
		t.Fatalf("expected no-audio error for empty reference, got %v", err)
	}
}

func TestStubExtractorCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewStubExtractor().Extract(ctx, "a.wav"); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestNewSelectsMode(t *testing.T) {
	ext, err := New(config.FeaturesConfig{Mode: "stub"})
	if err != nil {
		t.Fatalf("stub: %v", err)
	}
	if _, ok := ext.(stubExtractor); !ok {
		t.Fatalf("expected stub extractor, got %T", ext)
	}
	if _, err := New(config.FeaturesConfig{Mode: "exec"}); err == nil {
		t.Fatal("expected error for exec without command")
	}
	if _, err := New(config.FeaturesConfig{Mode: "fft"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts unavailable on windows")
	}
	path := filepath.Join(t.TempDir(), "features.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestExecExtractor(t *testing.T) {
	script := writeScript(t, `
audio=""
n=""
while [ $# -gt 0 ]; do
  case "$1" in
    --audio) audio="$2"; shift 2;;
    --features) n="$2"; shift 2;;
    *) shift;;
  esac
done
[ "$audio" = "tower call.wav" ] || { echo "bad audio $audio" >&2; exit 3; }
[ "$n" = "40" ] || { echo "bad count $n" >&2; exit 4; }
echo '{"features":[0.25,0.75]}'
`)
	ext, err := NewExecExtractor(script)
	if err != nil {
		t.Fatalf("new exec extractor: %v", err)
	}
	out, err := ext.Extract(context.Background(), "tower call.wav")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(out) != 2 || out[0] != 0.25 || out[1] != 0.75 {
		t.Fatalf("unexpected features %v", out)
	}
}

func TestExecExtractorEmptyReference(t *testing.T) {
	ext, err := NewExecExtractor("mfcc --fast")
	if err != nil {
		t.Fatalf("new exec extractor: %v", err)
	}
	if _, err := ext.Extract(context.Background(), ""); !errors.Is(err, errdefs.ErrNoAudio) {
		t.Fatalf("expected no-audio error, got %v", err)
	}
}

func TestExecExtractorFailure(t *testing.T) {
	script := writeScript(t, "echo 'decoder exploded' >&2\nexit 1\n")
	ext, err := NewExecExtractor(script)
	if err != nil {
		t.Fatalf("new exec extractor: %v", err)
	}
	_, err = ext.Extract(context.Background(), "a.wav")
	if err == nil || !strings.Contains(err.Error(), "decoder exploded") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
}

func TestExecExtractorBadJSON(t *testing.T) {
	script := writeScript(t, "echo not-json\n")
	ext, err := NewExecExtractor(script)
	if err != nil {
		t.Fatalf("new exec extractor: %v", err)
	}
	if _, err := ext.Extract(context.Background(), "a.wav"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestNewExecExtractorParse(t *testing.T) {
	if _, err := NewExecExtractor(""); err == nil {
		t.Fatal("expected error for empty command")
	}
	if _, err := NewExecExtractor(`mfcc "unterminated`); err == nil {
		t.Fatal("expected parse error")
	}
}
