package tts

import (
	"bytes"
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"mlgateway/internal/assets"
)

func TestEncodeWAVHeader(t *testing.T) {
	pcm := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	wav := EncodeWAV(pcm, 22050, 1, 16)
	if len(wav) != 44+len(pcm) {
		t.Fatalf("expected %d bytes, got %d", 44+len(pcm), len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[36:40]) != "data" {
		t.Fatal("bad chunk ids")
	}
	if got := binary.LittleEndian.Uint32(wav[4:8]); got != uint32(36+len(pcm)) {
		t.Fatalf("riff size %d", got)
	}
	if got := binary.LittleEndian.Uint32(wav[24:28]); got != 22050 {
		t.Fatalf("sample rate %d", got)
	}
	if got := binary.LittleEndian.Uint32(wav[28:32]); got != 44100 {
		t.Fatalf("byte rate %d", got)
	}
	if !bytes.Equal(wav[44:], pcm) {
		t.Fatal("pcm payload changed")
	}
}

func TestSplitText(t *testing.T) {
	if got := splitText("  ", 100); len(got) != 0 {
		t.Fatalf("expected no chunks, got %q", got)
	}
	if got := splitText("hello", 100); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %q", got)
	}
	long := strings.Repeat("word ", 60)
	chunks := splitText(long, 100)
	if len(chunks) < 3 {
		t.Fatalf("expected several chunks, got %d", len(chunks))
	}
	for _, c := range chunks {
		if utf8.RuneCountInString(c) > 100 {
			t.Fatalf("chunk too long: %d", len(c))
		}
	}
	if strings.Join(chunks, " ") != strings.TrimSpace(long) {
		t.Fatal("chunks lost words")
	}
	huge := strings.Repeat("é", 250)
	chunks = splitText(huge, 100)
	if len(chunks) != 3 || utf8.RuneCountInString(chunks[2]) != 50 {
		t.Fatalf("unexpected hard split: %d chunks", len(chunks))
	}
}

func TestGoogleTTSConcatenatesChunks(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		q := r.URL.Query()
		if q.Get("tl") != "en" || q.Get("client") != "tw-ob" || q.Get("q") == "" {
			t.Errorf("unexpected query %v", q)
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3" + q.Get("idx")))
	}))
	defer ts.Close()

	g := NewGoogleTTS(ts.URL, time.Second)
	audio, err := g.Synthesize(context.Background(), strings.Repeat("hello ", 40), "")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 chunk requests, got %d", calls)
	}
	if string(audio.Data) != "ID30ID31ID32" {
		t.Fatalf("unexpected audio %q", audio.Data)
	}
	if g.Model() != "google-gtts" {
		t.Fatalf("model %q", g.Model())
	}
}

func TestGoogleTTSErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()
	g := NewGoogleTTS(ts.URL, time.Second)
	if _, err := g.Synthesize(context.Background(), "hello", "en"); err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected 429 error, got %v", err)
	}
	if _, err := g.Synthesize(context.Background(), "", "en"); err == nil {
		t.Fatal("expected error for empty text")
	}
}

func TestVoiceRelativePaths(t *testing.T) {
	base, onnx, js := voiceRelativePaths("en_US-amy-medium")
	if base != "en/en_US/amy/medium" || onnx != "en_US-amy-medium.onnx" || js != "en_US-amy-medium.onnx.json" {
		t.Fatalf("got %s %s %s", base, onnx, js)
	}
	if base, _, _ := voiceRelativePaths("amy"); base != "" {
		t.Fatal("expected unsupported voice")
	}
}

func TestPiperVoiceFor(t *testing.T) {
	p := NewPiper(t.TempDir(), t.TempDir(), "", assets.New(zap.NewNop().Sugar()), zap.NewNop().Sugar())
	if p.voiceFor("en") != DefaultVoice || p.voiceFor("") != DefaultVoice {
		t.Fatal("english should keep the configured voice")
	}
	if p.voiceFor("DE") != "de_DE-thorsten-medium" {
		t.Fatalf("got %q", p.voiceFor("DE"))
	}
	if p.voiceFor("xx") != DefaultVoice {
		t.Fatal("unknown language should fall back to configured voice")
	}
	if p.Model() != "piper:"+DefaultVoice {
		t.Fatalf("model %q", p.Model())
	}
}

func TestVoiceSampleRate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "v.onnx.json")
	_ = os.WriteFile(path, []byte(`{"audio":{"sample_rate":16000}}`), 0o644)
	if r, err := voiceSampleRate(path); err != nil || r != 16000 {
		t.Fatalf("got %d %v", r, err)
	}
	_ = os.WriteFile(path, []byte(`{}`), 0o644)
	if r, _ := voiceSampleRate(path); r != 22050 {
		t.Fatalf("expected fallback rate, got %d", r)
	}
}

func TestPiperDownloadURLs(t *testing.T) {
	if urls, f := piperDownloadURLs("linux", "amd64"); len(urls) != 1 || f != "piper_linux_x86_64.tar.gz" {
		t.Fatalf("got %v %s", urls, f)
	}
	if urls, _ := piperDownloadURLs("plan9", "386"); urls != nil {
		t.Fatal("expected unsupported platform")
	}
}

// Real Piper run. Downloads the binary and a voice, so it is opt-in.
func TestE2E_PiperHello(t *testing.T) {
	if os.Getenv("E2E_TTS") != "1" {
		t.Skip("skipping piper e2e, set E2E_TTS=1 to enable")
	}
	dir := t.TempDir()
	log := zap.NewNop().Sugar()
	p := NewPiper(filepath.Join(dir, "bin"), filepath.Join(dir, "models"), "", assets.New(log), log)
	audio, err := p.Synthesize(context.Background(), "hello", "en")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(audio.Data) <= 44 {
		t.Fatalf("expected audio samples, got %d bytes", len(audio.Data))
	}
}
