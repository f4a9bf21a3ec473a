package assets

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newFetcher() *Fetcher {
	f := New(zap.NewNop().Sugar())
	f.backoff = func(int) time.Duration { return 0 }
	return f
}

func TestDownloadRetriesThenSucceeds(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("model-bytes"))
	}))
	defer ts.Close()

	dst := filepath.Join(t.TempDir(), "models", "model.onnx")
	if err := newFetcher().DownloadWithRetry(context.Background(), ts.URL, dst, 2, time.Second); err != nil {
		t.Fatalf("download: %v", err)
	}
	b, err := os.ReadFile(dst)
	if err != nil || string(b) != "model-bytes" {
		t.Fatalf("unexpected content %q (%v)", b, err)
	}
	if FileExists(dst + ".part") {
		t.Fatal("part file left behind")
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestFirstOfFallsThroughMirrors(t *testing.T) {
	bad := httptest.NewServer(http.NotFoundHandler())
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer good.Close()

	dst := filepath.Join(t.TempDir(), "vocab.txt")
	if err := newFetcher().FirstOf(context.Background(), []string{bad.URL, good.URL}, dst, 0, time.Second); err != nil {
		t.Fatalf("first of: %v", err)
	}
	if !FileExists(dst) {
		t.Fatal("file missing")
	}
	if err := newFetcher().FirstOf(context.Background(), []string{bad.URL}, dst+"2", 0, time.Second); err == nil {
		t.Fatal("expected error when every mirror fails")
	}
}

func writeTarGz(t *testing.T, path string, files map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o755, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	tw.Close()
	gz.Close()
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestExtractTarGzAndFind(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "piper.tar.gz")
	writeTarGz(t, archive, map[string]string{"piper/piper": "bin", "piper/espeak-ng-data/x": "data"})
	out := filepath.Join(dir, "bin")
	if err := ExtractTarGz(archive, out); err != nil {
		t.Fatalf("extract: %v", err)
	}
	if got := FindFile(out, "piper", "piper.exe"); got != filepath.Join(out, "piper", "piper") {
		t.Fatalf("find: got %q", got)
	}
}

func TestExtractTarGzRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.tar.gz")
	writeTarGz(t, archive, map[string]string{"../escape": "x"})
	if err := ExtractTarGz(archive, filepath.Join(dir, "out")); err == nil {
		t.Fatal("expected traversal error")
	}
}

func TestUntarSelect(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "ort.tgz")
	writeTarGz(t, archive, map[string]string{"onnxruntime/lib/libonnxruntime.so": "so", "onnxruntime/README": "r"})
	if err := UntarSelect(archive, dir, []string{"libonnxruntime.so"}); err != nil {
		t.Fatalf("untar: %v", err)
	}
	if !FileExists(filepath.Join(dir, "libonnxruntime.so")) {
		t.Fatal("selected file missing")
	}
	if err := UntarSelect(archive, dir, []string{"missing.so"}); err == nil {
		t.Fatal("expected missing-file error")
	}
}

func TestZipHelpers(t *testing.T) {
	dir := t.TempDir()
	zpath := filepath.Join(dir, "a.zip")
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("pkg/onnxruntime.dll")
	_, _ = w.Write([]byte("dll"))
	zw.Close()
	if err := os.WriteFile(zpath, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := UnzipOne(zpath, dir, "onnxruntime.dll"); err != nil {
		t.Fatalf("unzip one: %v", err)
	}
	if err := ExtractZip(zpath, filepath.Join(dir, "all")); err != nil {
		t.Fatalf("extract zip: %v", err)
	}
	if !FileExists(filepath.Join(dir, "all", "pkg", "onnxruntime.dll")) {
		t.Fatal("zip entry missing")
	}
}

func TestGunzip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "voice.onnx.gz")
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, _ = gz.Write([]byte("voice"))
	gz.Close()
	if err := os.WriteFile(src, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(dir, "voice.onnx")
	if err := Gunzip(src, dst); err != nil {
		t.Fatalf("gunzip: %v", err)
	}
	if b, _ := os.ReadFile(dst); string(b) != "voice" {
		t.Fatalf("got %q", b)
	}
}
