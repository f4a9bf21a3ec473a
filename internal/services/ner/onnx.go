package ner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"mlgateway/internal/assets"
)

const ortVersion = "v1.22.0"

type OnnxConfig struct {
	// ModelDir holds model.onnx, vocab.txt and config.json.
	ModelDir string
	// RuntimeDir receives the ONNX Runtime shared library.
	RuntimeDir string
	ModelURL   string
	VocabURL   string
	ConfigURL  string
	// MaxLen bounds the tokens per forward pass, [CLS] and [SEP] included.
	// Longer texts are processed in consecutive windows.
	MaxLen int
}

// Onnx is a BERT token-classification model run in-process through ONNX
// Runtime.
type Onnx struct {
	session *ort.DynamicAdvancedSession
	tok     *wordPiece
	id2tag  []string
	maxLen  int
	log     *zap.SugaredLogger
}

// NewOnnx fetches whatever is missing, then opens the session.
func NewOnnx(ctx context.Context, cfg OnnxConfig, fetch *assets.Fetcher, log *zap.SugaredLogger) (*Onnx, error) {
	if cfg.MaxLen < 8 { cfg.MaxLen = 256 }
	if err := os.MkdirAll(cfg.ModelDir, 0o755); err != nil { return nil, err }
	libPath, err := ensureORTSharedLib(ctx, cfg.RuntimeDir, fetch)
	if err != nil { return nil, fmt.Errorf("onnxruntime lib: %w", err) }
	if !ort.IsInitialized() {
		ort.SetSharedLibraryPath(libPath)
		if err := ort.InitializeEnvironment(); err != nil { return nil, fmt.Errorf("onnxruntime init: %w", err) }
	}

	modelPath := filepath.Join(cfg.ModelDir, "model.onnx")
	vocabPath := filepath.Join(cfg.ModelDir, "vocab.txt")
	configPath := filepath.Join(cfg.ModelDir, "config.json")
	for _, a := range []struct {
		url, dst string
		timeout  time.Duration
	}{
		{cfg.ModelURL, modelPath, 10 * time.Minute},
		{cfg.VocabURL, vocabPath, time.Minute},
		{cfg.ConfigURL, configPath, time.Minute},
	} {
		if assets.FileExists(a.dst) { continue }
		if a.url == "" { return nil, fmt.Errorf("%s missing and no download url configured", a.dst) }
		if err := fetch.DownloadWithRetry(ctx, a.url, a.dst, 2, a.timeout); err != nil {
			return nil, fmt.Errorf("download %s: %w", filepath.Base(a.dst), err)
		}
	}

	tok, err := loadWordPiece(vocabPath)
	if err != nil { return nil, fmt.Errorf("load vocab: %w", err) }
	id2tag, err := loadLabels(configPath)
	if err != nil { return nil, err }

	in := []string{"input_ids", "attention_mask", "token_type_ids"}
	out := []string{"logits"}
	sess, err := ort.NewDynamicAdvancedSession(modelPath, in, out, nil)
	if err != nil { return nil, fmt.Errorf("open session: %w", err) }
	return &Onnx{session: sess, tok: tok, id2tag: id2tag, maxLen: cfg.MaxLen, log: log}, nil
}

func (o *Onnx) Close() error {
	if o.session == nil { return nil }
	return o.session.Destroy()
}

func (o *Onnx) Annotate(ctx context.Context, text string) ([]Entity, error) {
	words := basicWords(text)
	if len(words) == 0 { return []Entity{}, nil }
	tagged := make([]taggedWord, 0, len(words))
	wins := o.windows(words)
	if len(wins) > 1 { o.log.Debugw("ner input split", "words", len(words), "windows", len(wins)) }
	for _, win := range wins {
		if err := ctx.Err(); err != nil { return nil, err }
		tags, err := o.run(win)
		if err != nil { return nil, err }
		for i, w := range win.words {
			tagged = append(tagged, taggedWord{word: w, tag: tags[i]})
		}
	}
	ents := aggregate(text, tagged)
	if ents == nil { ents = []Entity{} }
	return ents, nil
}

// window is one forward pass: token ids plus, per word, the index of its first
// sub-token.
type window struct {
	words      []word
	ids        []int64
	firstPiece []int
}

func (o *Onnx) windows(words []word) []window {
	budget := o.maxLen - 2
	var out []window
	cur := window{ids: []int64{int64(o.tok.clsID)}}
	for _, w := range words {
		pieces := o.tok.tokenizeWord(w.text)
		if len(pieces) > budget { pieces = pieces[:budget] }
		if len(cur.ids)-1+len(pieces) > budget && len(cur.words) > 0 {
			cur.ids = append(cur.ids, int64(o.tok.sepID))
			out = append(out, cur)
			cur = window{ids: []int64{int64(o.tok.clsID)}}
		}
		cur.words = append(cur.words, w)
		cur.firstPiece = append(cur.firstPiece, len(cur.ids))
		for _, p := range pieces { cur.ids = append(cur.ids, int64(p)) }
	}
	cur.ids = append(cur.ids, int64(o.tok.sepID))
	return append(out, cur)
}

func (o *Onnx) run(win window) ([]string, error) {
	seq := int64(len(win.ids))
	shape := ort.NewShape(1, seq)
	mask := make([]int64, seq)
	for i := range mask { mask[i] = 1 }

	idsT, err := ort.NewTensor(shape, win.ids)
	if err != nil { return nil, err }
	defer idsT.Destroy()
	maskT, err := ort.NewTensor(shape, mask)
	if err != nil { return nil, err }
	defer maskT.Destroy()
	ttiT, err := ort.NewTensor(shape, make([]int64, seq))
	if err != nil { return nil, err }
	defer ttiT.Destroy()

	outputs := []ort.Value{nil}
	if err := o.session.Run([]ort.Value{idsT, maskT, ttiT}, outputs); err != nil {
		return nil, fmt.Errorf("ner inference: %w", err)
	}
	defer outputs[0].Destroy()
	logits, ok := outputs[0].(*ort.Tensor[float32])
	if !ok { return nil, errors.New("unexpected output type") }
	dims := logits.GetShape()
	if len(dims) != 3 || dims[1] != seq { return nil, fmt.Errorf("unexpected output shape: %v", dims) }
	return decodeTags(logits.GetData(), int(dims[2]), win.firstPiece, o.id2tag), nil
}

// decodeTags takes the argmax label of each word's first sub-token.
func decodeTags(logits []float32, numLabels int, firstPiece []int, id2tag []string) []string {
	tags := make([]string, len(firstPiece))
	for i, pos := range firstPiece {
		row := logits[pos*numLabels : (pos+1)*numLabels]
		best := 0
		for j := 1; j < len(row); j++ {
			if row[j] > row[best] { best = j }
		}
		if best < len(id2tag) && id2tag[best] != "" {
			tags[i] = id2tag[best]
		} else {
			tags[i] = "O"
		}
	}
	return tags
}

func loadLabels(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil { return nil, fmt.Errorf("read model config: %w", err) }
	return parseLabels(b)
}

func parseLabels(b []byte) ([]string, error) {
	var cfg struct {
		ID2Label map[string]string `json:"id2label"`
	}
	if err := json.Unmarshal(b, &cfg); err != nil { return nil, fmt.Errorf("parse model config: %w", err) }
	if len(cfg.ID2Label) == 0 { return nil, errors.New("model config has no id2label") }
	out := make([]string, len(cfg.ID2Label))
	for k, v := range cfg.ID2Label {
		id, err := strconv.Atoi(k)
		if err != nil || id < 0 || id >= len(out) { return nil, fmt.Errorf("bad label id %q", k) }
		out[id] = v
	}
	return out, nil
}

func ensureORTSharedLib(ctx context.Context, baseDir string, fetch *assets.Fetcher) (string, error) {
	if baseDir == "" { baseDir = filepath.Join(os.TempDir(), "onnxruntime") }
	versionDir := filepath.Join(baseDir, ortVersion)
	if err := os.MkdirAll(versionDir, 0o755); err != nil { return "", err }
	ver := strings.TrimPrefix(ortVersion, "v")
	rel := "https://github.com/microsoft/onnxruntime/releases/download/" + ortVersion + "/"
	switch runtime.GOOS {
	case "windows":
		dll := filepath.Join(versionDir, "onnxruntime.dll")
		if assets.FileExists(dll) { return dll, nil }
		zipPath := filepath.Join(versionDir, "ort.zip")
		if err := fetch.FirstOf(ctx, []string{rel + "onnxruntime-win-x64-" + ver + ".zip"}, zipPath, 3, 4*time.Minute); err != nil { return "", err }
		defer os.Remove(zipPath)
		if err := assets.UnzipOne(zipPath, versionDir, "onnxruntime.dll"); err != nil { return "", err }
		return dll, nil
	case "darwin":
		dylib := filepath.Join(versionDir, "libonnxruntime.dylib")
		if assets.FileExists(dylib) { return dylib, nil }
		urls := []string{
			rel + "onnxruntime-osx-universal2-" + ver + ".tgz",
			rel + "onnxruntime-osx-arm64-" + ver + ".tgz",
			rel + "onnxruntime-osx-x86_64-" + ver + ".tgz",
		}
		tgz := filepath.Join(versionDir, "ort.tgz")
		if err := fetch.FirstOf(ctx, urls, tgz, 3, 4*time.Minute); err != nil { return "", err }
		defer os.Remove(tgz)
		// the unversioned name is a symlink in the archive
		versioned := "libonnxruntime." + ver + ".dylib"
		if err := assets.UntarSelect(tgz, versionDir, []string{versioned}); err != nil { return "", err }
		return dylib, os.Rename(filepath.Join(versionDir, versioned), dylib)
	case "linux":
		so := filepath.Join(versionDir, "libonnxruntime.so")
		if assets.FileExists(so) { return so, nil }
		arch := "x64"
		if runtime.GOARCH == "arm64" { arch = "aarch64" }
		tgz := filepath.Join(versionDir, "ort.tgz")
		if err := fetch.FirstOf(ctx, []string{rel + "onnxruntime-linux-" + arch + "-" + ver + ".tgz"}, tgz, 3, 4*time.Minute); err != nil { return "", err }
		defer os.Remove(tgz)
		versioned := "libonnxruntime.so." + ver
		if err := assets.UntarSelect(tgz, versionDir, []string{versioned}); err != nil { return "", err }
		return so, os.Rename(filepath.Join(versionDir, versioned), so)
	default:
		return "", fmt.Errorf("unsupported platform for ORT: %s", runtime.GOOS)
	}
}
