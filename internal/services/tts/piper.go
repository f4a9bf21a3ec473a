package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"mlgateway/internal/assets"
)

const DefaultVoice = "en_US-amy-medium"

// defaultVoices picks a voice when the requested language does not match the
// configured one.
var defaultVoices = map[string]string{
	"en": DefaultVoice,
	"de": "de_DE-thorsten-medium",
	"fr": "fr_FR-siwis-medium",
	"es": "es_ES-davefx-medium",
	"it": "it_IT-riccardo-x_low",
	"nl": "nl_NL-mls-medium",
}

// Piper runs the Piper binary locally. Binary and voice models are fetched on
// first use.
type Piper struct {
	binDir   string
	modelDir string
	voice    string
	fetch    *assets.Fetcher
	log      *zap.SugaredLogger

	installMu sync.Mutex
}

func NewPiper(binDir, modelDir, voice string, fetch *assets.Fetcher, log *zap.SugaredLogger) *Piper {
	if voice == "" { voice = DefaultVoice }
	return &Piper{binDir: binDir, modelDir: modelDir, voice: voice, fetch: fetch, log: log}
}

func (p *Piper) Model() string { return "piper:" + p.voice }

// Prepare installs the binary and the configured voice ahead of the first
// request.
func (p *Piper) Prepare(ctx context.Context) error {
	if err := p.ensurePiperInstalled(ctx); err != nil { return err }
	_, err := p.ensureVoiceModel(ctx, p.voice)
	return err
}

func (p *Piper) Synthesize(ctx context.Context, text, lang string) (Audio, error) {
	if strings.TrimSpace(text) == "" { return Audio{}, fmt.Errorf("no text to speak") }
	voice := p.voiceFor(lang)
	if err := p.ensurePiperInstalled(ctx); err != nil { return Audio{}, err }
	modelPath, err := p.ensureVoiceModel(ctx, voice)
	if err != nil { return Audio{}, err }
	rate, err := voiceSampleRate(modelPath + ".json")
	if err != nil { return Audio{}, err }

	cmd, err := p.piperExecCommand(ctx, modelPath, text)
	if err != nil { return Audio{}, err }
	var pcm, stderr bytes.Buffer
	cmd.Stdout = &pcm
	cmd.Stderr = &stderr
	start := time.Now()
	if err := cmd.Run(); err != nil {
		return Audio{}, fmt.Errorf("piper failed: %v: %s", err, strings.TrimSpace(stderr.String()))
	}
	if pcm.Len() == 0 { return Audio{}, fmt.Errorf("piper produced no audio") }
	p.log.Debugw("piper synthesized", "voice", voice, "bytes", pcm.Len(), "took", time.Since(start))
	return Audio{Data: EncodeWAV(pcm.Bytes(), rate, 1, 16)}, nil
}

func (p *Piper) voiceFor(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" || strings.HasPrefix(strings.ToLower(p.voice), lang+"_") {
		return p.voice
	}
	if v, ok := defaultVoices[lang]; ok { return v }
	return p.voice
}

func (p *Piper) piperExecCommand(ctx context.Context, modelPath, text string) (*exec.Cmd, error) {
	bin := p.piperBinaryPath()
	if bin == "" { return nil, fmt.Errorf("piper binary not found") }
	cmd := exec.CommandContext(ctx, bin, "--model", modelPath, "--output_raw", "--quiet")
	binDir := filepath.Dir(bin)
	cmd.Dir = binDir
	env := os.Environ()
	env = append(env, "PATH="+binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
	env = append(env, "LD_LIBRARY_PATH="+binDir+string(os.PathListSeparator)+os.Getenv("LD_LIBRARY_PATH"))
	env = append(env, "ESPEAK_DATA_PATH="+filepath.Join(binDir, "espeak-ng-data"))
	cmd.Env = env
	cmd.Stdin = strings.NewReader(text)
	return cmd, nil
}

func (p *Piper) ensurePiperInstalled(ctx context.Context) error {
	p.installMu.Lock()
	defer p.installMu.Unlock()
	if err := os.MkdirAll(p.binDir, 0o755); err != nil { return err }
	if p.piperBinaryPath() != "" { return nil }
	urls, file := piperDownloadURLs(runtime.GOOS, runtime.GOARCH)
	if len(urls) == 0 { return fmt.Errorf("unsupported platform for piper: %s/%s", runtime.GOOS, runtime.GOARCH) }
	downloadPath := filepath.Join(p.binDir, file)
	var last error
	for _, u := range urls {
		if err := p.fetch.DownloadWithRetry(ctx, u, downloadPath, 2, 180*time.Second); err != nil {
			last = err
			continue
		}
		var err error
		lower := strings.ToLower(file)
		switch {
		case strings.HasSuffix(lower, ".zip"):
			err = assets.ExtractZip(downloadPath, p.binDir)
		case strings.HasSuffix(lower, ".tar.gz"):
			err = assets.ExtractTarGz(downloadPath, p.binDir)
		}
		_ = os.Remove(downloadPath)
		if err != nil { last = err; continue }
		if p.piperBinaryPath() != "" { return nil }
		last = fmt.Errorf("piper binary not found after extraction")
	}
	if last != nil { return last }
	return fmt.Errorf("failed to install Piper binary")
}

func (p *Piper) ensureVoiceModel(ctx context.Context, voice string) (string, error) {
	p.installMu.Lock()
	defer p.installMu.Unlock()
	relBase, onnxFileName, jsonFileName := voiceRelativePaths(voice)
	if relBase == "" { return "", fmt.Errorf("unsupported voice: %s", voice) }
	vdir := filepath.Join(p.modelDir, voice)
	if err := os.MkdirAll(vdir, 0o755); err != nil { return "", err }
	onnxPath := filepath.Join(vdir, onnxFileName)
	jsonPath := filepath.Join(vdir, jsonFileName)

	if !assets.FileExists(onnxPath) {
		if err := p.fetchVoiceAsset(ctx, relBase+"/"+onnxFileName, onnxPath, true); err != nil {
			return "", fmt.Errorf("failed to download voice model .onnx: %w", err)
		}
	}
	if !assets.FileExists(jsonPath) {
		if err := p.fetchVoiceAsset(ctx, relBase+"/"+jsonFileName, jsonPath, false); err != nil {
			return "", fmt.Errorf("failed to download voice config .json: %w", err)
		}
	}
	return onnxPath, nil
}

var voiceBases = []string{
	"https://huggingface.co/rhasspy/piper-voices/resolve/main/",
	"https://huggingface.co/rhasspy/piper-voices/raw/main/",
}

func (p *Piper) fetchVoiceAsset(ctx context.Context, relPath, dstPath string, allowGzip bool) error {
	urls := make([]string, 0, len(voiceBases))
	for _, b := range voiceBases { urls = append(urls, b+relPath) }
	if err := p.fetch.FirstOf(ctx, urls, dstPath, 2, 120*time.Second); err == nil { return nil }
	if allowGzip {
		tmp := dstPath + ".gz.part"
		defer os.Remove(tmp)
		for i := range urls { urls[i] += ".gz" }
		if err := p.fetch.FirstOf(ctx, urls, tmp, 2, 180*time.Second); err == nil {
			return assets.Gunzip(tmp, dstPath)
		}
	}
	return fmt.Errorf("asset not found for %s", relPath)
}

func (p *Piper) piperBinaryPath() string {
	return assets.FindFile(p.binDir, "piper", "piper.exe")
}

// voiceRelativePaths maps en_US-amy-medium to en/en_US/amy/medium in the
// piper-voices repository.
func voiceRelativePaths(voice string) (relBase, onnxFile, jsonFile string) {
	parts := strings.Split(voice, "-")
	if len(parts) < 3 { return "", "", "" }
	locale := parts[0]
	quality := parts[len(parts)-1]
	voiceName := strings.Join(parts[1:len(parts)-1], "-")
	if len(locale) < 2 { return "", "", "" }
	lang := strings.ToLower(locale[0:2])
	return lang + "/" + locale + "/" + voiceName + "/" + quality, voice + ".onnx", voice + ".onnx.json"
}

func voiceSampleRate(configPath string) (int, error) {
	b, err := os.ReadFile(configPath)
	if err != nil { return 0, fmt.Errorf("read voice config: %w", err) }
	var cfg struct {
		Audio struct {
			SampleRate int `json:"sample_rate"`
		} `json:"audio"`
	}
	if err := json.Unmarshal(b, &cfg); err != nil { return 0, fmt.Errorf("parse voice config: %w", err) }
	if cfg.Audio.SampleRate <= 0 { return 22050, nil }
	return cfg.Audio.SampleRate, nil
}

func piperDownloadURLs(goos, goarch string) ([]string, string) {
	const rel = "https://github.com/rhasspy/piper/releases/download/2023.11.14-2/"
	switch goos {
	case "windows":
		return []string{rel + "piper_windows_amd64.zip"}, "piper_windows_amd64.zip"
	case "darwin":
		if goarch == "arm64" {
			return []string{rel + "piper_macos_aarch64.tar.gz"}, "piper_macos_aarch64.tar.gz"
		}
		return []string{rel + "piper_macos_x64.tar.gz"}, "piper_macos_x64.tar.gz"
	case "linux":
		switch goarch {
		case "arm64":
			return []string{rel + "piper_linux_aarch64.tar.gz"}, "piper_linux_aarch64.tar.gz"
		case "arm":
			return []string{rel + "piper_linux_armv7l.tar.gz"}, "piper_linux_armv7l.tar.gz"
		}
		return []string{rel + "piper_linux_x86_64.tar.gz"}, "piper_linux_x86_64.tar.gz"
	default:
		return nil, ""
	}
}
