package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

type Server struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	DataDir string `json:"data_dir"`
	// Overrides the hostname as the container id reported to callers.
	InstanceID string `json:"instance_id"`
}

type NER struct {
	Enabled   bool   `json:"enabled"`
	Model     string `json:"model"`
	ModelURL  string `json:"model_url"`
	VocabURL  string `json:"vocab_url"`
	ConfigURL string `json:"config_url"`
	MaxLen    int    `json:"max_len"`
}

type Translate struct {
	Endpoint       string `json:"endpoint"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type ImageGen struct {
	Endpoint       string `json:"endpoint"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type Speech struct {
	Backend string `json:"backend"` // piper | gtts
	Voice   string `json:"voice"`   // piper voice, e.g. en_US-amy-medium
	Lang    string `json:"lang"`
}

type WebSocket struct {
	Enabled    bool   `json:"enabled"`
	PathPrefix string `json:"path_prefix"`
}

type Logging struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

type Services struct {
	NER       NER       `json:"ner"`
	Translate Translate `json:"translate"`
	ImageGen  ImageGen  `json:"image_generate"`
	Speech    Speech    `json:"speech"`
}

// Secrets never come from the config file.
type Secrets struct {
	DeepLAPIKey string
	FalAPIKey   string
}

type Config struct {
	Server    Server    `json:"server"`
	Services  Services  `json:"services"`
	WebSocket WebSocket `json:"websocket"`
	Logging   Logging   `json:"logging"`
	Secrets   Secrets   `json:"-"`
}

// Env is the environment overlay. Variables are read with the GATEWAY_ prefix;
// tagged ones also fall back to their bare name (DEEPL_API_KEY, PORT, ...).
type Env struct {
	DeepLAPIKey   string `envconfig:"DEEPL_API_KEY"`
	FalAPIKey     string `envconfig:"FALAI_API_KEY"`
	InstanceID    string `envconfig:"INSTANCE_ID"`
	Port          int    `envconfig:"PORT"`
	Host          string `split_words:"true"`
	DataDir       string `split_words:"true"`
	LogLevel      string `split_words:"true"`
	LogFormat     string `split_words:"true"`
	SpeechBackend string `split_words:"true"`
	NEREnabled    *bool  `envconfig:"NER_ENABLED"`
}

const EnvPrefix = "gateway"

func Default() Config {
	return Config{
		Server: Server{Host: "0.0.0.0", Port: 8000},
		Services: Services{
			NER: NER{
				Enabled:   true,
				Model:     "bert-base-NER",
				ModelURL:  "https://huggingface.co/Xenova/bert-base-NER/resolve/main/onnx/model.onnx",
				VocabURL:  "https://huggingface.co/Xenova/bert-base-NER/resolve/main/vocab.txt",
				ConfigURL: "https://huggingface.co/Xenova/bert-base-NER/resolve/main/config.json",
				MaxLen:    256,
			},
			Translate: Translate{Endpoint: "https://api-free.deepl.com/v2/translate", TimeoutSeconds: 10},
			ImageGen:  ImageGen{Endpoint: "https://fal.run/fal-ai/flux/schnell", TimeoutSeconds: 60},
			Speech:    Speech{Backend: "piper", Voice: "en_US-amy-medium", Lang: "en"},
		},
		WebSocket: WebSocket{PathPrefix: "/ws"},
		Logging:   Logging{Level: "info", Format: "json"},
	}
}

// Load reads the optional JSON file at path over Default and then applies the
// environment. An empty path skips the file.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return c, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(b, &c); err != nil {
			return c, fmt.Errorf("parse config: %w", err)
		}
	}
	var env Env
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return c, fmt.Errorf("read environment: %w", err)
	}
	c.apply(env)
	if err := c.validate(); err != nil {
		return c, err
	}
	return c, nil
}

func (c *Config) apply(env Env) {
	c.Secrets.DeepLAPIKey = strings.TrimSpace(env.DeepLAPIKey)
	c.Secrets.FalAPIKey = strings.TrimSpace(env.FalAPIKey)
	if env.InstanceID != "" { c.Server.InstanceID = env.InstanceID }
	if env.Host != "" { c.Server.Host = env.Host }
	if env.Port != 0 { c.Server.Port = env.Port }
	if env.DataDir != "" { c.Server.DataDir = env.DataDir }
	if env.LogLevel != "" { c.Logging.Level = env.LogLevel }
	if env.LogFormat != "" { c.Logging.Format = env.LogFormat }
	if env.SpeechBackend != "" { c.Services.Speech.Backend = env.SpeechBackend }
	if env.NEREnabled != nil { c.Services.NER.Enabled = *env.NEREnabled }
	if c.WebSocket.PathPrefix == "" { c.WebSocket.PathPrefix = "/ws" }
	if c.Services.Speech.Lang == "" { c.Services.Speech.Lang = "en" }
	if c.Services.Speech.Voice == "" { c.Services.Speech.Voice = "en_US-amy-medium" }
	if c.Services.NER.MaxLen == 0 { c.Services.NER.MaxLen = 256 }
	if c.Services.Translate.TimeoutSeconds == 0 { c.Services.Translate.TimeoutSeconds = 10 }
	if c.Services.ImageGen.TimeoutSeconds == 0 { c.Services.ImageGen.TimeoutSeconds = 60 }
}

func (c Config) validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	switch c.Services.Speech.Backend {
	case "piper", "gtts":
	default:
		return fmt.Errorf("unknown speech backend %q", c.Services.Speech.Backend)
	}
	if c.Services.NER.MaxLen < 8 {
		return errors.New("services.ner.max_len must be at least 8")
	}
	return nil
}
