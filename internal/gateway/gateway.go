// Package gateway holds the four adapters. Each validates a request envelope,
// makes one backend call and shapes the result; transports live elsewhere.
package gateway

import (
	"context"
	"encoding/base64"
	"strings"
	"unicode/utf8"

	"mlgateway/internal/apierr"
	"mlgateway/internal/services/imagegen"
	"mlgateway/internal/services/ner"
	"mlgateway/internal/services/translate"
	"mlgateway/internal/services/tts"
)

type Op string

const (
	OpNER       Op = "ner"
	OpTranslate Op = "translate"
	OpImage     Op = "image-generate"
	OpSpeech    Op = "speech"
)

var Ops = []Op{OpNER, OpTranslate, OpImage, OpSpeech}

const (
	MaxPromptChars   = 1000
	DefaultImageSize = "landscape_4_3"
	DefaultSteps     = 4
	MinSteps         = 1
	MaxSteps         = 12
)

var ImageSizes = []string{
	"square", "square_hd",
	"landscape_4_3", "landscape_16_9",
	"portrait_4_3", "portrait_16_9",
}

// NERSource yields the annotator, or an error while the model is absent.
// Both ner.Model and *ner.Slot satisfy it.
type NERSource interface {
	Annotator() (ner.Annotator, error)
}

// Deps are the backends. A nil Translator or Images means its API key is not
// configured; a nil NER means the model is absent.
type Deps struct {
	NER        NERSource
	Translator translate.Translator
	Images     imagegen.Generator
	Speech     tts.Synthesizer
	SpeechLang string
	InstanceID string
}

type Gateway struct {
	deps Deps
}

func New(d Deps) *Gateway {
	if d.SpeechLang == "" { d.SpeechLang = "en" }
	return &Gateway{deps: d}
}

func (g *Gateway) InstanceID() string { return g.deps.InstanceID }

type NERResponse struct {
	Entities    []ner.Entity `json:"entities"`
	Service     string       `json:"service"`
	ContainerID string       `json:"container_id"`
}

type TranslateResponse struct {
	OriginalText   string `json:"original_text"`
	TranslatedText string `json:"translated_text"`
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language"`
	ContainerID    string `json:"container_id"`
}

type ImageResponse struct {
	Prompt      string `json:"prompt"`
	ImageURL    string `json:"image_url"`
	ImageSize   string `json:"image_size"`
	ContainerID string `json:"container_id"`
}

type SpeechResponse struct {
	AudioBase64 string `json:"audio_base64"`
	Service     string `json:"service"`
	Model       string `json:"model"`
	ContainerID string `json:"container_id"`
}

type ErrorResponse struct {
	Error       string `json:"error"`
	ContainerID string `json:"container_id"`
}

// Handle dispatches to the adapter for op.
func (g *Gateway) Handle(ctx context.Context, op Op, f Fields) (any, error) {
	switch op {
	case OpNER:
		return g.NER(ctx, f)
	case OpTranslate:
		return g.Translate(ctx, f)
	case OpImage:
		return g.GenerateImage(ctx, f)
	case OpSpeech:
		return g.Speech(ctx, f)
	default:
		return nil, apierr.BadInput("unknown operation %q", op)
	}
}

func (g *Gateway) NER(ctx context.Context, f Fields) (*NERResponse, error) {
	var a ner.Annotator
	err := ner.ErrNotLoaded
	if g.deps.NER != nil { a, err = g.deps.NER.Annotator() }
	if err != nil {
		return nil, &apierr.Error{Kind: apierr.KindMisconfigured, Message: "NER model not loaded on server.", Err: err}
	}
	if len(f) == 0 || !f.Has("text") {
		return nil, apierr.BadInput("Invalid input. Please provide a 'text' field.")
	}
	text, ok := f.String("text")
	if !ok { return nil, apierr.BadInput("Field 'text' must be a string") }
	ents, err := a.Annotate(ctx, text)
	if err != nil { return nil, apierr.Internal(err) }
	if ents == nil { ents = []ner.Entity{} }
	return &NERResponse{Entities: ents, Service: "ner-worker", ContainerID: g.deps.InstanceID}, nil
}

func (g *Gateway) Translate(ctx context.Context, f Fields) (*TranslateResponse, error) {
	if g.deps.Translator == nil {
		return nil, apierr.Misconfigured("DEEPL_API_KEY environment variable not set")
	}
	if len(f) == 0 { return nil, apierr.BadInput("Request body must be JSON") }
	text, err := optionalString(f, "text")
	if err != nil { return nil, err }
	target, err := optionalString(f, "target_language")
	if err != nil { return nil, err }
	source, err := optionalString(f, "source_language")
	if err != nil { return nil, err }
	text = strings.TrimSpace(text)
	target = strings.ToUpper(strings.TrimSpace(target))
	source = strings.ToUpper(strings.TrimSpace(source))

	if text == "" { return nil, apierr.BadInput("Field 'text' is required") }
	if target == "" {
		return nil, apierr.BadInput("Field 'target_language' is required (e.g. 'FR', 'ES', 'DE')")
	}

	res, err := g.deps.Translator.Translate(ctx, text, target, source)
	if err != nil { return nil, err }

	effective := source
	if effective == "" { effective = res.DetectedSource }
	if effective == "" { effective = "UNKNOWN" }
	return &TranslateResponse{
		OriginalText:   text,
		TranslatedText: res.Text,
		SourceLanguage: effective,
		TargetLanguage: target,
		ContainerID:    g.deps.InstanceID,
	}, nil
}

func (g *Gateway) GenerateImage(ctx context.Context, f Fields) (*ImageResponse, error) {
	if g.deps.Images == nil {
		return nil, apierr.Misconfigured("FALAI_API_KEY environment variable not set")
	}
	if len(f) == 0 { return nil, apierr.BadInput("Request body must be JSON") }
	prompt, err := optionalString(f, "prompt")
	if err != nil { return nil, err }
	prompt = strings.TrimSpace(prompt)
	if prompt == "" { return nil, apierr.BadInput("Field 'prompt' is required") }
	if utf8.RuneCountInString(prompt) > MaxPromptChars {
		return nil, apierr.BadInput("Prompt exceeds %d character limit", MaxPromptChars)
	}

	// Defaults apply only to absent fields; present ones are validated as sent.
	size := DefaultImageSize
	if f.Has("image_size") {
		s, ok := f.String("image_size")
		if !ok || !validImageSize(s) {
			return nil, apierr.BadInput("Invalid 'image_size'. Valid options: %s", strings.Join(ImageSizes, ", "))
		}
		size = s
	}
	steps := DefaultSteps
	if f.Has("num_inference_steps") {
		n, ok := f.Int("num_inference_steps")
		if !ok || n < MinSteps || n > MaxSteps {
			return nil, apierr.BadInput("num_inference_steps must be an integer between %d and %d", MinSteps, MaxSteps)
		}
		steps = n
	}

	u, err := g.deps.Images.Generate(ctx, imagegen.Request{Prompt: prompt, ImageSize: size, Steps: steps})
	if err != nil { return nil, err }
	return &ImageResponse{Prompt: prompt, ImageURL: u, ImageSize: size, ContainerID: g.deps.InstanceID}, nil
}

func (g *Gateway) Speech(ctx context.Context, f Fields) (*SpeechResponse, error) {
	if len(f) == 0 || !f.Has("text") { return nil, apierr.BadInput("Missing 'text' field") }
	text, ok := f.String("text")
	if !ok { return nil, apierr.BadInput("Field 'text' must be a string") }
	if g.deps.Speech == nil { return nil, apierr.Misconfigured("speech synthesizer not configured") }
	audio, err := g.deps.Speech.Synthesize(ctx, text, g.deps.SpeechLang)
	if err != nil { return nil, apierr.Internal(err) }
	return &SpeechResponse{
		AudioBase64: base64.StdEncoding.EncodeToString(audio.Data),
		Service:     "speech-worker",
		Model:       g.deps.Speech.Model(),
		ContainerID: g.deps.InstanceID,
	}, nil
}

// optionalString reads a field that may be absent; present fields must be
// strings.
func optionalString(f Fields, name string) (string, error) {
	if !f.Has(name) { return "", nil }
	s, ok := f.String(name)
	if !ok { return "", apierr.BadInput("Field '%s' must be a string", name) }
	return s, nil
}

func validImageSize(s string) bool {
	for _, v := range ImageSizes {
		if v == s { return true }
	}
	return false
}
