package translate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mlgateway/internal/upstream"
)

const DefaultEndpoint = "https://api-free.deepl.com/v2/translate"

// Result is a finished translation. DetectedSource is whatever the upstream
// reported, empty when it did not say.
type Result struct {
	Text           string
	DetectedSource string
}

// Translator turns text into the target language. source may be empty to let
// the upstream detect it.
type Translator interface {
	Translate(ctx context.Context, text, target, source string) (Result, error)
}

// DeepL talks to the DeepL v2 REST API.
type DeepL struct {
	endpoint string
	apiKey   string
	up       *upstream.Client
}

func NewDeepL(endpoint, apiKey string, timeout time.Duration) *DeepL {
	if endpoint == "" { endpoint = DefaultEndpoint }
	return &DeepL{endpoint: endpoint, apiKey: apiKey, up: upstream.New("Translation API", timeout)}
}

type deeplResponse struct {
	Translations []struct {
		DetectedSourceLanguage string  `json:"detected_source_language"`
		Text                   *string `json:"text"`
	} `json:"translations"`
}

func (d *DeepL) Translate(ctx context.Context, text, target, source string) (Result, error) {
	form := url.Values{}
	form.Set("text", text)
	form.Set("target_lang", target)
	if source != "" { form.Set("source_lang", source) }

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, strings.NewReader(form.Encode()))
	if err != nil { return Result{}, err }
	req.Header.Set("Authorization", "DeepL-Auth-Key "+d.apiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := d.up.Do(req)
	if err != nil { return Result{}, err }

	var out deeplResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return Result{}, d.up.Malformed(err)
	}
	if len(out.Translations) == 0 || out.Translations[0].Text == nil {
		return Result{}, d.up.Malformed(errors.New("no translations in response"))
	}
	t := out.Translations[0]
	return Result{Text: *t.Text, DetectedSource: t.DetectedSourceLanguage}, nil
}
