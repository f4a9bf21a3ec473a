package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"mlgateway/internal/upstream"
)

const DefaultEndpoint = "https://fal.run/fal-ai/flux/schnell"

// Request is a validated generation request.
type Request struct {
	Prompt    string
	ImageSize string
	Steps     int
}

// Generator produces an image and returns where it can be fetched.
type Generator interface {
	Generate(ctx context.Context, req Request) (imageURL string, err error)
}

// Fal calls a FAL model endpoint synchronously.
type Fal struct {
	endpoint string
	apiKey   string
	up       *upstream.Client
}

func NewFal(endpoint, apiKey string, timeout time.Duration) *Fal {
	if endpoint == "" { endpoint = DefaultEndpoint }
	return &Fal{endpoint: endpoint, apiKey: apiKey, up: upstream.New("Image Generation API", timeout)}
}

type falRequest struct {
	Prompt              string `json:"prompt"`
	ImageSize           string `json:"image_size"`
	NumInferenceSteps   int    `json:"num_inference_steps"`
	NumImages           int    `json:"num_images"`
	EnableSafetyChecker bool   `json:"enable_safety_checker"`
}

type falResponse struct {
	Images []struct {
		URL *string `json:"url"`
	} `json:"images"`
}

func (f *Fal) Generate(ctx context.Context, r Request) (string, error) {
	payload, err := json.Marshal(falRequest{
		Prompt:              r.Prompt,
		ImageSize:           r.ImageSize,
		NumInferenceSteps:   r.Steps,
		NumImages:           1,
		EnableSafetyChecker: true,
	})
	if err != nil { return "", err }
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(payload))
	if err != nil { return "", err }
	req.Header.Set("Authorization", "Key "+f.apiKey)
	req.Header.Set("Content-Type", "application/json")

	body, err := f.up.Do(req)
	if err != nil { return "", err }

	var out falResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", f.up.Malformed(err)
	}
	if len(out.Images) == 0 || out.Images[0].URL == nil {
		return "", f.up.Malformed(errors.New("no image url in response"))
	}
	return *out.Images[0].URL, nil
}
