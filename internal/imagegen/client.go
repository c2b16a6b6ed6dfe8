package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrProviderBusy marks rate limiting or overload; callers open the breaker
// and retry later instead of burning attempts.
var ErrProviderBusy = errors.New("image provider busy")

// Generator produces one hosted image URL for a recipe title.
type Generator interface {
	Generate(ctx context.Context, title string) (string, error)
}

// HTTPGenerator calls an OpenAI-compatible images/generations endpoint.
type HTTPGenerator struct {
	endpoint string
	apiKey   string
	model    string
	http     *http.Client
}

func NewHTTPGenerator(endpoint, apiKey, model string, timeout time.Duration) *HTTPGenerator {
	return &HTTPGenerator{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		http:     &http.Client{Timeout: timeout},
	}
}

type genRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size"`
	ResponseFormat string `json:"response_format"`
}

type genResponse struct {
	Data []struct {
		URL string `json:"url"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (g *HTTPGenerator) Generate(ctx context.Context, title string) (string, error) {
	prompt := fmt.Sprintf("Professional food photography of %s, plated, natural lighting, overhead angle, no text.", title)
	body, err := json.Marshal(genRequest{
		Model:          g.model,
		Prompt:         prompt,
		N:              1,
		Size:           "1024x1024",
		ResponseFormat: "url",
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	res, err := g.http.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}

	switch {
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return "", fmt.Errorf("%w: http %d", ErrProviderBusy, res.StatusCode)
	case res.StatusCode != http.StatusOK:
		var gr genResponse
		if json.Unmarshal(raw, &gr) == nil && gr.Error != nil {
			return "", fmt.Errorf("image generation: %s (http %d)", gr.Error.Message, res.StatusCode)
		}
		return "", fmt.Errorf("image generation: http %d", res.StatusCode)
	}

	var gr genResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return "", fmt.Errorf("decode image response: %w", err)
	}
	if len(gr.Data) == 0 || gr.Data[0].URL == "" {
		return "", errors.New("image response has no url")
	}
	return gr.Data[0].URL, nil
}
