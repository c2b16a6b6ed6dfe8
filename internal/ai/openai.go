package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
)

type OpenAIClient struct {
	http   *http.Client
	apiKey string
}

func NewOpenAIClient() *OpenAIClient {
	return &OpenAIClient{http: &http.Client{}, apiKey: os.Getenv("OPENAI_API_KEY")}
}
func (c *OpenAIClient) Name() string { return "openai" }

type openAIMessage struct {
	Role    string                   `json:"role"`
	Content []map[string]interface{} `json:"content"`
}

type openAIChatReq struct {
	Model          string            `json:"model"`
	Messages       []openAIMessage   `json:"messages"`
	Temperature    float64           `json:"temperature"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type openAIChatResp struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *OpenAIClient) Do(ctx context.Context, req Request) (Response, error) {
	if c.apiKey == "" {
		return Response{}, errors.New("missing OPENAI_API_KEY")
	}

	var messages []openAIMessage

	if req.SystemPrompt != "" {
		messages = append(messages, openAIMessage{
			Role: "system",
			Content: []map[string]interface{}{
				{"type": "text", "text": req.SystemPrompt},
			},
		})
	}

	var userContent []map[string]interface{}

	if req.ImageBase64 != "" {
		imageURL := fmt.Sprintf("data:%s;base64,%s", req.ImageMIME, req.ImageBase64)
		userContent = append(userContent, map[string]interface{}{
			"type":      "image_url",
			"image_url": map[string]string{"url": imageURL},
		})
	}

	userContent = append(userContent, map[string]interface{}{
		"type": "text",
		"text": buildUserPrompt(req),
	})

	messages = append(messages, openAIMessage{
		Role:    "user",
		Content: userContent,
	})

	payload := openAIChatReq{
		Model:          req.Model,
		Messages:       messages,
		Temperature:    0,
		MaxTokens:      4096,
		ResponseFormat: map[string]string{"type": "json_object"},
	}

	body, _ := json.Marshal(payload)
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.openai.com/v1/chat/completions", bytes.NewReader(body))
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == 429 {
		return Response{}, ErrRateLimited
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{}, fmt.Errorf("openai status %d", resp.StatusCode)
	}

	var r openAIChatResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return Response{}, err
	}
	if len(r.Choices) == 0 {
		return Response{}, errors.New("no choices")
	}

	return Response{
		Text:      r.Choices[0].Message.Content,
		TokensIn:  r.Usage.PromptTokens,
		TokensOut: r.Usage.CompletionTokens,
	}, nil
}

// buildUserPrompt assembles the per-page prompt shared by both providers.
func buildUserPrompt(req Request) string {
	prompt := fmt.Sprintf("CURRENT PAGE NUMBER: %d\n\n", req.Page+1)
	if req.ContextText != "" {
		prompt += fmt.Sprintf("CONTEXT (from surrounding pages):\n%s\n\n", req.ContextText)
	}
	if req.PageText != "" {
		prompt += fmt.Sprintf("EMBEDDED TEXT (from current page):\n%s\n\n", req.PageText)
	}
	prompt += "Classify this cookbook page and extract any recipes as JSON, following the rules in the system prompt."
	return prompt
}
