package ai

import (
	"context"
	"errors"
	"time"
)

// Request represents a vision inference request for a single cookbook page.
type Request struct {
	JobID        string
	Page         int
	Model        string
	Timeout      time.Duration
	ImageBase64  string // Base64 encoded page raster
	ImageMIME    string // Image MIME type (image/jpeg)
	SystemPrompt string
	ContextText  string // Text from surrounding pages (continuation stitching)
	PageText     string // Embedded text layer of the current page, if any
}

type Response struct {
	Text      string // raw model output; classifier parses the JSON envelope
	TokensIn  int
	TokensOut int
}

// Client interface for providers like OpenAI, Anthropic.
type Client interface {
	Name() string
	Do(ctx context.Context, req Request) (Response, error)
}

var (
	ErrRateLimited    = errors.New("rate_limited")
	ErrContentRefused = errors.New("content_refused")
)

func IsRateLimited(err error) bool    { return errors.Is(err, ErrRateLimited) }
func IsContentRefused(err error) bool { return errors.Is(err, ErrContentRefused) }
