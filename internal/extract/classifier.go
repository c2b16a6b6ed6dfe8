package extract

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/cookscan/internal/ai"
	"github.com/local/cookscan/internal/config"
	"github.com/local/cookscan/internal/metrics"
	"github.com/local/cookscan/internal/store"
)

const classifySystemPrompt = `You are a cookbook digitization assistant. You receive one scanned cookbook page as an image, plus any embedded text.
Classify the page and extract every complete or partial recipe on it.
Respond with a single JSON object, no markdown, matching:
{
  "page_type": "recipe" | "toc" | "photo" | "ad" | "other",
  "note": "short description for non-recipe pages",
  "recipes": [
    {
      "title": "...",
      "continuation": false,
      "ingredients": [{"name": "...", "quantity": "...", "unit": "..."}],
      "instructions": [{"step": 1, "text": "...", "minutes": 0, "temperature": ""}],
      "nutrition": {"calories": 0, "protein_g": 0, "fat_g": 0, "carbs_g": 0},
      "dietary_flags": ["vegetarian"],
      "confidence": 0.95
    }
  ]
}
Set "continuation": true when the page continues a recipe that started on an earlier page and repeat that recipe's title.
Omit "nutrition" when the page does not state it. Confidence is your certainty that the extraction is faithful, between 0 and 1.`

// Candidate is one recipe parsed from a page before dedup and persistence.
type Candidate struct {
	Title        string              `json:"title"`
	Continuation bool                `json:"continuation"`
	Ingredients  []store.Ingredient  `json:"ingredients"`
	Instructions []store.Instruction `json:"instructions"`
	Nutrition    *store.Nutrition    `json:"nutrition"`
	DietaryFlags []string            `json:"dietary_flags"`
	Confidence   float64             `json:"confidence"`
}

// PageResult is the classifier's verdict for one page.
type PageResult struct {
	PageType  string      `json:"page_type"` // recipe|toc|photo|ad|other
	Note      string      `json:"note"`
	Recipes   []Candidate `json:"recipes"`
	Provider  string      `json:"-"`
	TokensIn  int         `json:"-"`
	TokensOut int         `json:"-"`
}

func (r PageResult) IsRecipePage() bool { return r.PageType == "recipe" }

type engineClient struct {
	client ai.Client
	model  string
}

// Classifier sends page rasters to a vision model and parses the structured
// verdict. The primary provider is tried with bounded retries, then the
// secondary; rate limits and malformed responses both count as attempt
// failures.
type Classifier struct {
	engines []engineClient
	cfg     config.ExtractionConfig
}

func NewClassifier(primary, secondary ai.Client, primaryModel, secondaryModel string, cfg config.ExtractionConfig) *Classifier {
	engines := []engineClient{{client: primary, model: primaryModel}}
	if secondary != nil {
		engines = append(engines, engineClient{client: secondary, model: secondaryModel})
	}
	return &Classifier{engines: engines, cfg: cfg}
}

// Classify runs one page through the provider chain. page is 0-based.
func (c *Classifier) Classify(ctx context.Context, jobID string, page int, imageJPEG []byte, pageText, contextText string) (PageResult, error) {
	req := ai.Request{
		JobID:        jobID,
		Page:         page,
		Timeout:      c.cfg.RequestTimeout,
		ImageBase64:  base64.StdEncoding.EncodeToString(imageJPEG),
		ImageMIME:    "image/jpeg",
		SystemPrompt: classifySystemPrompt,
		ContextText:  contextText,
		PageText:     pageText,
	}

	attempts := c.cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for _, eng := range c.engines {
		req.Model = eng.model
		for attempt := 1; attempt <= attempts; attempt++ {
			res, err := c.attempt(ctx, eng, req)
			if err == nil {
				return res, nil
			}
			lastErr = err
			if ctx.Err() != nil {
				return PageResult{}, &ClassificationError{Page: page, Err: ctx.Err()}
			}
			if ai.IsContentRefused(err) {
				// Refusals repeat deterministically; retrying wastes spend.
				break
			}
			if attempt < attempts {
				delay := c.backoff(attempt)
				log.Warn().Err(err).Str("job_id", jobID).Int("page", page+1).
					Str("provider", eng.client.Name()).Int("attempt", attempt).
					Dur("delay", delay).Msg("classification attempt failed, retrying")
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return PageResult{}, &ClassificationError{Page: page, Err: ctx.Err()}
				}
			}
		}
		log.Warn().Err(lastErr).Str("job_id", jobID).Int("page", page+1).
			Str("provider", eng.client.Name()).Msg("provider exhausted for page")
	}
	return PageResult{}, &ClassificationError{Page: page, Err: lastErr}
}

func (c *Classifier) attempt(ctx context.Context, eng engineClient, req ai.Request) (PageResult, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	start := time.Now()
	res, err := eng.client.Do(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if ai.IsRateLimited(err) {
			outcome = "rate_limited"
		}
	}
	metrics.ObserveProvider(eng.client.Name(), eng.model, outcome, time.Since(start))
	if err != nil {
		return PageResult{}, err
	}

	result, perr := parseVerdict(res.Text)
	if perr != nil {
		return PageResult{}, fmt.Errorf("parse verdict: %w", perr)
	}
	result.Provider = eng.client.Name()
	result.TokensIn = res.TokensIn
	result.TokensOut = res.TokensOut
	return result, nil
}

func (c *Classifier) backoff(attempt int) time.Duration {
	base := c.cfg.RetryBaseDelay
	if base <= 0 {
		base = 2 * time.Second
	}
	factor := c.cfg.RetryBackoffFactor
	if factor < 1 {
		factor = 2
	}
	d := base
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * factor)
	}
	if j := c.cfg.RetryJitter; j > 0 {
		d += time.Duration(rand.Int63n(int64(j)))
	}
	return d
}

// parseVerdict extracts the JSON object from the model output, tolerating
// markdown fences and prose around the payload.
func parseVerdict(text string) (PageResult, error) {
	raw := strings.TrimSpace(text)
	if i := strings.Index(raw, "{"); i >= 0 {
		if j := strings.LastIndex(raw, "}"); j > i {
			raw = raw[i : j+1]
		}
	}
	var result PageResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return PageResult{}, err
	}
	switch result.PageType {
	case "recipe", "toc", "photo", "ad", "other":
	case "":
		return PageResult{}, fmt.Errorf("missing page_type")
	default:
		result.PageType = "other"
	}
	if result.PageType != "recipe" {
		result.Recipes = nil
	}
	for i := range result.Recipes {
		if strings.TrimSpace(result.Recipes[i].Title) == "" {
			return PageResult{}, fmt.Errorf("recipe %d has empty title", i)
		}
	}
	return result, nil
}
