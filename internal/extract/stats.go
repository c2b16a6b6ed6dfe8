package extract

import (
	"github.com/local/cookscan/internal/config"
)

// runStats accumulates per-run counters and estimated spend. One instance
// per extraction goroutine, never shared, so no locking.
type runStats struct {
	cfg config.ExtractionConfig

	PagesProcessed    int
	PagesFailed       int
	RecipesExtracted  int
	DuplicatesRemoved int
	NonRecipePages    int
	TokensIn          int
	TokensOut         int
}

func newRunStats(cfg config.ExtractionConfig) *runStats {
	return &runStats{cfg: cfg}
}

func (s *runStats) addPage(failed bool) {
	s.PagesProcessed++
	if failed {
		s.PagesFailed++
	}
}

func (s *runStats) addTokens(in, out int) {
	s.TokensIn += in
	s.TokensOut += out
}

// CostUSD estimates spend from flat per-page rendering cost plus token
// prices per thousand tokens.
func (s *runStats) CostUSD() float64 {
	return float64(s.PagesProcessed)*s.cfg.PagePriceUSD +
		float64(s.TokensIn)/1000*s.cfg.TokenPriceInUSD +
		float64(s.TokensOut)/1000*s.cfg.TokenPriceOutUSD
}

// shouldEmitCost reports whether a cost_update event is due. Fires every
// CostUpdateEvery pages; never on zero pages.
func (s *runStats) shouldEmitCost() bool {
	n := s.cfg.CostUpdateEvery
	if n <= 0 {
		n = 5
	}
	return s.PagesProcessed > 0 && s.PagesProcessed%n == 0
}

func (s *runStats) summary() map[string]any {
	return map[string]any{
		"pages_processed":    s.PagesProcessed,
		"pages_failed":       s.PagesFailed,
		"recipes_extracted":  s.RecipesExtracted,
		"duplicates_removed": s.DuplicatesRemoved,
		"non_recipe_pages":   s.NonRecipePages,
		"tokens_in":          s.TokensIn,
		"tokens_out":         s.TokensOut,
		"cost_usd":           s.CostUSD(),
	}
}
