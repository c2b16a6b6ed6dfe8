package extract

import (
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/local/cookscan/internal/store"
)

var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// normalizeText lowercases, strips diacritics and punctuation, and collapses
// whitespace so "Crème Brûlée" and "creme brulee" compare equal.
func normalizeText(s string) string {
	folded, _, err := transform.String(foldTransformer, s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(folded) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case !lastSpace:
			b.WriteByte(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

type dedupEntry struct {
	id          string
	confidence  float64
	ingredients map[string]struct{}
}

// Deduper detects duplicate recipes within one cookbook run. Two recipes are
// duplicates when their normalized titles match and the Jaccard similarity of
// their normalized ingredient names is at least the threshold. Cookbooks
// regularly print the same dish twice (index preview plus full page), so the
// index is per-cookbook, not global.
type Deduper struct {
	mu        sync.Mutex
	threshold float64
	byTitle   map[string][]dedupEntry
}

func NewDeduper(threshold float64) *Deduper {
	return &Deduper{threshold: threshold, byTitle: make(map[string][]dedupEntry)}
}

// Seed loads already-committed recipes so a resumed run deduplicates against
// pages processed before the pause.
func (d *Deduper) Seed(recipes []store.Recipe) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range recipes {
		key := normalizeText(r.Title)
		d.byTitle[key] = append(d.byTitle[key], dedupEntry{
			id:          r.ID,
			confidence:  r.Confidence,
			ingredients: ingredientSet(r.Ingredients),
		})
	}
}

// Check evaluates one candidate against the index. It returns keep=false when
// the candidate loses to an existing recipe, and a non-empty supersededID when
// the candidate wins against an already-committed row, which the caller must
// delete in the same page commit. Ties keep the earlier recipe.
func (d *Deduper) Check(r store.Recipe) (keep bool, supersededID string) {
	key := normalizeText(r.Title)
	set := ingredientSet(r.Ingredients)

	d.mu.Lock()
	defer d.mu.Unlock()
	entries := d.byTitle[key]
	for i, e := range entries {
		if jaccard(set, e.ingredients) < d.threshold {
			continue
		}
		if r.Confidence > e.confidence {
			// Replace the committed row with the stronger candidate.
			old := e.id
			entries[i] = dedupEntry{id: r.ID, confidence: r.Confidence, ingredients: set}
			return true, old
		}
		return false, ""
	}
	d.byTitle[key] = append(entries, dedupEntry{id: r.ID, confidence: r.Confidence, ingredients: set})
	return true, ""
}

// Forget drops a recipe from the index after it was merged into a
// continuation and its row deleted.
func (d *Deduper) Forget(recipeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, entries := range d.byTitle {
		for i, e := range entries {
			if e.id == recipeID {
				d.byTitle[key] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

func ingredientSet(ings []store.Ingredient) map[string]struct{} {
	set := make(map[string]struct{}, len(ings))
	for _, ing := range ings {
		if k := normalizeText(ing.Name); k != "" {
			set[k] = struct{}{}
		}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
