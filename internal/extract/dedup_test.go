package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/cookscan/internal/store"
)

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Crème Brûlée", "creme brulee"},
		{"  Beef   Stew!  ", "beef stew"},
		{"Mom's Apple-Pie", "mom s apple pie"},
		{"PÂTÉ", "pate"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeText(tt.in), "input %q", tt.in)
	}
}

func recipeWith(title string, conf float64, ingredients ...string) store.Recipe {
	r := store.Recipe{ID: "id-" + title, Title: title, Confidence: conf}
	for _, name := range ingredients {
		r.Ingredients = append(r.Ingredients, store.Ingredient{Name: name})
	}
	return r
}

func TestDeduperDropsNearIdenticalRecipe(t *testing.T) {
	d := NewDeduper(0.6)

	keep, superseded := d.Check(recipeWith("Pancakes", 0.9, "flour", "milk", "eggs"))
	require.True(t, keep)
	assert.Empty(t, superseded)

	// Same title, 2 shared of 5 total ingredients: Jaccard 0.4 < 0.6 keeps it.
	keep, _ = d.Check(recipeWith("Pancakes", 0.9, "flour", "milk", "butter", "sugar"))
	assert.True(t, keep)

	// Identical ingredient set and weaker confidence: dropped.
	weaker := recipeWith("Pancakes", 0.5, "flour", "milk", "eggs")
	weaker.ID = "weaker"
	keep, superseded = d.Check(weaker)
	assert.False(t, keep)
	assert.Empty(t, superseded)
}

func TestDeduperSupersedesWeakerCommit(t *testing.T) {
	d := NewDeduper(0.6)

	first := recipeWith("Goulash", 0.5, "beef", "paprika", "onion")
	first.ID = "old"
	keep, _ := d.Check(first)
	require.True(t, keep)

	stronger := recipeWith("Goulash", 0.95, "beef", "paprika", "onion")
	stronger.ID = "new"
	keep, superseded := d.Check(stronger)
	assert.True(t, keep)
	assert.Equal(t, "old", superseded)

	// The index now holds the stronger row; a third identical copy loses.
	again := recipeWith("Goulash", 0.8, "beef", "paprika", "onion")
	keep, _ = d.Check(again)
	assert.False(t, keep)
}

func TestDeduperDifferentTitlesNeverCollide(t *testing.T) {
	d := NewDeduper(0.6)
	keep, _ := d.Check(recipeWith("Tomato Soup", 0.9, "tomato", "basil"))
	require.True(t, keep)
	keep, _ = d.Check(recipeWith("Tomato Sauce", 0.9, "tomato", "basil"))
	assert.True(t, keep)
}

func TestDeduperDiacriticInsensitiveTitles(t *testing.T) {
	d := NewDeduper(0.6)
	keep, _ := d.Check(recipeWith("Crème Brûlée", 0.9, "cream", "sugar"))
	require.True(t, keep)
	keep, _ = d.Check(recipeWith("creme brulee", 0.7, "cream", "sugar"))
	assert.False(t, keep)
}

func TestDeduperSeedAndForget(t *testing.T) {
	d := NewDeduper(0.6)
	d.Seed([]store.Recipe{recipeWith("Borscht", 0.9, "beet", "cabbage")})

	dup := recipeWith("Borscht", 0.7, "beet", "cabbage")
	keep, _ := d.Check(dup)
	require.False(t, keep)

	d.Forget("id-Borscht")
	keep, _ = d.Check(dup)
	assert.True(t, keep)
}

func TestJaccardEdgeCases(t *testing.T) {
	empty := map[string]struct{}{}
	full := map[string]struct{}{"a": {}, "b": {}}
	assert.Equal(t, 1.0, jaccard(empty, empty))
	assert.Equal(t, 0.0, jaccard(empty, full))
	assert.Equal(t, 1.0, jaccard(full, full))
}
