package imagegen

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/cookscan/internal/store"
)

type fakeLister struct {
	recipes []store.Recipe
}

func (f *fakeLister) RecipesMissingImages(ctx context.Context, limit int) ([]store.Recipe, error) {
	if len(f.recipes) > limit {
		return f.recipes[:limit], nil
	}
	return f.recipes, nil
}

type fakeQueue struct {
	mu       sync.Mutex
	done     map[string]bool
	pending  map[string]bool
	enqueued []Task
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{done: map[string]bool{}, pending: map[string]bool{}}
}

func (q *fakeQueue) IsDone(ctx context.Context, recipeID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.done[recipeID], nil
}

func (q *fakeQueue) ClaimPending(ctx context.Context, recipeID string, ttl time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending[recipeID] {
		return false, nil
	}
	q.pending[recipeID] = true
	return true, nil
}

func (q *fakeQueue) Enqueue(ctx context.Context, t Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, t)
	return nil
}

func (q *fakeQueue) ReleasePending(ctx context.Context, recipeID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, recipeID)
	return nil
}

func (q *fakeQueue) tasks() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, len(q.enqueued))
	copy(out, q.enqueued)
	return out
}

func TestSweepEnqueuesMissingRecipes(t *testing.T) {
	lister := &fakeLister{recipes: []store.Recipe{
		{ID: "r1", CookbookID: "cb", Title: "Borscht"},
		{ID: "r2", CookbookID: "cb", Title: "Pelmeni"},
		{ID: "r3", CookbookID: "cb", Title: "Blini"},
	}}
	q := newFakeQueue()
	s := NewSweeper(lister, q, 100, 2)

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, q.tasks(), 3)
	for _, task := range q.tasks() {
		assert.Equal(t, 1, task.Attempt)
		assert.NotEmpty(t, task.Title)
	}
}

func TestSweepSkipsDoneAndClaimedRecipes(t *testing.T) {
	lister := &fakeLister{recipes: []store.Recipe{
		{ID: "generated", CookbookID: "cb", Title: "One"},
		{ID: "in-flight", CookbookID: "cb", Title: "Two"},
		{ID: "fresh", CookbookID: "cb", Title: "Three"},
	}}
	q := newFakeQueue()
	q.done["generated"] = true
	q.pending["in-flight"] = true
	s := NewSweeper(lister, q, 100, 4)

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, q.tasks(), 1)
	assert.Equal(t, "fresh", q.tasks()[0].RecipeID)
}

func TestSweepIsIdempotent(t *testing.T) {
	lister := &fakeLister{recipes: []store.Recipe{
		{ID: "r1", CookbookID: "cb", Title: "Borscht"},
	}}
	q := newFakeQueue()
	s := NewSweeper(lister, q, 100, 2)

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The pending claim from the first pass holds until a worker resolves it.
	n, err = s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, q.tasks(), 1)
}

func TestSweepRespectsBatchSize(t *testing.T) {
	var recipes []store.Recipe
	for i := 0; i < 10; i++ {
		recipes = append(recipes, store.Recipe{ID: string(rune('a' + i)), CookbookID: "cb", Title: "Dish"})
	}
	lister := &fakeLister{recipes: recipes}
	q := newFakeQueue()
	s := NewSweeper(lister, q, 4, 2)

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestSweepEmptyBacklog(t *testing.T) {
	s := NewSweeper(&fakeLister{}, newFakeQueue(), 100, 2)
	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
