package imagegen

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/local/cookscan/internal/store"
)

// MissingLister is the store query the sweeper runs on.
type MissingLister interface {
	RecipesMissingImages(ctx context.Context, limit int) ([]store.Recipe, error)
}

// taskQueue is the queue surface the sweeper needs.
type taskQueue interface {
	IsDone(ctx context.Context, recipeID string) (bool, error)
	ClaimPending(ctx context.Context, recipeID string, ttl time.Duration) (bool, error)
	Enqueue(ctx context.Context, t Task) error
	ReleasePending(ctx context.Context, recipeID string) error
}

// Sweeper finds recipes that never got an image (crashed worker, DLQ'd task,
// provider outage) and re-enqueues them. Safe to run repeatedly: the pending
// claim and done key make each recipe enqueue at most once per cycle.
type Sweeper struct {
	store       MissingLister
	queue       taskQueue
	batchSize   int
	concurrency int
}

func NewSweeper(st MissingLister, queue taskQueue, batchSize, concurrency int) *Sweeper {
	if batchSize <= 0 {
		batchSize = 200
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Sweeper{store: st, queue: queue, batchSize: batchSize, concurrency: concurrency}
}

// Sweep enqueues generation for recipes with no image. Returns how many
// tasks were actually enqueued.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	recipes, err := s.store.RecipesMissingImages(ctx, s.batchSize)
	if err != nil {
		return 0, err
	}
	if len(recipes) == 0 {
		return 0, nil
	}

	var enqueued atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, r := range recipes {
		r := r
		g.Go(func() error {
			if done, _ := s.queue.IsDone(gctx, r.ID); done {
				return nil
			}
			claimed, err := s.queue.ClaimPending(gctx, r.ID, pendingTTL)
			if err != nil || !claimed {
				return err
			}
			if err := s.queue.Enqueue(gctx, Task{
				TaskID:     r.ID + ":sweep",
				RecipeID:   r.ID,
				CookbookID: r.CookbookID,
				Title:      r.Title,
				Attempt:    1,
			}); err != nil {
				_ = s.queue.ReleasePending(gctx, r.ID)
				return err
			}
			enqueued.Add(1)
			return nil
		})
	}
	err = g.Wait()
	n := int(enqueued.Load())
	if n > 0 {
		log.Info().Int("candidates", len(recipes)).Int("enqueued", n).Msg("image recovery sweep")
	}
	return n, err
}
