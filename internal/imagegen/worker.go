package imagegen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/local/cookscan/internal/config"
	"github.com/local/cookscan/internal/metrics"
)

const (
	doneTTL    = 24 * time.Hour
	pendingTTL = time.Hour
)

// RecipeStore is the slice of the store the worker writes results to.
type RecipeStore interface {
	SetRecipeImageURL(ctx context.Context, recipeID, url string) error
}

// Worker consumes image generation tasks and writes hosted URLs back to the
// recipe rows. Generation is idempotent per recipe: a done key short-circuits
// redeliveries and sweeper re-enqueues.
type Worker struct {
	queue   *Queue
	gen     Generator
	breaker *Breaker
	store   RecipeStore
	cfg     config.ImageGenConfig

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewWorker(queue *Queue, gen Generator, breaker *Breaker, store RecipeStore, cfg config.ImageGenConfig) *Worker {
	return &Worker{
		queue:   queue,
		gen:     gen,
		breaker: breaker,
		store:   store,
		cfg:     cfg,
		stop:    make(chan struct{}),
	}
}

// EnqueueRecipe schedules image generation for one recipe. The pending claim
// makes concurrent callers (page loop plus sweeper) enqueue at most once.
func (w *Worker) EnqueueRecipe(ctx context.Context, recipeID, cookbookID, title string) error {
	claimed, err := w.queue.ClaimPending(ctx, recipeID, pendingTTL)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	return w.queue.Enqueue(ctx, Task{
		TaskID:     uuid.NewString(),
		RecipeID:   recipeID,
		CookbookID: cookbookID,
		Title:      title,
		Attempt:    1,
	})
}

// Start launches the consumer goroutines.
func (w *Worker) Start() {
	n := w.cfg.Concurrency
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		consumer := fmt.Sprintf("imagegen-%d", i)
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.loop(consumer)
		}()
	}
}

func (w *Worker) Stop() {
	close(w.stop)
	w.wg.Wait()
}

func (w *Worker) loop(consumer string) {
	for {
		select {
		case <-w.stop:
			return
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		msgID, task, err := w.queue.Dequeue(ctx, consumer, 2*time.Second)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("consumer", consumer).Msg("imagegen dequeue failed")
			time.Sleep(time.Second)
			continue
		}
		if msgID == "" {
			continue
		}
		w.handle(consumer, msgID, task)
	}
}

func (w *Worker) handle(consumer, msgID string, task Task) {
	ctx := context.Background()
	logger := log.With().Str("consumer", consumer).Str("recipe_id", task.RecipeID).
		Int("attempt", task.Attempt).Logger()

	ack := func() {
		if err := w.queue.Ack(ctx, msgID); err != nil {
			logger.Warn().Err(err).Msg("imagegen ack failed")
		}
	}

	if done, _ := w.queue.IsDone(ctx, task.RecipeID); done {
		ack()
		return
	}

	if w.breaker.IsOpen(ctx) {
		// Cooldown active; push the task out without burning an attempt.
		_ = w.queue.EnqueueDelayed(ctx, task, time.Now().Add(w.cfg.BreakerBaseBackoff))
		ack()
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
	url, err := w.gen.Generate(callCtx, task.Title)
	cancel()
	if err != nil {
		if errors.Is(err, ErrProviderBusy) {
			w.breaker.Open(ctx)
		}
		w.retryOrBury(ctx, logger, task, err)
		ack()
		return
	}

	w.breaker.Reset(ctx)
	if err := w.store.SetRecipeImageURL(ctx, task.RecipeID, url); err != nil {
		w.retryOrBury(ctx, logger, task, fmt.Errorf("persist image url: %w", err))
		ack()
		return
	}
	_ = w.queue.MarkDone(ctx, task.RecipeID, doneTTL)
	_ = w.queue.ReleasePending(ctx, task.RecipeID)
	metrics.IncImageGen("ok")
	logger.Info().Str("title", task.Title).Msg("recipe image generated")
	ack()
}

func (w *Worker) retryOrBury(ctx context.Context, logger zerolog.Logger, task Task, cause error) {
	if task.Attempt >= w.cfg.MaxAttempts {
		payload, _ := json.Marshal(task)
		_ = w.queue.AddDLQ(ctx, payload, cause.Error())
		_ = w.queue.ReleasePending(ctx, task.RecipeID)
		metrics.IncImageGen("dead")
		logger.Error().Err(cause).Msg("imagegen task exhausted, moved to dlq")
		return
	}
	delay := w.cfg.RetryBaseDelay
	for i := 1; i < task.Attempt; i++ {
		delay *= 2
	}
	task.Attempt++
	if err := w.queue.EnqueueDelayed(ctx, task, time.Now().Add(delay)); err != nil {
		logger.Error().Err(err).Msg("imagegen retry enqueue failed")
		return
	}
	metrics.IncImageGen("retry")
	logger.Warn().Err(cause).Dur("delay", delay).Msg("imagegen task will retry")
}
