package extract

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/local/cookscan/internal/config"
	logpkg "github.com/local/cookscan/internal/logger"
	"github.com/local/cookscan/internal/metrics"
	"github.com/local/cookscan/internal/pdf"
	"github.com/local/cookscan/internal/store"
)

// Document is the page source the engine reads from.
type Document interface {
	PageCount() int
	Render(page int) ([]byte, error)
	Text(page int) (string, error)
}

// Opener resolves a cookbook file reference into an open Document. The
// returned cleanup func releases the document and any temp files behind it.
type Opener interface {
	Open(ctx context.Context, ref, password string) (Document, func(), error)
}

// PageClassifier is the model-facing side of the page loop.
type PageClassifier interface {
	Classify(ctx context.Context, jobID string, page int, imageJPEG []byte, pageText, contextText string) (PageResult, error)
}

// ImageEnqueuer schedules image generation for a committed recipe.
type ImageEnqueuer interface {
	EnqueueRecipe(ctx context.Context, recipeID, cookbookID, title string) error
}

// Notifier delivers end-of-job notifications. Only natural completion
// notifies; pauses and cancellations are user-initiated and silent.
type Notifier interface {
	ExtractionCompleted(ctx context.Context, cb store.Cookbook, job store.Job) error
}

// Dependencies wires the engine. Store, Opener, Classifier, Emitter and
// Registry are required; Images and Notifier are optional.
type Dependencies struct {
	Store      *store.Store
	Opener     Opener
	Classifier PageClassifier
	Emitter    *Emitter
	Registry   *Registry
	Images     ImageEnqueuer
	Notifier   Notifier
	Cfg        config.ExtractionConfig
	Password   string
}

// Engine runs extraction jobs. Each started job owns one goroutine that
// walks the cookbook's pages from the job's persisted current_page, so a
// restart or resume never re-processes committed pages.
type Engine struct {
	deps   Dependencies
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(deps Dependencies) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{deps: deps, ctx: ctx, cancel: cancel}
}

// Close stops accepting work and waits for running jobs to reach a loop
// boundary. In-flight jobs persist their position and restart as processing
// jobs on the next boot.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// StartExtraction transitions a pending job to processing and launches its
// goroutine. Returns a PreconditionError when the job is not startable.
func (e *Engine) StartExtraction(ctx context.Context, jobID string) error {
	job, err := e.deps.Store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != store.JobPending {
		return &store.PreconditionError{Reason: fmt.Sprintf("job %s is %s, not pending", jobID, job.Status)}
	}
	return e.launch(ctx, job)
}

// ResumeJob restarts a paused job from its persisted current_page.
func (e *Engine) ResumeJob(ctx context.Context, jobID string) error {
	job, err := e.deps.Store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != store.JobPaused {
		return &store.PreconditionError{Reason: fmt.Sprintf("job %s is %s, not paused", jobID, job.Status)}
	}
	return e.launch(ctx, job)
}

// RecoverInterrupted relaunches jobs that were pending or processing when
// the previous process died. Committed pages are skipped via current_page.
func (e *Engine) RecoverInterrupted(ctx context.Context) error {
	jobs, err := e.deps.Store.ActiveJobs(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if e.deps.Registry.Running(job.ID) {
			continue
		}
		log.Info().Str("job_id", job.ID).Int("current_page", job.CurrentPage).
			Msg("recovering interrupted job")
		if err := e.launch(ctx, job); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("recover job failed")
		}
	}
	return nil
}

func (e *Engine) launch(ctx context.Context, job store.Job) error {
	handle, ok := e.deps.Registry.Acquire(job.ID)
	if !ok {
		return &store.PreconditionError{Reason: "job " + job.ID + " is already running"}
	}
	if err := e.deps.Store.SetJobStatus(ctx, job.ID, store.JobProcessing, ""); err != nil {
		e.deps.Registry.Release(job.ID)
		return err
	}
	if err := e.deps.Store.SetCookbookStatus(ctx, job.CookbookID, store.CookbookProcessing, ""); err != nil {
		log.Warn().Err(err).Str("cookbook_id", job.CookbookID).Msg("cookbook status update failed")
	}
	resumed := job.CurrentPage > 0

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.deps.Registry.Release(job.ID)
		e.run(handle, job.ID, resumed)
	}()
	return nil
}

// PauseJob requests a pause at the next loop boundary. A still-pending job
// pauses immediately in the store.
func (e *Engine) PauseJob(ctx context.Context, jobID string) error {
	if h, ok := e.deps.Registry.Get(jobID); ok {
		h.RequestPause()
		return nil
	}
	job, err := e.deps.Store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != store.JobPending {
		return &store.PreconditionError{Reason: fmt.Sprintf("job %s is %s and cannot be paused", jobID, job.Status)}
	}
	if err := e.deps.Store.SetJobStatus(ctx, jobID, store.JobPaused, ""); err != nil {
		return err
	}
	e.deps.Emitter.Emit(Event{Type: EventJobPaused, JobID: jobID, CookbookID: job.CookbookID})
	return nil
}

// CancelJob requests cancellation. Everything committed so far is retained.
func (e *Engine) CancelJob(ctx context.Context, jobID string) error {
	if h, ok := e.deps.Registry.Get(jobID); ok {
		h.RequestCancel()
		return nil
	}
	job, err := e.deps.Store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return &store.PreconditionError{Reason: fmt.Sprintf("job %s is already %s", jobID, job.Status)}
	}
	if err := e.deps.Store.SetJobStatus(ctx, jobID, store.JobCancelled, ""); err != nil {
		return err
	}
	_ = e.deps.Store.SetCookbookStatus(ctx, job.CookbookID, store.CookbookFailed, "extraction cancelled by user")
	metrics.JobFinished(string(store.JobCancelled))
	e.deps.Emitter.Emit(Event{Type: EventJobCancelled, JobID: jobID, CookbookID: job.CookbookID})
	return nil
}

// ReExtract wipes prior output for the cookbook and starts a fresh job.
func (e *Engine) ReExtract(ctx context.Context, cookbookID, userID string) (store.Job, error) {
	if err := e.deps.Store.ResetCookbook(ctx, cookbookID); err != nil {
		return store.Job{}, err
	}
	job, err := e.deps.Store.CreateJob(ctx, cookbookID, userID)
	if err != nil {
		return store.Job{}, err
	}
	if err := e.StartExtraction(ctx, job.ID); err != nil {
		return store.Job{}, err
	}
	return job, nil
}

// run is the page loop. It must leave the job in a well-defined state on
// every exit path, including panics.
func (e *Engine) run(handle *Handle, jobID string, resumed bool) {
	ctx := e.ctx

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("job_id", jobID).
				Bytes("stack", debug.Stack()).Msg("extraction goroutine panicked")
			e.finishJob(jobID, store.JobFailed, fmt.Sprintf("internal error: %v", r))
		}
	}()

	job, err := e.deps.Store.GetJob(ctx, jobID)
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("load job failed")
		return
	}
	cb, err := e.deps.Store.GetCookbook(ctx, job.CookbookID)
	if err != nil {
		e.finishJob(jobID, store.JobFailed, "load cookbook: "+err.Error())
		return
	}

	logger := logpkg.WithJob(jobID, cb.ID)

	doc, cleanup, err := e.deps.Opener.Open(ctx, cb.FileRef, e.deps.Password)
	if err != nil {
		logger.Error().Err(err).Str("file_ref", cb.FileRef).Msg("open cookbook failed")
		e.finishJob(jobID, store.JobFailed, "open cookbook: "+err.Error())
		return
	}
	defer cleanup()

	total := doc.PageCount()
	if err := e.deps.Store.SetJobTotalPages(ctx, jobID, total); err != nil {
		e.finishJob(jobID, store.JobFailed, "persist total pages: "+err.Error())
		return
	}

	startType := EventJobStarted
	msg := fmt.Sprintf("extraction started: %d pages", total)
	if resumed {
		startType = EventJobResumed
		msg = fmt.Sprintf("extraction resumed at page %d of %d", job.CurrentPage+1, total)
	}
	_ = e.deps.Store.AppendJobLog(ctx, jobID, "process", msg)
	e.deps.Emitter.Emit(Event{Type: startType, JobID: jobID, CookbookID: cb.ID, Page: job.CurrentPage, TotalPages: total})
	logger.Info().Int("total_pages", total).Int("start_page", job.CurrentPage).Msg(msg)

	deduper := NewDeduper(e.deps.Cfg.DedupThreshold)
	committed, err := e.deps.Store.RecipesForCookbook(ctx, cb.ID)
	if err != nil {
		e.finishJob(jobID, store.JobFailed, "load committed recipes: "+err.Error())
		return
	}
	deduper.Seed(committed)
	var last *store.Recipe
	if len(committed) > 0 {
		last = &committed[len(committed)-1]
	}

	stats := newRunStats(e.deps.Cfg)
	firstAttempted := true

	for page := job.CurrentPage; page < total; page++ {
		if handle.CancelRequested() || ctx.Err() != nil {
			if ctx.Err() != nil {
				// Shutdown: leave the job processing so the next boot
				// picks it up where it stopped.
				logger.Info().Int("page", page).Msg("extraction interrupted by shutdown")
				return
			}
			_ = e.deps.Store.AppendJobLog(ctx, jobID, "process", fmt.Sprintf("cancelled at page %d", page+1))
			e.finishJob(jobID, store.JobCancelled, "")
			e.deps.Emitter.Emit(Event{Type: EventJobCancelled, JobID: jobID, CookbookID: cb.ID, Page: page, TotalPages: total})
			logger.Info().Int("page", page+1).Msg("job cancelled")
			return
		}
		if handle.PauseRequested() {
			if err := e.deps.Store.SetJobStatus(ctx, jobID, store.JobPaused, ""); err != nil {
				logger.Error().Err(err).Msg("persist paused status failed")
			}
			_ = e.deps.Store.AppendJobLog(ctx, jobID, "process", fmt.Sprintf("paused at page %d", page+1))
			e.deps.Emitter.Emit(Event{Type: EventJobPaused, JobID: jobID, CookbookID: cb.ID, Page: page, TotalPages: total})
			logger.Info().Int("page", page+1).Msg("job paused")
			return
		}

		pc, fatal := e.processPage(ctx, doc, jobID, cb.ID, page, total, deduper, stats, &last, &firstAttempted)
		if fatal != "" {
			e.finishJob(jobID, store.JobFailed, fatal)
			e.deps.Emitter.Emit(Event{Type: EventJobFailed, JobID: jobID, CookbookID: cb.ID, Page: page, TotalPages: total,
				Data: map[string]any{"error": fatal}})
			logger.Error().Int("page", page+1).Str("reason", fatal).Msg("job failed")
			return
		}

		if err := e.deps.Store.CommitPage(ctx, pc); err != nil {
			// Persistence failures are job-fatal; retrying against a broken
			// store only corrupts counters.
			reason := "persist page: " + err.Error()
			e.finishJob(jobID, store.JobFailed, reason)
			e.deps.Emitter.Emit(Event{Type: EventJobFailed, JobID: jobID, CookbookID: cb.ID, Page: page, TotalPages: total,
				Data: map[string]any{"error": reason}})
			logger.Error().Err(err).Int("page", page+1).Msg("page commit failed")
			return
		}

		e.afterCommit(ctx, pc, cb.ID, page, total, stats)
	}

	e.complete(ctx, jobID, cb, total, stats, logger)
}

// processPage renders, classifies and assembles the page commit. A non-empty
// fatal string aborts the job. Page-level failures return a commit with
// FailedPage set.
func (e *Engine) processPage(ctx context.Context, doc Document, jobID, cookbookID string, page, total int,
	deduper *Deduper, stats *runStats, last **store.Recipe, firstAttempted *bool) (store.PageCommit, string) {

	pc := store.PageCommit{JobID: jobID, CookbookID: cookbookID, Page: page}

	img, err := doc.Render(page)
	if err != nil {
		var rerr *pdf.RenderError
		if !errors.As(err, &rerr) {
			return pc, fmt.Sprintf("render page %d: %v", page+1, err)
		}
		*firstAttempted = false
		pc.FailedPage = true
		pc.ErrorLines = []string{fmt.Sprintf("page %d: render failed: %v", page+1, rerr.Reason)}
		stats.addPage(true)
		return pc, ""
	}

	pageText, _ := doc.Text(page)
	contextText := e.contextText(doc, page)

	result, err := e.deps.Classifier.Classify(ctx, jobID, page, img, pageText, contextText)
	if err != nil {
		if *firstAttempted {
			// Failing the very first page attempted points at credentials,
			// quota or the file itself rather than one awkward page.
			return pc, fmt.Sprintf("first page attempted failed: %v", err)
		}
		pc.FailedPage = true
		pc.ErrorLines = []string{fmt.Sprintf("page %d: %v", page+1, err)}
		stats.addPage(true)
		return pc, ""
	}
	*firstAttempted = false
	stats.addTokens(result.TokensIn, result.TokensOut)

	if !result.IsRecipePage() {
		pc.NonRecipe = &store.NonRecipePage{CookbookID: cookbookID, Page: page, ContentType: result.PageType, Note: result.Note}
		pc.LogLines = []string{fmt.Sprintf("page %d: %s page, no recipes", page+1, result.PageType)}
		stats.NonRecipePages++
		stats.addPage(false)
		return pc, ""
	}

	threshold := e.deps.Cfg.ConfidenceThreshold
	for _, cand := range result.Recipes {
		if cand.Continuation && *last != nil && normalizeText(cand.Title) == normalizeText((*last).Title) {
			merged := mergeContinuation(**last, cand, page)
			deduper.Forget((*last).ID)
			// The base may be an uncommitted entry from this same page, in
			// which case there is no row to delete yet; the entry is replaced
			// instead so the commit inserts only the merged recipe.
			baseIdx := -1
			for i := range pc.Recipes {
				if pc.Recipes[i].ID == (*last).ID {
					baseIdx = i
					break
				}
			}
			if baseIdx < 0 {
				pc.DeleteRecipeIDs = append(pc.DeleteRecipeIDs, (*last).ID)
			}
			if keep, superseded := deduper.Check(merged); keep {
				if superseded != "" {
					pc.DeleteRecipeIDs = append(pc.DeleteRecipeIDs, superseded)
					stats.DuplicatesRemoved++
					metrics.IncDuplicateRemoved()
				}
				if baseIdx >= 0 {
					pc.Recipes[baseIdx] = merged
					*last = &pc.Recipes[baseIdx]
				} else {
					pc.Recipes = append(pc.Recipes, merged)
					*last = &pc.Recipes[len(pc.Recipes)-1]
				}
				pc.LogLines = append(pc.LogLines, fmt.Sprintf("page %d: continued %q", page+1, merged.Title))
			} else if baseIdx >= 0 {
				pc.Recipes = append(pc.Recipes[:baseIdx], pc.Recipes[baseIdx+1:]...)
				stats.RecipesExtracted--
				pc.LogLines = append(pc.LogLines, fmt.Sprintf("page %d: duplicate of existing %q dropped", page+1, merged.Title))
				*last = nil
			}
			continue
		}

		r := candidateRecipe(cand, cookbookID, page, threshold)
		keep, superseded := deduper.Check(r)
		if !keep {
			stats.DuplicatesRemoved++
			metrics.IncDuplicateRemoved()
			pc.LogLines = append(pc.LogLines, fmt.Sprintf("page %d: duplicate of existing %q dropped", page+1, r.Title))
			continue
		}
		if superseded != "" {
			pc.DeleteRecipeIDs = append(pc.DeleteRecipeIDs, superseded)
			stats.DuplicatesRemoved++
			metrics.IncDuplicateRemoved()
		}
		pc.Recipes = append(pc.Recipes, r)
		pc.LogLines = append(pc.LogLines, fmt.Sprintf("page %d: extracted %q (confidence %.2f)", page+1, r.Title, r.Confidence))
		stats.RecipesExtracted++
		metrics.IncRecipeExtracted(string(r.Status))
		lastIdx := len(pc.Recipes) - 1
		*last = &pc.Recipes[lastIdx]
	}
	if len(pc.Recipes) == 0 && len(pc.LogLines) == 0 {
		pc.LogLines = []string{fmt.Sprintf("page %d: recipe page, nothing extractable", page+1)}
	}
	stats.addPage(false)
	return pc, ""
}

// afterCommit emits progress events and schedules image generation. Runs
// strictly after the page transaction commits so listeners never observe
// state ahead of the store.
func (e *Engine) afterCommit(ctx context.Context, pc store.PageCommit, cookbookID string, page, total int, stats *runStats) {
	result := "ok"
	if pc.FailedPage {
		result = "failed"
	}
	metrics.IncPageProcessed(result)

	listening := e.deps.Emitter.HasListeners(pc.JobID)
	if listening {
		e.deps.Emitter.Emit(Event{Type: EventPageProcessed, JobID: pc.JobID, CookbookID: cookbookID,
			Page: page + 1, TotalPages: total,
			Data: map[string]any{"failed": pc.FailedPage, "recipes_on_page": len(pc.Recipes)}})
	}

	for _, r := range pc.Recipes {
		if listening {
			e.deps.Emitter.Emit(Event{Type: EventRecipeFound, JobID: pc.JobID, CookbookID: cookbookID,
				Page: page + 1, TotalPages: total,
				Data: map[string]any{"recipe_id": r.ID, "title": r.Title, "confidence": r.Confidence}})
		}
		if e.deps.Images != nil {
			if err := e.deps.Images.EnqueueRecipe(ctx, r.ID, cookbookID, r.Title); err != nil {
				log.Warn().Err(err).Str("recipe_id", r.ID).Msg("image generation enqueue failed")
			}
		}
	}

	if stats.shouldEmitCost() && listening {
		e.deps.Emitter.Emit(Event{Type: EventCostUpdate, JobID: pc.JobID, CookbookID: cookbookID,
			Page: page + 1, TotalPages: total, Data: stats.summary()})
	}
}

// complete handles natural end-of-document: terminal statuses, the summary
// log line, the completion event and the notification email.
func (e *Engine) complete(ctx context.Context, jobID string, cb store.Cookbook, total int, stats *runStats, logger zerolog.Logger) {
	if err := e.deps.Store.SetJobStatus(ctx, jobID, store.JobCompleted, ""); err != nil {
		logger.Error().Err(err).Msg("persist completed status failed")
		return
	}
	if err := e.deps.Store.SetCookbookStatus(ctx, cb.ID, store.CookbookCompleted, ""); err != nil {
		logger.Warn().Err(err).Msg("cookbook status update failed")
	}
	metrics.JobFinished(string(store.JobCompleted))

	summary := fmt.Sprintf("extraction completed: %d pages, %d recipes, %d duplicates removed, %d failed pages, $%.4f",
		stats.PagesProcessed, stats.RecipesExtracted, stats.DuplicatesRemoved, stats.PagesFailed, stats.CostUSD())
	_ = e.deps.Store.AppendJobLog(ctx, jobID, "process", summary)
	logger.Info().
		Int("pages_processed", stats.PagesProcessed).
		Int("recipes_extracted", stats.RecipesExtracted).
		Int("duplicates_removed", stats.DuplicatesRemoved).
		Int("pages_failed", stats.PagesFailed).
		Float64("cost_usd", stats.CostUSD()).
		Msg("extraction completed")

	e.deps.Emitter.Emit(Event{Type: EventJobCompleted, JobID: jobID, CookbookID: cb.ID,
		Page: total, TotalPages: total, Data: stats.summary()})

	if e.deps.Notifier != nil {
		job, err := e.deps.Store.GetJob(ctx, jobID)
		if err == nil {
			if err := e.deps.Notifier.ExtractionCompleted(ctx, cb, job); err != nil {
				logger.Warn().Err(err).Msg("completion notification failed")
			}
		}
	}
}

func (e *Engine) finishJob(jobID string, status store.JobStatus, errMsg string) {
	ctx := context.Background()
	if err := e.deps.Store.SetJobStatus(ctx, jobID, status, errMsg); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Str("status", string(status)).Msg("persist terminal status failed")
		return
	}
	metrics.JobFinished(string(status))
	switch status {
	case store.JobFailed:
		job, err := e.deps.Store.GetJob(ctx, jobID)
		if err == nil {
			_ = e.deps.Store.SetCookbookStatus(ctx, job.CookbookID, store.CookbookFailed, errMsg)
		}
		_ = e.deps.Store.AppendJobLog(ctx, jobID, "error", errMsg)
	case store.JobCancelled:
		// Partial output is retained; the cookbook is marked failed with an
		// explanatory message so the UI shows the extraction did not finish.
		job, err := e.deps.Store.GetJob(ctx, jobID)
		if err == nil {
			_ = e.deps.Store.SetCookbookStatus(ctx, job.CookbookID, store.CookbookFailed, "extraction cancelled by user")
		}
	}
}

func candidateRecipe(c Candidate, cookbookID string, page int, confidenceThreshold float64) store.Recipe {
	status := store.RecipePending
	if c.Confidence < confidenceThreshold {
		status = store.RecipeNeedsReview
	}
	return store.Recipe{
		ID:           uuid.NewString(),
		CookbookID:   cookbookID,
		SourcePage:   page,
		Title:        strings.TrimSpace(c.Title),
		Ingredients:  c.Ingredients,
		Instructions: c.Instructions,
		Nutrition:    c.Nutrition,
		DietaryFlags: c.DietaryFlags,
		Confidence:   c.Confidence,
		Status:       status,
	}
}

// mergeContinuation folds a continuation page into the recipe it continues.
// Ingredients union by normalized name, instructions append with renumbered
// steps, confidence takes the lower of the two halves.
func mergeContinuation(base store.Recipe, c Candidate, page int) store.Recipe {
	merged := base
	merged.ID = uuid.NewString()
	merged.SourcePage = base.SourcePage

	seen := make(map[string]struct{}, len(base.Ingredients))
	for _, ing := range base.Ingredients {
		seen[normalizeText(ing.Name)] = struct{}{}
	}
	for _, ing := range c.Ingredients {
		if _, ok := seen[normalizeText(ing.Name)]; !ok {
			merged.Ingredients = append(merged.Ingredients, ing)
			seen[normalizeText(ing.Name)] = struct{}{}
		}
	}

	step := len(merged.Instructions)
	for _, ins := range c.Instructions {
		step++
		ins.Step = step
		merged.Instructions = append(merged.Instructions, ins)
	}

	flagSeen := make(map[string]struct{}, len(base.DietaryFlags))
	for _, f := range base.DietaryFlags {
		flagSeen[f] = struct{}{}
	}
	for _, f := range c.DietaryFlags {
		if _, ok := flagSeen[f]; !ok {
			merged.DietaryFlags = append(merged.DietaryFlags, f)
		}
	}

	if merged.Nutrition == nil {
		merged.Nutrition = c.Nutrition
	}
	if c.Confidence > 0 && c.Confidence < merged.Confidence {
		merged.Confidence = c.Confidence
	}
	return merged
}

// contextText collects cleaned text from neighboring pages so recipes that
// span page boundaries classify with their surroundings visible.
func (e *Engine) contextText(doc Document, page int) string {
	radius := e.deps.Cfg.ContextRadius
	if radius <= 0 {
		return ""
	}
	var b strings.Builder
	total := doc.PageCount()
	for p := page - radius; p <= page+radius; p++ {
		if p < 0 || p >= total || p == page {
			continue
		}
		text, err := doc.Text(p)
		if err != nil || strings.TrimSpace(text) == "" {
			continue
		}
		fmt.Fprintf(&b, "--- page %d ---\n%s\n", p+1, text)
	}
	return b.String()
}
