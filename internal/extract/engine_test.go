package extract

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/cookscan/internal/config"
	"github.com/local/cookscan/internal/pdf"
	"github.com/local/cookscan/internal/store"
)

type fakeDoc struct {
	pages     int
	renderErr map[int]error
}

func (d *fakeDoc) PageCount() int { return d.pages }

func (d *fakeDoc) Render(page int) ([]byte, error) {
	if err, ok := d.renderErr[page]; ok {
		return nil, err
	}
	return []byte("jpeg-bytes"), nil
}

func (d *fakeDoc) Text(page int) (string, error) {
	return fmt.Sprintf("text of page %d", page+1), nil
}

type fakeOpener struct{ doc *fakeDoc }

func (o fakeOpener) Open(ctx context.Context, ref, password string) (Document, func(), error) {
	return o.doc, func() {}, nil
}

// classifyFn adapts a function to PageClassifier and records the pages seen.
type classifyFn struct {
	mu    sync.Mutex
	seen  []int
	fn    func(page int) (PageResult, error)
	onTop func(page int) // runs before fn, outside the lock
}

func (c *classifyFn) Classify(ctx context.Context, jobID string, page int, img []byte, pageText, contextText string) (PageResult, error) {
	if c.onTop != nil {
		c.onTop(page)
	}
	c.mu.Lock()
	c.seen = append(c.seen, page)
	c.mu.Unlock()
	return c.fn(page)
}

func (c *classifyFn) pagesSeen() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, len(c.seen))
	copy(out, c.seen)
	return out
}

func singleRecipe(title string, conf float64, ingredients ...string) PageResult {
	cand := Candidate{Title: title, Confidence: conf}
	for _, name := range ingredients {
		cand.Ingredients = append(cand.Ingredients, store.Ingredient{Name: name})
	}
	return PageResult{PageType: "recipe", Recipes: []Candidate{cand}}
}

func testEngineConfig() config.ExtractionConfig {
	return config.ExtractionConfig{
		ConfidenceThreshold: 0.7,
		DedupThreshold:      0.6,
		RetryAttempts:       1,
		RetryBaseDelay:      time.Millisecond,
		CostUpdateEvery:     5,
		ContextRadius:       1,
	}
}

type engineEnv struct {
	engine     *Engine
	store      *store.Store
	emitter    *Emitter
	classifier *classifyFn
	cookbook   store.Cookbook
	job        store.Job
}

func newEngineEnv(t *testing.T, doc *fakeDoc, cl *classifyFn) *engineEnv {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cb := &store.Cookbook{UserID: "cook@example.com", Title: "Sunday Dinners", FileRef: "file:///tmp/sunday.pdf"}
	require.NoError(t, st.CreateCookbook(ctx, cb))
	job, err := st.CreateJob(ctx, cb.ID, cb.UserID)
	require.NoError(t, err)

	emitter := NewEmitter()
	eng := New(Dependencies{
		Store:      st,
		Opener:     fakeOpener{doc: doc},
		Classifier: cl,
		Emitter:    emitter,
		Registry:   NewRegistry(),
		Cfg:        testEngineConfig(),
	})
	t.Cleanup(eng.Close)

	return &engineEnv{engine: eng, store: st, emitter: emitter, classifier: cl, cookbook: *cb, job: job}
}

func (env *engineEnv) waitForStatus(t *testing.T, want store.JobStatus) store.Job {
	t.Helper()
	var got store.Job
	require.Eventually(t, func() bool {
		j, err := env.store.GetJob(context.Background(), env.job.ID)
		if err != nil {
			return false
		}
		got = j
		return j.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job never reached %s", want)
	return got
}

func TestEngineProcessesWholeBook(t *testing.T) {
	failing := map[int]bool{3: true, 7: true}
	cl := &classifyFn{fn: func(page int) (PageResult, error) {
		if failing[page] {
			return PageResult{}, &ClassificationError{Page: page, Err: errors.New("model declined")}
		}
		return singleRecipe(fmt.Sprintf("Dish %d", page), 0.9, "salt", fmt.Sprintf("ingredient %d", page)), nil
	}}
	env := newEngineEnv(t, &fakeDoc{pages: 10}, cl)

	require.NoError(t, env.engine.StartExtraction(context.Background(), env.job.ID))
	job := env.waitForStatus(t, store.JobCompleted)

	assert.Equal(t, 10, job.CurrentPage)
	require.NotNil(t, job.TotalPages)
	assert.Equal(t, 10, *job.TotalPages)
	assert.Equal(t, 8, job.RecipesExtracted)
	assert.Equal(t, 2, job.FailedPages)

	cb, err := env.store.GetCookbook(context.Background(), env.cookbook.ID)
	require.NoError(t, err)
	assert.Equal(t, store.CookbookCompleted, cb.Status)
	assert.Equal(t, 10, cb.ProcessedPages)
	assert.Equal(t, 8, cb.TotalRecipesFound)

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, cl.pagesSeen())
}

func TestEngineFirstPageFailureIsFatal(t *testing.T) {
	cl := &classifyFn{fn: func(page int) (PageResult, error) {
		return PageResult{}, &ClassificationError{Page: page, Err: errors.New("bad api key")}
	}}
	env := newEngineEnv(t, &fakeDoc{pages: 5}, cl)

	require.NoError(t, env.engine.StartExtraction(context.Background(), env.job.ID))
	job := env.waitForStatus(t, store.JobFailed)

	assert.Zero(t, job.CurrentPage)
	assert.Contains(t, job.ErrorMessage, "first page attempted failed")
	assert.Equal(t, []int{0}, env.classifier.pagesSeen())

	cb, err := env.store.GetCookbook(context.Background(), env.cookbook.ID)
	require.NoError(t, err)
	assert.Equal(t, store.CookbookFailed, cb.Status)
}

func TestEngineRenderFailureIsPageLevel(t *testing.T) {
	doc := &fakeDoc{pages: 3, renderErr: map[int]error{
		1: &pdf.RenderError{Page: 1, Reason: "raster failed", Err: errors.New("mupdf")},
	}}
	cl := &classifyFn{fn: func(page int) (PageResult, error) {
		return singleRecipe(fmt.Sprintf("Dish %d", page), 0.9, "salt"), nil
	}}
	env := newEngineEnv(t, doc, cl)

	require.NoError(t, env.engine.StartExtraction(context.Background(), env.job.ID))
	job := env.waitForStatus(t, store.JobCompleted)

	assert.Equal(t, 1, job.FailedPages)
	assert.Equal(t, 2, job.RecipesExtracted)
	// The broken page never reaches the classifier.
	assert.Equal(t, []int{0, 2}, env.classifier.pagesSeen())
}

func TestEnginePauseAndResume(t *testing.T) {
	var env *engineEnv
	cl := &classifyFn{fn: func(page int) (PageResult, error) {
		return singleRecipe(fmt.Sprintf("Dish %d", page), 0.9, "salt"), nil
	}}
	cl.onTop = func(page int) {
		if page == 4 {
			require.NoError(t, env.engine.PauseJob(context.Background(), env.job.ID))
		}
	}
	env = newEngineEnv(t, &fakeDoc{pages: 10}, cl)

	require.NoError(t, env.engine.StartExtraction(context.Background(), env.job.ID))
	job := env.waitForStatus(t, store.JobPaused)

	// Page 4 still commits; the pause lands on the loop boundary after it.
	assert.Equal(t, 5, job.CurrentPage)
	assert.Equal(t, 5, job.RecipesExtracted)

	require.NoError(t, env.engine.ResumeJob(context.Background(), env.job.ID))
	job = env.waitForStatus(t, store.JobCompleted)

	assert.Equal(t, 10, job.CurrentPage)
	assert.Equal(t, 10, job.RecipesExtracted)
	// No page processed twice across the pause.
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, cl.pagesSeen())
}

func TestEngineCancelRetainsOutput(t *testing.T) {
	var env *engineEnv
	cl := &classifyFn{fn: func(page int) (PageResult, error) {
		return singleRecipe(fmt.Sprintf("Dish %d", page), 0.9, "salt"), nil
	}}
	cl.onTop = func(page int) {
		if page == 2 {
			require.NoError(t, env.engine.CancelJob(context.Background(), env.job.ID))
		}
	}
	env = newEngineEnv(t, &fakeDoc{pages: 10}, cl)

	require.NoError(t, env.engine.StartExtraction(context.Background(), env.job.ID))
	job := env.waitForStatus(t, store.JobCancelled)

	assert.Equal(t, 3, job.CurrentPage)
	recipes, err := env.store.RecipesForCookbook(context.Background(), env.cookbook.ID)
	require.NoError(t, err)
	assert.Len(t, recipes, 3)

	cb, err := env.store.GetCookbook(context.Background(), env.cookbook.ID)
	require.NoError(t, err)
	assert.Equal(t, store.CookbookFailed, cb.Status)

	// Terminal jobs reject further control calls.
	err = env.engine.ResumeJob(context.Background(), env.job.ID)
	assert.True(t, store.IsPrecondition(err))
	err = env.engine.CancelJob(context.Background(), env.job.ID)
	assert.True(t, store.IsPrecondition(err))
}

func TestEngineDeduplicatesAcrossPages(t *testing.T) {
	cl := &classifyFn{fn: func(page int) (PageResult, error) {
		// The same dish appears on both pages, weaker the second time.
		if page == 0 {
			return singleRecipe("Pancakes", 0.9, "flour", "milk", "eggs"), nil
		}
		return singleRecipe("Pancakes", 0.5, "flour", "milk", "eggs"), nil
	}}
	env := newEngineEnv(t, &fakeDoc{pages: 2}, cl)

	require.NoError(t, env.engine.StartExtraction(context.Background(), env.job.ID))
	job := env.waitForStatus(t, store.JobCompleted)

	recipes, err := env.store.RecipesForCookbook(context.Background(), env.cookbook.ID)
	require.NoError(t, err)
	require.Len(t, recipes, 1)
	assert.Equal(t, 0.9, recipes[0].Confidence)
	assert.Equal(t, 1, job.RecipesExtracted)
}

func TestEngineStitchesContinuationPages(t *testing.T) {
	cl := &classifyFn{fn: func(page int) (PageResult, error) {
		switch page {
		case 0:
			return singleRecipe("Beef Stew", 0.9, "beef", "carrots", "onion"), nil
		default:
			res := singleRecipe("Beef Stew", 0.85, "red wine", "thyme")
			res.Recipes[0].Continuation = true
			res.Recipes[0].Instructions = []store.Instruction{{Step: 1, Text: "Simmer for two hours."}}
			return res, nil
		}
	}}
	env := newEngineEnv(t, &fakeDoc{pages: 2}, cl)

	require.NoError(t, env.engine.StartExtraction(context.Background(), env.job.ID))
	job := env.waitForStatus(t, store.JobCompleted)

	recipes, err := env.store.RecipesForCookbook(context.Background(), env.cookbook.ID)
	require.NoError(t, err)
	require.Len(t, recipes, 1)
	got := recipes[0]
	assert.Equal(t, "Beef Stew", got.Title)
	assert.Len(t, got.Ingredients, 5)
	assert.Equal(t, 0, got.SourcePage)
	assert.Equal(t, 0.85, got.Confidence)
	assert.Equal(t, 1, job.RecipesExtracted)
}

func TestEngineStitchesContinuationOnSamePage(t *testing.T) {
	cl := &classifyFn{fn: func(page int) (PageResult, error) {
		// Two-column layouts can yield the base and its continuation in one
		// verdict; only the merged recipe may reach the store.
		base := Candidate{Title: "Beef Stew", Confidence: 0.9,
			Ingredients: []store.Ingredient{{Name: "beef"}, {Name: "carrots"}}}
		cont := Candidate{Title: "Beef Stew", Continuation: true, Confidence: 0.85,
			Ingredients:  []store.Ingredient{{Name: "red wine"}},
			Instructions: []store.Instruction{{Step: 1, Text: "Simmer for two hours."}}}
		return PageResult{PageType: "recipe", Recipes: []Candidate{base, cont}}, nil
	}}
	env := newEngineEnv(t, &fakeDoc{pages: 1}, cl)

	require.NoError(t, env.engine.StartExtraction(context.Background(), env.job.ID))
	job := env.waitForStatus(t, store.JobCompleted)

	recipes, err := env.store.RecipesForCookbook(context.Background(), env.cookbook.ID)
	require.NoError(t, err)
	require.Len(t, recipes, 1)
	assert.Equal(t, "Beef Stew", recipes[0].Title)
	assert.Len(t, recipes[0].Ingredients, 3)
	assert.Equal(t, 0.85, recipes[0].Confidence)
	assert.Equal(t, 1, job.RecipesExtracted)
}

func TestEngineLowConfidenceNeedsReview(t *testing.T) {
	cl := &classifyFn{fn: func(page int) (PageResult, error) {
		return singleRecipe("Mystery Casserole", 0.4, "unknown"), nil
	}}
	env := newEngineEnv(t, &fakeDoc{pages: 1}, cl)

	require.NoError(t, env.engine.StartExtraction(context.Background(), env.job.ID))
	env.waitForStatus(t, store.JobCompleted)

	recipes, err := env.store.RecipesForCookbook(context.Background(), env.cookbook.ID)
	require.NoError(t, err)
	require.Len(t, recipes, 1)
	assert.Equal(t, store.RecipeNeedsReview, recipes[0].Status)
}

func TestEngineNonRecipePages(t *testing.T) {
	cl := &classifyFn{fn: func(page int) (PageResult, error) {
		if page == 0 {
			return PageResult{PageType: "toc", Note: "table of contents"}, nil
		}
		return singleRecipe("Dish", 0.9, "salt"), nil
	}}
	env := newEngineEnv(t, &fakeDoc{pages: 2}, cl)

	require.NoError(t, env.engine.StartExtraction(context.Background(), env.job.ID))
	job := env.waitForStatus(t, store.JobCompleted)

	assert.Equal(t, 1, job.RecipesExtracted)
	assert.Zero(t, job.FailedPages)

	lines, err := env.store.JobLogs(context.Background(), env.job.ID, "process")
	require.NoError(t, err)
	assert.Contains(t, lines[1], "toc page")
}

func TestEngineEmitsEventsAfterCommit(t *testing.T) {
	cl := &classifyFn{fn: func(page int) (PageResult, error) {
		return singleRecipe(fmt.Sprintf("Dish %d", page), 0.9, "salt"), nil
	}}
	env := newEngineEnv(t, &fakeDoc{pages: 6}, cl)

	var mu sync.Mutex
	var types []EventType
	unsub := env.emitter.Subscribe(env.job.ID, func(ev Event) {
		mu.Lock()
		types = append(types, ev.Type)
		mu.Unlock()
	})
	defer unsub()

	require.NoError(t, env.engine.StartExtraction(context.Background(), env.job.ID))
	env.waitForStatus(t, store.JobCompleted)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(types) > 0 && types[len(types)-1] == EventJobCompleted
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, EventJobStarted, types[0])
	counts := map[EventType]int{}
	for _, ty := range types {
		counts[ty]++
	}
	assert.Equal(t, 6, counts[EventPageProcessed])
	assert.Equal(t, 6, counts[EventRecipeFound])
	assert.Equal(t, 1, counts[EventCostUpdate])
	assert.Equal(t, 1, counts[EventJobCompleted])
}

func TestEngineRejectsDoubleStart(t *testing.T) {
	block := make(chan struct{})
	cl := &classifyFn{fn: func(page int) (PageResult, error) {
		<-block
		return singleRecipe("Dish", 0.9, "salt"), nil
	}}
	env := newEngineEnv(t, &fakeDoc{pages: 2}, cl)

	require.NoError(t, env.engine.StartExtraction(context.Background(), env.job.ID))
	err := env.engine.StartExtraction(context.Background(), env.job.ID)
	assert.True(t, store.IsPrecondition(err))

	close(block)
	env.waitForStatus(t, store.JobCompleted)
}

func TestEngineReExtract(t *testing.T) {
	cl := &classifyFn{fn: func(page int) (PageResult, error) {
		return singleRecipe(fmt.Sprintf("Dish %d", page), 0.9, "salt"), nil
	}}
	env := newEngineEnv(t, &fakeDoc{pages: 3}, cl)

	require.NoError(t, env.engine.StartExtraction(context.Background(), env.job.ID))
	env.waitForStatus(t, store.JobCompleted)

	ctx := context.Background()
	newJob, err := env.engine.ReExtract(ctx, env.cookbook.ID, env.cookbook.UserID)
	require.NoError(t, err)
	assert.NotEqual(t, env.job.ID, newJob.ID)

	require.Eventually(t, func() bool {
		j, err := env.store.GetJob(ctx, newJob.ID)
		return err == nil && j.Status == store.JobCompleted
	}, 5*time.Second, 5*time.Millisecond)

	recipes, err := env.store.RecipesForCookbook(ctx, env.cookbook.ID)
	require.NoError(t, err)
	assert.Len(t, recipes, 3)

	old, err := env.store.GetJob(ctx, env.job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobCancelled, old.Status)
}
