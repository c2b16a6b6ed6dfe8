package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/cookscan/internal/extract"
	"github.com/local/cookscan/internal/store"
)

type fakeEngine struct {
	started   []string
	paused    []string
	resumed   []string
	cancelled []string
	err       error
}

func (f *fakeEngine) StartExtraction(ctx context.Context, jobID string) error {
	f.started = append(f.started, jobID)
	return f.err
}

func (f *fakeEngine) PauseJob(ctx context.Context, jobID string) error {
	f.paused = append(f.paused, jobID)
	return f.err
}

func (f *fakeEngine) ResumeJob(ctx context.Context, jobID string) error {
	f.resumed = append(f.resumed, jobID)
	return f.err
}

func (f *fakeEngine) CancelJob(ctx context.Context, jobID string) error {
	f.cancelled = append(f.cancelled, jobID)
	return f.err
}

func (f *fakeEngine) ReExtract(ctx context.Context, cookbookID, userID string) (store.Job, error) {
	return store.Job{ID: "re-job", CookbookID: cookbookID, UserID: userID}, f.err
}

func newTestServer(t *testing.T) (*http.ServeMux, *store.Store, *fakeEngine) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	eng := &fakeEngine{}
	srv := New(Dependencies{
		Store:     st,
		Engine:    eng,
		Emitter:   extract.NewEmitter(),
		UploadDir: t.TempDir(),
	})
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	return mux, st, eng
}

func postJSON(t *testing.T, mux *http.ServeMux, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestCreateCookbookAndJobFlow(t *testing.T) {
	mux, _, eng := newTestServer(t)

	rec := postJSON(t, mux, "/cookbooks", map[string]string{
		"file_ref": "s3://books/sunday-dinners.pdf",
		"user_id":  "cook@example.com",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var cb store.Cookbook
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cb))
	assert.Equal(t, "sunday-dinners", cb.Title)
	assert.NotEmpty(t, cb.ID)

	rec = postJSON(t, mux, "/jobs", map[string]string{
		"cookbook_id": cb.ID,
		"user_id":     "cook@example.com",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var out struct {
		Job           store.Job `json:"job"`
		QueuePosition int       `json:"queue_position"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, cb.ID, out.Job.CookbookID)
	require.Len(t, eng.started, 1)
	assert.Equal(t, out.Job.ID, eng.started[0])

	// Second job for the same cookbook conflicts while one is active.
	rec = postJSON(t, mux, "/jobs", map[string]string{"cookbook_id": cb.ID})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestJobControlEndpoints(t *testing.T) {
	mux, st, eng := newTestServer(t)
	ctx := context.Background()

	cb := &store.Cookbook{UserID: "u", Title: "Book", FileRef: "file:///tmp/b.pdf"}
	require.NoError(t, st.CreateCookbook(ctx, cb))
	job, err := st.CreateJob(ctx, cb.ID, "u")
	require.NoError(t, err)

	for _, action := range []string{"pause", "resume", "cancel"} {
		rec := postJSON(t, mux, "/jobs/"+job.ID+"/"+action, nil)
		assert.Equal(t, http.StatusAccepted, rec.Code, action)
	}
	assert.Equal(t, []string{job.ID}, eng.paused)
	assert.Equal(t, []string{job.ID}, eng.resumed)
	assert.Equal(t, []string{job.ID}, eng.cancelled)

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Job store.Job `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, store.JobPending, out.Job.Status)

	// Cleanup deletion only applies to terminal jobs.
	req = httptest.NewRequest(http.MethodDelete, "/jobs/"+job.ID, nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, st.SetJobStatus(ctx, job.ID, store.JobCancelled, ""))
	req = httptest.NewRequest(http.MethodDelete, "/jobs/"+job.ID, nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestJobNotFound(t *testing.T) {
	mux, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/jobs/missing", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecipeStatusEndpoint(t *testing.T) {
	mux, st, _ := newTestServer(t)
	ctx := context.Background()

	cb := &store.Cookbook{UserID: "u", Title: "Book", FileRef: "file:///tmp/b.pdf"}
	require.NoError(t, st.CreateCookbook(ctx, cb))
	job, err := st.CreateJob(ctx, cb.ID, "u")
	require.NoError(t, err)
	require.NoError(t, st.CommitPage(ctx, store.PageCommit{
		JobID: job.ID, CookbookID: cb.ID, Page: 0,
		Recipes: []store.Recipe{{ID: "r1", Title: "Soup"}},
	}))

	rec := postJSON(t, mux, "/recipes/r1/status", map[string]string{"status": "approved"})
	require.Equal(t, http.StatusOK, rec.Code)

	recipes, err := st.RecipesForCookbook(ctx, cb.ID)
	require.NoError(t, err)
	require.Len(t, recipes, 1)
	assert.Equal(t, store.RecipeApproved, recipes[0].Status)

	rec = postJSON(t, mux, "/recipes/r1/status", map[string]string{"status": "tasty"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReExtractEndpoint(t *testing.T) {
	mux, st, _ := newTestServer(t)
	ctx := context.Background()

	cb := &store.Cookbook{UserID: "u", Title: "Book", FileRef: "file:///tmp/b.pdf"}
	require.NoError(t, st.CreateCookbook(ctx, cb))

	rec := postJSON(t, mux, "/cookbooks/"+cb.ID+"/reextract", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var job store.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, "re-job", job.ID)
}

func TestRecoverImagesWithoutSweeper(t *testing.T) {
	mux, _, _ := newTestServer(t)
	rec := postJSON(t, mux, "/admin/recover_images", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCreateCookbookValidation(t *testing.T) {
	mux, _, _ := newTestServer(t)
	rec := postJSON(t, mux, "/cookbooks", map[string]string{"file_ref": "s3://x.pdf"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/cookbooks", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
