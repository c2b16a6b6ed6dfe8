package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Store is the single source of truth for cookbooks, jobs, recipes and logs.
// The in-memory emitter and control registry are hints only; everything the
// engine needs to resume safely lives here.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies the schema.
// Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite is single-writer; one connection avoids SQLITE_BUSY
	// under the cooperative scheduler.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// --- Cookbooks ---

func (s *Store) CreateCookbook(ctx context.Context, cb *Cookbook) error {
	if cb.ID == "" {
		cb.ID = uuid.NewString()
	}
	if cb.Status == "" {
		cb.Status = CookbookUploaded
	}
	now := time.Now().UTC()
	cb.CreatedAt, cb.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cookbooks (id, user_id, title, file_ref, status, processed_pages, total_recipes_found, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, 0, '', ?, ?)`,
		cb.ID, cb.UserID, cb.Title, cb.FileRef, string(cb.Status), cb.CreatedAt, cb.UpdatedAt)
	return perr("create cookbook", err)
}

func (s *Store) GetCookbook(ctx context.Context, id string) (Cookbook, error) {
	var cb Cookbook
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, file_ref, status, processed_pages, total_recipes_found, error_message, created_at, updated_at
		FROM cookbooks WHERE id = ?`, id).Scan(
		&cb.ID, &cb.UserID, &cb.Title, &cb.FileRef, &status, &cb.ProcessedPages,
		&cb.TotalRecipesFound, &cb.ErrorMessage, &cb.CreatedAt, &cb.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Cookbook{}, ErrNotFound
	}
	if err != nil {
		return Cookbook{}, perr("get cookbook", err)
	}
	cb.Status = CookbookStatus(status)
	return cb, nil
}

func (s *Store) SetCookbookStatus(ctx context.Context, id string, status CookbookStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cookbooks SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(status), errMsg, time.Now().UTC(), id)
	if err != nil {
		return perr("set cookbook status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Jobs ---

// CreateJob inserts a fresh pending job. It enforces the one-active-job-per-
// cookbook invariant inside the transaction that creates the row.
func (s *Store) CreateJob(ctx context.Context, cookbookID, userID string) (Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, perr("begin create job", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM cookbooks WHERE id = ?`, cookbookID).Scan(&exists); err != nil {
		return Job{}, perr("create job", err)
	}
	if exists == 0 {
		return Job{}, &PreconditionError{Reason: "cookbook not found: " + cookbookID}
	}

	var active int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM processing_jobs WHERE cookbook_id = ? AND status IN ('pending','processing')`,
		cookbookID).Scan(&active); err != nil {
		return Job{}, perr("create job", err)
	}
	if active > 0 {
		return Job{}, &PreconditionError{Reason: "an active job already exists for cookbook " + cookbookID}
	}

	job := Job{
		ID:         uuid.NewString(),
		CookbookID: cookbookID,
		UserID:     userID,
		Status:     JobPending,
		CreatedAt:  time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO processing_jobs (id, cookbook_id, user_id, status, current_page, recipes_extracted, failed_pages, error_message, created_at)
		VALUES (?, ?, ?, 'pending', 0, 0, 0, '', ?)`,
		job.ID, job.CookbookID, job.UserID, job.CreatedAt); err != nil {
		return Job{}, perr("insert job", err)
	}
	if err := tx.Commit(); err != nil {
		return Job{}, perr("commit create job", err)
	}
	log.Info().Str("job_id", job.ID).Str("cookbook_id", cookbookID).Msg("job created")
	return job, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	var j Job
	var status string
	var total sql.NullInt64
	var started, completed sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, cookbook_id, user_id, status, total_pages, current_page, recipes_extracted, failed_pages, error_message, created_at, started_at, completed_at
		FROM processing_jobs WHERE id = ?`, id).Scan(
		&j.ID, &j.CookbookID, &j.UserID, &status, &total, &j.CurrentPage,
		&j.RecipesExtracted, &j.FailedPages, &j.ErrorMessage, &j.CreatedAt, &started, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, perr("get job", err)
	}
	j.Status = JobStatus(status)
	if total.Valid {
		n := int(total.Int64)
		j.TotalPages = &n
	}
	if started.Valid {
		t := started.Time
		j.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		j.CompletedAt = &t
	}
	return j, nil
}

// SetJobStatus transitions the job, stamping started_at on first entry into
// processing and completed_at on terminal states.
func (s *Store) SetJobStatus(ctx context.Context, id string, status JobStatus, errMsg string) error {
	now := time.Now().UTC()
	var res sql.Result
	var err error
	switch {
	case status == JobProcessing:
		res, err = s.db.ExecContext(ctx, `
			UPDATE processing_jobs SET status = ?, error_message = ?, started_at = COALESCE(started_at, ?) WHERE id = ?`,
			string(status), errMsg, now, id)
	case status.Terminal():
		res, err = s.db.ExecContext(ctx, `
			UPDATE processing_jobs SET status = ?, error_message = ?, completed_at = ? WHERE id = ?`,
			string(status), errMsg, now, id)
	default:
		res, err = s.db.ExecContext(ctx, `
			UPDATE processing_jobs SET status = ?, error_message = ? WHERE id = ?`,
			string(status), errMsg, id)
	}
	if err != nil {
		return perr("set job status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetJobTotalPages(ctx context.Context, id string, total int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE processing_jobs SET total_pages = ? WHERE id = ?`, total, id)
	return perr("set job total pages", err)
}

// QueuePosition computes the job's position: processing jobs report 0,
// pending jobs count earlier-created jobs still in {pending, processing}.
func (s *Store) QueuePosition(ctx context.Context, id string) (int, error) {
	j, err := s.GetJob(ctx, id)
	if err != nil {
		return 0, err
	}
	if j.Status != JobPending {
		return 0, nil
	}
	var pos int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM processing_jobs
		WHERE status IN ('pending','processing') AND created_at < ? AND id != ?`,
		j.CreatedAt, j.ID).Scan(&pos)
	if err != nil {
		return 0, perr("queue position", err)
	}
	return pos, nil
}

// ActiveJobs returns jobs in pending or processing state, oldest first.
// Called at startup to pick up work interrupted by a restart.
func (s *Store) ActiveJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM processing_jobs WHERE status IN ('pending','processing') ORDER BY created_at`)
	if err != nil {
		return nil, perr("active jobs", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, perr("active jobs", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, perr("active jobs", err)
	}
	out := make([]Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

// DeleteJob removes a failed job and its logs (administrative cleanup only).
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	j, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if !j.Status.Terminal() {
		return &PreconditionError{Reason: "cannot delete non-terminal job " + id}
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM processing_jobs WHERE id = ?`, id)
	return perr("delete job", err)
}

// --- Page commit ---

// CommitPage applies one page's results atomically: recipe rows, superseded
// row deletes, non-recipe audit row, job counters and logs, and the cookbook's
// denormalized mirror. Either all of it lands or none of it does.
func (s *Store) CommitPage(ctx context.Context, pc PageCommit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return perr("begin page commit", err)
	}
	defer tx.Rollback()

	for _, id := range pc.DeleteRecipeIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM recipes WHERE id = ? AND cookbook_id = ?`, id, pc.CookbookID); err != nil {
			return perr("delete superseded recipe", err)
		}
	}

	now := time.Now().UTC()
	for i := range pc.Recipes {
		r := &pc.Recipes[i]
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.Status == "" {
			r.Status = RecipePending
		}
		r.CookbookID = pc.CookbookID
		r.CreatedAt = now
		ing, _ := json.Marshal(r.Ingredients)
		ins, _ := json.Marshal(r.Instructions)
		flags, _ := json.Marshal(r.DietaryFlags)
		var nut any
		if r.Nutrition != nil {
			b, _ := json.Marshal(r.Nutrition)
			nut = string(b)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO recipes (id, cookbook_id, source_page, title, ingredients, instructions, nutrition, dietary_flags, confidence, status, image_url, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?)`,
			r.ID, r.CookbookID, r.SourcePage, r.Title, string(ing), string(ins), nut, string(flags), r.Confidence, string(r.Status), r.CreatedAt); err != nil {
			return perr("insert recipe", err)
		}
	}

	if nr := pc.NonRecipe; nr != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO non_recipe_pages (cookbook_id, page, content_type, note, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (cookbook_id, page) DO UPDATE SET content_type = excluded.content_type, note = excluded.note`,
			pc.CookbookID, nr.Page, nr.ContentType, nr.Note, now); err != nil {
			return perr("insert non-recipe page", err)
		}
	}

	failedDelta := 0
	if pc.FailedPage {
		failedDelta = 1
	}
	// current_page only ever moves forward
	if _, err := tx.ExecContext(ctx, `
		UPDATE processing_jobs SET
			current_page = MAX(current_page, ?),
			recipes_extracted = recipes_extracted + ? - ?,
			failed_pages = failed_pages + ?
		WHERE id = ?`,
		pc.Page+1, len(pc.Recipes), len(pc.DeleteRecipeIDs), failedDelta, pc.JobID); err != nil {
		return perr("update job progress", err)
	}

	if err := appendLogsTx(ctx, tx, pc.JobID, "process", pc.LogLines, now); err != nil {
		return err
	}
	if err := appendLogsTx(ctx, tx, pc.JobID, "error", pc.ErrorLines, now); err != nil {
		return err
	}

	// Keep the cookbook mirror derivable from job + recipes at all times.
	if _, err := tx.ExecContext(ctx, `
		UPDATE cookbooks SET
			processed_pages = (SELECT current_page FROM processing_jobs WHERE id = ?),
			total_recipes_found = (SELECT COUNT(*) FROM recipes WHERE cookbook_id = ?),
			updated_at = ?
		WHERE id = ?`,
		pc.JobID, pc.CookbookID, now, pc.CookbookID); err != nil {
		return perr("update cookbook counters", err)
	}

	return perr("commit page", tx.Commit())
}

func appendLogsTx(ctx context.Context, tx *sql.Tx, jobID, stream string, lines []string, now time.Time) error {
	for _, line := range lines {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO job_logs (job_id, seq, stream, line, created_at)
			VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM job_logs WHERE job_id = ?), ?, ?, ?)`,
			jobID, jobID, stream, line, now); err != nil {
			return perr("append log", err)
		}
	}
	return nil
}

// AppendJobLog appends a single line outside a page commit (job start,
// completion summary, failure reasons).
func (s *Store) AppendJobLog(ctx context.Context, jobID, stream, line string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_logs (job_id, seq, stream, line, created_at)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM job_logs WHERE job_id = ?), ?, ?, ?)`,
		jobID, jobID, stream, line, time.Now().UTC())
	return perr("append log", err)
}

// JobLogs returns the ordered log lines for one stream ("process"|"error").
func (s *Store) JobLogs(ctx context.Context, jobID, stream string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT line FROM job_logs WHERE job_id = ? AND stream = ? ORDER BY seq`, jobID, stream)
	if err != nil {
		return nil, perr("job logs", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, perr("job logs", err)
		}
		out = append(out, line)
	}
	return out, rows.Err()
}

// --- Recipes ---

func (s *Store) RecipesForCookbook(ctx context.Context, cookbookID string) ([]Recipe, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cookbook_id, source_page, title, ingredients, instructions, nutrition, dietary_flags, confidence, status, image_url, created_at
		FROM recipes WHERE cookbook_id = ? ORDER BY source_page, created_at`, cookbookID)
	if err != nil {
		return nil, perr("recipes for cookbook", err)
	}
	defer rows.Close()
	return scanRecipes(rows)
}

// RecipesMissingImages returns recipes awaiting image generation, oldest
// first. Rejected recipes are skipped; nobody will see their image.
func (s *Store) RecipesMissingImages(ctx context.Context, limit int) ([]Recipe, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cookbook_id, source_page, title, ingredients, instructions, nutrition, dietary_flags, confidence, status, image_url, created_at
		FROM recipes WHERE image_url = '' AND status IN ('pending','approved','needs_review')
		ORDER BY created_at LIMIT ?`, limit)
	if err != nil {
		return nil, perr("recipes missing images", err)
	}
	defer rows.Close()
	return scanRecipes(rows)
}

func (s *Store) SetRecipeImageURL(ctx context.Context, recipeID, url string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE recipes SET image_url = ? WHERE id = ?`, url, recipeID)
	if err != nil {
		return perr("set recipe image url", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRecipeStatus is the human review action (approve/reject).
func (s *Store) SetRecipeStatus(ctx context.Context, recipeID string, status RecipeStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE recipes SET status = ? WHERE id = ?`, string(status), recipeID)
	if err != nil {
		return perr("set recipe status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRecipes(rows *sql.Rows) ([]Recipe, error) {
	var out []Recipe
	for rows.Next() {
		var r Recipe
		var status string
		var ing, ins, flags string
		var nut sql.NullString
		if err := rows.Scan(&r.ID, &r.CookbookID, &r.SourcePage, &r.Title, &ing, &ins, &nut,
			&flags, &r.Confidence, &status, &r.ImageURL, &r.CreatedAt); err != nil {
			return nil, perr("scan recipe", err)
		}
		r.Status = RecipeStatus(status)
		_ = json.Unmarshal([]byte(ing), &r.Ingredients)
		_ = json.Unmarshal([]byte(ins), &r.Instructions)
		_ = json.Unmarshal([]byte(flags), &r.DietaryFlags)
		if nut.Valid && nut.String != "" {
			r.Nutrition = &Nutrition{}
			_ = json.Unmarshal([]byte(nut.String), r.Nutrition)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Re-extract ---

// ResetCookbook wipes all extraction output for a cookbook so a fresh job can
// start from page 0: recipes and non-recipe rows deleted, counters zeroed,
// prior terminal jobs marked cancelled. Rejected while an active job exists.
func (s *Store) ResetCookbook(ctx context.Context, cookbookID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return perr("begin reset cookbook", err)
	}
	defer tx.Rollback()

	var active int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM processing_jobs WHERE cookbook_id = ? AND status IN ('pending','processing')`,
		cookbookID).Scan(&active); err != nil {
		return perr("reset cookbook", err)
	}
	if active > 0 {
		return &PreconditionError{Reason: "an active job exists for cookbook " + cookbookID}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM recipes WHERE cookbook_id = ?`, cookbookID); err != nil {
		return perr("delete recipes", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM non_recipe_pages WHERE cookbook_id = ?`, cookbookID); err != nil {
		return perr("delete non-recipe pages", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE processing_jobs SET status = 'cancelled', completed_at = COALESCE(completed_at, ?)
		WHERE cookbook_id = ? AND status != 'cancelled'`,
		time.Now().UTC(), cookbookID); err != nil {
		return perr("cancel prior jobs", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE cookbooks SET status = 'uploaded', processed_pages = 0, total_recipes_found = 0, error_message = '', updated_at = ?
		WHERE id = ?`, time.Now().UTC(), cookbookID)
	if err != nil {
		return perr("reset cookbook counters", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return perr("commit reset cookbook", tx.Commit())
}
