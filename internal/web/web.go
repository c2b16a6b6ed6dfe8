package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/cookscan/internal/extract"
	"github.com/local/cookscan/internal/filetype"
	"github.com/local/cookscan/internal/metrics"
	"github.com/local/cookscan/internal/store"
)

// JobControl is the engine surface the API drives.
type JobControl interface {
	StartExtraction(ctx context.Context, jobID string) error
	PauseJob(ctx context.Context, jobID string) error
	ResumeJob(ctx context.Context, jobID string) error
	CancelJob(ctx context.Context, jobID string) error
	ReExtract(ctx context.Context, cookbookID, userID string) (store.Job, error)
}

// ImageSweeper triggers the recovery sweep on demand.
type ImageSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

type Dependencies struct {
	Store     *store.Store
	Engine    JobControl
	Emitter   *extract.Emitter
	Sweeper   ImageSweeper
	Detector  *filetype.Detector
	UploadDir string
}

type Server struct {
	deps Dependencies
}

func New(deps Dependencies) *Server {
	return &Server{deps: deps}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/cookbooks", s.handleCreateCookbook)
	mux.HandleFunc("/cookbooks/upload", s.handleUpload)
	mux.HandleFunc("/cookbooks/", s.handleCookbook)
	mux.HandleFunc("/jobs", s.handleCreateJob)
	mux.HandleFunc("/jobs/", s.handleJob)
	mux.HandleFunc("/recipes/", s.handleRecipe)
	mux.HandleFunc("/admin/recover_images", s.handleRecoverImages)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case store.IsPrecondition(err):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		log.Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

type createCookbookReq struct {
	FileRef string `json:"file_ref"`
	Title   string `json:"title"`
	UserID  string `json:"user_id"`
}

// handleCreateCookbook registers an already-stored file (s3://, http://,
// file:// or a bare key in the configured bucket) as a cookbook.
func (s *Server) handleCreateCookbook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var req createCookbookReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.FileRef == "" || req.UserID == "" {
		http.Error(w, "missing file_ref or user_id", http.StatusBadRequest)
		return
	}
	if req.Title == "" {
		req.Title = strings.TrimSuffix(filepath.Base(req.FileRef), filepath.Ext(req.FileRef))
	}
	cb := &store.Cookbook{UserID: req.UserID, Title: req.Title, FileRef: req.FileRef}
	if err := s.deps.Store.CreateCookbook(r.Context(), cb); err != nil {
		writeErr(w, err)
		return
	}
	log.Info().Str("cookbook_id", cb.ID).Str("file_ref", cb.FileRef).Msg("cookbook registered")
	writeJSON(w, http.StatusCreated, cb)
}

// handleUpload accepts a multipart PDF, verifies the content type by sniffing
// and stores it under the upload dir.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseMultipartForm(128 << 20); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}
	file, hdr, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	userID := r.FormValue("user_id")
	if userID == "" {
		http.Error(w, "missing user_id", http.StatusBadRequest)
		return
	}
	title := r.FormValue("title")
	if title == "" {
		title = strings.TrimSuffix(hdr.Filename, filepath.Ext(hdr.Filename))
	}

	if err := os.MkdirAll(s.deps.UploadDir, 0o755); err != nil {
		writeErr(w, err)
		return
	}
	dst := filepath.Join(s.deps.UploadDir, uuid.NewString()+".pdf")
	out, err := os.Create(dst)
	if err != nil {
		writeErr(w, err)
		return
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		os.Remove(dst)
		writeErr(w, err)
		return
	}
	out.Close()

	info, err := s.deps.Detector.Detect(dst)
	if err != nil || !info.Supported {
		os.Remove(dst)
		mime := "unknown"
		if err == nil {
			mime = info.MIMEType
		}
		http.Error(w, fmt.Sprintf("unsupported file type %s, expected application/pdf", mime), http.StatusUnsupportedMediaType)
		return
	}

	cb := &store.Cookbook{UserID: userID, Title: title, FileRef: "file://" + dst}
	if err := s.deps.Store.CreateCookbook(r.Context(), cb); err != nil {
		os.Remove(dst)
		writeErr(w, err)
		return
	}
	log.Info().Str("cookbook_id", cb.ID).Str("title", title).Int64("bytes", hdr.Size).Msg("cookbook uploaded")
	writeJSON(w, http.StatusCreated, cb)
}

// handleCookbook serves /cookbooks/{id}, /cookbooks/{id}/recipes and
// /cookbooks/{id}/reextract.
func (s *Server) handleCookbook(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/cookbooks/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		cb, err := s.deps.Store.GetCookbook(r.Context(), id)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cb)
	case "recipes":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		recipes, err := s.deps.Store.RecipesForCookbook(r.Context(), id)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"recipes": recipes, "count": len(recipes)})
	case "reextract":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		cb, err := s.deps.Store.GetCookbook(r.Context(), id)
		if err != nil {
			writeErr(w, err)
			return
		}
		job, err := s.deps.Engine.ReExtract(r.Context(), id, cb.UserID)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, job)
	default:
		http.NotFound(w, r)
	}
}

type createJobReq struct {
	CookbookID string `json:"cookbook_id"`
	UserID     string `json:"user_id"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var req createJobReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.CookbookID == "" {
		http.Error(w, "missing cookbook_id", http.StatusBadRequest)
		return
	}
	job, err := s.deps.Store.CreateJob(r.Context(), req.CookbookID, req.UserID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := s.deps.Engine.StartExtraction(r.Context(), job.ID); err != nil {
		writeErr(w, err)
		return
	}
	pos, err := s.deps.Store.QueuePosition(r.Context(), job.ID)
	if err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("queue position lookup failed")
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job, "queue_position": pos})
}

// handleJob serves /jobs/{id} plus the pause/resume/cancel/logs/events
// subresources.
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/jobs/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.NotFound(w, r)
		return
	}
	ctx := r.Context()

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			job, err := s.deps.Store.GetJob(ctx, id)
			if err != nil {
				writeErr(w, err)
				return
			}
			pos, err := s.deps.Store.QueuePosition(ctx, id)
			if err != nil {
				log.Error().Err(err).Str("job_id", id).Msg("queue position lookup failed")
			}
			writeJSON(w, http.StatusOK, map[string]any{"job": job, "queue_position": pos})
		case http.MethodDelete:
			if err := s.deps.Store.DeleteJob(ctx, id); err != nil {
				writeErr(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case "pause":
		s.jobAction(w, r, id, s.deps.Engine.PauseJob)
	case "resume":
		s.jobAction(w, r, id, s.deps.Engine.ResumeJob)
	case "cancel":
		s.jobAction(w, r, id, s.deps.Engine.CancelJob)
	case "logs":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		stream := r.URL.Query().Get("stream")
		if stream == "" {
			stream = "process"
		}
		if stream != "process" && stream != "error" {
			http.Error(w, "stream must be process or error", http.StatusBadRequest)
			return
		}
		lines, err := s.deps.Store.JobLogs(ctx, id, stream)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"stream": stream, "lines": lines})
	case "events":
		s.handleEvents(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) jobAction(w http.ResponseWriter, r *http.Request, id string, fn func(context.Context, string) error) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := fn(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "job_id": id})
}

// handleEvents streams job progress as server-sent events until the client
// disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, err := s.deps.Store.GetJob(r.Context(), jobID); err != nil {
		writeErr(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events := make(chan extract.Event, 64)
	unsubscribe := s.deps.Emitter.Subscribe(jobID, func(ev extract.Event) {
		select {
		case events <- ev:
		default:
			// slow client, drop rather than stall the page loop
		}
	})
	defer unsubscribe()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
			switch ev.Type {
			case extract.EventJobCompleted, extract.EventJobFailed, extract.EventJobCancelled:
				return
			}
		}
	}
}

type recipeStatusReq struct {
	Status string `json:"status"`
}

// handleRecipe serves /recipes/{id}/status for the review workflow.
func (s *Server) handleRecipe(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/recipes/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" || action != "status" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var req recipeStatusReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	status := store.RecipeStatus(req.Status)
	switch status {
	case store.RecipeApproved, store.RecipeRejected, store.RecipeNeedsReview, store.RecipePending:
	default:
		http.Error(w, "invalid status", http.StatusBadRequest)
		return
	}
	if err := s.deps.Store.SetRecipeStatus(r.Context(), id, status); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"recipe_id": id, "status": string(status)})
}

func (s *Server) handleRecoverImages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Sweeper == nil {
		http.Error(w, "image generation disabled", http.StatusServiceUnavailable)
		return
	}
	n, err := s.deps.Sweeper.Sweep(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enqueued": n})
}
