package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/schema"
	"github.com/rs/cors"

	"github.com/audioscribe/audioscribe-backend/internal/auth"
	"github.com/audioscribe/audioscribe-backend/internal/job"
	"github.com/audioscribe/audioscribe-backend/internal/objstore"
	"github.com/audioscribe/audioscribe-backend/internal/queue"
	"github.com/audioscribe/audioscribe-backend/internal/storage"
)

const (
	maxUploadBytes  = 100 << 20 // 100 MiB
	signedURLTTL    = time.Hour
	defaultPageSize = 100
	memoryBuffer    = 32 << 20
)

var allowedTypes = map[string]bool{
	"audio/mpeg": true,
	"audio/wav":  true,
	"audio/mp3":  true,
	"audio/m4a":  true,
	"audio/ogg":  true,
}

var queryDecoder = newQueryDecoder()

func newQueryDecoder() *schema.Decoder {
	d := schema.NewDecoder()
	d.IgnoreUnknownKeys(true)
	return d
}

// Server is the HTTP surface: job submission, status queries and deletion.
type Server struct {
	store     storage.Storage
	queue     queue.Queue
	blobs     objstore.Store
	authn     auth.Authenticator
	log       *slog.Logger
	maxUpload int64
}

func NewServer(store storage.Storage, q queue.Queue, blobs objstore.Store, authn auth.Authenticator, log *slog.Logger) *Server {
	return &Server{store: store, queue: q, blobs: blobs, authn: authn, log: log, maxUpload: maxUploadBytes}
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/transcriptions/upload", s.withAuth(s.handleUpload))
	mux.HandleFunc("GET /api/v1/transcriptions", s.withAuth(s.handleList))
	mux.HandleFunc("GET /api/v1/transcriptions/{id}", s.withAuth(s.handleGet))
	mux.HandleFunc("DELETE /api/v1/transcriptions/{id}", s.withAuth(s.handleDelete))
	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})
	return c.Handler(mux)
}

type authedHandler func(w http.ResponseWriter, r *http.Request, caller *auth.Identity)

func (s *Server) withAuth(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := s.authn.Authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Not authenticated")
			return
		}
		h(w, r, caller)
	}
}

type uploadParams struct {
	Diarization   bool `schema:"enable_speaker_diarization"`
	Sentiment     bool `schema:"enable_sentiment_analysis"`
	Summarization bool `schema:"enable_summarization"`
}

type submissionResponse struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, caller *auth.Identity) {
	params := uploadParams{Diarization: true, Sentiment: true, Summarization: true}
	if err := queryDecoder.Decode(&params, r.URL.Query()); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid feature flags")
		return
	}

	if err := r.ParseMultipartForm(memoryBuffer); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart request")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing file field")
		return
	}
	defer file.Close()

	// Both validations run before anything is persisted.
	contentType := header.Header.Get("Content-Type")
	if !allowedTypes[contentType] {
		writeError(w, http.StatusBadRequest, "Unsupported file type. Allowed types: audio/mpeg, audio/wav, audio/mp3, audio/m4a, audio/ogg")
		return
	}
	if header.Size > s.maxUpload {
		writeError(w, http.StatusBadRequest, "File size too large. Maximum allowed size is 100MB")
		return
	}

	key := fmt.Sprintf("audio/%d/%s%s", caller.UserID, uuid.New().String(), path.Ext(header.Filename))
	blobID, err := s.blobs.Put(key, file, header.Size, contentType)
	if err != nil {
		s.log.Error("blob upload failed", "key", key, "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to store audio file")
		return
	}
	signedURL, err := s.blobs.SignedURL(blobID, signedURLTTL)
	if err != nil {
		s.log.Error("sign url failed", "key", key, "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to store audio file")
		return
	}

	j := &job.Job{
		UserID:    caller.UserID,
		Filename:  header.Filename,
		SourceURL: signedURL,
		Flags: job.FeatureFlags{
			Diarization:   params.Diarization,
			Sentiment:     params.Sentiment,
			Summarization: params.Summarization,
		},
	}
	if err := s.store.CreateJob(j); err != nil {
		s.log.Error("create job failed", "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to create transcription job")
		return
	}

	// The row already exists; a failed publish must not report success.
	// The sweep can recover the orphaned pending row later.
	if err := s.queue.Publish(r.Context(), j.ID, 0); err != nil {
		s.log.Error("enqueue failed", "job_id", j.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to enqueue transcription job")
		return
	}

	s.log.Info("job submitted", "job_id", j.ID, "user_id", caller.UserID, "filename", j.Filename)
	writeJSON(w, http.StatusOK, submissionResponse{
		JobID:   j.ID,
		Message: "File uploaded successfully. Transcription job started.",
		Status:  job.StatusPending,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, caller *auth.Identity) {
	j, ok := s.fetchOwned(w, r, caller)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, j)
}

type listParams struct {
	Skip  int `schema:"skip"`
	Limit int `schema:"limit"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, caller *auth.Identity) {
	params := listParams{Limit: defaultPageSize}
	if err := queryDecoder.Decode(&params, r.URL.Query()); err != nil || params.Skip < 0 || params.Limit < 0 {
		writeError(w, http.StatusBadRequest, "Invalid pagination")
		return
	}
	jobs, err := s.store.ListJobs(caller.UserID, caller.Superuser, params.Skip, params.Limit)
	if err != nil {
		s.log.Error("list jobs failed", "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to list transcription jobs")
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, caller *auth.Identity) {
	j, ok := s.fetchOwned(w, r, caller)
	if !ok {
		return
	}
	if err := s.store.DeleteJob(j.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Job not found")
			return
		}
		s.log.Error("delete job failed", "job_id", j.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to delete transcription job")
		return
	}
	s.log.Info("job deleted", "job_id", j.ID, "user_id", caller.UserID)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Job deleted successfully"})
}

// fetchOwned loads the job and enforces the visibility rule: owners and
// superusers only. Missing jobs are 404, unowned jobs 403.
func (s *Server) fetchOwned(w http.ResponseWriter, r *http.Request, caller *auth.Identity) (*job.Job, bool) {
	j, err := s.store.GetJobByID(r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Job not found")
		return nil, false
	}
	if err != nil {
		s.log.Error("get job failed", "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to load transcription job")
		return nil, false
	}
	if j.UserID != caller.UserID && !caller.Superuser {
		writeError(w, http.StatusForbidden, "Access denied")
		return nil, false
	}
	return j, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}
