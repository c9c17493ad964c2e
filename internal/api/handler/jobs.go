package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/repotrial/nedrexapi-v2d/internal/api/response"
	"github.com/repotrial/nedrexapi-v2d/internal/jobtype"
	"github.com/repotrial/nedrexapi-v2d/internal/lock"
	"github.com/repotrial/nedrexapi-v2d/internal/store"
	"github.com/repotrial/nedrexapi-v2d/internal/submit"
	"github.com/repotrial/nedrexapi-v2d/pkg/models"
)

// maxBodyBytes bounds JSON submission bodies.
const maxBodyBytes = 1 << 20

// retryAfter is sent with responses asking the client to come back later.
const retryAfter = "60"

// Jobs is the submission service the job handlers depend on.
type Jobs interface {
	Submit(ctx context.Context, jobType string, body []byte, att submit.Attachment) (uuid.UUID, error)
	Get(ctx context.Context, family string, uid uuid.UUID) (*models.Job, error)
	Resubmit(ctx context.Context, family string, uid uuid.UUID) (*models.Job, error)
	Wait(ctx context.Context, uid uuid.UUID) (*models.Job, error)
}

// NewSubmitHandler returns the handler for POST /{type}/submit. It answers
// with the bare uid of the new or already existing job.
func NewSubmitHandler(svc Jobs, jobType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			response.Error(w, http.StatusRequestEntityTooLarge, "INVALID_REQUEST", "Request body too large", nil)
			return
		}
		uid, err := svc.Submit(r.Context(), jobType, body, nil)
		if err != nil {
			writeSubmitError(w, jobType, err)
			return
		}
		response.Raw(w, http.StatusOK, uid.String())
	}
}

func writeSubmitError(w http.ResponseWriter, jobType string, err error) {
	var (
		verr *jobtype.ValidationError
		ierr *jobtype.IncompatibleParametersError
		terr *lock.TimeoutError
	)
	switch {
	case errors.As(err, &verr):
		code := "INVALID_REQUEST"
		if verr.Unprocessable {
			code = "UNPROCESSABLE"
		}
		var details any
		if verr.Field != "" {
			details = map[string]string{"field": verr.Field}
		}
		response.Error(w, verr.StatusCode(), code, verr.Message, details)
	case errors.As(err, &ierr):
		response.Error(w, http.StatusUnprocessableEntity, "INCOMPATIBLE_PARAMETERS", ierr.Error(),
			map[string]string{"seed_type": ierr.SeedType, "network": ierr.Network})
	case errors.As(err, &terr):
		slog.Warn("submission lock timeout", "job_type", jobType, "error", err)
		w.Header().Set("Retry-After", "5")
		response.Error(w, http.StatusServiceUnavailable, "LOCK_TIMEOUT",
			"The job service is busy; retry the submission", nil)
	case errors.Is(err, submit.ErrUnknownJobType):
		response.Error(w, http.StatusNotFound, "UNKNOWN_JOB_TYPE", err.Error(), nil)
	default:
		slog.Error("submit job", "job_type", jobType, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}

// parseUID reads the uid query parameter. It writes the error response and
// returns false when the parameter is missing or malformed.
func parseUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.URL.Query().Get("uid")
	if raw == "" {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "uid is required", nil)
		return uuid.Nil, false
	}
	uid, err := uuid.Parse(raw)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "uid must be a UUID", nil)
		return uuid.Nil, false
	}
	return uid, true
}

// NewStatusHandler returns the handler for GET /{family}/status?uid=. An
// unknown uid yields an empty object.
func NewStatusHandler(svc Jobs, family string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := parseUID(w, r)
		if !ok {
			return
		}
		job, err := svc.Get(r.Context(), family, uid)
		if errors.Is(err, store.ErrNotFound) {
			response.Raw(w, http.StatusOK, map[string]any{})
			return
		}
		if err != nil {
			slog.Error("get job status", "uid", uid, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}
		response.Raw(w, http.StatusOK, job.Record())
	}
}

// finishedJob loads a job for a result route and writes the error response
// unless it completed.
func finishedJob(w http.ResponseWriter, r *http.Request, svc Jobs, family, title string) (*models.Job, bool) {
	uid, ok := parseUID(w, r)
	if !ok {
		return nil, false
	}
	job, err := svc.Get(r.Context(), family, uid)
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", fmt.Sprintf("No %s job with UID %s", title, uid), nil)
		return nil, false
	}
	if err != nil {
		slog.Error("get job", "uid", uid, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		return nil, false
	}
	switch job.Status {
	case models.JobStatusCompleted:
		return job, true
	case models.JobStatusFailed:
		response.Error(w, http.StatusNotFound, "JOB_FAILED",
			fmt.Sprintf("No results for %s job with UID %s (failed)", title, uid), nil)
	default:
		w.Header().Set("Retry-After", retryAfter)
		response.Error(w, http.StatusAccepted, "JOB_NOT_FINISHED",
			fmt.Sprintf("%s job with UID %s is still %s", title, uid, job.Status),
			map[string]string{"status": job.Status})
	}
	return nil, false
}

// NewDownloadHandler returns the handler serving the artifact of a completed
// job of type def.
func NewDownloadHandler(svc Jobs, def *jobtype.Definition, dataDir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := finishedJob(w, r, svc, def.Name, def.Title)
		if !ok {
			return
		}
		path, ok := def.ArtifactPath(dataDir, job.UID)
		if !ok {
			response.Error(w, http.StatusNotFound, "NO_ARTIFACT", def.Title+" jobs have no downloadable results", nil)
			return
		}
		f, err := os.Open(path)
		if err != nil {
			slog.Error("open artifact", "uid", job.UID, "path", path, "error", err)
			response.Error(w, http.StatusNotFound, "ARTIFACT_MISSING", "Results file is not available", nil)
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}
		if def.MediaType != "" {
			w.Header().Set("Content-Type", def.MediaType)
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
		http.ServeContent(w, r, filepath.Base(path), info.ModTime(), f)
	}
}

// NewResubmitHandler returns the handler for
// POST /admin/resubmit/{jobType}/{uid}. With ?wait=true a background waiter
// logs when the rerun finishes; the response never blocks on it.
func NewResubmitHandler(svc Jobs, waitTimeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		family := chi.URLParam(r, "jobType")
		uid, err := uuid.Parse(chi.URLParam(r, "uid"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "uid must be a UUID", nil)
			return
		}

		job, err := svc.Resubmit(r.Context(), family, uid)
		switch {
		case errors.Is(err, store.ErrNotFound):
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", fmt.Sprintf("No %s job with UID %s", family, uid), nil)
			return
		case errors.Is(err, store.ErrInvalidTransition):
			response.Error(w, http.StatusConflict, "JOB_NOT_FINISHED", "Only completed or failed jobs can be resubmitted", nil)
			return
		case err != nil:
			slog.Error("resubmit job", "uid", uid, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}

		if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
			go waitFor(context.WithoutCancel(r.Context()), svc, job, waitTimeout)
		}
		response.Raw(w, http.StatusOK, uid.String())
	}
}

func waitFor(ctx context.Context, svc Jobs, job *models.Job, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	final, err := svc.Wait(ctx, job.UID)
	if err != nil {
		slog.Warn("resubmitted job did not complete", "job_type", job.Type, "uid", job.UID, "error", err)
		return
	}
	slog.Info("resubmitted job completed", "job_type", final.Type, "uid", final.UID)
}
