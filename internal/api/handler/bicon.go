package handler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/repotrial/nedrexapi-v2d/internal/api/response"
	"github.com/repotrial/nedrexapi-v2d/internal/jobtype"
	"github.com/repotrial/nedrexapi-v2d/internal/submit"
)

const biconType = "bicon"

type biconForm struct {
	SHA256  string `json:"sha256"`
	LgMin   int    `json:"lg_min"`
	LgMax   int    `json:"lg_max"`
	Network string `json:"network"`
}

// NewBiconSubmitHandler returns the handler for the multipart BiCoN
// submission. The expression file is streamed to a temporary file under
// dataDir while its SHA-256 is computed; the submission service moves it into
// the job directory only when a new job is created.
func NewBiconSubmitHandler(svc Jobs, dataDir string, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		mr, err := r.MultipartReader()
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Expected a multipart/form-data body", nil)
			return
		}

		form := biconForm{LgMin: 10, LgMax: 15, Network: jobtype.NetworkDefault}
		var upload *jobtype.BiconUpload
		defer func() {
			if upload != nil {
				os.Remove(upload.TempPath)
			}
		}()

		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				writeUploadError(w, err)
				return
			}
			switch part.FormName() {
			case "expression_file":
				if upload != nil {
					part.Close()
					response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Only one expression file may be submitted", nil)
					return
				}
				upload, form.SHA256, err = receive(part, dataDir)
				part.Close()
				if err != nil {
					writeUploadError(w, err)
					return
				}
			case "lg_min", "lg_max":
				name := part.FormName()
				n, err := formInt(part)
				part.Close()
				if err != nil {
					response.Error(w, http.StatusUnprocessableEntity, "UNPROCESSABLE", name+" must be an integer",
						map[string]string{"field": name})
					return
				}
				if name == "lg_min" {
					form.LgMin = n
				} else {
					form.LgMax = n
				}
			case "network":
				v, err := formValue(part)
				part.Close()
				if err != nil {
					writeUploadError(w, err)
					return
				}
				form.Network = v
			default:
				part.Close()
			}
		}

		body, err := json.Marshal(form)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}
		var att submit.Attachment
		if upload != nil {
			att = upload
		}
		uid, err := svc.Submit(r.Context(), biconType, body, att)
		if err != nil {
			writeSubmitError(w, biconType, err)
			return
		}
		response.Raw(w, http.StatusOK, uid.String())
	}
}

func receive(part *multipart.Part, dataDir string) (*jobtype.BiconUpload, string, error) {
	dir := filepath.Join(jobtype.BiconDir(dataDir), "uploads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", err
	}
	f, err := os.CreateTemp(dir, "expression-*")
	if err != nil {
		return nil, "", err
	}
	h := sha256.New()
	_, err = io.Copy(io.MultiWriter(f, h), part)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return nil, "", err
	}
	return &jobtype.BiconUpload{
		DataDir:  dataDir,
		TempPath: f.Name(),
		Filename: filepath.Base(part.FileName()),
	}, hex.EncodeToString(h.Sum(nil)), nil
}

func formValue(part *multipart.Part) (string, error) {
	b, err := io.ReadAll(io.LimitReader(part, 1024))
	return string(b), err
}

func formInt(part *multipart.Part) (int, error) {
	v, err := formValue(part)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(v)
}

func writeUploadError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		response.Error(w, http.StatusRequestEntityTooLarge, "INVALID_REQUEST", "Expression file too large", nil)
		return
	}
	slog.Warn("read BiCoN upload", "error", err)
	response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Malformed multipart body", nil)
}

// NewClustermapHandler returns the handler serving the clustermap image of a
// finished BiCoN job.
func NewClustermapHandler(svc Jobs, dataDir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := finishedJob(w, r, svc, biconType, "BiCoN")
		if !ok {
			return
		}
		png, err := jobtype.BiconClustermap(dataDir, job.UID)
		if err != nil {
			slog.Error("read clustermap", "uid", job.UID, "error", err)
			response.Error(w, http.StatusNotFound, "ARTIFACT_MISSING", "Clustermap is not available", nil)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Disposition", `attachment; filename="`+job.UID.String()+`_clustermap.png"`)
		w.Write(png)
	}
}
