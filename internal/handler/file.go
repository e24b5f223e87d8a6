package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/roomchat/internal/fileserver"
	"github.com/roomchat/internal/logger"
	"github.com/roomchat/internal/middleware"
)

type FileHandler struct {
	files         *fileserver.Service
	maxUploadSize int64
}

func NewFileHandler(files *fileserver.Service, maxUploadSize int64) *FileHandler {
	return &FileHandler{files: files, maxUploadSize: maxUploadSize}
}

// Upload streams the "file" part of a multipart body without buffering the whole form.
// The expected byte count comes from a "size" field sent before the file, or the
// X-File-Size header.
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	// multipart framing adds a little on top of the file itself
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize+1<<20)
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart body required")
		return
	}
	size := int64(-1)
	if v := r.Header.Get("X-File-Size"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			size = n
		}
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "file is required")
			return
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid multipart body")
			return
		}
		switch part.FormName() {
		case "size":
			raw, _ := io.ReadAll(io.LimitReader(part, 20))
			if n, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64); err == nil {
				size = n
			}
			part.Close()
			continue
		case "file":
		default:
			part.Close()
			continue
		}
		f, err := h.files.Upload(r.Context(), fileserver.Upload{
			OwnerID: middleware.GetUserID(r.Context()),
			Name:    part.FileName(),
			Size:    size,
			Body:    part,
		})
		part.Close()
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				writeError(w, http.StatusRequestEntityTooLarge, "file too large")
				return
			}
			writeServiceError(w, "upload", err)
			return
		}
		writeJSON(w, http.StatusCreated, f)
		return
	}
}

func (h *FileHandler) Serve(w http.ResponseWriter, r *http.Request) {
	f, rc, err := h.files.Open(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, "serve file", err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", f.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(f.Size, 10))
	w.Header().Set("Content-Disposition", fileserver.ContentDisposition(f.Name))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("ETag", `"`+f.SHA256+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		logger.Errorf("serve file %s: %v", f.ID, err)
	}
}

func (h *FileHandler) Meta(w http.ResponseWriter, r *http.Request) {
	f, err := h.files.Meta(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, "file meta", err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *FileHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.files.Delete(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, "delete file", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
