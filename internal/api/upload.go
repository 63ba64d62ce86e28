package api

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/starford/crudfs/internal/crudfs"
	"github.com/starford/crudfs/internal/record"
	"github.com/starford/crudfs/internal/storage"
)

const maxUploadBytes = 50 << 20 // 50 MB

// UploadHandler stores multipart uploads under root and tracks them.
type UploadHandler struct {
	svc  *crudfs.Service
	root string
	fs   afero.Fs
}

// NewUploadHandler creates a handler rooted at root. An empty root disables
// uploads.
func NewUploadHandler(svc *crudfs.Service, root string) *UploadHandler {
	return &UploadHandler{svc: svc, root: root, fs: afero.NewOsFs()}
}

// safeName validates that the filename is a plain name (no path separators,
// no traversal) and returns the absolute path under root.
func (h *UploadHandler) safeName(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("filename is required")
	}
	cleaned := filepath.Clean(name)
	if cleaned == "." || cleaned != filepath.Base(cleaned) || strings.Contains(cleaned, "..") {
		return "", fmt.Errorf("invalid filename: %s", name)
	}
	abs, err := storage.SafeJoin(h.root, cleaned)
	if err != nil {
		return "", fmt.Errorf("path escapes root directory")
	}
	return abs, nil
}

// Upload handles POST /api/uploads (multipart/form-data, field "file",
// optional field "metadata" holding a JSON object).
//
//	@Summary		Upload a file into the root directory and track it
//	@Tags			files
//	@Accept			multipart/form-data
//	@Produce		json
//	@Param			file		formData	file	true	"Content"
//	@Param			metadata	formData	string	false	"JSON object of strings"
//	@Success		201		{object}	UploadResponse
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/uploads [post]
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if h.root == "" {
		writeJSON(w, http.StatusNotFound, errorBody("uploads are disabled: no root directory configured"))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("file too large or invalid multipart"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("missing 'file' field in multipart form"))
		return
	}
	defer file.Close()

	meta, err := record.ParseMetadata(r.FormValue("metadata"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	abs, err := h.safeName(header.Filename)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	if _, err := h.fs.Stat(abs); err == nil {
		writeJSON(w, http.StatusConflict, errorBody("file already exists: "+header.Filename))
		return
	}

	if err := storage.WriteFile(h.fs, abs, file, 0o644); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to write file"))
		return
	}

	rec, err := h.svc.Create(r.Context(), abs, meta)
	if err != nil {
		// The ledger may already hold the record; the bytes stay for Recover.
		if crudfs.NothingCommitted(err) {
			_ = h.fs.Remove(abs)
		}
		writeError(w, "upload", err)
		return
	}
	writeJSON(w, http.StatusCreated, UploadResponse{FileDTO: toDTO(rec), Size: header.Size})
}
