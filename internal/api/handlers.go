package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/crudfs/internal/crudfs"
	"github.com/starford/crudfs/internal/pathkey"
	"github.com/starford/crudfs/internal/record"
	"github.com/starford/crudfs/internal/storage"
)

// Handler holds API route handlers.
type Handler struct {
	svc  *crudfs.Service
	root string
}

// NewHandler creates a new Handler. A non-empty root confines request paths.
func NewHandler(svc *crudfs.Service, root string) *Handler {
	return &Handler{svc: svc, root: root}
}

// resolve turns a request path into the absolute local path it names.
func (h *Handler) resolve(p string) (string, error) {
	return storage.Resolve(h.root, p)
}

// lookup resolves the {key} URL parameter to its manifest record.
func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (record.Record, bool) {
	key, err := pathkey.ParseHex(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, "lookup", err)
		return record.Record{}, false
	}
	rec, err := h.svc.Lookup(r.Context(), key)
	if err != nil {
		writeError(w, "lookup", err)
		return record.Record{}, false
	}
	return rec, true
}

// ListFiles handles GET /api/files.
//
//	@Summary		List tracked files
//	@Tags			files
//	@Produce		json
//	@Param			prefix	query		string	false	"Only paths starting with prefix"
//	@Success		200		{object}	FileListResponse
//	@Security		BearerAuth
//	@Router			/files [get]
func (h *Handler) ListFiles(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	items := []FileDTO{}
	for _, rec := range h.svc.List() {
		if prefix != "" && !strings.HasPrefix(rec.Path, prefix) {
			continue
		}
		items = append(items, toDTO(rec))
	}
	writeJSON(w, http.StatusOK, FileListResponse{Files: items, Total: len(items)})
}

// GetFile handles GET /api/files/{key}.
//
//	@Summary		Get a tracked file by key
//	@Tags			files
//	@Produce		json
//	@Param			key	path		string	true	"Hex path key"
//	@Success		200	{object}	FileDTO
//	@Failure		400	{object}	errResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/files/{key} [get]
func (h *Handler) GetFile(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.lookup(w, r)
	if !ok {
		return
	}
	w.Header().Set("ETag", `"`+rec.CID.String()+`"`)
	writeJSON(w, http.StatusOK, toDTO(rec))
}

// CreateFile handles POST /api/files.
//
//	@Summary		Track a local file
//	@Tags			files
//	@Accept			json
//	@Produce		json
//	@Param			body	body		CreateFileRequest	true	"File to track"
//	@Success		201		{object}	FileDTO
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Failure		422		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/files [post]
func (h *Handler) CreateFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req CreateFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	path, err := h.resolve(req.Path)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	rec, err := h.svc.Create(r.Context(), path, req.Metadata)
	if err != nil {
		writeError(w, "create file", err)
		return
	}
	writeJSON(w, http.StatusCreated, toDTO(rec))
}

// UpdateFile handles PUT /api/files/{key}.
//
//	@Summary		Push the current content of a tracked file
//	@Tags			files
//	@Accept			json
//	@Produce		json
//	@Param			key			path	string				true	"Hex path key"
//	@Param			If-Match	header	string				false	"Expected current CID"
//	@Param			body		body	UpdateFileRequest	false	"New metadata"
//	@Success		200		{object}	FileDTO
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/files/{key} [put]
func (h *Handler) UpdateFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	rec, ok := h.lookup(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read body"))
		return
	}
	var req UpdateFileRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
			return
		}
	}

	// Strip surrounding quotes if present (standard ETag format).
	ifMatch := strings.Trim(r.Header.Get("If-Match"), `"`)

	updated, err := h.svc.UpdatePathIfMatch(r.Context(), rec.Path, req.Metadata, ifMatch)
	if err != nil {
		writeError(w, "update file", err)
		return
	}
	w.Header().Set("ETag", `"`+updated.CID.String()+`"`)
	writeJSON(w, http.StatusOK, toDTO(updated))
}

// DeleteFile handles DELETE /api/files/{key}.
//
//	@Summary		Stop tracking a file
//	@Tags			files
//	@Param			key	path	string	true	"Hex path key"
//	@Success		204	"File deleted"
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/files/{key} [delete]
func (h *Handler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := h.svc.Delete(r.Context(), rec.Path); err != nil {
		writeError(w, "delete file", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// VerifyFile handles GET /api/files/{key}/verify.
//
//	@Summary		Compare a manifest entry with the ledger
//	@Tags			files
//	@Produce		json
//	@Param			key	path		string	true	"Hex path key"
//	@Success		200	{object}	VerifyResponse
//	@Failure		409	{object}	VerifyResponse
//	@Security		BearerAuth
//	@Router			/files/{key}/verify [get]
func (h *Handler) VerifyFile(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.lookup(w, r)
	if !ok {
		return
	}
	d, err := h.svc.Verify(r.Context(), rec.Path)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, toVerify(d))
	case !d.InSync():
		writeJSON(w, http.StatusConflict, toVerify(d))
	default:
		writeError(w, "verify file", err)
	}
}

// FileContent handles GET /api/files/{key}/content.
//
//	@Summary		Download the stored content of a tracked file
//	@Tags			files
//	@Produce		application/octet-stream
//	@Param			key	path	string	true	"Hex path key"
//	@Success		200
//	@Failure		404	{object}	errResponse
//	@Failure		502	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/files/{key}/content [get]
func (h *Handler) FileContent(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.lookup(w, r)
	if !ok {
		return
	}
	dir, err := os.MkdirTemp("", "crudfs-fetch-*")
	if err != nil {
		writeError(w, "fetch file", err)
		return
	}
	defer os.RemoveAll(dir)

	dest := filepath.Join(dir, "content")
	if _, err := h.svc.Fetch(r.Context(), rec.Path, dest); err != nil {
		writeError(w, "fetch file", err)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rec.Filename))
	w.Header().Set("ETag", `"`+rec.CID.String()+`"`)
	http.ServeFile(w, r, dest)
}

// Rebuild handles POST /api/rebuild.
//
//	@Summary		Re-add ledger records missing from the manifest
//	@Tags			manifest
//	@Produce		json
//	@Success		200	{object}	RebuildResponse
//	@Failure		503	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/rebuild [post]
func (h *Handler) Rebuild(w http.ResponseWriter, r *http.Request) {
	rep, err := h.svc.Rebuild(r.Context())
	if err != nil {
		writeError(w, "rebuild", err)
		return
	}
	out := RebuildResponse{Added: []FileDTO{}, Conflicts: []VerifyResponse{}, Orphans: []FileDTO{}}
	for _, rec := range rep.Added {
		out.Added = append(out.Added, toDTO(rec))
	}
	for _, d := range rep.Conflicts {
		out.Conflicts = append(out.Conflicts, toVerify(d))
	}
	for _, rec := range rep.Orphans {
		out.Orphans = append(out.Orphans, toDTO(rec))
	}
	writeJSON(w, http.StatusOK, out)
}
