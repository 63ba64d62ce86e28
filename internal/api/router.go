package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/crudfs/internal/crudfs"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
// root, when set, confines request paths to that directory and enables
// uploads into it.
func NewRouter(svc *crudfs.Service, authEnabled bool, token string, sseHandler http.Handler, root string) chi.Router {
	h := NewHandler(svc, root)
	uh := NewUploadHandler(svc, root)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Files.
	r.Get("/files", h.ListFiles)
	r.Post("/files", h.CreateFile)
	r.Get("/files/{key}", h.GetFile)
	r.Put("/files/{key}", h.UpdateFile)
	r.Delete("/files/{key}", h.DeleteFile)
	r.Get("/files/{key}/verify", h.VerifyFile)
	r.Get("/files/{key}/content", h.FileContent)

	// Upload into root and track in one step.
	r.Post("/uploads", uh.Upload)

	// Manifest recovery.
	r.Post("/rebuild", h.Rebuild)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
