package api

import (
	"github.com/starford/crudfs/internal/crudfs"
	"github.com/starford/crudfs/internal/record"
)

// CreateFileRequest is the request body for tracking a file.
type CreateFileRequest struct {
	Path     string          `json:"path" example:"/srv/data/report.pdf" validate:"required"`
	Metadata record.Metadata `json:"metadata,omitempty"`
}

// UpdateFileRequest is the request body for pushing a new version of a
// tracked file. Omitting metadata keeps the current one.
type UpdateFileRequest struct {
	Metadata *record.Metadata `json:"metadata,omitempty"`
}

// FileDTO is a tracked file with its key rendered as hex.
type FileDTO struct {
	Path      string          `json:"path" example:"/srv/data/report.pdf" validate:"required"`
	Filename  string          `json:"filename" example:"report.pdf" validate:"required"`
	Key       string          `json:"key" example:"4e03657a..." validate:"required"`
	CID       string          `json:"cid" example:"bafkrei..." validate:"required"`
	Timestamp uint64          `json:"timestamp" example:"1700000000" validate:"required"`
	Metadata  record.Metadata `json:"metadata" validate:"required"`
}

func toDTO(r record.Record) FileDTO {
	meta := r.Metadata
	if meta == nil {
		meta = record.Metadata{}
	}
	return FileDTO{
		Path:      r.Path,
		Filename:  r.Filename,
		Key:       r.Key.Hex(),
		CID:       r.CID.String(),
		Timestamp: r.Timestamp,
		Metadata:  meta,
	}
}

// FileListResponse wraps the manifest listing.
type FileListResponse struct {
	Files []FileDTO `json:"files" validate:"required"`
	Total int       `json:"total" example:"42" validate:"required"`
}

// VerifyResponse reports drift between manifest and ledger.
type VerifyResponse struct {
	InSync bool     `json:"in_sync"`
	Fields []string `json:"fields"`
	Local  FileDTO  `json:"local"`
	Remote *FileDTO `json:"remote,omitempty"`
}

func toVerify(d crudfs.Drift) VerifyResponse {
	out := VerifyResponse{InSync: d.InSync(), Fields: d.Fields, Local: toDTO(d.Local)}
	if out.Fields == nil {
		out.Fields = []string{}
	}
	if d.Remote != nil {
		r := toDTO(*d.Remote)
		out.Remote = &r
	}
	return out
}

// RebuildResponse summarizes POST /rebuild.
type RebuildResponse struct {
	Added     []FileDTO        `json:"added"`
	Conflicts []VerifyResponse `json:"conflicts"`
	Orphans   []FileDTO        `json:"orphans"`
}

// UploadResponse is returned after a successful upload.
type UploadResponse struct {
	FileDTO
	Size int64 `json:"size" example:"12345" validate:"required"`
}
