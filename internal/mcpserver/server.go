// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes the crudfs verbs as tools for LLM integration via stdio
// transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/crudfs/internal/apperr"
	"github.com/starford/crudfs/internal/crudfs"
	"github.com/starford/crudfs/internal/record"
	"github.com/starford/crudfs/internal/storage"
)

// Server wraps the MCP server with crudfs tools.
type Server struct {
	mcp  *server.MCPServer
	svc  *crudfs.Service
	root string
}

// New creates a new MCP server with all tools registered. Relative tool
// paths are resolved against root; an empty root requires absolute paths
// and disables upload_file.
func New(svc *crudfs.Service, root string, version string) *Server {
	s := &Server{svc: svc, root: root}

	s.mcp = server.NewMCPServer(
		"crudfs",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("create_file",
		mcp.WithDescription("Start tracking a local file: register it on the ledger, "+
			"upload its content and add it to the manifest. Read crudfs://guide first."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path of the local file")),
		mcp.WithString("metadata", mcp.Description(`Optional JSON object of strings, e.g. {"owner":"ops"}`)),
	), s.createFile)

	s.mcp.AddTool(mcp.NewTool("read_file",
		mcp.WithDescription("Return the manifest record of a tracked file."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path of the tracked file")),
	), s.readFile)

	s.mcp.AddTool(mcp.NewTool("update_file",
		mcp.WithDescription("Push the current content of a tracked file. "+
			"Metadata is kept unless a new object is given."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path of the tracked file")),
		mcp.WithString("metadata", mcp.Description("Optional replacement JSON object of strings")),
		mcp.WithString("if_match", mcp.Description("Optional CID the record must currently have")),
	), s.updateFile)

	s.mcp.AddTool(mcp.NewTool("delete_file",
		mcp.WithDescription("Delete the ledger record of a tracked file and stop tracking it. "+
			"The local file is left in place."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path of the tracked file")),
	), s.deleteFile)

	s.mcp.AddTool(mcp.NewTool("list_files",
		mcp.WithDescription("List tracked files, one per line as <path> <cid>."),
		mcp.WithString("prefix", mcp.Description("Optional path prefix filter")),
	), s.listFiles)

	s.mcp.AddTool(mcp.NewTool("verify_file",
		mcp.WithDescription("Compare the manifest record of a file with the ledger. Never modifies anything."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path of the tracked file")),
	), s.verifyFile)

	s.mcp.AddTool(mcp.NewTool("fetch_file",
		mcp.WithDescription("Download the stored content of a tracked file to a destination path."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path of the tracked file")),
		mcp.WithString("dest", mcp.Required(), mcp.Description("Where to write the content")),
	), s.fetchFile)

	s.mcp.AddTool(mcp.NewTool("upload_file",
		mcp.WithDescription("Download a file from an http(s) URL or a base64 data URI into the root "+
			"directory and start tracking it."),
		mcp.WithString("url", mcp.Required(), mcp.Description("http(s) URL or data:<mime>;base64,<data>")),
		mcp.WithString("filename", mcp.Description("Optional file name; derived from the URL otherwise")),
		mcp.WithString("metadata", mcp.Description("Optional JSON object of strings")),
	), s.uploadFile)

	s.mcp.AddResource(
		mcp.NewResource("crudfs://guide", "Usage Guide",
			mcp.WithResourceDescription("How crudfs tracks files and what each tool does."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readGuide,
	)
	s.mcp.AddResource(
		mcp.NewResource("crudfs://manifest", "Manifest",
			mcp.WithResourceDescription("The current manifest document."),
			mcp.WithMIMEType("application/json"),
		),
		s.readManifest,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// toolError renders err with its taxonomy kind so callers can branch on it.
func toolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", apperr.Kind(err), err))
}

func jsonResult(v any) *mcp.CallToolResult {
	out, _ := json.MarshalIndent(v, "", "  ")
	return mcp.NewToolResultText(string(out))
}

func optional(req mcp.CallToolRequest, name string) string {
	if v, err := req.RequireString(name); err == nil {
		return v
	}
	return ""
}

func (s *Server) path(req mcp.CallToolRequest, name string) (string, error) {
	p, err := req.RequireString(name)
	if err != nil {
		return "", err
	}
	return storage.Resolve(s.root, p)
}

func (s *Server) createFile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := s.path(req, "path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	meta, err := record.ParseMetadata(optional(req, "metadata"))
	if err != nil {
		return toolError(err), nil
	}
	rec, err := s.svc.Create(ctx, path, meta)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(rec), nil
}

func (s *Server) readFile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := s.path(req, "path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rec, err := s.svc.Read(ctx, path)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(rec), nil
}

func (s *Server) updateFile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := s.path(req, "path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var meta *record.Metadata
	if raw := optional(req, "metadata"); raw != "" {
		m, err := record.ParseMetadata(raw)
		if err != nil {
			return toolError(err), nil
		}
		meta = &m
	}
	rec, err := s.svc.UpdatePathIfMatch(ctx, path, meta, optional(req, "if_match"))
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(rec), nil
}

func (s *Server) deleteFile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := s.path(req, "path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.svc.Delete(ctx, path); err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText("deleted: " + path), nil
}

func (s *Server) listFiles(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prefix := optional(req, "prefix")
	var lines []string
	for _, rec := range s.svc.List() {
		if prefix != "" && !strings.HasPrefix(rec.Path, prefix) {
			continue
		}
		lines = append(lines, rec.Path+" "+rec.CID.String())
	}
	if len(lines) == 0 {
		return mcp.NewToolResultText("no tracked files"), nil
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (s *Server) verifyFile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := s.path(req, "path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	d, err := s.svc.Verify(ctx, path)
	if err != nil && d.InSync() {
		return toolError(err), nil
	}
	res := jsonResult(d)
	res.IsError = !d.InSync()
	return res, nil
}

func (s *Server) fetchFile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := s.path(req, "path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	dest, err := s.path(req, "dest")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rec, err := s.svc.Fetch(ctx, path, dest)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(rec), nil
}

func (s *Server) readGuide(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "crudfs://guide",
			MIMEType: "text/markdown",
			Text:     Guide,
		},
	}, nil
}

func (s *Server) readManifest(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	data, err := s.svc.Manifest().Snapshot().Marshal()
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "crudfs://manifest",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
