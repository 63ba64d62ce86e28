package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/crudfs/internal/apperr"
	"github.com/starford/crudfs/internal/ledger"
	"github.com/starford/crudfs/internal/record"
	"github.com/starford/crudfs/internal/testutil"
)

func testServer(t *testing.T) (*Server, *testutil.Env) {
	t.Helper()
	env := testutil.NewEnv(t)
	return New(env.Service, env.Dir, "test"), env
}

func callTool(t *testing.T, srv *Server, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	// mcp-go has no direct "call tool" test helper, so the handlers are
	// invoked directly.
	var result *mcp.CallToolResult
	var err error

	switch name {
	case "create_file":
		result, err = srv.createFile(ctx, req)
	case "read_file":
		result, err = srv.readFile(ctx, req)
	case "update_file":
		result, err = srv.updateFile(ctx, req)
	case "delete_file":
		result, err = srv.deleteFile(ctx, req)
	case "list_files":
		result, err = srv.listFiles(ctx, req)
	case "verify_file":
		result, err = srv.verifyFile(ctx, req)
	case "fetch_file":
		result, err = srv.fetchFile(ctx, req)
	case "upload_file":
		result, err = srv.uploadFile(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}

	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func decodeRecord(t *testing.T, r *mcp.CallToolResult) record.Record {
	t.Helper()
	if r.IsError {
		t.Fatalf("tool error: %s", resultText(r))
	}
	var rec record.Record
	if err := json.Unmarshal([]byte(resultText(r)), &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	return rec
}

func TestCreateAndReadFile(t *testing.T) {
	srv, env := testServer(t)
	env.WriteFile(t, "notes.txt", "hello")

	created := decodeRecord(t, callTool(t, srv, "create_file", map[string]interface{}{
		"path":     "notes.txt",
		"metadata": `{"owner":"ops"}`,
	}))
	if created.Filename != "notes.txt" || created.Metadata["owner"] != "ops" {
		t.Errorf("create = %+v", created)
	}

	got := decodeRecord(t, callTool(t, srv, "read_file", map[string]interface{}{"path": "notes.txt"}))
	if !got.Equal(created) {
		t.Errorf("read = %+v, want %+v", got, created)
	}
}

func TestCreateFileErrorsCarryKind(t *testing.T) {
	srv, env := testServer(t)
	env.WriteFile(t, "a.txt", "a")
	_ = callTool(t, srv, "create_file", map[string]interface{}{"path": "a.txt"})

	r := callTool(t, srv, "create_file", map[string]interface{}{"path": "a.txt"})
	if !r.IsError || !strings.HasPrefix(resultText(r), "already_exists:") {
		t.Errorf("duplicate = %q", resultText(r))
	}

	r = callTool(t, srv, "create_file", map[string]interface{}{"path": "b.txt", "metadata": "[1]"})
	if !r.IsError || !strings.HasPrefix(resultText(r), "decode_error:") {
		t.Errorf("bad metadata = %q", resultText(r))
	}

	r = callTool(t, srv, "create_file", map[string]interface{}{"path": "../escape.txt"})
	if !r.IsError {
		t.Error("expected error for path outside root")
	}
}

func TestReadFileMissing(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "read_file", map[string]interface{}{"path": "nope.txt"})
	if !r.IsError || !strings.HasPrefix(resultText(r), "not_tracked:") {
		t.Errorf("missing = %q", resultText(r))
	}
}

func TestUpdateFile(t *testing.T) {
	srv, env := testServer(t)
	env.WriteFile(t, "u.txt", "v1")
	created := decodeRecord(t, callTool(t, srv, "create_file", map[string]interface{}{
		"path":     "u.txt",
		"metadata": `{"k":"v"}`,
	}))

	env.WriteFile(t, "u.txt", "v2")
	updated := decodeRecord(t, callTool(t, srv, "update_file", map[string]interface{}{
		"path":     "u.txt",
		"if_match": created.CID.String(),
	}))
	if updated.CID.Equals(created.CID) {
		t.Error("cid unchanged after update")
	}
	if updated.Metadata["k"] != "v" {
		t.Errorf("metadata not kept: %v", updated.Metadata)
	}

	r := callTool(t, srv, "update_file", map[string]interface{}{
		"path":     "u.txt",
		"if_match": created.CID.String(),
	})
	if !r.IsError || !strings.HasPrefix(resultText(r), "conflict:") {
		t.Errorf("stale if_match = %q", resultText(r))
	}
}

func TestDeleteAndListFiles(t *testing.T) {
	srv, env := testServer(t)
	env.WriteFile(t, "a.txt", "a")
	env.WriteFile(t, "b.txt", "b")
	_ = callTool(t, srv, "create_file", map[string]interface{}{"path": "a.txt"})
	_ = callTool(t, srv, "create_file", map[string]interface{}{"path": "b.txt"})

	text := resultText(callTool(t, srv, "list_files", map[string]interface{}{}))
	if strings.Count(text, "\n") != 1 {
		t.Errorf("list = %q, want two lines", text)
	}

	r := callTool(t, srv, "delete_file", map[string]interface{}{"path": "a.txt"})
	if r.IsError {
		t.Fatalf("delete: %s", resultText(r))
	}
	text = resultText(callTool(t, srv, "list_files", map[string]interface{}{}))
	if strings.Contains(text, "a.txt") || !strings.Contains(text, "b.txt") {
		t.Errorf("list after delete = %q", text)
	}

	text = resultText(callTool(t, srv, "list_files", map[string]interface{}{"prefix": "/nowhere"}))
	if text != "no tracked files" {
		t.Errorf("prefix list = %q", text)
	}
}

func TestVerifyFile(t *testing.T) {
	srv, env := testServer(t)
	env.WriteFile(t, "v.txt", "v")
	created := decodeRecord(t, callTool(t, srv, "create_file", map[string]interface{}{"path": "v.txt"}))

	r := callTool(t, srv, "verify_file", map[string]interface{}{"path": "v.txt"})
	if r.IsError {
		t.Errorf("in sync reported as error: %s", resultText(r))
	}

	env.Ledger.Put(created.WithMetadata(record.Metadata{"x": "y"}))
	r = callTool(t, srv, "verify_file", map[string]interface{}{"path": "v.txt"})
	if !r.IsError || !strings.Contains(resultText(r), `"metadata"`) {
		t.Errorf("drift = %q", resultText(r))
	}
}

func TestFetchFile(t *testing.T) {
	srv, env := testServer(t)
	env.WriteFile(t, "f.txt", "stored")
	_ = callTool(t, srv, "create_file", map[string]interface{}{"path": "f.txt"})

	r := callTool(t, srv, "fetch_file", map[string]interface{}{"path": "f.txt", "dest": "restore/f.txt"})
	if r.IsError {
		t.Fatalf("fetch: %s", resultText(r))
	}
	data, err := os.ReadFile(filepath.Join(env.Dir, "restore", "f.txt"))
	if err != nil || string(data) != "stored" {
		t.Errorf("fetched = %q, %v", data, err)
	}
}

func TestUploadFileDataURI(t *testing.T) {
	srv, env := testServer(t)
	uri := "data:text/plain;base64," + base64.StdEncoding.EncodeToString([]byte("from a data uri"))

	rec := decodeRecord(t, callTool(t, srv, "upload_file", map[string]interface{}{
		"url":      uri,
		"filename": "inline.txt",
	}))
	if rec.Filename != "inline.txt" {
		t.Errorf("filename = %q", rec.Filename)
	}
	data, err := os.ReadFile(filepath.Join(env.Dir, "inline.txt"))
	if err != nil || string(data) != "from a data uri" {
		t.Errorf("content = %q, %v", data, err)
	}
}

func TestUploadFileHTTP(t *testing.T) {
	srv, env := testServer(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.4 fake"))
	}))
	defer ts.Close()

	prev := hostCheck
	hostCheck = func(string) error { return nil }
	t.Cleanup(func() { hostCheck = prev })

	rec := decodeRecord(t, callTool(t, srv, "upload_file", map[string]interface{}{
		"url":      ts.URL + "/docs/report.pdf",
		"metadata": `{"source":"web"}`,
	}))
	if rec.Filename != "report.pdf" || rec.Metadata["source"] != "web" {
		t.Errorf("upload = %+v", rec)
	}
	if !env.Manifest.Contains(filepath.Join(env.Dir, "report.pdf")) {
		t.Error("upload not tracked")
	}
}

func TestUploadFileBlocksLoopback(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "upload_file", map[string]interface{}{"url": "http://127.0.0.1:1/x.txt"})
	if !r.IsError || !strings.Contains(resultText(r), "blocked host") {
		t.Errorf("loopback = %q", resultText(r))
	}
}

func TestUploadFileDisabledWithoutRoot(t *testing.T) {
	env := testutil.NewEnv(t)
	srv := New(env.Service, "", "test")
	r := callTool(t, srv, "upload_file", map[string]interface{}{"url": "data:text/plain;base64,eA=="})
	if !r.IsError {
		t.Error("expected upload to be refused without root")
	}
}

func TestUploadFileStoreFailureKeepsFile(t *testing.T) {
	srv, env := testServer(t)
	env.Blobs.FailNext(&apperr.StatusError{Status: http.StatusServiceUnavailable})
	uri := "data:text/plain;base64," + base64.StdEncoding.EncodeToString([]byte("committed"))

	r := callTool(t, srv, "upload_file", map[string]interface{}{"url": uri, "filename": "kept.txt"})
	if !r.IsError || !strings.HasPrefix(resultText(r), "store_rejected:") {
		t.Fatalf("upload = %q", resultText(r))
	}
	if _, err := os.Stat(filepath.Join(env.Dir, "kept.txt")); err != nil {
		t.Errorf("file removed after the ledger committed: %v", err)
	}
}

func TestUploadFileLedgerRejectedRemovesFile(t *testing.T) {
	srv, env := testServer(t)
	env.Ledger.FailNext(ledger.OpCreate, apperr.ErrLedgerRejected)
	uri := "data:text/plain;base64," + base64.StdEncoding.EncodeToString([]byte("refused"))

	r := callTool(t, srv, "upload_file", map[string]interface{}{"url": uri, "filename": "refused.txt"})
	if !r.IsError {
		t.Fatal("expected ledger rejection")
	}
	if _, err := os.Stat(filepath.Join(env.Dir, "refused.txt")); !os.IsNotExist(err) {
		t.Errorf("file left behind: %v", err)
	}
}

func TestUploadFileRelativeRoot(t *testing.T) {
	env := testutil.NewEnv(t)
	t.Chdir(filepath.Dir(env.Dir))
	srv := New(env.Service, "./"+filepath.Base(env.Dir), "test")
	uri := "data:text/plain;base64," + base64.StdEncoding.EncodeToString([]byte("rel"))

	rec := decodeRecord(t, callTool(t, srv, "upload_file", map[string]interface{}{"url": uri, "filename": "rel.txt"}))
	if rec.Path != filepath.ToSlash(filepath.Join(env.Dir, "rel.txt")) {
		t.Errorf("path = %q", rec.Path)
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"../../etc/passwd": "passwd",
		"my file (1).txt":  "my_file__1_.txt",
		"ok-name_2.pdf":    "ok-name_2.pdf",
	}
	for in, want := range cases {
		if got := sanitizeFilename(in); got != want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDecodeDataURIErrors(t *testing.T) {
	for _, uri := range []string{"data:text/plain", "data:text/plain,plain", "data:text/plain;base64,@@@"} {
		if _, _, err := decodeDataURI(uri); err == nil {
			t.Errorf("expected error for %q", uri)
		}
	}
}
