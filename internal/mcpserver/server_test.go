package mcpserver

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/tidsync/internal/engine"
	"github.com/starford/tidsync/internal/models"
	"github.com/starford/tidsync/internal/registry"
	"github.com/starford/tidsync/internal/testutil"
)

type hostMap map[string]*engine.Host

func (m hostMap) Host(_ context.Context, id string) (*engine.Host, bool) {
	h, ok := m[id]
	return h, ok
}

type fixture struct {
	srv       *Server
	main, sub models.Workspace
}

func testServer(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	main := testutil.MainWorkspace(t, "main")
	sub := testutil.SubWorkspace(t, "personal", main, "private", 0)
	if _, err := db.Add(ctx, main); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Add(ctx, sub); err != nil {
		t.Fatal(err)
	}
	testutil.WriteTid(t, main.ContentDir(), &models.Tiddler{Title: "Welcome", Text: "hi"})
	testutil.WriteTid(t, sub.FolderPath, &models.Tiddler{Title: "Diary", Tags: []string{"private"}})

	h, _, err := engine.Boot(ctx, engine.BootOptions{
		HomePath:      main.FolderPath,
		SubWorkspaces: []engine.SubWorkspace{{ID: sub.ID, Path: sub.FolderPath, RoutingTag: "private"}},
		WorkspaceID:   main.ID,
		Logger:        testutil.Logger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = h.Stop(context.Background()) })

	return &fixture{
		srv:  New(hostMap{main.ID: h, sub.ID: h}, db),
		main: main,
		sub:  sub,
	}
}

func callTool(t *testing.T, srv *Server, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	handlers := map[string]func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error){
		"list_workspaces":    srv.listWorkspaces,
		"list_tiddlers":      srv.listTiddlers,
		"read_tiddler":       srv.readTiddler,
		"save_tiddler":       srv.saveTiddler,
		"route_tiddler":      srv.routeTiddler,
		"tag_tree":           srv.tagTree,
		"get_tiddler_format": srv.getTiddlerFormat,
	}
	handler, ok := handlers[name]
	if !ok {
		t.Fatalf("unknown tool: %s", name)
	}
	result, err := handler(ctx, req)
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

func TestListWorkspaces(t *testing.T) {
	f := testServer(t)
	r := callTool(t, f.srv, "list_workspaces", map[string]any{})
	var got []workspaceView
	if err := json.Unmarshal([]byte(resultText(r)), &got); err != nil {
		t.Fatalf("decode: %v (%s)", err, resultText(r))
	}
	if len(got) != 2 || got[0].ID != "main" || got[1].ID != "personal" {
		t.Fatalf("workspaces = %+v", got)
	}
	if !got[0].Running || got[1].RoutingTag != "private" {
		t.Errorf("workspaces = %+v", got)
	}
}

func TestSaveAndReadTiddler(t *testing.T) {
	f := testServer(t)

	r := callTool(t, f.srv, "save_tiddler", map[string]any{
		"workspace_id": "main",
		"title":        "Secret",
		"text":         "shh",
		"tags":         "private",
	})
	if text := resultText(r); text != "saved: Secret in personal" {
		t.Errorf("save result = %q", text)
	}
	if !testutil.Exists(filepath.Join(f.sub.FolderPath, "Secret.tid")) {
		t.Error("Secret.tid not written to the sub-workspace")
	}

	r = callTool(t, f.srv, "read_tiddler", map[string]any{"workspace_id": "personal", "title": "Secret"})
	var got engine.TiddlerResponse
	if err := json.Unmarshal([]byte(resultText(r)), &got); err != nil {
		t.Fatalf("decode: %v (%s)", err, resultText(r))
	}
	if got.Text != "shh" || got.WorkspaceID != "personal" {
		t.Errorf("read = %+v", got)
	}
}

func TestSaveTiddler_MovesOnTagChange(t *testing.T) {
	f := testServer(t)
	r := callTool(t, f.srv, "save_tiddler", map[string]any{
		"workspace_id": "main",
		"title":        "Diary",
		"text":         "now public",
	})
	if text := resultText(r); text != "moved: Diary from personal to main" {
		t.Errorf("save result = %q", text)
	}
	if testutil.Exists(filepath.Join(f.sub.FolderPath, "Diary.tid")) {
		t.Error("old file still present")
	}

	r = callTool(t, f.srv, "save_tiddler", map[string]any{
		"workspace_id": "main",
		"title":        "Diary",
		"text":         "now public",
	})
	if text := resultText(r); text != "unchanged: Diary" {
		t.Errorf("second save = %q", text)
	}
}

func TestSaveTiddler_ReadOnly(t *testing.T) {
	f := testServer(t)
	r := callTool(t, f.srv, "save_tiddler", map[string]any{
		"workspace_id": "main",
		"title":        engine.InfoWorkspaceID,
		"text":         "other",
	})
	if !r.IsError || !strings.HasPrefix(resultText(r), "read-only") {
		t.Errorf("result = %+v", r)
	}
}

func TestReadTiddler_Missing(t *testing.T) {
	f := testServer(t)
	r := callTool(t, f.srv, "read_tiddler", map[string]any{"workspace_id": "main", "title": "nope"})
	if !r.IsError {
		t.Error("expected error for missing tiddler")
	}
	r = callTool(t, f.srv, "read_tiddler", map[string]any{"workspace_id": "ghost", "title": "Welcome"})
	if !r.IsError {
		t.Error("expected error for unknown workspace")
	}
}

func TestRouteTiddler(t *testing.T) {
	f := testServer(t)
	cases := map[string]string{
		"private":            "personal",
		"Diary":              "personal",
		"[[some other tag]]": "main",
		"":                   "main",
	}
	for tags, want := range cases {
		r := callTool(t, f.srv, "route_tiddler", map[string]any{
			"workspace_id": "main",
			"title":        "Probe",
			"tags":         tags,
		})
		if got := resultText(r); got != want {
			t.Errorf("route(tags=%q) = %q, want %q", tags, got, want)
		}
	}
}

func TestTagTreeAndFilter(t *testing.T) {
	f := testServer(t)
	_ = callTool(t, f.srv, "save_tiddler", map[string]any{
		"workspace_id": "main",
		"title":        "Entry",
		"tags":         "Diary",
	})

	r := callTool(t, f.srv, "tag_tree", map[string]any{"workspace_id": "main", "root_tag": "private"})
	got := strings.Split(resultText(r), "\n")
	if len(got) != 2 {
		t.Fatalf("tag tree = %v", got)
	}

	r = callTool(t, f.srv, "list_tiddlers", map[string]any{
		"workspace_id": "main",
		"filter":       "in-tagtree-of private",
	})
	if text := resultText(r); !strings.Contains(text, "Entry") || strings.Contains(text, "Welcome") {
		t.Errorf("filtered list = %q", text)
	}

	r = callTool(t, f.srv, "list_tiddlers", map[string]any{"workspace_id": "main", "filter": "tag[x]"})
	if !r.IsError {
		t.Error("expected error for unsupported filter")
	}
}

func TestGetTiddlerFormat(t *testing.T) {
	f := testServer(t)
	r := callTool(t, f.srv, "get_tiddler_format", map[string]any{})
	if !strings.Contains(resultText(r), "# tidsync Tiddler Format") {
		t.Error("format contract missing heading")
	}
}
