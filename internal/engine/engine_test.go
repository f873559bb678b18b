package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/starford/tidsync/internal/apperr"
	"github.com/starford/tidsync/internal/models"
	"github.com/starford/tidsync/internal/testutil"
	"github.com/starford/tidsync/internal/wiki"
)

type env struct {
	main, sub models.Workspace
	host      *Host
	ready     string
}

func bootEnv(t *testing.T, token string) *env {
	t.Helper()
	e := &env{}
	e.main = testutil.MainWorkspace(t, "main")
	e.sub = testutil.SubWorkspace(t, "personal", e.main, "private", 0)
	testutil.WriteTid(t, e.main.ContentDir(), &models.Tiddler{Title: "Welcome", Text: "hi"})
	testutil.WriteTid(t, e.sub.FolderPath, &models.Tiddler{Title: "Diary", Tags: []string{"private"}})

	h, ready, err := Boot(context.Background(), BootOptions{
		HomePath:      e.main.FolderPath,
		SubWorkspaces: []SubWorkspace{{ID: "personal", Path: e.sub.FolderPath, RoutingTag: "private"}},
		WorkspaceID:   "main",
		AuthToken:     token,
		Logger:        testutil.Logger(),
	})
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	t.Cleanup(func() { _ = h.Stop(context.Background()) })
	e.host, e.ready = h, ready
	return e
}

func do(t *testing.T, h http.Handler, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestBoot_LoadsAndInjectsInfo(t *testing.T) {
	e := bootEnv(t, "")
	if !strings.Contains(e.ready, "workspace main") || !strings.Contains(e.ready, "HTTP disabled") {
		t.Errorf("ready = %q", e.ready)
	}
	ctx := context.Background()
	for title, want := range map[string]string{
		InfoDesktop:     "yes",
		InfoWorkspaceID: "main",
		InfoAuthHeader:  "no",
		InfoURLFull:     "",
	} {
		tid, _, ok, err := e.host.Get(ctx, title)
		if err != nil || !ok {
			t.Fatalf("Get(%q) = %v, %v", title, ok, err)
		}
		if tid.Text != want {
			t.Errorf("%s = %q, want %q", title, tid.Text, want)
		}
	}
	_, info, ok, _ := e.host.Get(ctx, "Diary")
	if !ok || info.WorkspaceID != "personal" {
		t.Errorf("Diary provenance = %+v", info)
	}
}

func TestBoot_MainMissingFails(t *testing.T) {
	_, _, err := Boot(context.Background(), BootOptions{
		HomePath: filepath.Join(t.TempDir(), "nope"),
		Logger:   testutil.Logger(),
	})
	if !errors.Is(err, apperr.ErrMainWorkspaceLoad) {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(err.Error(), "nope") {
		t.Errorf("error lacks detail: %v", err)
	}
}

func TestBoot_PluginPaths(t *testing.T) {
	main := testutil.MainWorkspace(t, "main")
	plugins := t.TempDir()
	testutil.WriteTid(t, plugins, &models.Tiddler{Title: "$:/plugins/demo", Text: "{}"})

	h, ready, err := Boot(context.Background(), BootOptions{
		HomePath:    main.FolderPath,
		PluginPaths: []string{plugins},
		Logger:      testutil.Logger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Stop(context.Background())
	if !strings.Contains(ready, "(1 plugin)") {
		t.Errorf("ready = %q", ready)
	}
	_, info, ok, _ := h.Get(context.Background(), "$:/plugins/demo")
	if !ok || info.Filepath != "" {
		t.Errorf("plugin = %v, %+v", ok, info)
	}
	if _, err := h.Save(context.Background(), &models.Tiddler{Title: "$:/plugins/demo", Text: "x"}); !errors.Is(err, apperr.ErrReadOnly) {
		t.Errorf("plugin save err = %v", err)
	}

	if _, _, err := Boot(context.Background(), BootOptions{
		HomePath:    main.FolderPath,
		PluginPaths: []string{filepath.Join(plugins, "missing")},
		Logger:      testutil.Logger(),
	}); err == nil {
		t.Error("missing plugin path should fail boot")
	}
}

func TestBoot_ServesHTTP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	main := testutil.MainWorkspace(t, "main")
	h, ready, err := Boot(context.Background(), BootOptions{
		HomePath:  main.FolderPath,
		Port:      port,
		AuthToken: "s3cret",
		Logger:    testutil.Logger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(ready, h.URL()) || h.URL() == "" {
		t.Errorf("ready = %q, url = %q", ready, h.URL())
	}
	tid, _, _, _ := h.Get(context.Background(), InfoAuthHeader)
	if tid.Text != "yes" {
		t.Errorf("auth-header = %q", tid.Text)
	}

	resp, err := http.Get(h.URL() + "health/live")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("live = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Stop(ctx); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if _, err := h.Status(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("status after stop = %v", err)
	}
}

func TestAPI_PutRoutesToSub(t *testing.T) {
	e := bootEnv(t, "")
	r := NewRouter(e.host, "")

	w := do(t, r, http.MethodPut, "/tiddlers/Welcome", TiddlerRequest{Text: "hi", Tags: []string{"private"}}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("put = %d %s", w.Code, w.Body.String())
	}
	var res SaveResponse
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	if !res.Relocated || res.WorkspaceID != "personal" || res.FromWorkspace != "main" {
		t.Errorf("save = %+v", res)
	}
	if !testutil.Exists(filepath.Join(e.sub.FolderPath, "Welcome.tid")) {
		t.Error("file not in sub-workspace")
	}

	w = do(t, r, http.MethodGet, "/tiddlers/Welcome", nil, "")
	var got TiddlerResponse
	_ = json.Unmarshal(w.Body.Bytes(), &got)
	if w.Code != http.StatusOK || got.WorkspaceID != "personal" || got.Text != "hi" {
		t.Errorf("get = %d %s", w.Code, w.Body.String())
	}
}

func TestAPI_PutUnchanged(t *testing.T) {
	e := bootEnv(t, "")
	r := NewRouter(e.host, "")
	w := do(t, r, http.MethodPut, "/tiddlers/Welcome", TiddlerRequest{Text: "hi", Modified: time.Now()}, "")
	var res SaveResponse
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	if w.Code != http.StatusOK || !res.Unchanged {
		t.Errorf("put = %d %s", w.Code, w.Body.String())
	}
}

func TestAPI_ListWithFilter(t *testing.T) {
	e := bootEnv(t, "")
	r := NewRouter(e.host, "")

	w := do(t, r, http.MethodGet, "/tiddlers?filter="+urlQuery("in-tagtree-of private"), nil, "")
	var list TitleListResponse
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if w.Code != http.StatusOK || list.Total != 1 || list.Titles[0] != "Diary" {
		t.Errorf("list = %d %s", w.Code, w.Body.String())
	}

	w = do(t, r, http.MethodGet, "/tiddlers?filter=bogus", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad filter = %d", w.Code)
	}
}

func TestAPI_ReadOnlyAndDelete(t *testing.T) {
	e := bootEnv(t, "")
	r := NewRouter(e.host, "")

	w := do(t, r, http.MethodPut, "/tiddlers/$:/info/desktop", TiddlerRequest{Text: "no"}, "")
	if w.Code != http.StatusForbidden {
		t.Errorf("info put = %d", w.Code)
	}

	w = do(t, r, http.MethodDelete, "/tiddlers/Diary", nil, "")
	if w.Code != http.StatusNoContent {
		t.Errorf("delete = %d", w.Code)
	}
	if testutil.Exists(filepath.Join(e.sub.FolderPath, "Diary.tid")) {
		t.Error("file not deleted")
	}
	w = do(t, r, http.MethodGet, "/tiddlers/Diary", nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("get deleted = %d", w.Code)
	}
}

func TestAPI_Auth(t *testing.T) {
	e := bootEnv(t, "tok")
	r := NewRouter(e.host, "tok")

	if w := do(t, r, http.MethodGet, "/status", nil, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d", w.Code)
	}
	if w := do(t, r, http.MethodGet, "/status", nil, "wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d", w.Code)
	}
	w := do(t, r, http.MethodGet, "/status", nil, "tok")
	var st Status
	_ = json.Unmarshal(w.Body.Bytes(), &st)
	if w.Code != http.StatusOK || st.WorkspaceID != "main" || len(st.Subs) != 1 {
		t.Errorf("status = %d %s", w.Code, w.Body.String())
	}
	if w := do(t, r, http.MethodGet, "/health/ready", nil, ""); w.Code != http.StatusOK {
		t.Errorf("ready without token = %d", w.Code)
	}
}

func TestHost_FileChangedAppliesExternalEdit(t *testing.T) {
	e := bootEnv(t, "")
	path := testutil.WriteTid(t, e.main.ContentDir(), &models.Tiddler{Title: "Welcome", Text: "edited outside"})
	e.host.FileChanged(path)

	tid, _, _, err := e.host.Get(context.Background(), "Welcome")
	if err != nil || tid.Text != "edited outside" {
		t.Errorf("Welcome = %+v, %v", tid, err)
	}
}

func TestHost_RelocationEventNamesBothWorkspaces(t *testing.T) {
	e := bootEnv(t, "")
	origin := e.host.Broker().Subscribe("main", 0)
	dest := e.host.Broker().Subscribe("personal", 0)

	if _, err := e.host.Save(context.Background(), &models.Tiddler{Title: "Welcome", Text: "hi", Tags: []string{"private"}}); err != nil {
		t.Fatal(err)
	}
	for name, sub := range map[string]interface{ C() <-chan []byte }{"origin": origin, "destination": dest} {
		select {
		case msg := <-sub.C():
			if !strings.Contains(string(msg), "event: tiddler.relocated") || !strings.Contains(string(msg), `"from_workspace":"main"`) {
				t.Errorf("%s got %q", name, msg)
			}
		default:
			t.Errorf("%s got no event", name)
		}
	}
}

func TestAPI_TitleDecodedOnce(t *testing.T) {
	e := bootEnv(t, "")
	r := NewRouter(e.host, "")
	ctx := context.Background()

	for path, want := range map[string]string{
		"/tiddlers/a%2541":                "a%41",
		"/tiddlers/%24%3A%2Fconfig%2FFoo": "$:/config/Foo",
		"/tiddlers/Two%20Words":           "Two Words",
	} {
		w := do(t, r, http.MethodPut, path, TiddlerRequest{Text: "x"}, "")
		if w.Code != http.StatusOK {
			t.Errorf("put %s = %d %s", path, w.Code, w.Body.String())
			continue
		}
		if _, _, ok, err := e.host.Get(ctx, want); err != nil || !ok {
			t.Errorf("put %s: %q not stored (%v)", path, want, err)
		}
	}
	if _, _, ok, _ := e.host.Get(ctx, "aA"); ok {
		t.Error("title decoded twice")
	}
}

func TestAPI_PutRejectsBadField(t *testing.T) {
	e := bootEnv(t, "")
	r := NewRouter(e.host, "")

	w := do(t, r, http.MethodPut, "/tiddlers/Bad", TiddlerRequest{Text: "x", Fields: map[string]string{"x\n\ninjected": "v"}}, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("put = %d %s", w.Code, w.Body.String())
	}
	if testutil.Exists(filepath.Join(e.main.ContentDir(), "Bad.tid")) {
		t.Error("rejected tiddler written")
	}
}

func TestHost_DoWaitsForRunningOp(t *testing.T) {
	e := bootEnv(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	release := make(chan struct{})
	returned := make(chan error, 1)
	var ran bool
	go func() {
		returned <- e.host.do(ctx, func(*wiki.Session) {
			close(started)
			<-release
			ran = true
		})
	}()

	<-started
	cancel()
	select {
	case err := <-returned:
		t.Fatalf("do returned %v while op was running", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	if err := <-returned; err != nil {
		t.Errorf("do = %v", err)
	}
	if !ran {
		t.Error("op result not visible")
	}
}

func urlQuery(s string) string {
	return strings.ReplaceAll(s, " ", "%20")
}
