package wiki

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/starford/tidsync/internal/apperr"
	"github.com/starford/tidsync/internal/models"
	"github.com/starford/tidsync/internal/relocate"
	"github.com/starford/tidsync/internal/testutil"
	"github.com/starford/tidsync/internal/tidfile"
)

type fixture struct {
	main, sub models.Workspace
	s         *Session
	changes   []Change
}

func newFixture(t *testing.T, opts ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{}
	f.main = testutil.MainWorkspace(t, "main")
	f.sub = testutil.SubWorkspace(t, "personal", f.main, "private", 0)
	o := Options{
		Main:   f.main,
		Subs:   []models.Workspace{f.sub},
		Logger: testutil.Logger(),
		Notify: func(c Change) { f.changes = append(f.changes, c) },
	}
	for _, fn := range opts {
		fn(&o)
	}
	f.s = New(o)
	return f
}

func (f *fixture) load(t *testing.T) {
	t.Helper()
	if _, err := f.s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestSave_NewTiddlerGoesToMain(t *testing.T) {
	f := newFixture(t)
	f.load(t)

	res, err := f.s.Save(context.Background(), &models.Tiddler{Title: "Hello", Text: "world"})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	want := filepath.Join(f.main.ContentDir(), "Hello.tid")
	if !res.Written || res.Path != want || res.WorkspaceID != "main" {
		t.Errorf("result = %+v", res)
	}
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatal(err)
	}
	got, err := tidfile.UnmarshalTid(data, "")
	if err != nil || got.Text != "world" {
		t.Errorf("file = %q, %v", data, err)
	}
	if got.Created.IsZero() || got.Modified.IsZero() {
		t.Error("dates not stamped")
	}
	if len(f.changes) != 1 || f.changes[0].Kind != ChangeSaved {
		t.Errorf("changes = %+v", f.changes)
	}
}

func TestSave_RelocatesFileAndAttachment(t *testing.T) {
	f := newFixture(t)
	oldPath := testutil.WriteTid(t, f.main.ContentDir(), &models.Tiddler{
		Title:  "Note",
		Text:   "secret",
		Fields: map[string]string{models.FieldCanonicalURI: "files/scan%201.png"},
	})
	testutil.WriteFile(t, f.main.FolderPath, "files/scan 1.png", []byte("png"))
	f.load(t)

	note, _ := f.s.Get("Note")
	note.Tags = []string{"private"}
	res, err := f.s.Save(context.Background(), note)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !res.Relocated || res.FromWorkspace != "main" || res.WorkspaceID != "personal" {
		t.Errorf("result = %+v", res)
	}
	if res.Attachment != relocate.Moved || res.AttachmentErr != nil {
		t.Errorf("attachment = %v, %v", res.Attachment, res.AttachmentErr)
	}
	if testutil.Exists(oldPath) {
		t.Error("old file still present")
	}
	if !testutil.Exists(filepath.Join(f.sub.FolderPath, "Note.tid")) {
		t.Error("new file missing")
	}
	if !testutil.Exists(filepath.Join(f.sub.FolderPath, "files", "scan 1.png")) {
		t.Error("attachment not moved")
	}
	info, _ := f.s.FileInfo("Note")
	if info.WorkspaceID != "personal" || info.Filepath != res.Path {
		t.Errorf("provenance = %+v", info)
	}
	if last := f.changes[len(f.changes)-1]; last.Kind != ChangeRelocated {
		t.Errorf("last change = %+v", last)
	}

	// Moving back restores main as owner.
	note.Tags = nil
	res, err = f.s.Save(context.Background(), note)
	if err != nil || res.WorkspaceID != "main" || !res.Relocated {
		t.Fatalf("move back = %+v, %v", res, err)
	}
	if !testutil.Exists(filepath.Join(f.main.FolderPath, "files", "scan 1.png")) {
		t.Error("attachment not moved back")
	}
}

func TestSave_RoutesThroughTagTree(t *testing.T) {
	f := newFixture(t)
	f.load(t)
	ctx := context.Background()

	if _, err := f.s.Save(ctx, &models.Tiddler{Title: "Journal", Tags: []string{"private"}}); err != nil {
		t.Fatal(err)
	}
	res, err := f.s.Save(ctx, &models.Tiddler{Title: "Day 1", Tags: []string{"Journal"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.WorkspaceID != "personal" {
		t.Errorf("Day 1 routed to %q", res.WorkspaceID)
	}

	// Untagging the parent invalidates the closure.
	if _, err := f.s.Save(ctx, &models.Tiddler{Title: "Journal", Text: "public now"}); err != nil {
		t.Fatal(err)
	}
	if ws := f.s.Route("Day 2", []string{"Journal"}); ws.ID != "main" {
		t.Errorf("after untag routed to %q", ws.ID)
	}
}

func TestSave_UnchangedSkipsWrite(t *testing.T) {
	f := newFixture(t)
	path := testutil.WriteTid(t, f.main.ContentDir(), &models.Tiddler{Title: "Stable", Text: "same", Tags: []string{"a b"}})
	before, _ := os.ReadFile(path)
	f.load(t)

	again, _ := f.s.Get("Stable")
	again.Modified = time.Now().Add(time.Hour)
	again.Fields["revision"] = "7"
	res, err := f.s.Save(context.Background(), again)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Unchanged || res.Written {
		t.Errorf("result = %+v", res)
	}
	after, _ := os.ReadFile(path)
	if string(before) != string(after) {
		t.Error("file rewritten")
	}
	if len(f.changes) != 0 {
		t.Errorf("changes = %+v", f.changes)
	}
}

func TestSave_ReadOnlyAndTransient(t *testing.T) {
	f := newFixture(t)
	f.load(t)
	ctx := context.Background()

	_, err := f.s.Save(ctx, &models.Tiddler{Title: "$:/info/url/port", Text: "1"})
	if !errors.Is(err, apperr.ErrReadOnly) {
		t.Errorf("info save err = %v", err)
	}

	res, err := f.s.Save(ctx, &models.Tiddler{Title: "$:/temp/search", Text: "q"})
	if err != nil || res.Written {
		t.Errorf("temp save = %+v, %v", res, err)
	}
	if _, ok := f.s.Get("$:/temp/search"); !ok {
		t.Error("temp tiddler not stored")
	}
	if testutil.Exists(filepath.Join(f.main.ContentDir(), tidfile.Filename("$:/temp/search"))) {
		t.Error("temp tiddler written to disk")
	}

	f.s.Inject(&models.Tiddler{Title: "$:/plugins/x", Text: "{}"})
	if _, err := f.s.Save(ctx, &models.Tiddler{Title: "$:/plugins/x", Text: "changed"}); !errors.Is(err, apperr.ErrReadOnly) {
		t.Errorf("plugin save err = %v", err)
	}
}

func TestSave_ReentrantSaveRejected(t *testing.T) {
	var reentrant error
	var f *fixture
	f = newFixture(t, func(o *Options) {
		o.Notify = func(c Change) {
			if c.Title == "Loop" && reentrant == nil {
				_, reentrant = f.s.Save(context.Background(), &models.Tiddler{Title: "Loop", Text: "again"})
			}
		}
	})
	f.load(t)

	if _, err := f.s.Save(context.Background(), &models.Tiddler{Title: "Loop", Text: "first"}); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(reentrant, apperr.ErrRelocationInFlight) {
		t.Errorf("reentrant err = %v", reentrant)
	}
	// The guard is released afterwards.
	if _, err := f.s.Save(context.Background(), &models.Tiddler{Title: "Loop", Text: "second"}); err != nil {
		t.Errorf("follow-up save: %v", err)
	}
}

func TestSave_AttachmentFailureIsPartial(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Relocator = relocate.New(testutil.Logger()).WithRename(func(string, string) error {
			return errors.New("disk says no")
		})
	})
	testutil.WriteTid(t, f.main.ContentDir(), &models.Tiddler{
		Title:  "Pic",
		Fields: map[string]string{models.FieldCanonicalURI: "files/p.png"},
	})
	testutil.WriteFile(t, f.main.FolderPath, "files/p.png", []byte("p"))
	f.load(t)

	pic, _ := f.s.Get("Pic")
	pic.Tags = []string{"private"}
	res, err := f.s.Save(context.Background(), pic)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	var relErr *relocate.RelocationError
	if !errors.As(res.AttachmentErr, &relErr) {
		t.Errorf("AttachmentErr = %v", res.AttachmentErr)
	}
	if res.WorkspaceID != "personal" {
		t.Error("tiddler should still move")
	}
	if !testutil.Exists(filepath.Join(f.main.FolderPath, "files", "p.png")) {
		t.Error("attachment should remain at source")
	}
}

func TestSave_FilenameCollision(t *testing.T) {
	f := newFixture(t)
	f.load(t)
	ctx := context.Background()
	a, err := f.s.Save(ctx, &models.Tiddler{Title: "a/b", Text: "1"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.s.Save(ctx, &models.Tiddler{Title: "a_b", Text: "2"})
	if err != nil {
		t.Fatal(err)
	}
	if a.Path == b.Path {
		t.Errorf("both saved to %s", a.Path)
	}
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	path := testutil.WriteTid(t, f.main.ContentDir(), &models.Tiddler{Title: "Gone", Tags: []string{"x"}})
	f.load(t)

	if err := f.s.Delete(context.Background(), "Gone"); err != nil {
		t.Fatal(err)
	}
	if testutil.Exists(path) {
		t.Error("file not removed")
	}
	if _, ok := f.s.Get("Gone"); ok {
		t.Error("still in store")
	}
	if err := f.s.Delete(context.Background(), "Gone"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second delete err = %v", err)
	}
}

func TestApplyFileChange_IgnoresOwnWrites(t *testing.T) {
	f := newFixture(t)
	f.load(t)
	res, err := f.s.Save(context.Background(), &models.Tiddler{Title: "Mine", Text: "x"})
	if err != nil {
		t.Fatal(err)
	}
	applied, err := f.s.ApplyFileChange(res.Path)
	if err != nil || applied {
		t.Errorf("echo applied = %v, %v", applied, err)
	}
}

func TestApplyFileChange_ExternalEditStaysInPlace(t *testing.T) {
	f := newFixture(t)
	path := testutil.WriteTid(t, f.main.ContentDir(), &models.Tiddler{Title: "Ext", Text: "v1"})
	f.load(t)

	testutil.WriteTid(t, f.main.ContentDir(), &models.Tiddler{Title: "Ext", Text: "v2", Tags: []string{"private"}})
	applied, err := f.s.ApplyFileChange(path)
	if err != nil || !applied {
		t.Fatalf("applied = %v, %v", applied, err)
	}
	got, _ := f.s.Get("Ext")
	if got.Text != "v2" {
		t.Errorf("text = %q", got.Text)
	}
	info, _ := f.s.FileInfo("Ext")
	if info.WorkspaceID != "main" || !testutil.Exists(path) {
		t.Errorf("external change was re-routed: %+v", info)
	}
	if last := f.changes[len(f.changes)-1]; !last.External {
		t.Errorf("change = %+v", last)
	}

	// Rewriting the same content with only a new timestamp is noise.
	testutil.WriteTid(t, f.main.ContentDir(), &models.Tiddler{Title: "Ext", Text: "v2", Tags: []string{"private"}, Modified: time.Now()})
	if applied, _ := f.s.ApplyFileChange(path); applied {
		t.Error("timestamp-only change applied")
	}
}

func TestApplyFileChange_NewFileInSub(t *testing.T) {
	f := newFixture(t)
	f.load(t)
	path := testutil.WriteTid(t, f.sub.FolderPath, &models.Tiddler{Title: "Dropped In"})
	applied, err := f.s.ApplyFileChange(path)
	if err != nil || !applied {
		t.Fatalf("applied = %v, %v", applied, err)
	}
	info, _ := f.s.FileInfo("Dropped In")
	if info.WorkspaceID != "personal" {
		t.Errorf("provenance = %+v", info)
	}
	if applied, _ := f.s.ApplyFileChange(filepath.Join(t.TempDir(), "Out.tid")); applied {
		t.Error("file outside workspaces applied")
	}
}

func TestApplyFileRemoval(t *testing.T) {
	f := newFixture(t)
	path := testutil.WriteTid(t, f.main.ContentDir(), &models.Tiddler{Title: "Bye"})
	f.load(t)

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	applied, err := f.s.ApplyFileRemoval(path)
	if err != nil || !applied {
		t.Fatalf("applied = %v, %v", applied, err)
	}
	if _, ok := f.s.Get("Bye"); ok {
		t.Error("still stored")
	}
	if applied, _ := f.s.ApplyFileRemoval(path); applied {
		t.Error("second removal applied")
	}
}

func TestApplyFileRemoval_IgnoresRelocatedOldPath(t *testing.T) {
	f := newFixture(t)
	oldPath := testutil.WriteTid(t, f.main.ContentDir(), &models.Tiddler{Title: "Mover"})
	f.load(t)
	m, _ := f.s.Get("Mover")
	m.Tags = []string{"private"}
	if _, err := f.s.Save(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	if applied, _ := f.s.ApplyFileRemoval(oldPath); applied {
		t.Error("removal of relocated file dropped the tiddler")
	}
	if _, ok := f.s.Get("Mover"); !ok {
		t.Error("tiddler lost")
	}
}

func TestSave_RejectsUnwritableFields(t *testing.T) {
	f := newFixture(t)
	f.load(t)
	ctx := context.Background()

	bad := &models.Tiddler{Title: "Bad", Text: "x", Fields: map[string]string{"my field": "v"}}
	if _, err := f.s.Save(ctx, bad); !errors.Is(err, apperr.ErrInvalidTiddler) {
		t.Fatalf("err = %v, want ErrInvalidTiddler", err)
	}
	if testutil.Exists(filepath.Join(f.main.ContentDir(), "Bad.tid")) {
		t.Error("file written for rejected tiddler")
	}
	if _, ok := f.s.Get("Bad"); ok {
		t.Error("rejected tiddler stored")
	}

	good := &models.Tiddler{Title: "Good", Text: "x", Fields: map[string]string{"caption": "Shown"}}
	if _, err := f.s.Save(ctx, good); err != nil {
		t.Fatal(err)
	}
	reload := New(Options{Main: f.main, Subs: []models.Workspace{f.sub}, Logger: testutil.Logger()})
	if _, err := reload.Load(ctx); err != nil {
		t.Fatal(err)
	}
	got, ok := reload.Get("Good")
	if !ok || got.Field("caption") != "Shown" {
		t.Errorf("reloaded = %+v, %v", got, ok)
	}
}

func TestSave_AttachmentDestinationTaken(t *testing.T) {
	f := newFixture(t)
	testutil.WriteTid(t, f.main.ContentDir(), &models.Tiddler{
		Title:  "Pic",
		Fields: map[string]string{models.FieldCanonicalURI: "files/pic.png"},
	})
	testutil.WriteFile(t, f.main.FolderPath, "files/pic.png", []byte("new"))
	existing := testutil.WriteFile(t, f.sub.FolderPath, "files/pic.png", []byte("old"))
	f.load(t)

	pic, _ := f.s.Get("Pic")
	pic.Tags = []string{"private"}
	res, err := f.s.Save(context.Background(), pic)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if res.WorkspaceID != "personal" || !errors.Is(res.AttachmentErr, apperr.ErrAlreadyExists) {
		t.Errorf("result = %+v, attachment err = %v", res, res.AttachmentErr)
	}
	if data, _ := os.ReadFile(existing); string(data) != "old" {
		t.Errorf("existing attachment overwritten: %q", data)
	}
	if !testutil.Exists(filepath.Join(f.main.FolderPath, "files", "pic.png")) {
		t.Error("source attachment removed")
	}
}

func TestSave_RelocationChangeNamesOrigin(t *testing.T) {
	f := newFixture(t)
	testutil.WriteTid(t, f.main.ContentDir(), &models.Tiddler{Title: "Walker"})
	f.load(t)

	w, _ := f.s.Get("Walker")
	w.Tags = []string{"private"}
	if _, err := f.s.Save(context.Background(), w); err != nil {
		t.Fatal(err)
	}
	last := f.changes[len(f.changes)-1]
	if last.Kind != ChangeRelocated || last.FromWorkspace != "main" || last.WorkspaceID != "personal" {
		t.Errorf("change = %+v", last)
	}
}

func TestApplyFileChange_WarnsWhenOwnerChanges(t *testing.T) {
	var logs bytes.Buffer
	f := newFixture(t, func(o *Options) {
		o.Logger = slog.New(slog.NewJSONHandler(&logs, nil))
	})
	mainPath := testutil.WriteTid(t, f.main.ContentDir(), &models.Tiddler{Title: "Twin", Text: "main"})
	f.load(t)

	subPath := testutil.WriteTid(t, f.sub.FolderPath, &models.Tiddler{Title: "Twin", Text: "sub"})
	applied, err := f.s.ApplyFileChange(subPath)
	if err != nil || !applied {
		t.Fatalf("applied = %v, %v", applied, err)
	}
	info, _ := f.s.FileInfo("Twin")
	if info.WorkspaceID != "personal" {
		t.Errorf("provenance = %+v", info)
	}
	out := logs.String()
	if !strings.Contains(out, "duplicate title") || !strings.Contains(out, mainPath) {
		t.Errorf("no collision warning in %s", out)
	}
}

func TestWriteFiles_StaysInsideWorkspaceFolder(t *testing.T) {
	f := newFixture(t)
	f.load(t)

	outside := filepath.Join(t.TempDir(), "Escaped.tid")
	err := f.s.writeFiles(&models.Tiddler{Title: "Escaped"}, models.FileInfo{Filepath: outside, WorkspaceID: "main", FileType: tidfile.TidType})
	if err == nil || testutil.Exists(outside) {
		t.Errorf("write outside folder: err = %v", err)
	}
	escape := filepath.Join(f.main.ContentDir(), "..", "Escaped.tid")
	if err := f.s.writeFiles(&models.Tiddler{Title: "Escaped"}, models.FileInfo{Filepath: escape, WorkspaceID: "main"}); err == nil {
		t.Error("write through .. accepted")
	}
	if err := f.s.deleteFiles(models.FileInfo{Filepath: outside, WorkspaceID: "nope"}); err == nil {
		t.Error("delete in unknown workspace accepted")
	}
}
