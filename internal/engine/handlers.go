package engine

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/tidsync/internal/apperr"
	"github.com/starford/tidsync/internal/tagtree"
)

type handler struct {
	host *Host
}

// tiddlerTitle extracts the title after /tiddlers/. chi matches on the
// raw path only when the request carried one that differs from the default
// encoding (a %2F in a system title, say); the param is still escaped then
// and is decoded here exactly once.
func tiddlerTitle(r *http.Request) string {
	title := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if title == "" || r.URL.RawPath == "" {
		return title
	}
	decoded, err := url.PathUnescape(title)
	if err != nil {
		return title
	}
	return decoded
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}

type errResponse struct {
	Error string `json:"error"`
}

func errorBody(msg string) errResponse {
	return errResponse{Error: msg}
}

func (hd *handler) fail(w http.ResponseWriter, op, title string, err error) {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
	case errors.Is(err, apperr.ErrInvalidTiddler):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	case errors.Is(err, apperr.ErrReadOnly):
		writeJSON(w, http.StatusForbidden, errorBody("tiddler is read-only"))
	case errors.Is(err, apperr.ErrRelocationInFlight):
		writeJSON(w, http.StatusConflict, errorBody("save already in progress"))
	case errors.Is(err, ErrStopped):
		writeJSON(w, http.StatusServiceUnavailable, errorBody("engine stopped"))
	default:
		slog.Error(op+" failed", slog.String("title", title), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

func (hd *handler) ready(w http.ResponseWriter, r *http.Request) {
	if _, err := hd.host.Status(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "stopped"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// status handles GET /status.
func (hd *handler) status(w http.ResponseWriter, r *http.Request) {
	st, err := hd.host.Status(r.Context())
	if err != nil {
		hd.fail(w, "status", "", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// listTiddlers handles GET /tiddlers with an optional
// filter=[!]in-tagtree-of[:inclusive] <tag> query.
func (hd *handler) listTiddlers(w http.ResponseWriter, r *http.Request) {
	var filter *tagtree.Filter
	if expr := r.URL.Query().Get("filter"); expr != "" {
		f, ok := tagtree.ParseFilter(expr)
		if !ok {
			writeJSON(w, http.StatusBadRequest, errorBody("unsupported filter"))
			return
		}
		filter = &f
	}
	titles, err := hd.host.Titles(r.Context(), filter)
	if err != nil {
		hd.fail(w, "list tiddlers", "", err)
		return
	}
	writeJSON(w, http.StatusOK, TitleListResponse{Titles: titles, Total: len(titles)})
}

// getTiddler handles GET /tiddlers/*.
func (hd *handler) getTiddler(w http.ResponseWriter, r *http.Request) {
	title := tiddlerTitle(r)
	if title == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("title is required"))
		return
	}
	t, info, ok, err := hd.host.Get(r.Context(), title)
	if err != nil {
		hd.fail(w, "get tiddler", title, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
		return
	}
	writeJSON(w, http.StatusOK, TiddlerResponse{Tiddler: t, WorkspaceID: info.WorkspaceID, Filepath: info.Filepath})
}

// putTiddler handles PUT /tiddlers/*.
func (hd *handler) putTiddler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	title := tiddlerTitle(r)
	if title == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("title is required"))
		return
	}
	var req TiddlerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}

	res, err := hd.host.Save(r.Context(), req.tiddler(title))
	if err != nil {
		hd.fail(w, "save tiddler", title, err)
		return
	}
	out := SaveResponse{
		Title:         title,
		Unchanged:     res.Unchanged,
		WorkspaceID:   res.WorkspaceID,
		Filepath:      res.Path,
		Relocated:     res.Relocated,
		FromWorkspace: res.FromWorkspace,
	}
	if res.Relocated {
		out.Attachment = res.Attachment.String()
	}
	if res.AttachmentErr != nil {
		out.AttachmentErr = res.AttachmentErr.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

// deleteTiddler handles DELETE /tiddlers/*.
func (hd *handler) deleteTiddler(w http.ResponseWriter, r *http.Request) {
	title := tiddlerTitle(r)
	if title == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("title is required"))
		return
	}
	if err := hd.host.Delete(r.Context(), title); err != nil {
		hd.fail(w, "delete tiddler", title, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
