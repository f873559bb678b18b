// Package sse streams tiddler change notifications to UI clients as
// Server-Sent Events.
//
// Every tiddler event carries a sequence ID. A reconnecting client sends
// the last ID it saw in the Last-Event-ID header and receives the events
// it missed from a bounded history; when the history no longer reaches
// back that far it gets a store.updated event and should reload. Clients
// may subscribe to a single workspace with ?workspace=<id>.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"
)

// SummaryEvent tells clients to refresh their view of the whole store.
const SummaryEvent = "store.updated"

const (
	defaultHistory = 256
	clientBuffer   = 64
)

// TiddlerChange is the payload of tiddler.* events.
type TiddlerChange struct {
	Title       string `json:"title"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	// FromWorkspace is set on tiddler.relocated events.
	FromWorkspace string `json:"from_workspace,omitempty"`
	External      bool   `json:"external,omitempty"`
}

// frame is one encoded event. A frame with no workspaces goes to every
// client.
type frame struct {
	id         uint64
	workspaces []string
	raw        []byte
}

func (f frame) visibleTo(workspace string) bool {
	return workspace == "" || len(f.workspaces) == 0 || slices.Contains(f.workspaces, workspace)
}

// Subscription is one connected client.
type Subscription struct {
	workspace string
	ch        chan []byte
}

// C delivers encoded events. It is closed on Unsubscribe and Close.
func (s *Subscription) C() <-chan []byte { return s.ch }

// Broker fans tiddler events out to subscribed clients and keeps the most
// recent ones for replay.
type Broker struct {
	summaryMin time.Duration
	now        func() time.Time

	mu          sync.Mutex
	seq         uint64
	history     []frame
	historyCap  int
	clients     map[*Subscription]struct{}
	lastSummary time.Time
	closed      bool
}

// NewBroker returns a broker that sends at most one store.updated event
// per summaryThrottle.
func NewBroker(summaryThrottle time.Duration) *Broker {
	if summaryThrottle <= 0 {
		summaryThrottle = 2 * time.Second
	}
	return &Broker{
		summaryMin: summaryThrottle,
		now:        time.Now,
		historyCap: defaultHistory,
		clients:    make(map[*Subscription]struct{}),
	}
}

// WithHistory sets how many tiddler events are kept for replay.
func (b *Broker) WithHistory(n int) *Broker {
	if n > 0 {
		b.historyCap = n
	}
	return b
}

// Subscribe adds a client seeing only events for workspace, or all events
// when workspace is empty. Events after lastID that are still in the
// history are queued on the subscription before any new event.
func (b *Broker) Subscribe(workspace string, lastID uint64) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	backlog := b.backlog(workspace, lastID)
	sub := &Subscription{workspace: workspace, ch: make(chan []byte, clientBuffer+len(backlog))}
	for _, raw := range backlog {
		sub.ch <- raw
	}
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.clients[sub] = struct{}{}
	return sub
}

// backlog returns the frames a client resuming after lastID missed.
// Callers hold b.mu.
func (b *Broker) backlog(workspace string, lastID uint64) [][]byte {
	if lastID == 0 || lastID == b.seq {
		return nil
	}
	var out [][]byte
	// An ID ahead of the sequence comes from an earlier broker.
	if lastID > b.seq || len(b.history) == 0 || b.history[0].id > lastID+1 {
		out = append(out, encode(0, SummaryEvent, struct{}{}))
	}
	for _, f := range b.history {
		if f.id > lastID && f.visibleTo(workspace) {
			out = append(out, f.raw)
		}
	}
	return out
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[sub]; ok {
		delete(b.clients, sub)
		close(sub.ch)
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// PublishChange sends a tiddler event of type kind (for example
// "tiddler.changed") to the clients watching either workspace of change,
// followed by a throttled store.updated to everyone.
func (b *Broker) PublishChange(kind string, change TiddlerChange) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.seq++
	f := frame{id: b.seq, raw: encode(b.seq, kind, change)}
	for _, ws := range []string{change.WorkspaceID, change.FromWorkspace} {
		if ws != "" && !slices.Contains(f.workspaces, ws) {
			f.workspaces = append(f.workspaces, ws)
		}
	}
	b.history = append(b.history, f)
	if over := len(b.history) - b.historyCap; over > 0 {
		b.history = slices.Delete(b.history, 0, over)
	}
	b.deliver(f)

	if now := b.now(); now.Sub(b.lastSummary) >= b.summaryMin {
		b.lastSummary = now
		b.deliver(frame{raw: encode(0, SummaryEvent, struct{}{})})
	}
}

// deliver hands f to every matching client without blocking. A client
// whose buffer is full misses the event. Callers hold b.mu.
func (b *Broker) deliver(f frame) {
	for sub := range b.clients {
		if !f.visibleTo(sub.workspace) {
			continue
		}
		select {
		case sub.ch <- f.raw:
		default:
		}
	}
}

func encode(id uint64, kind string, data any) []byte {
	payload, err := json.Marshal(data)
	if err != nil {
		payload = []byte("{}")
	}
	if id == 0 {
		return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", kind, payload))
	}
	return []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", id, kind, payload))
}

// Close disconnects every client. Later subscriptions are closed at once
// and later changes are dropped.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.clients {
		close(sub.ch)
	}
	clear(b.clients)
}

// ServeHTTP streams events to one client until it disconnects.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	// An unparsable ID resumes from the live stream.
	lastID, _ := strconv.ParseUint(r.Header.Get("Last-Event-ID"), 10, 64)
	sub := b.Subscribe(r.URL.Query().Get("workspace"), lastID)
	defer b.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			if _, err := w.Write(msg); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
