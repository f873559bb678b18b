package wiki

import "sync"

// inflight tracks titles whose save is still running.
type inflight struct {
	mu     sync.Mutex
	titles map[string]struct{}
}

func newInflight() *inflight {
	return &inflight{titles: make(map[string]struct{})}
}

// TryAcquire marks title busy. It returns false if it already was.
func (g *inflight) TryAcquire(title string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.titles[title]; busy {
		return false
	}
	g.titles[title] = struct{}{}
	return true
}

func (g *inflight) Release(title string) {
	g.mu.Lock()
	delete(g.titles, title)
	g.mu.Unlock()
}
