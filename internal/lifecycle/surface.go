package lifecycle

import (
	"log/slog"
	"sync"
)

// Surface is the UI presentation of running workspaces.
type Surface interface {
	Register(id, url string) error
	Unregister(id string) error
}

// LogSurface records registrations and logs them. The CLI uses it in
// place of a window.
type LogSurface struct {
	Logger *slog.Logger

	mu   sync.Mutex
	urls map[string]string
}

// Register implements Surface.
func (s *LogSurface) Register(id, url string) error {
	s.mu.Lock()
	if s.urls == nil {
		s.urls = make(map[string]string)
	}
	s.urls[id] = url
	s.mu.Unlock()
	s.logger().Info("surface: workspace available", slog.String("workspace", id), slog.String("url", url))
	return nil
}

// Unregister implements Surface.
func (s *LogSurface) Unregister(id string) error {
	s.mu.Lock()
	delete(s.urls, id)
	s.mu.Unlock()
	s.logger().Info("surface: workspace closed", slog.String("workspace", id))
	return nil
}

// URL returns the registered URL for id.
func (s *LogSurface) URL(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.urls[id]
	return u, ok
}

func (s *LogSurface) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
