package internal

import (
	"io"

	"github.com/starford/tidsync/internal/lifecycle"
)

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config    *Config
	logOutput io.Writer
	surface   lifecycle.Surface
	noHTTP    bool
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithLogOutput redirects the JSON log stream. The MCP command needs this
// since stdout carries the protocol.
func WithLogOutput(w io.Writer) Option {
	return func(a *application) {
		a.logOutput = w
	}
}

// WithSurface replaces the logging UI surface.
func WithSurface(s lifecycle.Surface) Option {
	return func(a *application) {
		a.surface = s
	}
}

// WithoutHTTP boots engines without listeners.
func WithoutHTTP() Option {
	return func(a *application) {
		a.noHTTP = true
	}
}
