package internal

import (
	"fmt"
	"log/slog"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App      ApplicationConfig `yaml:"app"`
	Registry RegistryConfig    `yaml:"registry"`
	Engine   EngineConfig      `yaml:"engine"`
	Auth     AuthConfig        `yaml:"auth"`
	VCS      VCSConfig         `yaml:"vcs"`
	Watcher  WatcherConfig     `yaml:"watcher"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Registry.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds the engine HTTP listener configuration. Port is the
// base port handed to newly added main workspaces; 0 leaves them without
// HTTP.
type HTTPConfig struct {
	Port     int    `yaml:"port"`
	BindHost string `yaml:"bind_host"`
}

// PortFor returns the port for the n-th main workspace, counting from 0.
func (c *HTTPConfig) PortFor(n int) int {
	if c.Port == 0 {
		return 0
	}
	return c.Port + n
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Min(0), validation.Max(65535)),
		validation.Field(&c.BindHost, validation.Required),
	)
}

// RegistryConfig holds the workspace registry database location.
type RegistryConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the registry configuration.
func (c *RegistryConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// EngineConfig holds options passed to every engine boot.
type EngineConfig struct {
	PluginPaths []string `yaml:"plugin_paths"`
}

// VCSConfig controls git initialisation of new workspace folders.
type VCSConfig struct {
	Enabled bool `yaml:"enabled"`
}

// WatcherConfig controls file-system watching of running workspaces.
type WatcherConfig struct {
	Enabled bool `yaml:"enabled"`
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local use.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// EffectiveToken returns the token engines should require, or "" when
// authentication is disabled.
func (c *AuthConfig) EffectiveToken() string {
	if !c.AuthEnabled() {
		return ""
	}
	return c.Token
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port:     8080,
				BindHost: "127.0.0.1",
			},
		},
		Registry: RegistryConfig{
			Path: "./tidsync.db",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		VCS:     VCSConfig{Enabled: true},
		Watcher: WatcherConfig{Enabled: true},
	}
}
