package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/m4xw311/turnengine/errors"
)

// DirName is the per-user and per-project configuration directory.
const DirName = ".turnengine"

type FilesystemAccess struct {
	Hidden   []string `yaml:"hidden"`
	ReadOnly []string `yaml:"read_only"`
}

type MCPServer struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

type Toolset struct {
	Name  string   `yaml:"name"`
	Tools []string `yaml:"tools"`
}

// Engine bounds a single turn.
type Engine struct {
	MaxIterations       int     `yaml:"max_iterations"`
	MaxContextTokens    int     `yaml:"max_context_tokens"`
	MaxTokens           int     `yaml:"max_tokens"`
	Temperature         float64 `yaml:"temperature"`
	SystemPrompt        string  `yaml:"system_prompt"`
	ProtectedTail       int     `yaml:"protected_tail"`
	MinAssistantEntries int     `yaml:"min_assistant_entries"`
}

// Retry configures backoff for rate-limited model calls.
type Retry struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

const (
	PermissionModeAuto   = "auto"
	PermissionModePrompt = "prompt"
)

// Permissions decides which tools need explicit approval. Entries are
// doublestar globs matched against tool ids.
type Permissions struct {
	Mode        string   `yaml:"mode"`
	AutoApprove []string `yaml:"auto_approve"`
	AlwaysAsk   []string `yaml:"always_ask"`
}

type Logging struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type Config struct {
	LLMClient            string           `yaml:"llm"`
	Model                string           `yaml:"model"`
	Toolsets             []Toolset        `yaml:"toolsets"`
	AdditionalMCPServers []MCPServer      `yaml:"additional_mcp_servers"`
	AllowedCommands      []string         `yaml:"allowed_commands"`
	FilesystemAccess     FilesystemAccess `yaml:"filesystem_access"`
	Engine               Engine           `yaml:"engine"`
	Retry                Retry            `yaml:"retry"`
	Permissions          Permissions      `yaml:"permissions"`
	Logging              Logging          `yaml:"logging"`
	SessionDir           string           `yaml:"session_dir"`
}

// Default returns a configuration usable without any file.
func Default() *Config {
	return &Config{
		LLMClient: "anthropic",
		Toolsets: []Toolset{
			{Name: "default", Tools: []string{"read_file", "write_file", "grep", "execute_command"}},
			{Name: "readonly", Tools: []string{"read_file", "grep"}},
		},
		FilesystemAccess: FilesystemAccess{
			Hidden: []string{DirName, DirName + "/**"},
		},
		Engine: Engine{
			MaxIterations:       25,
			MaxContextTokens:    200_000,
			MaxTokens:           4096,
			Temperature:         0,
			ProtectedTail:       15,
			MinAssistantEntries: 10,
		},
		Retry: Retry{
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
			MaxAttempts: 5,
		},
		Permissions: Permissions{
			Mode:        PermissionModePrompt,
			AutoApprove: []string{"read_file", "grep"},
		},
		Logging:    Logging{Level: "info"},
		SessionDir: filepath.Join(DirName, "sessions"),
	}
}

// LoadConfig loads configuration from the user's home directory and the current
// working directory, with the latter taking precedence.
func LoadConfig() (*Config, error) {
	home, _ := os.UserHomeDir()
	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	return Load(home, wd)
}

// Load layers <home>/.turnengine/config.yaml and then
// <project>/.turnengine/config.yaml over Default. Either directory may be
// empty to skip that layer.
func Load(home, project string) (*Config, error) {
	cfg := Default()

	for _, layer := range []struct{ dir, name string }{
		{home, "user"},
		{project, "project"},
	} {
		if layer.dir == "" {
			continue
		}
		path := filepath.Join(layer.dir, DirName, "config.yaml")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := loadFromFile(path, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading %s config", layer.name)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Fields present in the file replace the ones already set.
	return yaml.Unmarshal(data, cfg)
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Engine.MaxIterations <= 0 {
		errs = append(errs, errors.New("engine.max_iterations must be positive"))
	}
	if c.Engine.MaxContextTokens <= 0 {
		errs = append(errs, errors.New("engine.max_context_tokens must be positive"))
	}
	if c.Engine.MaxTokens <= 0 {
		errs = append(errs, errors.New("engine.max_tokens must be positive"))
	}
	if c.Engine.ProtectedTail < 0 || c.Engine.MinAssistantEntries < 0 {
		errs = append(errs, errors.New("engine.protected_tail and engine.min_assistant_entries must not be negative"))
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("retry.max_attempts must be positive"))
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, errors.New("retry delays must satisfy 0 <= base_delay <= max_delay"))
	}
	switch c.Permissions.Mode {
	case PermissionModeAuto, PermissionModePrompt:
	default:
		errs = append(errs, errors.New("permissions.mode must be %q or %q, got %q",
			PermissionModeAuto, PermissionModePrompt, c.Permissions.Mode))
	}
	for _, pattern := range append(append([]string{}, c.Permissions.AutoApprove...), c.Permissions.AlwaysAsk...) {
		if !doublestar.ValidatePattern(pattern) {
			errs = append(errs, errors.New("invalid permission pattern %q", pattern))
		}
	}
	for _, pattern := range append(append([]string{}, c.FilesystemAccess.Hidden...), c.FilesystemAccess.ReadOnly...) {
		if !doublestar.ValidatePattern(pattern) {
			errs = append(errs, errors.New("invalid filesystem pattern %q", pattern))
		}
	}
	if len(errs) > 0 {
		return errors.Wrapf(errors.Join(errs...), "invalid configuration")
	}
	return nil
}

// GetToolset finds a toolset by name. Returns the "default" toolset if the
// named one is not found or if an empty name is provided.
func (c *Config) GetToolset(name string) (*Toolset, error) {
	if name == "" {
		name = "default"
	}
	for _, ts := range c.Toolsets {
		if ts.Name == name {
			return &ts, nil
		}
	}
	if name == "default" {
		return nil, errors.New("mandatory 'default' toolset not found in configuration")
	}
	// Fallback to default if a specific toolset was requested but not found
	return c.GetToolset("default")
}
