package tools

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/m4xw311/turnengine/config"
	"github.com/m4xw311/turnengine/errors"
	"github.com/m4xw311/turnengine/tools/mcp"
)

// ErrUnknownTool is returned when the model names a tool that is not
// active in the registry.
var ErrUnknownTool = errors.Sentinel("unknown tool")

// Tool defines the interface for any action the agent can take.
type Tool interface {
	Name() string
	Description() string
	// Schema is the JSON schema object describing the arguments.
	Schema() map[string]any
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Description is what the model is told about a tool.
type Description struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema"`
}

// FileTracker records which files the agent has read in a session.
type FileTracker interface {
	MarkFileRead(path string)
	HasReadFile(path string) bool
}

// ExecContext identifies the session and invocation a tool runs for.
type ExecContext struct {
	SessionID    string
	InvocationID string
	Files        FileTracker
}

type execContextKey struct{}

// WithExecContext returns a context carrying ec.
func WithExecContext(ctx context.Context, ec ExecContext) context.Context {
	return context.WithValue(ctx, execContextKey{}, ec)
}

// ExecContextFrom returns the ExecContext stored in ctx, if any.
func ExecContextFrom(ctx context.Context) (ExecContext, bool) {
	ec, ok := ctx.Value(execContextKey{}).(ExecContext)
	return ec, ok
}

// Registry holds all available tools and the subset active for a toolset.
type Registry struct {
	mu         sync.RWMutex
	tools      map[string]Tool
	active     map[string]bool
	mcpClients []*mcp.Client
	logger     *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{tools: make(map[string]Tool), logger: logger}
}

// NewRegistryFromConfig registers the built-in tools, starts the
// configured MCP servers and activates the named toolset.
func NewRegistryFromConfig(ctx context.Context, cfg *config.Config, toolset string, logger *zap.Logger) (*Registry, error) {
	r := NewRegistry(logger)
	r.Register(NewReadFileTool(&cfg.FilesystemAccess))
	r.Register(NewWriteFileTool(&cfg.FilesystemAccess))
	r.Register(NewGrepTool(&cfg.FilesystemAccess))
	r.Register(NewExecuteCommandTool(cfg.AllowedCommands))

	if err := r.StartMCPServers(ctx, cfg.AdditionalMCPServers); err != nil {
		return nil, err
	}

	ts, err := cfg.GetToolset(toolset)
	if err != nil {
		r.Close()
		return nil, err
	}
	if err := r.Activate(ts); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// StartMCPServers launches the servers concurrently and registers every
// tool they expose. If any server fails the ones already started are
// stopped.
func (r *Registry) StartMCPServers(ctx context.Context, servers []config.MCPServer) error {
	if len(servers) == 0 {
		return nil
	}
	clients := make([]*mcp.Client, len(servers))
	g, gctx := errgroup.WithContext(ctx)
	for i, srv := range servers {
		g.Go(func() error {
			c, err := mcp.NewClient(gctx, srv.Name, srv.Command, srv.Args, r.logger)
			if err != nil {
				return err
			}
			clients[i] = c
			return nil
		})
	}
	err := g.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range clients {
		if c == nil {
			continue
		}
		if err != nil {
			c.Stop()
			continue
		}
		r.mcpClients = append(r.mcpClients, c)
		for _, t := range c.Tools() {
			r.tools[t.Name()] = t
		}
	}
	return err
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

func (r *Registry) GetTool(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if ok && r.active != nil && !r.active[name] {
		return nil, false
	}
	return t, ok
}

// Activate restricts the registry to the tools of ts. Entries may be
// doublestar globs so a whole MCP server can be enabled at once.
func (r *Registry) Activate(ts *config.Toolset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	active := make(map[string]bool)
	for _, entry := range ts.Tools {
		matched := false
		for name := range r.tools {
			ok, err := doublestar.Match(entry, name)
			if err != nil {
				return errors.Wrapf(err, "invalid tool pattern '%s' in toolset '%s'", entry, ts.Name)
			}
			if ok {
				active[name] = true
				matched = true
			}
		}
		if !matched {
			return errors.New("tool '%s' from toolset '%s' is not registered", entry, ts.Name)
		}
	}
	r.active = active
	return nil
}

// Describe lists the active tools sorted by name.
func (r *Registry) Describe() []Description {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Description, 0, len(r.tools))
	for name, t := range r.tools {
		if r.active != nil && !r.active[name] {
			continue
		}
		out = append(out, Description{Name: name, Description: t.Description(), Schema: t.Schema()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs the tool named toolID. Tool failures come back as errors
// for the caller to report to the model.
func (r *Registry) Execute(ctx context.Context, toolID, invocationID string, args map[string]any, ec ExecContext) (string, error) {
	t, ok := r.GetTool(toolID)
	if !ok {
		return "", errors.Wrapf(ErrUnknownTool, "%s", toolID)
	}
	ec.InvocationID = invocationID
	r.logger.Debug("executing tool",
		zap.String("tool", toolID),
		zap.String("invocation_id", invocationID),
		zap.String("session", ec.SessionID))
	return t.Execute(WithExecContext(ctx, ec), args)
}

// Close stops every MCP server the registry started.
func (r *Registry) Close() error {
	r.mu.Lock()
	clients := r.mcpClients
	r.mcpClients = nil
	r.mu.Unlock()

	var errs []error
	for _, c := range clients {
		if err := c.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// isPathRestricted checks if a path matches any of the glob patterns.
func isPathRestricted(path string, patterns []string) (bool, error) {
	for _, pattern := range patterns {
		match, err := doublestar.PathMatch(pattern, path)
		if err != nil {
			return false, fmt.Errorf("invalid glob pattern '%s': %w", pattern, err)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

// isCommandAllowed checks if a command is in the allowlist (with regex support).
func isCommandAllowed(command string, allowed []string) bool {
	if len(strings.Fields(command)) == 0 {
		return false
	}
	for _, pattern := range allowed {
		re, err := regexp.Compile("^(?:" + pattern + ")$")
		if err != nil {
			// Invalid regex falls back to an exact comparison.
			if command == pattern {
				return true
			}
			continue
		}
		if re.MatchString(command) {
			return true
		}
	}
	return false
}

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key].(string)
	return v, ok
}

func objectSchema(required []string, props map[string]any) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}
