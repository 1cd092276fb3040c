package agent

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/m4xw311/turnengine/config"
	"github.com/m4xw311/turnengine/conversation"
	"github.com/m4xw311/turnengine/errors"
	"github.com/m4xw311/turnengine/execution"
	"github.com/m4xw311/turnengine/llm"
	"github.com/m4xw311/turnengine/permission"
	"github.com/m4xw311/turnengine/session"
	"github.com/m4xw311/turnengine/tools"
	"github.com/m4xw311/turnengine/turn"
)

type Mode string

const (
	ModeAuto   Mode = config.PermissionModeAuto
	ModePrompt Mode = config.PermissionModePrompt
)

// ParseMode validates a mode flag value. An empty value means prompt.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModePrompt, nil
	case ModeAuto, ModePrompt:
		return Mode(s), nil
	}
	return "", errors.New("invalid mode '%s': must be 'auto' or 'prompt'", s)
}

// ToolVerbosity controls how much tool activity interactive front ends show.
type ToolVerbosity string

const (
	ToolVerbosityNone ToolVerbosity = "none"
	ToolVerbosityInfo ToolVerbosity = "info"
	ToolVerbosityAll  ToolVerbosity = "all"
)

func ParseToolVerbosity(s string) (ToolVerbosity, error) {
	switch ToolVerbosity(s) {
	case "":
		return ToolVerbosityNone, nil
	case ToolVerbosityNone, ToolVerbosityInfo, ToolVerbosityAll:
		return ToolVerbosity(s), nil
	}
	return "", errors.New("invalid tool verbosity '%s': must be 'none', 'info', or 'all'", s)
}

// Options tune New. Zero values are filled from the configuration.
type Options struct {
	Toolset   string
	Mode      Mode
	Verbosity ToolVerbosity
	Logger    *zap.Logger

	// Provider replaces the provider named by the configuration.
	Provider llm.Provider
	// Registry replaces the registry built from the configuration.
	Registry *tools.Registry
	// Store persists sessions; nil opens the configured session directory.
	Store *session.FileStore
}

// Agent wires configuration, a model provider, tools and persistence into
// a turn driver shared by every session it serves.
type Agent struct {
	Config    *config.Config
	Toolset   string
	Mode      Mode
	Verbosity ToolVerbosity

	driver   *turn.Driver
	registry *tools.Registry
	provider llm.Provider
	store    *session.FileStore
	logger   *zap.Logger
}

// NewProvider builds the provider named by cfg.LLMClient.
func NewProvider(ctx context.Context, cfg *config.Config) (llm.Provider, error) {
	switch cfg.LLMClient {
	case "anthropic":
		return llm.NewAnthropicProvider(ctx, cfg.Model)
	case "openai":
		return llm.NewOpenAIProvider(ctx, cfg.Model)
	case "gemini":
		return llm.NewGeminiProvider(ctx, cfg.Model)
	case "bedrock":
		return llm.NewBedrockProvider(ctx, cfg.Model)
	case "scripted", "mock":
		return llm.NewScripted(llm.Final("This is a scripted response.")).Repeating(), nil
	default:
		return nil, errors.New("unknown llm client '%s'", cfg.LLMClient)
	}
}

func New(ctx context.Context, cfg *config.Config, opts Options) (*Agent, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Toolset == "" {
		opts.Toolset = "default"
	}
	if opts.Mode == "" {
		opts.Mode = Mode(cfg.Permissions.Mode)
	}
	if opts.Verbosity == "" {
		opts.Verbosity = ToolVerbosityNone
	}

	a := &Agent{
		Config:    cfg,
		Toolset:   opts.Toolset,
		Mode:      opts.Mode,
		Verbosity: opts.Verbosity,
		registry:  opts.Registry,
		provider:  opts.Provider,
		store:     opts.Store,
		logger:    logger,
	}

	var err error
	if a.store == nil {
		if a.store, err = session.NewFileStore(cfg.SessionDir); err != nil {
			return nil, err
		}
	}
	if a.registry == nil {
		if a.registry, err = tools.NewRegistryFromConfig(ctx, cfg, opts.Toolset, logger); err != nil {
			return nil, err
		}
	}
	if a.provider == nil {
		if a.provider, err = NewProvider(ctx, cfg); err != nil {
			_ = a.registry.Close()
			return nil, errors.Wrapf(err, "initializing %s client", cfg.LLMClient)
		}
	}

	compactor := conversation.NewCompactor(logger)
	compactor.ProtectedTail = cfg.Engine.ProtectedTail
	compactor.MinAssistantEntries = cfg.Engine.MinAssistantEntries

	adapter := llm.NewCallAdapter(a.provider,
		llm.WithCompactor(compactor),
		llm.WithBackoff(llm.BackoffFromConfig(cfg.Retry)),
		llm.WithMaxContextTokens(cfg.Engine.MaxContextTokens),
		llm.WithLogger(logger))

	perms := cfg.Permissions
	perms.Mode = string(opts.Mode)

	a.driver = turn.NewDriver(adapter, a.registry,
		turn.WithManager(execution.NewManager(execution.WithLogger(logger))),
		turn.WithPolicy(permission.NewModePolicy(perms)),
		turn.WithMaxIterations(cfg.Engine.MaxIterations),
		turn.WithSystemPrompt(cfg.Engine.SystemPrompt),
		turn.WithTemperature(cfg.Engine.Temperature),
		turn.WithMaxTokens(cfg.Engine.MaxTokens),
		turn.WithLogger(logger))

	logger.Debug("agent ready",
		zap.String("llm", a.provider.Name()),
		zap.String("toolset", opts.Toolset),
		zap.String("mode", string(opts.Mode)),
		zap.Int("tools", len(a.registry.Describe())))
	return a, nil
}

// Manager returns the execution manager; front ends subscribe to it to
// show tool progress and answer permission requests.
func (a *Agent) Manager() *execution.Manager { return a.driver.Manager() }

func (a *Agent) Tools() []tools.Description { return a.registry.Describe() }

// NewSession creates a session stamped with the agent's mode and toolset.
func (a *Agent) NewSession(name string) *session.Session {
	sess := session.New(name)
	sess.Mode = string(a.Mode)
	sess.Toolset = a.Toolset
	return sess
}

// Resume loads a saved session and its execution history.
func (a *Agent) Resume(name string) (*session.Session, error) {
	sess, err := a.store.Load(name)
	if err != nil {
		return nil, err
	}
	snap, err := a.store.LoadExecutions(name)
	if err != nil {
		return nil, err
	}
	if err := a.Manager().Restore(snap); err != nil {
		return nil, errors.Wrapf(err, "restoring executions of session '%s'", name)
	}
	return sess, nil
}

// Run executes one turn for input and saves the session afterwards, even
// when the turn failed or was cancelled.
func (a *Agent) Run(ctx context.Context, sess *session.Session, input string) (turn.Result, error) {
	res, err := a.driver.Run(ctx, input, sess)
	if errors.Is(err, session.ErrTurnInProgress) {
		return res, err
	}
	if serr := a.Save(sess); serr != nil {
		a.logger.Warn("failed to save session", zap.String("session", sess.Name), zap.Error(serr))
	}
	return res, err
}

// Save writes the session and its execution records.
func (a *Agent) Save(sess *session.Session) error {
	if err := a.store.Save(sess); err != nil {
		return err
	}
	return a.store.SaveExecutions(sess.Name, a.Manager().Snapshot(sess.ID))
}

// Close stops MCP servers and releases the provider.
func (a *Agent) Close() error {
	a.Manager().Wait()
	var errs []error
	if err := a.registry.Close(); err != nil {
		errs = append(errs, err)
	}
	if c, ok := a.provider.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
