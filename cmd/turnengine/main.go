package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/m4xw311/turnengine/agent"
	"github.com/m4xw311/turnengine/agent/acp"
	"github.com/m4xw311/turnengine/agent/terminal"
	"github.com/m4xw311/turnengine/config"
	"github.com/m4xw311/turnengine/errors"
	"github.com/m4xw311/turnengine/logging"
	"github.com/m4xw311/turnengine/session"
)

func main() {
	if err := newRootCmd(config.LoadConfig).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}
}

type options struct {
	mode      string
	session   string
	resume    string
	toolset   string
	verbosity string
	logLevel  string
	acp       bool

	loadConfig func() (*config.Config, error)
}

func newRootCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	o := &options{loadConfig: loadConfig}
	cmd := &cobra.Command{
		Use:   "turnengine [prompt...]",
		Short: "Run a tool-using coding agent in the terminal or over ACP",
		Long: `turnengine runs an agent that answers each prompt with a turn of model
calls and tool executions.

Without --acp it starts an interactive session; any arguments form the
first prompt. With --acp it speaks the Agent Client Protocol on stdio.
Ctrl-C cancels the running turn; pressed while idle it exits.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, args)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&o.mode, "mode", "m", "", "Execution mode: 'auto' or 'prompt'")
	f.StringVarP(&o.session, "session", "s", "", "Session name to create or use")
	f.StringVarP(&o.resume, "resume", "r", "", "Resume a session by name")
	f.StringVarP(&o.toolset, "toolset", "t", "", "Toolset to use (defaults to 'default')")
	f.StringVar(&o.verbosity, "tool-verbosity", "", "Tool verbosity level: 'none', 'info', or 'all'")
	f.StringVar(&o.logLevel, "log-level", "", "Log level (debug, info, warn, error); logs go to stderr")
	f.BoolVar(&o.acp, "acp", false, "Serve the Agent Client Protocol over stdio")
	cmd.MarkFlagsMutuallyExclusive("session", "resume")
	return cmd
}

func (o *options) run(cmd *cobra.Command, args []string) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return errors.Wrapf(err, "error loading configuration")
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, err := session.NewFileStore(cfg.SessionDir)
	if err != nil {
		return err
	}

	// A resumed session keeps its mode and toolset unless overridden.
	if o.resume != "" {
		saved, err := store.Load(o.resume)
		if err != nil {
			return errors.Wrapf(err, "error resuming session '%s'", o.resume)
		}
		if o.mode == "" {
			o.mode = saved.Mode
		}
		if o.toolset == "" {
			o.toolset = saved.Toolset
		}
	}
	if o.mode == "" {
		o.mode = cfg.Permissions.Mode
	}
	mode, err := agent.ParseMode(o.mode)
	if err != nil {
		return err
	}
	verbosity, err := agent.ParseToolVerbosity(o.verbosity)
	if err != nil {
		return err
	}

	ctx, stop := context.WithCancel(cmd.Context())
	defer stop()

	a, err := agent.New(ctx, cfg, agent.Options{
		Toolset:   o.toolset,
		Mode:      mode,
		Verbosity: verbosity,
		Logger:    logger,
		Store:     store,
	})
	if err != nil {
		return errors.Wrapf(err, "error initializing agent")
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
	}()

	if o.acp {
		unwatch := watchSignals(nil, stop, logger)
		defer unwatch()
		logger.Info("serving ACP on stdio")
		return acp.Run(ctx, a, cmd.InOrStdin(), cmd.OutOrStdout(), logger)
	}

	var sess *session.Session
	out := cmd.OutOrStdout()
	if o.resume != "" {
		if sess, err = a.Resume(o.resume); err != nil {
			return err
		}
		fmt.Fprintf(out, "Resuming session: %s\n", sess.Name)
	} else {
		name := o.session
		if name == "" {
			name = defaultSessionName()
		}
		sess = a.NewSession(name)
		if err := a.Save(sess); err != nil {
			return err
		}
		fmt.Fprintf(out, "Starting new session: %s\n", sess.Name)
	}

	unwatch := watchSignals(sess, func() {
		stop()
		// The terminal may be blocked reading input; history is saved
		// after every turn.
		os.Exit(130)
	}, logger)
	defer unwatch()

	fmt.Fprintln(out, "Agent is ready. Type your prompt.")
	return terminal.New(a, sess, cmd.InOrStdin(), out).Run(ctx, strings.Join(args, " "))
}

// watchSignals cancels the running turn of sess on SIGINT; a SIGINT with
// no turn running, or SIGTERM, calls quit.
func watchSignals(sess *session.Session, quit func(), logger *zap.Logger) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case sig := <-sigCh:
				if sig == os.Interrupt && sess != nil && sess.Cancel(nil) {
					logger.Info("turn interrupted")
					continue
				}
				quit()
				return
			}
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

func defaultSessionName() string {
	wd, err := os.Getwd()
	if err != nil {
		wd = "turnengine"
	}
	dirName := filepath.Base(wd)
	if strings.HasPrefix(dirName, ".") || dirName == string(filepath.Separator) {
		dirName = "turnengine"
	}
	timestamp := time.Now().Format("2006-01-02_15-04-05")
	return fmt.Sprintf("%s_%s", dirName, timestamp)
}
