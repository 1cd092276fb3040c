// Package agent assembles the turn engine for the interactive front ends.
//
// An Agent owns one model provider, one tool registry, one execution
// manager and one session store, and runs turns for any number of
// sessions through a shared turn.Driver. Each session runs at most one
// turn at a time; cancelling a session's turn aborts it cleanly and the
// conversation stays usable for the next one.
//
// # Usage
//
//	a, err := agent.New(ctx, cfg, agent.Options{Toolset: "default", Mode: agent.ModePrompt})
//	if err != nil {
//	    // handle error
//	}
//	defer a.Close()
//
//	sess := a.NewSession("")
//	res, err := a.Run(ctx, sess, "list the go files")
//
// # Modes
//
//   - ModeAuto: tools run without confirmation unless listed under
//     permissions.always_ask
//   - ModePrompt: tools not listed under permissions.auto_approve wait for
//     a permission decision delivered through the execution manager
//
// Front ends observe tool progress and answer permission requests by
// subscribing to Agent.Manager events.
//
// # Subpackages
//
// agent/terminal: an interactive line-oriented REPL.
//
// agent/acp: an Agent Client Protocol server speaking JSON-RPC over stdio.
package agent
