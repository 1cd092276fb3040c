// Package terminal implements the interactive command-line mode.
//
// A Terminal reads prompts line by line, runs each one as a turn on its
// session and prints the agent's answer. While a turn runs, permission
// requests for its tools are asked on the same input ("y" grants,
// anything else denies). Tool activity is printed according to the
// agent's verbosity:
//
//   - none: nothing
//   - info: tool names and failures
//   - all: tool names, arguments, outputs and failures
//
// A turn cancelled while a permission question is open (Ctrl-C in the
// CLI) is reported at once; the question is dropped and the next line
// typed is read as a new prompt.
//
// /quit and /exit end the session, as does the end of input.
package terminal
