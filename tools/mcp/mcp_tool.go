// Package mcp exposes the tools of Model Context Protocol servers to the
// agent. Each configured server runs as a subprocess speaking MCP over
// stdio.
package mcp

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"regexp"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/m4xw311/turnengine/errors"
)

// Model APIs only accept [a-zA-Z0-9_-] in tool names.
var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// Client manages the connection to a single MCP server subprocess.
type Client struct {
	Name   string
	cmd    *exec.Cmd
	conn   *mcpsdk.ClientSession
	tools  []*Tool
	logger *zap.Logger
}

// NewClient starts the MCP server subprocess and discovers its tools.
func NewClient(ctx context.Context, name, command string, args []string, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cmd := exec.Command(command, args...)
	cmd.Stderr = os.Stderr
	sdk := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "turnengine", Version: "v1.0.0"}, nil)
	conn, err := sdk.Connect(ctx, mcpsdk.NewCommandTransport(cmd))
	if err != nil {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		return nil, errors.Wrapf(err, "failed to connect to MCP server '%s'", name)
	}
	c := &Client{Name: name, cmd: cmd, conn: conn, logger: logger}

	params := &mcpsdk.ListToolsParams{}
	for {
		list, err := conn.ListTools(ctx, params)
		if err != nil {
			c.Stop()
			return nil, errors.Wrapf(err, "failed to list tools from MCP server '%s'", name)
		}
		for _, t := range list.Tools {
			c.tools = append(c.tools, &Tool{
				id:          QualifiedName(name, t.Name),
				toolName:    t.Name,
				description: t.Description,
				schema:      schemaMap(t.InputSchema),
				client:      c,
			})
		}
		if list.NextCursor == "" {
			break
		}
		params.Cursor = list.NextCursor
	}

	logger.Info("initialized MCP client", zap.String("server", name), zap.Int("tools", len(c.tools)))
	return c, nil
}

// QualifiedName is the registry id of tool on server.
func QualifiedName(server, tool string) string {
	return unsafeNameChars.ReplaceAllString(server, "_") + "_" + unsafeNameChars.ReplaceAllString(tool, "_")
}

// Tools returns the tools the server advertised.
func (c *Client) Tools() []*Tool {
	return c.tools
}

// Stop terminates the MCP server subprocess.
func (c *Client) Stop() error {
	if c.conn != nil {
		c.conn.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		c.logger.Info("terminating MCP server", zap.String("server", c.Name))
		if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return errors.Wrapf(err, "failed to stop MCP server '%s'", c.Name)
		}
	}
	return nil
}

// Tool is one tool offered by an MCP server.
type Tool struct {
	id          string
	toolName    string
	description string
	schema      map[string]any
	client      *Client
}

// Name returns the tool id, "<server>_<tool>".
func (t *Tool) Name() string { return t.id }

func (t *Tool) Description() string { return t.description }

func (t *Tool) Schema() map[string]any { return t.schema }

// Execute sends the arguments to the MCP server and returns the text
// content of its answer.
func (t *Tool) Execute(ctx context.Context, args map[string]any) (string, error) {
	result, err := t.client.conn.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      t.toolName,
		Arguments: args,
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to call tool '%s'", t.id)
	}
	text := ContentText(result.Content)
	if result.IsError {
		return "", errors.New("tool '%s' reported an error: %s", t.id, text)
	}
	return text, nil
}

// ContentText concatenates the text parts of an MCP result.
func ContentText(content []mcpsdk.Content) string {
	var b strings.Builder
	for _, c := range content {
		switch v := c.(type) {
		case *mcpsdk.TextContent:
			b.WriteString(v.Text)
		default:
			b.WriteString("[non-text content]")
		}
	}
	return b.String()
}

func schemaMap(schema any) map[string]any {
	out := map[string]any{"type": "object", "properties": map[string]any{}}
	if schema == nil {
		return out
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return out
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return out
	}
	if _, ok := m["type"]; !ok {
		m["type"] = "object"
	}
	return m
}
