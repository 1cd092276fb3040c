package acp

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/m4xw311/turnengine/conversation"
	"github.com/m4xw311/turnengine/errors"
	"github.com/m4xw311/turnengine/execution"
	"github.com/m4xw311/turnengine/session"
	"github.com/m4xw311/turnengine/turn"
)

// ACP stop reasons.
const (
	stopEndTurn   = "end_turn"
	stopCancelled = "cancelled"
	stopMaxTurns  = "max_turn_requests"
)

// ACP tool call statuses.
const (
	statusPending    = "pending"
	statusInProgress = "in_progress"
	statusCompleted  = "completed"
	statusFailed     = "failed"
)

// handleInitialize advertises protocol version 1 with session loading.
func (s *Server) handleInitialize(msg jsonrpcMessage) {
	var p struct {
		ProtocolVersion int             `json:"protocolVersion"`
		ClientCaps      json.RawMessage `json:"clientCapabilities,omitempty"`
	}
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			s.logger.Debug("initialize: bad params", zap.Error(err))
		}
	}
	s.logger.Debug("initialize", zap.Int("client_protocol", p.ProtocolVersion))

	_ = s.writeResponseOK(msg.ID, map[string]any{
		"protocolVersion": 1,
		"agentCapabilities": map[string]any{
			"loadSession": true,
			"promptCapabilities": map[string]bool{
				"audio":           false,
				"embeddedContext": false,
				"image":           false,
			},
		},
		"authMethods": []any{},
	})
}

func (s *Server) handleSessionNew(msg jsonrpcMessage) {
	sid := s.newSessionID()
	sess := s.agent.NewSession(sid)
	if err := s.agent.Save(sess); err != nil {
		_ = s.writeResponseError(msg.ID, codeInternalError, "Internal error", fmt.Sprintf("failed to create session: %v", err))
		return
	}

	s.mu.Lock()
	s.sessions[sid] = sess
	s.mu.Unlock()

	s.logger.Info("session created", zap.String("session", sid))
	_ = s.writeResponseOK(msg.ID, map[string]any{"sessionId": sid})
}

// handleSessionLoad loads a saved session and replays its history as
// session/update notifications before answering null.
func (s *Server) handleSessionLoad(msg jsonrpcMessage) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		_ = s.writeResponseError(msg.ID, codeInvalidParams, "Invalid params", err.Error())
		return
	}

	sess, ok := s.lookup(p.SessionID)
	if !ok {
		var err error
		if sess, err = s.agent.Resume(p.SessionID); err != nil {
			_ = s.writeResponseError(msg.ID, codeInvalidParams, "Invalid params", fmt.Sprintf("session not found: %v", err))
			return
		}
		s.mu.Lock()
		s.sessions[p.SessionID] = sess
		s.mu.Unlock()
	}

	entries := sess.Window.Entries()
	s.logger.Debug("replaying session", zap.String("session", p.SessionID), zap.Int("entries", len(entries)))
	for _, e := range entries {
		switch {
		case e.IsInvocation():
			inv := e.Invocation
			_ = s.sendSessionUpdate(p.SessionID, map[string]any{
				"sessionUpdate": "tool_call",
				"toolCallId":    inv.ID,
				"title":         inv.Name,
				"kind":          toolKind(inv.Name),
				"status":        statusPending,
				"rawInput":      inv.Args,
			})
		case e.IsResult():
			status := statusCompleted
			if e.Result.IsError() {
				status = statusFailed
			}
			_ = s.sendSessionUpdate(p.SessionID, map[string]any{
				"sessionUpdate": "tool_call_update",
				"toolCallId":    e.Result.InvocationID,
				"status":        status,
				"content":       toolContent(e.Result.Payload()),
			})
		case e.Role == conversation.RoleUser:
			_ = s.sendSessionUpdate(p.SessionID, map[string]any{
				"sessionUpdate": "user_message_chunk",
				"content":       textContent(e.Text),
			})
		case e.Text != "":
			_ = s.sendAgentMessageChunk(p.SessionID, e.Text)
		}
	}
	_ = s.writeResponseOK(msg.ID, nil)
}

// handleSessionPrompt starts a turn in the background. The response is
// written when the turn ends. A prompt for a session whose turn is still
// running is rejected with an invalid request error.
func (s *Server) handleSessionPrompt(ctx context.Context, msg jsonrpcMessage) {
	var p struct {
		SessionID string         `json:"sessionId"`
		Prompt    []contentBlock `json:"prompt"`
	}
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		_ = s.writeResponseError(msg.ID, codeInvalidParams, "Invalid params", err.Error())
		return
	}
	sess, ok := s.lookup(p.SessionID)
	if !ok {
		_ = s.writeResponseError(msg.ID, codeInvalidParams, "Invalid params", "unknown sessionId")
		return
	}
	userText := extractUserText(p.Prompt)
	s.logger.Debug("prompt", zap.String("session", p.SessionID), zap.Int("blocks", len(p.Prompt)))

	s.turns.Add(1)
	go func() {
		defer s.turns.Done()
		res, err := s.agent.Run(ctx, sess, userText)
		s.finishPrompt(msg.ID, p.SessionID, res, err)
	}()
}

func (s *Server) finishPrompt(id json.RawMessage, sid string, res turn.Result, err error) {
	switch {
	case errors.Is(err, session.ErrTurnInProgress):
		_ = s.writeResponseError(id, codeInvalidRequest, "Invalid request", err.Error())
	case errors.Is(err, turn.ErrMaxIterations):
		_ = s.writeResponseOK(id, map[string]any{"stopReason": stopMaxTurns})
	case err != nil:
		_ = s.writeResponseError(id, codeInternalError, "Internal error", err.Error())
	case res.Aborted:
		_ = s.writeResponseOK(id, map[string]any{"stopReason": stopCancelled})
	default:
		_ = s.sendAgentMessageChunk(sid, res.ResponseText)
		_ = s.writeResponseOK(id, map[string]any{"stopReason": stopEndTurn})
	}
}

// handleSessionCancel is a notification; it has no response.
func (s *Server) handleSessionCancel(msg jsonrpcMessage) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		s.logger.Debug("session/cancel: bad params", zap.Error(err))
		return
	}
	sess, ok := s.lookup(p.SessionID)
	if !ok {
		return
	}
	if sess.Cancel(nil) {
		s.logger.Info("turn cancelled by client", zap.String("session", p.SessionID))
	}
}

func (s *Server) lookup(sid string) (*session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sid]
	return sess, ok
}

// sessionKey maps an internal session id back to the ACP session id.
func (s *Server) sessionKey(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sid, sess := range s.sessions {
		if sess.ID == id {
			return sid, true
		}
	}
	return "", false
}

// subscribe reports execution progress of this server's sessions and
// forwards their permission requests to the client.
func (s *Server) subscribe(ctx context.Context) func() {
	m := s.agent.Manager()
	offs := []func(){
		m.On(execution.EventCreated, func(e execution.Event) {
			s.toolUpdate(e, "tool_call", statusPending, "")
		}),
		m.On(execution.EventUpdated, func(e execution.Event) {
			if e.Execution.Status == execution.StatusRunning {
				s.toolUpdate(e, "tool_call_update", statusInProgress, "")
			}
		}),
		m.On(execution.EventCompleted, func(e execution.Event) {
			s.toolUpdate(e, "tool_call_update", statusCompleted, e.Execution.Result)
		}),
		m.On(execution.EventError, func(e execution.Event) {
			s.toolUpdate(e, "tool_call_update", statusFailed, e.Execution.Error)
		}),
		m.On(execution.EventAborted, func(e execution.Event) {
			s.toolUpdate(e, "tool_call_update", statusFailed, "Tool execution was aborted")
		}),
		m.On(execution.EventPermissionRequested, func(e execution.Event) {
			s.requestPermission(ctx, e)
		}),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

func (s *Server) toolUpdate(e execution.Event, kind, status, content string) {
	sid, ok := s.sessionKey(e.Execution.SessionID)
	if !ok {
		return
	}
	update := map[string]any{
		"sessionUpdate": kind,
		"toolCallId":    e.Execution.ID,
		"status":        status,
	}
	if kind == "tool_call" {
		update["title"] = e.Execution.ToolName
		update["kind"] = toolKind(e.Execution.ToolID)
		update["rawInput"] = e.Execution.Args
	}
	if content != "" {
		update["content"] = toolContent(content)
	}
	_ = s.sendSessionUpdate(sid, update)
}

// requestPermission asks the client on a separate goroutine; listeners
// must not block the driver.
func (s *Server) requestPermission(ctx context.Context, e execution.Event) {
	sid, ok := s.sessionKey(e.Execution.SessionID)
	if !ok || e.Permission == nil {
		return
	}
	perm := *e.Permission
	rec := e.Execution

	s.permissions.Add(1)
	go func() {
		defer s.permissions.Done()
		granted := s.askClient(ctx, sid, rec, perm)
		if _, err := s.agent.Manager().ResolvePermission(perm.ID, granted); err != nil {
			s.logger.Debug("permission already settled", zap.String("permission_id", perm.ID), zap.Error(err))
		}
	}()
}

func (s *Server) askClient(ctx context.Context, sid string, rec execution.Record, perm execution.PermissionRequest) bool {
	raw, err := s.call(ctx, "session/request_permission", map[string]any{
		"sessionId": sid,
		"toolCall": map[string]any{
			"toolCallId": rec.ID,
			"title":      rec.ToolName,
			"kind":       toolKind(rec.ToolID),
			"status":     statusPending,
			"rawInput":   perm.Args,
		},
		"options": []map[string]any{
			{"optionId": "allow", "name": "Allow", "kind": "allow_once"},
			{"optionId": "reject", "name": "Reject", "kind": "reject_once"},
		},
	})
	if err != nil {
		s.logger.Debug("permission request failed", zap.String("permission_id", perm.ID), zap.Error(err))
		return false
	}

	var resp struct {
		Outcome struct {
			Outcome  string `json:"outcome"`
			OptionID string `json:"optionId"`
		} `json:"outcome"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		s.logger.Debug("bad permission response", zap.Error(err))
		return false
	}
	return resp.Outcome.Outcome == "selected" && resp.Outcome.OptionID == "allow"
}

func (s *Server) sendSessionUpdate(sid string, update map[string]any) error {
	return s.writeNotification("session/update", map[string]any{
		"sessionId": sid,
		"update":    update,
	})
}

// sendAgentMessageChunk emits a session/update notification with an agent message chunk.
func (s *Server) sendAgentMessageChunk(sid, text string) error {
	return s.sendSessionUpdate(sid, map[string]any{
		"sessionUpdate": "agent_message_chunk",
		"content":       textContent(text),
	})
}

func textContent(text string) map[string]any {
	return map[string]any{"type": "text", "text": text}
}

func toolContent(text string) []map[string]any {
	return []map[string]any{{"type": "content", "content": textContent(text)}}
}

// toolKind maps built-in tools to ACP tool kinds.
func toolKind(toolID string) string {
	switch toolID {
	case "read_file":
		return "read"
	case "write_file":
		return "edit"
	case "grep":
		return "search"
	case "execute_command":
		return "execute"
	default:
		return "other"
	}
}
