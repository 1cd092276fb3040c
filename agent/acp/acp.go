package acp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/m4xw311/turnengine/agent"
	"github.com/m4xw311/turnengine/errors"
	"github.com/m4xw311/turnengine/session"
)

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

var errClosed = errors.Sentinel("ACP connection closed")

// Run serves the Agent Client Protocol over in and out until in is
// exhausted. See Server.
func Run(ctx context.Context, a *agent.Agent, in io.Reader, out io.Writer, logger *zap.Logger) error {
	return NewServer(a, logger).Serve(ctx, in, out)
}

// jsonrpcMessage is any inbound JSON-RPC 2.0 message: a request, a
// notification (no id) or a response to one of our requests (no method).
type jsonrpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Server speaks newline-delimited JSON-RPC with an ACP client. Prompts
// run in the background so the client can cancel them with
// session/cancel; tool progress is reported from execution manager
// events, and permission requests are forwarded to the client as
// session/request_permission calls.
type Server struct {
	agent  *agent.Agent
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session.Session
	seq      int64

	writeLock sync.Mutex
	out       *bufio.Writer

	callMu  sync.Mutex
	nextReq int64
	pending map[int64]chan jsonrpcMessage
	closed  bool

	turns       sync.WaitGroup
	permissions sync.WaitGroup

	newSessionID func() string
}

func NewServer(a *agent.Agent, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		agent:    a,
		logger:   logger.Named("acp"),
		sessions: make(map[string]*session.Session),
		pending:  make(map[int64]chan jsonrpcMessage),
	}
	s.newSessionID = s.nextSessionID
	return s
}

// Serve reads messages from in and writes responses and notifications to
// out. Nothing but JSON-RPC is ever written to out. When in is exhausted
// Serve stops accepting requests, waits for running prompts and returns.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.out = bufio.NewWriter(out)

	unsubscribe := s.subscribe(ctx)
	defer unsubscribe()

	s.logger.Debug("ACP server starting")
	reader := bufio.NewReader(in)
	var err error
	for {
		line, rerr := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			s.dispatch(ctx, line)
		}
		if rerr != nil {
			if rerr != io.EOF {
				err = errors.Wrapf(rerr, "ACP: read error")
			}
			break
		}
	}

	s.logger.Debug("ACP input closed, waiting for running prompts")
	s.closePending()
	s.turns.Wait()
	s.permissions.Wait()
	s.agent.Manager().Wait()
	return err
}

func (s *Server) dispatch(ctx context.Context, line []byte) {
	var msg jsonrpcMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		s.logger.Debug("JSON parse error", zap.Error(err))
		_ = s.writeResponseError(nil, codeParseError, "Parse error", nil)
		return
	}
	if msg.Method == "" {
		s.deliver(msg)
		return
	}

	s.logger.Debug("dispatching", zap.String("method", msg.Method), zap.ByteString("id", msg.ID))
	switch msg.Method {
	case "initialize":
		s.handleInitialize(msg)
	case "session/new":
		s.handleSessionNew(msg)
	case "session/load":
		s.handleSessionLoad(msg)
	case "session/prompt":
		s.handleSessionPrompt(ctx, msg)
	case "session/cancel":
		s.handleSessionCancel(msg)
	default:
		if len(msg.ID) > 0 {
			_ = s.writeResponseError(msg.ID, codeMethodNotFound, "Method not found", nil)
		}
	}
}

// writeFramedJSON writes obj as one line.
func (s *Server) writeFramedJSON(obj any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize JSON-RPC message")
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	if _, err := s.out.Write(data); err != nil {
		return err
	}
	if err := s.out.WriteByte('\n'); err != nil {
		return err
	}
	return s.out.Flush()
}

func (s *Server) writeResponseOK(id json.RawMessage, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize result")
	}
	return s.writeFramedJSON(jsonrpcResponse{JSONRPC: "2.0", ID: id, Result: data})
}

func (s *Server) writeResponseError(id json.RawMessage, code int, msg string, data any) error {
	s.logger.Debug("error response", zap.Int("code", code), zap.String("message", msg), zap.Any("data", data))
	return s.writeFramedJSON(jsonrpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &jsonrpcError{Code: code, Message: msg, Data: data},
	})
}

// writeNotification sends a JSON-RPC notification (request without an ID)
func (s *Server) writeNotification(method string, params any) error {
	return s.writeFramedJSON(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	})
}

// call sends a request to the client and waits for its response.
func (s *Server) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.callMu.Lock()
	if s.closed {
		s.callMu.Unlock()
		return nil, errClosed
	}
	s.nextReq++
	id := s.nextReq
	ch := make(chan jsonrpcMessage, 1)
	s.pending[id] = ch
	s.callMu.Unlock()

	defer func() {
		s.callMu.Lock()
		delete(s.pending, id)
		s.callMu.Unlock()
	}()

	if err := s.writeFramedJSON(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, errClosed
		}
		if resp.Error != nil {
			return nil, errors.New("%s: %s", method, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// deliver hands a client response to the call waiting for it.
func (s *Server) deliver(msg jsonrpcMessage) {
	var id int64
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		s.logger.Debug("response with unexpected id", zap.ByteString("id", msg.ID))
		return
	}
	s.callMu.Lock()
	ch, ok := s.pending[id]
	delete(s.pending, id)
	s.callMu.Unlock()
	if !ok {
		s.logger.Debug("response to unknown request", zap.Int64("id", id))
		return
	}
	ch <- msg
}

// closePending fails every outstanding client call; later calls fail
// immediately.
func (s *Server) closePending() {
	s.callMu.Lock()
	defer s.callMu.Unlock()
	s.closed = true
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
}

// nextSessionID generates a unique session ID using a timestamp and sequence number
func (s *Server) nextSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return fmt.Sprintf("sess_%d_%d", time.Now().UnixNano(), s.seq)
}
