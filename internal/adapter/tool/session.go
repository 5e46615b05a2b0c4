package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"sre-agent/internal/domain"
	"sre-agent/internal/infra/config"
	"sre-agent/internal/infra/tracer"
)

const (
	clientName    = "sre-agent"
	clientVersion = "1.0.0"
)

// mcpClient is the subset of the mcp-go client used by a session.
type mcpClient interface {
	Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	GetPrompt(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// dialFunc opens an unstarted-or-started client for one backend.
type dialFunc func(ctx context.Context, srv config.MCPServer) (mcpClient, error)

type session struct {
	name       string
	client     mcpClient
	promptOnly bool
	tools      []domain.ToolDescriptor
	byName     map[string]*argValidator
}

func (s *session) has(name string) bool {
	_, ok := s.byName[name]
	return ok
}

// SessionSet holds one live MCP session per configured backend, in
// configuration order. It satisfies domain.ToolRegistry and
// domain.PromptSource for a single run.
type SessionSet struct {
	sessions []*session
	allow    map[string]bool
	validate bool
	logger   *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Option customises Connect.
type Option func(*connectOptions)

type connectOptions struct {
	validate bool
	dial     dialFunc
}

// WithArgValidation validates call arguments against each tool's input
// schema before dispatch.
func WithArgValidation(enabled bool) Option {
	return func(o *connectOptions) { o.validate = enabled }
}

func withDialer(d dialFunc) Option {
	return func(o *connectOptions) { o.dial = d }
}

// Connect opens every backend in order, initializes it and lists its tools.
// On any failure the sessions opened so far are closed and an error wrapping
// domain.ErrBackendConnect is returned.
func Connect(ctx context.Context, servers []config.MCPServer, allow []string, logger *slog.Logger, opts ...Option) (*SessionSet, error) {
	o := connectOptions{dial: dial}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := tracer.StartSpan(ctx, "tool.connect")
	defer span.End()

	set := &SessionSet{validate: o.validate, logger: logger}
	if len(allow) > 0 {
		set.allow = make(map[string]bool, len(allow))
		for _, name := range allow {
			set.allow[name] = true
		}
	}

	for _, srv := range servers {
		sess, err := openSession(ctx, o.dial, srv, o.validate)
		if err != nil {
			_ = set.Close()
			err = fmt.Errorf("%w: %s: %v", domain.ErrBackendConnect, srv.Name, err)
			tracer.RecordError(span, err)
			return nil, err
		}
		set.sessions = append(set.sessions, sess)
		logger.Debug("mcp backend connected",
			"backend", srv.Name,
			"transport", srv.Transport,
			"tools", len(sess.tools))
	}

	span.SetAttributes(tracer.IntAttr("tool.backends", len(set.sessions)))
	tracer.SetOK(span)
	return set, nil
}

func openSession(ctx context.Context, d dialFunc, srv config.MCPServer, validate bool) (*session, error) {
	c, err := d(ctx, srv)
	if err != nil {
		return nil, err
	}
	if err := initialize(ctx, c); err != nil {
		_ = c.Close()
		return nil, err
	}

	sess := &session{name: srv.Name, client: c, promptOnly: srv.PromptOnly, byName: map[string]*argValidator{}}
	if srv.PromptOnly {
		return sess, nil
	}

	res, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("list tools: %w", err)
	}
	for _, t := range res.Tools {
		desc := describe(t)
		var v *argValidator
		if validate {
			// An uncompilable schema disables validation for that tool only.
			v, _ = compileArgValidator(desc.Name, desc.InputSchema)
		}
		sess.tools = append(sess.tools, desc)
		sess.byName[desc.Name] = v
	}
	return sess, nil
}

func initialize(ctx context.Context, c mcpClient) error {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	if _, err := c.Initialize(ctx, req); err != nil {
		return domain.WrapOp("initialize", err)
	}
	return nil
}

// dial builds an mcp-go client for the configured transport.
func dial(ctx context.Context, srv config.MCPServer) (mcpClient, error) {
	switch srv.Transport {
	case "stdio":
		c, err := mcpclient.NewStdioMCPClient(srv.Command, envSlice(srv.Env), srv.Args...)
		if err != nil {
			return nil, fmt.Errorf("create stdio client: %w", err)
		}
		return c, nil
	case "http":
		c, err := mcpclient.NewStreamableHttpClient(srv.URL, transport.WithHTTPHeaders(srv.Headers))
		if err != nil {
			return nil, fmt.Errorf("create http client: %w", err)
		}
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("start http client: %w", err)
		}
		return c, nil
	case "sse", "":
		c, err := mcpclient.NewSSEMCPClient(srv.URL, transport.WithHeaders(srv.Headers))
		if err != nil {
			return nil, fmt.Errorf("create sse client: %w", err)
		}
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("start sse client: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", srv.Transport)
	}
}

func describe(t mcp.Tool) domain.ToolDescriptor {
	schema := json.RawMessage(`{"type":"object","properties":{}}`)
	if len(t.RawInputSchema) > 0 {
		schema = t.RawInputSchema
	} else if data, err := json.Marshal(t.InputSchema); err == nil {
		schema = data
	}
	return domain.ToolDescriptor{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: schema,
	}
}

// Tools returns the allowed descriptors across all tool backends, in
// registration order, de-duplicated by name.
func (s *SessionSet) Tools() []domain.ToolDescriptor {
	seen := make(map[string]bool)
	var out []domain.ToolDescriptor
	for _, sess := range s.sessions {
		if sess.promptOnly {
			continue
		}
		for _, d := range sess.tools {
			if seen[d.Name] || !s.allowed(d.Name) {
				continue
			}
			seen[d.Name] = true
			out = append(out, d)
		}
	}
	return out
}

func (s *SessionSet) allowed(name string) bool {
	return s.allow == nil || s.allow[name]
}

// Call dispatches to the first backend that lists the tool. An unknown or
// disallowed tool yields domain.ErrToolNotFound; every backend-side problem
// yields an error wrapping domain.ErrToolFailure.
func (s *SessionSet) Call(ctx context.Context, name string, args json.RawMessage) (*domain.ToolResult, error) {
	sess := s.lookup(name)
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrToolNotFound, name)
	}

	ctx, span := tracer.StartSpan(ctx, "tool.call")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("tool.name", name), tracer.StringAttr("tool.backend", sess.name))

	var arguments map[string]any
	if len(args) > 0 && string(args) != "null" {
		if err := json.Unmarshal(args, &arguments); err != nil {
			err = fmt.Errorf("%w: invalid arguments: %v", domain.ErrToolFailure, err)
			tracer.RecordError(span, err)
			return nil, err
		}
	}

	if v := sess.byName[name]; s.validate && v != nil {
		if err := v.validate(arguments); err != nil {
			err = fmt.Errorf("%w: %v", domain.ErrToolFailure, err)
			tracer.RecordError(span, err)
			return nil, err
		}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = arguments

	// Only the run deadline bounds a call.
	res, err := sess.client.CallTool(ctx, req)
	if err != nil {
		err = fmt.Errorf("%w: %v", domain.ErrToolFailure, err)
		tracer.RecordError(span, err)
		return nil, err
	}

	text := joinText(res.Content)
	if res.IsError {
		err = fmt.Errorf("%w: %s", domain.ErrToolFailure, text)
		tracer.RecordError(span, err)
		return nil, err
	}

	tracer.SetOK(span)
	return &domain.ToolResult{Content: text}, nil
}

func (s *SessionSet) lookup(name string) *session {
	if !s.allowed(name) {
		return nil
	}
	for _, sess := range s.sessions {
		if !sess.promptOnly && sess.has(name) {
			return sess
		}
	}
	return nil
}

// Prompt renders a named prompt from the given backend and returns the text
// of its first message.
func (s *SessionSet) Prompt(ctx context.Context, backend, name string, args map[string]string) (string, error) {
	var sess *session
	for _, candidate := range s.sessions {
		if candidate.name == backend {
			sess = candidate
			break
		}
	}
	if sess == nil {
		return "", fmt.Errorf("%w: %s", domain.ErrUnknownBackend, backend)
	}

	req := mcp.GetPromptRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := sess.client.GetPrompt(ctx, req)
	if err != nil {
		return "", domain.WrapOp("get prompt", err)
	}
	if len(res.Messages) == 0 {
		return "", fmt.Errorf("%w: prompt %q has no messages", domain.ErrInvalidInput, name)
	}
	text, ok := textOf(res.Messages[0].Content)
	if !ok {
		return "", fmt.Errorf("%w: prompt %q first message is not text", domain.ErrInvalidInput, name)
	}
	return text, nil
}

// Ping probes every session: tool backends list tools, prompt backends ping.
func (s *SessionSet) Ping(ctx context.Context) []domain.BackendStatus {
	out := make([]domain.BackendStatus, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, probe(ctx, sess.name, sess.client, sess.promptOnly))
	}
	return out
}

// Close closes every session once and joins their errors.
func (s *SessionSet) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		for _, sess := range s.sessions {
			if err := sess.client.Close(); err != nil {
				s.logger.Warn("mcp backend close error", "backend", sess.name, "error", err)
				errs = append(errs, fmt.Errorf("%s: %w", sess.name, err))
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func joinText(content []mcp.Content) string {
	parts := make([]string, 0, len(content))
	for _, c := range content {
		if text, ok := textOf(c); ok {
			parts = append(parts, text)
			continue
		}
		if data, err := json.Marshal(c); err == nil {
			parts = append(parts, string(data))
		}
	}
	return strings.Join(parts, "\n")
}

func textOf(c mcp.Content) (string, bool) {
	switch v := c.(type) {
	case mcp.TextContent:
		return v.Text, true
	case *mcp.TextContent:
		return v.Text, true
	}
	return "", false
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
