// Package tools implements the command surface of the gateway. Every
// mutation of the shared document goes through a registered tool, so
// validation, identity resolution and the admin fence live in one
// place. The same registry backs in-process callers, the MCP bridge
// and the gateway's debug routes.
package tools

import (
	"context"
	"encoding/json"
	"sort"

	"go.uber.org/zap"

	"github.com/ansible-dev/ansible/internal/auth"
	"github.com/ansible-dev/ansible/internal/common/config"
	apperrors "github.com/ansible-dev/ansible/internal/common/errors"
	"github.com/ansible-dev/ansible/internal/common/logger"
	"github.com/ansible-dev/ansible/internal/state"
)

// ContentBlock is one piece of renderable tool output.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Result is the envelope every tool call returns: a text rendering of
// the details for chat-style consumers plus the structured details
// themselves. Failed calls carry details.error and details.code.
type Result struct {
	Content []ContentBlock `json:"content"`
	Details map[string]any `json:"details"`
}

// IsError reports whether the result carries a failure.
func (r Result) IsError() bool {
	_, ok := r.Details["error"]
	return ok
}

// Param describes one tool parameter for schema-generating consumers
// such as the MCP bridge.
type Param struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// Tool is one registered operation.
type Tool struct {
	Name        string
	Label       string
	Description string
	Params      []Param
	Execute     func(ctx context.Context, args Args) (map[string]any, error)
}

// Deps carries everything tool handlers need.
type Deps struct {
	Store   *state.Store
	Cfg     *config.Config
	Auth    *auth.Service
	NodeID  string
	Version string
	Log     *logger.Logger

	// Synced reports whether the first sync with a peer completed.
	// Nil means always synced (single-node deployments).
	Synced func() bool
}

func (d Deps) synced() bool {
	if d.Synced == nil {
		return true
	}
	return d.Synced()
}

// Registry holds the tool set.
type Registry struct {
	deps  Deps
	tools map[string]*Tool
	log   *logger.Logger
}

// NewRegistry builds the full command surface against the given
// dependencies.
func NewRegistry(deps Deps) *Registry {
	r := &Registry{
		deps:  deps,
		tools: make(map[string]*Tool),
		log:   deps.Log.WithFields(zap.String("component", "tools")),
	}
	registerTaskTools(r, deps)
	registerMessageTools(r, deps)
	registerAgentTools(r, deps)
	registerCoordinationTools(r, deps)
	registerAdminTools(r, deps)
	return r
}

// Register adds a tool. Registering the same name twice is a
// programming error and panics immediately rather than shadowing.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.tools[t.Name]; exists {
		panic("tool registered twice: " + t.Name)
	}
	r.tools[t.Name] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Tools returns every registered tool sorted by name.
func (r *Registry) Tools() []*Tool {
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Call executes a tool by name and wraps the outcome in the result
// envelope. Handler errors never escape as Go errors; they are
// rendered into details so every transport shows callers the same
// failure shape.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) Result {
	tool, ok := r.tools[name]
	if !ok {
		return errorResult(apperrors.NotFound("tool", name))
	}
	details, err := tool.Execute(ctx, Args(args))
	if err != nil {
		r.log.Warn("Tool call failed",
			zap.String("tool", name),
			zap.String("code", apperrors.CodeOf(err)),
			zap.Error(err))
		return errorResult(err)
	}
	if details == nil {
		details = map[string]any{}
	}
	return Result{
		Content: []ContentBlock{{Type: "text", Text: renderJSON(details)}},
		Details: details,
	}
}

func errorResult(err error) Result {
	details := map[string]any{
		"error": err.Error(),
		"code":  apperrors.CodeOf(err),
	}
	return Result{
		Content: []ContentBlock{{Type: "text", Text: renderJSON(details)}},
		Details: details,
	}
}

func renderJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Args is the JSON-shaped argument bag handed to tool handlers.
type Args map[string]any

// String returns a string argument, empty when absent.
func (a Args) String(key string) string {
	if s, ok := a[key].(string); ok {
		return s
	}
	return ""
}

// Int64 returns an integer argument, accepting the float64 shape JSON
// decoding produces.
func (a Args) Int64(key string, fallback int64) int64 {
	switch n := a[key].(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return fallback
}

// Bool returns a boolean argument.
func (a Args) Bool(key string, fallback bool) bool {
	if b, ok := a[key].(bool); ok {
		return b
	}
	return fallback
}

// StringList returns a string-slice argument, accepting []string, the
// []any shape JSON decoding produces, and a bare string as a singleton.
func (a Args) StringList(key string) []string {
	switch v := a[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}

// Map returns an object argument.
func (a Args) Map(key string) map[string]any {
	if m, ok := a[key].(map[string]any); ok {
		return m
	}
	return nil
}
