package tools

import (
	"cmp"
	"context"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailmirror/internal/engine"
)

// Tool is one MCP tool backed by the engine session
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, params map[string]interface{}) (interface{}, error)
}

// Definition is a tool as advertised by tools/list
type Definition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// Registry holds the tools bound to one interactive session, sorted by name
type Registry struct {
	tools  []Tool
	logger *logrus.Logger
}

// NewRegistry creates the tool set for eng. All tools share one session,
// so the selection made by one call is visible to the next.
func NewRegistry(eng *engine.Engine, logger *logrus.Logger) (*Registry, error) {
	session := eng.Session()
	getMessage, err := NewGetMessageTool(session, eng.Registry(), logger)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		logger: logger,
		tools: []Tool{
			NewListFoldersTool(session, eng.Registry()),
			NewListMessagesTool(session),
			getMessage,
			NewSetFlagTool(session),
			NewSyncNowTool(session, eng.Queue()),
			NewManageFolderTool(session),
		},
	}
	slices.SortFunc(r.tools, func(a, b Tool) int { return cmp.Compare(a.Name(), b.Name()) })
	logger.WithField("count", len(r.tools)).Info("Registered tools")
	return r, nil
}

// GetTool returns a tool by name
func (r *Registry) GetTool(name string) (Tool, bool) {
	i, found := slices.BinarySearchFunc(r.tools, name, func(t Tool, name string) int {
		return cmp.Compare(t.Name(), name)
	})
	if !found {
		return nil, false
	}
	return r.tools[i], true
}

// GetToolDefinitions returns the tools/list payload
func (r *Registry) GetToolDefinitions() []Definition {
	defs := make([]Definition, len(r.tools))
	for i, t := range r.tools {
		defs[i] = Definition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		}
	}
	return defs
}
