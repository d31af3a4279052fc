package tools

import (
	"context"

	"github.com/brandon/mailmirror/internal/cache"
	"github.com/brandon/mailmirror/internal/engine"
)

// ListFoldersTool lists the mirrored folders in display order
type ListFoldersTool struct {
	session  *engine.Session
	registry *cache.Registry
}

// NewListFoldersTool creates a new list folders tool
func NewListFoldersTool(session *engine.Session, registry *cache.Registry) *ListFoldersTool {
	return &ListFoldersTool{session: session, registry: registry}
}

// Name returns the tool name
func (t *ListFoldersTool) Name() string {
	return "list_folders"
}

// Description returns the tool description
func (t *ListFoldersTool) Description() string {
	return "List mirrored folders, most important first, with unread and total counts"
}

// InputSchema returns the JSON schema for tool inputs
func (t *ListFoldersTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

// Execute executes the tool
func (t *ListFoldersTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	selected := ""
	if f := t.session.SelectedFolder(); f != nil {
		selected = f.Name()
	}

	folders := t.registry.Folders()
	result := make([]map[string]interface{}, len(folders))
	for i, f := range folders {
		store := f.Store()
		result[i] = map[string]interface{}{
			"name":     f.Name(),
			"weight":   f.Weight(),
			"counts":   f.Counts(),
			"unread":   store.Unread(),
			"total":    store.DisplayCount(),
			"selected": f.Name() == selected,
		}
	}
	return result, nil
}
