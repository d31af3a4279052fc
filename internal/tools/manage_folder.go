package tools

import (
	"context"
	"fmt"

	"github.com/brandon/mailmirror/internal/engine"
)

// ManageFolderTool creates, renames or deletes a folder on the server
type ManageFolderTool struct {
	session *engine.Session
}

// NewManageFolderTool creates a new manage folder tool
func NewManageFolderTool(session *engine.Session) *ManageFolderTool {
	return &ManageFolderTool{session: session}
}

// Name returns the tool name
func (t *ManageFolderTool) Name() string {
	return "manage_folder"
}

// Description returns the tool description
func (t *ManageFolderTool) Description() string {
	return "Create, rename or delete a folder on the server"
}

// InputSchema returns the JSON schema for tool inputs
func (t *ManageFolderTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"op": map[string]interface{}{
				"type": "string",
				"enum": []string{engine.OpCreate, engine.OpRename, engine.OpDelete},
			},
			"name": map[string]interface{}{
				"type":        "string",
				"description": "Folder name",
			},
			"new_name": map[string]interface{}{
				"type":        "string",
				"description": "New name, for rename",
			},
		},
		"required": []string{"op", "name"},
	}
}

// Execute executes the tool
func (t *ManageFolderTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	op, err := requiredString(params, "op")
	if err != nil {
		return nil, err
	}
	name, err := requiredString(params, "name")
	if err != nil {
		return nil, err
	}

	switch op {
	case engine.OpCreate:
		err = t.session.CreateFolder(ctx, name)
	case engine.OpDelete:
		err = t.session.DeleteFolder(ctx, name)
	case engine.OpRename:
		newName, nerr := requiredString(params, "new_name")
		if nerr != nil {
			return nil, nerr
		}
		err = t.session.RenameFolder(ctx, name, newName)
	default:
		return nil, fmt.Errorf("unknown op: %q", op)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to %s %s: %w", op, name, err)
	}

	result := map[string]interface{}{"op": op, "name": name}
	if newName := stringParam(params, "new_name"); op == engine.OpRename {
		result["new_name"] = newName
	}
	return result, nil
}
