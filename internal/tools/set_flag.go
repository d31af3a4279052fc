package tools

import (
	"context"
	"fmt"

	"github.com/brandon/mailmirror/internal/engine"
	"github.com/brandon/mailmirror/pkg/types"
)

// SetFlagTool marks a message read/unread or replied
type SetFlagTool struct {
	session *engine.Session
}

// NewSetFlagTool creates a new set flag tool
func NewSetFlagTool(session *engine.Session) *SetFlagTool {
	return &SetFlagTool{session: session}
}

// Name returns the tool name
func (t *SetFlagTool) Name() string {
	return "set_flag"
}

// Description returns the tool description
func (t *SetFlagTool) Description() string {
	return "Set or clear the read or replied flag of a message; the change is pushed to the server"
}

// InputSchema returns the JSON schema for tool inputs
func (t *SetFlagTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"folder": map[string]interface{}{
				"type":        "string",
				"description": "Folder name",
			},
			"id": map[string]interface{}{
				"type":        "integer",
				"description": "Message id",
			},
			"flag": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"read", "replied"},
				"description": "Flag to change",
			},
			"value": map[string]interface{}{
				"type":        "boolean",
				"description": "New value (default true)",
			},
		},
		"required": []string{"folder", "id", "flag"},
	}
}

// Execute executes the tool
func (t *SetFlagTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	folder, err := requiredString(params, "folder")
	if err != nil {
		return nil, err
	}
	id, ok, err := messageID(params)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("id is required")
	}
	flag, ok := types.ParseFlag(stringParam(params, "flag"))
	if !ok {
		return nil, fmt.Errorf("unknown flag: %q", stringParam(params, "flag"))
	}
	value, err := boolParam(params, "value", true)
	if err != nil {
		return nil, err
	}

	switch flag {
	case types.FlagRead:
		err = t.session.MarkRead(folder, id, value)
	case types.FlagReplied:
		err = t.session.MarkReplied(folder, id, value)
	default:
		return nil, fmt.Errorf("flag %s cannot be set", flag)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to set %s: %w", flag, err)
	}
	return map[string]interface{}{
		"folder": folder,
		"id":     id,
		"flag":   flag.String(),
		"value":  value,
	}, nil
}
