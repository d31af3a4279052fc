package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/brandon/mailmirror/internal/cache"
	"github.com/brandon/mailmirror/internal/engine"
)

const defaultPageSize = 50

// ListMessagesTool selects a folder and pages through its messages, newest first
type ListMessagesTool struct {
	session *engine.Session
}

// NewListMessagesTool creates a new list messages tool
func NewListMessagesTool(session *engine.Session) *ListMessagesTool {
	return &ListMessagesTool{session: session}
}

// Name returns the tool name
func (t *ListMessagesTool) Name() string {
	return "list_messages"
}

// Description returns the tool description
func (t *ListMessagesTool) Description() string {
	return "Select a folder and list its cached messages, newest first"
}

// InputSchema returns the JSON schema for tool inputs
func (t *ListMessagesTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"folder": map[string]interface{}{
				"type":        "string",
				"description": "Folder name, e.g. INBOX",
			},
			"offset": map[string]interface{}{
				"type":        "integer",
				"description": "Position of the first message to return (default 0)",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum number of messages (default 50)",
			},
		},
		"required": []string{"folder"},
	}
}

// Execute executes the tool
func (t *ListMessagesTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	name, err := requiredString(params, "folder")
	if err != nil {
		return nil, err
	}
	offset, _, err := intParam(params, "offset")
	if err != nil {
		return nil, err
	}
	limit, ok, err := intParam(params, "limit")
	if err != nil {
		return nil, err
	}
	if !ok || limit <= 0 {
		limit = defaultPageSize
	}
	if offset < 0 {
		return nil, fmt.Errorf("invalid offset: %d", offset)
	}

	f, err := t.session.SelectFolder(name)
	if err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", name, err)
	}

	display := f.Store().Display()
	start := min(int(offset), len(display))
	end := min(start+int(limit), len(display))

	messages := make([]map[string]interface{}, 0, end-start)
	for i, m := range display[start:end] {
		messages = append(messages, messageSummary(start+i, m))
	}
	return map[string]interface{}{
		"folder":   f.Name(),
		"counts":   f.Counts(),
		"total":    len(display),
		"offset":   start,
		"messages": messages,
	}, nil
}

func messageSummary(index int, m cache.Message) map[string]interface{} {
	return map[string]interface{}{
		"index":   index,
		"id":      m.ID,
		"subject": m.Subject,
		"from":    m.From,
		"date":    m.Timestamp.Format(time.RFC3339),
		"read":    m.Read,
		"replied": m.Replied,
		"loaded":  m.Loaded,
	}
}
