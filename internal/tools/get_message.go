package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jhillyerd/enmime"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailmirror/internal/cache"
	"github.com/brandon/mailmirror/internal/engine"
)

const parsedCacheSize = 256

type messageKey struct {
	folder   string
	validity uint32
	id       uint32
}

// parsedMessage is the part of a MIME message the tool returns
type parsedMessage struct {
	Text      string
	HTML      string
	To        string
	Cc        string
	MessageID string
}

// GetMessageTool selects a message, downloading its body ahead of background
// sync when it is not cached yet, and returns the decoded text
type GetMessageTool struct {
	session  *engine.Session
	registry *cache.Registry
	parsed   *lru.Cache[messageKey, parsedMessage]
	logger   *logrus.Logger
}

// NewGetMessageTool creates a new get message tool
func NewGetMessageTool(session *engine.Session, registry *cache.Registry, logger *logrus.Logger) (*GetMessageTool, error) {
	parsed, err := lru.New[messageKey, parsedMessage](parsedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create message cache: %w", err)
	}
	return &GetMessageTool{
		session:  session,
		registry: registry,
		parsed:   parsed,
		logger:   logger,
	}, nil
}

// Name returns the tool name
func (t *GetMessageTool) Name() string {
	return "get_message"
}

// Description returns the tool description
func (t *GetMessageTool) Description() string {
	return "Open a message by id, or by position in the folder listing, fetching its body if needed"
}

// InputSchema returns the JSON schema for tool inputs
func (t *GetMessageTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"folder": map[string]interface{}{
				"type":        "string",
				"description": "Folder name",
			},
			"id": map[string]interface{}{
				"type":        "integer",
				"description": "Message id (from list_messages)",
			},
			"index": map[string]interface{}{
				"type":        "integer",
				"description": "Position in the folder listing, used when id is omitted",
			},
		},
		"required": []string{"folder"},
	}
}

// Execute executes the tool
func (t *GetMessageTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	folder, err := requiredString(params, "folder")
	if err != nil {
		return nil, err
	}
	id, hasID, err := messageID(params)
	if err != nil {
		return nil, err
	}
	index, hasIndex, err := intParam(params, "index")
	if err != nil {
		return nil, err
	}

	var m cache.Message
	switch {
	case hasID:
		m, err = t.session.SelectMessageByID(ctx, folder, id)
	case hasIndex:
		if _, err = t.session.SelectFolder(folder); err == nil {
			m, err = t.session.SelectMessage(ctx, int(index))
		}
	default:
		return nil, fmt.Errorf("id or index is required")
	}
	selectionChanged := errors.Is(err, engine.ErrSelectionChanged)
	if err != nil && !selectionChanged {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	result := messageSummary(int(index), m)
	if hasID {
		delete(result, "index")
	}
	result["folder"] = folder
	result["selection_changed"] = selectionChanged

	f := t.registry.Get(folder)
	if f == nil {
		return result, nil
	}
	parsed, err := t.parse(messageKey{folder: folder, validity: f.Validity(), id: m.ID}, m.Source)
	if err != nil {
		t.logger.WithError(err).WithFields(logrus.Fields{
			"folder": folder,
			"id":     m.ID,
		}).Warn("Failed to parse message")
		result["parse_error"] = err.Error()
		return result, nil
	}
	result["to"] = parsed.To
	result["cc"] = parsed.Cc
	result["message_id"] = parsed.MessageID
	result["body_text"] = parsed.Text
	result["body_html"] = parsed.HTML
	result["size"] = len(m.Source)
	return result, nil
}

func (t *GetMessageTool) parse(key messageKey, source []byte) (parsedMessage, error) {
	if p, ok := t.parsed.Get(key); ok {
		return p, nil
	}
	env, err := enmime.ReadEnvelope(bytes.NewReader(source))
	if err != nil {
		return parsedMessage{}, err
	}
	p := parsedMessage{
		Text:      env.Text,
		HTML:      env.HTML,
		To:        env.GetHeader("To"),
		Cc:        env.GetHeader("Cc"),
		MessageID: env.GetHeader("Message-Id"),
	}
	t.parsed.Add(key, p)
	return p, nil
}
