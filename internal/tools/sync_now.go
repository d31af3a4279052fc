package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/brandon/mailmirror/internal/engine"
)

// SyncNowTool queues an immediate folder list reconciliation
type SyncNowTool struct {
	session *engine.Session
	queue   *engine.Queue
}

// NewSyncNowTool creates a new sync now tool
func NewSyncNowTool(session *engine.Session, queue *engine.Queue) *SyncNowTool {
	return &SyncNowTool{session: session, queue: queue}
}

// Name returns the tool name
func (t *SyncNowTool) Name() string {
	return "sync_now"
}

// Description returns the tool description
func (t *SyncNowTool) Description() string {
	return "Reconcile the folder list with the server now; force refetches every folder"
}

// InputSchema returns the JSON schema for tool inputs
func (t *SyncNowTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"force": map[string]interface{}{
				"type":        "boolean",
				"description": "Resync every folder, not just changed ones (default false)",
			},
		},
	}
}

// Execute executes the tool
func (t *SyncNowTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	force, err := boolParam(params, "force", false)
	if err != nil {
		return nil, err
	}
	if err := t.session.RequestSync(force); err != nil {
		return nil, fmt.Errorf("failed to request sync: %w", err)
	}
	full, forced := t.queue.Deadlines()
	return map[string]interface{}{
		"queued":          true,
		"force":           force,
		"pending_tasks":   t.queue.Len(),
		"next_full_sync":  full.Format(time.RFC3339),
		"next_force_sync": forced.Format(time.RFC3339),
	}, nil
}
