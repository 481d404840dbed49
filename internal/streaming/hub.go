// Package streaming provides pub/sub for workflow progress events so
// observers (CLI output, the tool surface, tests) can watch runs live.
package streaming

import (
	"context"

	"github.com/loomctl/loom/pkg/schema"
)

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	Workflow   string   `json:"workflow,omitempty"`
	RunID      string   `json:"run_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// Hub provides pub/sub for real-time workflow progress events.
type Hub interface {
	Publish(ctx context.Context, event schema.ProgressEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.ProgressEvent, func(), error)
}
