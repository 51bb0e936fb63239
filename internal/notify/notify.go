// Package notify publishes payload-ready events to downstream consumers.
package notify

import "context"

// ReadyFile is one durably-uploaded member of a completed payload.
type ReadyFile struct {
	ID          string   `json:"id"`
	Path        string   `json:"path"`
	Kind        string   `json:"kind"`
	ContentType string   `json:"content_type"`
	Size        int64    `json:"size"`
	Source      string   `json:"source,omitempty"`
	Workflows   []string `json:"workflows,omitempty"`
}

// ReadyEvent announces that every file of a payload reached durable storage
// and downstream processing may begin. Files preserve arrival order.
type ReadyEvent struct {
	PayloadID     string      `json:"payload_id"`
	GroupKey      string      `json:"group_key"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	Bucket        string      `json:"bucket"`
	Timestamp     string      `json:"timestamp"`
	Files         []ReadyFile `json:"files"`
}

// Notifier delivers ready events to the configured transport.
type Notifier interface {
	NotifyReady(ctx context.Context, ev ReadyEvent) error
}
