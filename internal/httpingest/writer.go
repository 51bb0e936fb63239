package httpingest

import "net/http"

// Outcome classifies one item's ingestion result.
type Outcome string

// Item outcomes.
const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeFailed   Outcome = "failed"
	OutcomeRefused  Outcome = "refused" // insufficient staging capacity
)

// ItemResult reports what happened to one item of a batch.
type ItemResult struct {
	Index       int     `json:"index"`
	FileID      string  `json:"file_id,omitempty"`
	ContentType string  `json:"content_type,omitempty"`
	Outcome     Outcome `json:"outcome"`
	Error       string  `json:"error,omitempty"`
}

// BatchResult is the response body for an ingest request.
type BatchResult struct {
	CorrelationID string       `json:"correlation_id"`
	PayloadID     string       `json:"payload_id,omitempty"`
	Accepted      int          `json:"accepted"`
	Failed        int          `json:"failed"`
	Items         []ItemResult `json:"items"`
}

// add records one item result and keeps the counters current.
func (b *BatchResult) add(r ItemResult) {
	if r.Outcome == OutcomeAccepted {
		b.Accepted++
	} else {
		b.Failed++
	}
	b.Items = append(b.Items, r)
}

// StatusCode folds the per-item outcomes into one HTTP status: everything
// accepted, everything rejected, or a mix. Capacity refusals dominate so
// clients can tell a full gateway from bad content.
func (b *BatchResult) StatusCode() int {
	if len(b.Items) == 0 {
		return http.StatusNoContent
	}

	refused := 0
	for _, r := range b.Items {
		if r.Outcome == OutcomeRefused {
			refused++
		}
	}
	switch {
	case refused == len(b.Items):
		return http.StatusInsufficientStorage
	case b.Failed == 0:
		return http.StatusOK
	case b.Accepted == 0:
		return http.StatusBadRequest
	default:
		return http.StatusAccepted
	}
}
