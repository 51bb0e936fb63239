package assembler

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinigate/clinigate/internal/storage"
)

// maxFlushRetries bounds how many times a payload flush may be re-attempted
// before the payload is declared terminally failed.
const maxFlushRetries = 3

// State is the lifecycle state of a payload.
type State string

// Payload states.
const (
	StateOpen     State = "open"
	StateFlushing State = "flushing"
	StateUploaded State = "uploaded"
	StateFailed   State = "failed"
)

// Payload is a group of staged files collected under one grouping key. Files
// keep arrival order. A payload stays open while new files keep arriving
// within its quiet period; once the period elapses with no activity it is
// flushed as a unit.
type Payload struct {
	ID            string
	Key           string
	CorrelationID string
	Created       time.Time

	mu           sync.Mutex
	quietPeriod  time.Duration
	files        []*storage.StagedFile
	lastActivity time.Time
	state        State
	retries      int
}

// NewPayload opens a payload for the given grouping key.
func NewPayload(key, correlationID string, quietPeriod time.Duration) *Payload {
	now := time.Now()
	return &Payload{
		ID:            uuid.New().String(),
		Key:           key,
		CorrelationID: correlationID,
		Created:       now,
		quietPeriod:   quietPeriod,
		lastActivity:  now,
		state:         StateOpen,
	}
}

// Add appends a file and refreshes both the activity clock and the quiet
// period, deferring the flush. The newest caller's window wins. Returns
// false, leaving the file untouched, once the payload has left the open
// state: a flushing payload never gains members.
func (p *Payload) Add(f *storage.StagedFile, quietPeriod time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateOpen {
		return false
	}
	f.PayloadID = p.ID
	p.files = append(p.files, f)
	p.quietPeriod = quietPeriod
	p.lastActivity = time.Now()
	return true
}

// QuietPeriod returns the current inactivity window.
func (p *Payload) QuietPeriod() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quietPeriod
}

// Files returns the member files in arrival order.
func (p *Payload) Files() []*storage.StagedFile {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*storage.StagedFile, len(p.files))
	copy(out, p.files)
	return out
}

// Count returns the number of member files.
func (p *Payload) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.files)
}

// Elapsed reports whether the quiet period has passed with no new files.
func (p *Payload) Elapsed(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return now.Sub(p.lastActivity) >= p.quietPeriod
}

// State returns the current lifecycle state.
func (p *Payload) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetState transitions the payload.
func (p *Payload) SetState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

// CanRetry reports whether another flush attempt is allowed.
func (p *Payload) CanRetry() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retries < maxFlushRetries
}

// AddRetry records one failed flush attempt.
func (p *Payload) AddRetry() {
	p.mu.Lock()
	p.retries++
	p.mu.Unlock()
}

// ResetRetry clears the retry count after a recovered flush.
func (p *Payload) ResetRetry() {
	p.mu.Lock()
	p.retries = 0
	p.mu.Unlock()
}

// Retries returns the number of failed flush attempts so far.
func (p *Payload) Retries() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retries
}

// AllUploaded reports whether every member file reached durable storage.
func (p *Payload) AllUploaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range p.files {
		if !f.IsUploaded() {
			return false
		}
	}
	return true
}

// AnyFailed reports whether any member file terminally failed its upload.
func (p *Payload) AnyFailed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range p.files {
		if f.Status() == storage.StatusFailed {
			return true
		}
	}
	return false
}
