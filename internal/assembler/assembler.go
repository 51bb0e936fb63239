// Package assembler groups staged files into payloads by quiet period and
// hands completed payloads to the notifier once every member is durable.
package assembler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinigate/clinigate/internal/metrics"
	"github.com/clinigate/clinigate/internal/notify"
	"github.com/clinigate/clinigate/internal/storage"
)

// uploadPollInterval is how often a flushing payload re-checks its members
// for terminal upload status.
const uploadPollInterval = 100 * time.Millisecond

// Assembler collects staged files into open payloads keyed by grouping key.
// A single reaper goroutine scans for payloads whose quiet period elapsed and
// flushes each one on its own goroutine. A payload is removed from the open
// set before its flush starts, so late files under the same key open a fresh
// payload instead of racing the flush.
type Assembler struct {
	notifier       notify.Notifier
	bucket         string
	reaperInterval time.Duration
	notifyDelays   []time.Duration
	logger         zerolog.Logger
	metrics        *metrics.GatewayMetrics

	mu   sync.Mutex
	open map[string]*Payload

	wg sync.WaitGroup
}

// New creates an assembler publishing to the given notifier.
func New(notifier notify.Notifier, bucket string, reaperInterval time.Duration, notifyDelays []time.Duration, logger zerolog.Logger, m *metrics.GatewayMetrics) *Assembler {
	if reaperInterval <= 0 {
		reaperInterval = time.Second
	}
	return &Assembler{
		notifier:       notifier,
		bucket:         bucket,
		reaperInterval: reaperInterval,
		notifyDelays:   notifyDelays,
		logger:         logger,
		metrics:        m,
		open:           make(map[string]*Payload),
	}
}

// Queue adds a staged file to the open payload for key, opening one with the
// given quiet period if none exists. The append happens under the same lock
// the reaper removes payloads under, so a file can never land on a payload
// whose flush has started; if the found payload refuses the file anyway, a
// fresh one takes its place. Returns the owning payload.
func (a *Assembler) Queue(key string, f *storage.StagedFile, quietPeriod time.Duration) *Payload {
	a.mu.Lock()
	p, ok := a.open[key]
	if ok && !p.Add(f, quietPeriod) {
		ok = false
	}
	if !ok {
		p = NewPayload(key, f.CorrelationID, quietPeriod)
		p.Add(f, quietPeriod)
		a.open[key] = p
		a.logger.Debug().
			Str("payload_id", p.ID).
			Str("key", key).
			Dur("quiet_period", quietPeriod).
			Msg("payload opened")
	}
	openCount := len(a.open)
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.OpenPayloads.Set(float64(openCount))
	}
	return p
}

// OpenCount returns the number of payloads still collecting files.
func (a *Assembler) OpenCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.open)
}

// Run drives the reaper until the context is cancelled, then waits for
// in-flight flushes to finish.
func (a *Assembler) Run(ctx context.Context) {
	ticker := time.NewTicker(a.reaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.mu.Lock()
			remaining := len(a.open)
			a.mu.Unlock()
			if remaining > 0 {
				a.logger.Warn().Int("open_payloads", remaining).Msg("shutting down with open payloads, files remain staged")
			}
			a.wg.Wait()
			return
		case <-ticker.C:
			a.reap(ctx, time.Now())
		}
	}
}

// reap removes every elapsed payload from the open set and starts its flush.
func (a *Assembler) reap(ctx context.Context, now time.Time) {
	var due []*Payload
	a.mu.Lock()
	for key, p := range a.open {
		if p.Elapsed(now) {
			delete(a.open, key)
			p.SetState(StateFlushing)
			due = append(due, p)
		}
	}
	openCount := len(a.open)
	a.mu.Unlock()

	if a.metrics != nil && len(due) > 0 {
		a.metrics.OpenPayloads.Set(float64(openCount))
	}

	for _, p := range due {
		a.wg.Add(1)
		go func(p *Payload) {
			defer a.wg.Done()
			a.flush(ctx, p)
		}(p)
	}
}

// flush waits for every member file to reach a terminal upload status, then
// publishes the ready event. Notification failures are retried over the
// backoff schedule up to the payload retry limit.
func (a *Assembler) flush(ctx context.Context, p *Payload) {
	logger := a.logger.With().
		Str("payload_id", p.ID).
		Str("key", p.Key).
		Int("files", p.Count()).
		Logger()

	if err := a.waitForUploads(ctx, p); err != nil {
		p.SetState(StateFailed)
		if a.metrics != nil {
			a.metrics.PayloadsFailed.Inc()
		}
		logger.Error().Err(err).Msg("payload flush abandoned")
		return
	}

	ev := a.readyEvent(p)
	for {
		err := a.notifier.NotifyReady(ctx, ev)
		if err == nil {
			p.ResetRetry()
			p.SetState(StateUploaded)
			if a.metrics != nil {
				a.metrics.PayloadsFlushed.Inc()
			}
			logger.Info().Msg("payload flushed")
			return
		}

		p.AddRetry()
		if !p.CanRetry() {
			p.SetState(StateFailed)
			if a.metrics != nil {
				a.metrics.PayloadsFailed.Inc()
			}
			logger.Error().Err(err).
				Int("attempts", p.Retries()).
				Msg("payload notification failed, giving up")
			return
		}

		delay := a.reaperInterval
		if len(a.notifyDelays) > 0 {
			i := p.Retries() - 1
			if i >= len(a.notifyDelays) {
				i = len(a.notifyDelays) - 1
			}
			delay = a.notifyDelays[i]
		}
		logger.Warn().Err(err).
			Int("attempt", p.Retries()).
			Dur("retry_in", delay).
			Msg("payload notification failed, retrying")

		select {
		case <-ctx.Done():
			p.SetState(StateFailed)
			return
		case <-time.After(delay):
		}
	}
}

// waitForUploads blocks until all member files are terminal. A failed member
// fails the whole payload.
func (a *Assembler) waitForUploads(ctx context.Context, p *Payload) error {
	for {
		if p.AnyFailed() {
			return errUploadFailed
		}
		if p.AllUploaded() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(uploadPollInterval):
		}
	}
}

func (a *Assembler) readyEvent(p *Payload) notify.ReadyEvent {
	files := p.Files()
	ev := notify.ReadyEvent{
		PayloadID:     p.ID,
		GroupKey:      p.Key,
		CorrelationID: p.CorrelationID,
		Bucket:        a.bucket,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Files:         make([]notify.ReadyFile, 0, len(files)),
	}
	for _, f := range files {
		ev.Files = append(ev.Files, notify.ReadyFile{
			ID:          f.ID,
			Path:        f.UploadPath,
			Kind:        f.Kind,
			ContentType: f.ContentType,
			Size:        f.Size,
			Source:      f.Source,
			Workflows:   f.Workflows,
		})
	}
	return ev
}
