package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/clinigate/clinigate/internal/metrics"
)

// Reclaimer removes local staging files once their content is durably
// uploaded, then prunes any directories left empty, walking up to (but never
// including) the staging root. Deletion is idempotent: a path that is already
// gone counts as reclaimed.
type Reclaimer struct {
	fs      afero.Fs
	root    string
	logger  zerolog.Logger
	metrics *metrics.GatewayMetrics

	mu     sync.Mutex
	queue  []*StagedFile
	signal chan struct{}
}

// NewReclaimer creates a reclaimer over the staging filesystem.
func NewReclaimer(fs afero.Fs, root string, logger zerolog.Logger, m *metrics.GatewayMetrics) *Reclaimer {
	return &Reclaimer{
		fs:      fs,
		root:    filepath.Clean(root),
		logger:  logger,
		metrics: m,
		signal:  make(chan struct{}, 1),
	}
}

// Enqueue schedules a staged file's local paths for deletion. Non-blocking.
func (r *Reclaimer) Enqueue(f *StagedFile) {
	r.mu.Lock()
	r.queue = append(r.queue, f)
	r.mu.Unlock()

	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// Len returns the number of files waiting to be reclaimed.
func (r *Reclaimer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Run processes the queue until the context is cancelled, then drains any
// remaining entries before returning. Staged files are small and local, so
// the final drain is cheap and keeps the volume from leaking on shutdown.
func (r *Reclaimer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return
		case <-r.signal:
			r.drain()
		}
	}
}

func (r *Reclaimer) drain() {
	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.mu.Unlock()
			return
		}
		f := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()

		r.Reclaim(f)
	}
}

// Reclaim deletes every local path owned by the staged file and prunes the
// emptied parent directories.
func (r *Reclaimer) Reclaim(f *StagedFile) {
	for _, p := range f.LocalPaths() {
		r.remove(f, p)
	}
}

func (r *Reclaimer) remove(f *StagedFile, p string) {
	info, err := r.fs.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		r.logger.Warn().Err(err).Str("path", p).Msg("reclaim stat failed")
		return
	}

	if err := r.fs.Remove(p); err != nil {
		r.logger.Warn().Err(err).Str("path", p).Msg("reclaim delete failed")
		return
	}

	if r.metrics != nil {
		r.metrics.FilesReclaimed.Inc()
		r.metrics.BytesReclaimed.Add(float64(info.Size()))
	}
	r.logger.Debug().
		Str("file_id", f.ID).
		Str("path", p).
		Msg("staged file reclaimed")

	r.pruneEmptyDirs(filepath.Dir(p))
}

// pruneEmptyDirs removes dir and its ancestors while they are empty,
// stopping at the staging root.
func (r *Reclaimer) pruneEmptyDirs(dir string) {
	for {
		dir = filepath.Clean(dir)
		if dir == r.root || dir == "." || dir == string(filepath.Separator) {
			return
		}
		entries, err := afero.ReadDir(r.fs, dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := r.fs.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
