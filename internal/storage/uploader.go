package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinigate/clinigate/internal/metrics"
	"github.com/clinigate/clinigate/internal/objectstore"
)

// Object metadata keys attached to every uploaded file.
const (
	MetadataKeySource    = "source"
	MetadataKeyWorkflows = "workflows"
)

// Uploader drains the upload queue with a fixed pool of workers, pushing
// staged files to object storage and verifying each write. On verification
// failure the put+verify cycle is retried over the configured backoff
// schedule; exhaustion marks the file failed for operator attention.
type Uploader struct {
	queue       *UploadQueue
	store       objectstore.Store
	stager      *Stager
	bucket      string
	workers     int
	retryDelays []time.Duration
	onComplete  func(*StagedFile) // invoked at terminal status, wired to the reclaimer
	logger      zerolog.Logger
	metrics     *metrics.GatewayMetrics

	wg sync.WaitGroup
}

// NewUploader creates the upload pipeline. onComplete may be nil.
func NewUploader(queue *UploadQueue, store objectstore.Store, stager *Stager, bucket string, workers int, retryDelays []time.Duration, onComplete func(*StagedFile), logger zerolog.Logger, m *metrics.GatewayMetrics) *Uploader {
	if workers < 1 {
		workers = 1
	}
	return &Uploader{
		queue:       queue,
		store:       store,
		stager:      stager,
		bucket:      bucket,
		workers:     workers,
		retryDelays: retryDelays,
		onComplete:  onComplete,
		logger:      logger,
		metrics:     m,
	}
}

// Start launches the worker pool. Workers exit on context cancellation.
func (u *Uploader) Start(ctx context.Context) {
	for i := 0; i < u.workers; i++ {
		u.wg.Add(1)
		go u.worker(ctx, i)
	}
}

// Wait blocks until all workers have exited.
func (u *Uploader) Wait() {
	u.wg.Wait()
}

func (u *Uploader) worker(ctx context.Context, id int) {
	defer u.wg.Done()
	u.logger.Debug().Int("worker", id).Msg("upload worker started")

	for {
		f, err := u.queue.Dequeue(ctx)
		if err != nil {
			u.logger.Debug().Int("worker", id).Msg("upload worker stopped")
			return
		}
		u.Process(ctx, f)
	}
}

// Process uploads one staged file: metadata side-file first, then the raw
// content. Terminal status is always reached and reported.
func (u *Uploader) Process(ctx context.Context, f *StagedFile) {
	logger := u.logger.With().
		Str("file_id", f.ID).
		Str("correlation_id", f.CorrelationID).
		Logger()

	started := time.Now()
	var err error

	if f.MetaLocalPath != "" {
		err = u.uploadAndVerify(ctx, f, f.MetaLocalPath, f.MetaUploadPath, "application/json")
	}
	if err == nil {
		err = u.uploadAndVerify(ctx, f, f.LocalPath, f.UploadPath, f.ContentType)
	}

	if err != nil {
		f.SetFailed()
		if u.metrics != nil {
			u.metrics.UploadFailures.Inc()
		}
		logger.Warn().Err(err).
			Int("attempts", f.Retries()).
			Msg("upload failed after retries, file requires resubmission")
	} else {
		f.SetUploaded()
		if u.metrics != nil {
			u.metrics.Uploads.Inc()
		}
		logger.Debug().
			Dur("elapsed", time.Since(started)).
			Str("path", f.UploadPath).
			Msg("file durably uploaded")
	}

	if u.onComplete != nil {
		u.onComplete(f)
	}
}

// uploadAndVerify pushes one local path to object storage and confirms it
// exists, polling over the backoff schedule.
func (u *Uploader) uploadAndVerify(ctx context.Context, f *StagedFile, localPath, uploadPath, contentType string) error {
	if err := u.put(ctx, f, localPath, uploadPath, contentType); err != nil {
		return err
	}

	for i, delay := range u.retryDelays {
		exists, err := u.store.Exists(ctx, u.bucket, uploadPath)
		if err == nil && exists {
			return nil
		}
		f.AddRetry()
		u.logger.Debug().
			Str("file_id", f.ID).
			Str("path", uploadPath).
			Int("attempt", i+1).
			Err(err).
			Msg("upload verification pending")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("object %s not verified after %d attempts", uploadPath, len(u.retryDelays))
}

// put pushes bytes from a staged path, retrying transient put errors over
// the backoff schedule.
func (u *Uploader) put(ctx context.Context, f *StagedFile, localPath, uploadPath, contentType string) error {
	metadata := map[string]string{
		MetadataKeySource:    f.Source,
		MetadataKeyWorkflows: strings.Join(f.Workflows, ","),
	}
	if f.Source == "" {
		metadata[MetadataKeySource] = f.GroupKey
	}

	var lastErr error
	for attempt := 0; attempt <= len(u.retryDelays); attempt++ {
		if attempt > 0 {
			f.AddRetry()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(u.retryDelays[attempt-1]):
			}
		}

		in, err := u.stager.Open(localPath)
		if err != nil {
			return fmt.Errorf("open staged file %s: %w", localPath, err)
		}
		info, err := in.Stat()
		if err != nil {
			in.Close()
			return fmt.Errorf("stat staged file %s: %w", localPath, err)
		}

		err = u.store.Put(ctx, u.bucket, uploadPath, in, info.Size(), contentType, metadata)
		in.Close()
		if err == nil {
			return nil
		}
		lastErr = err
		u.logger.Debug().Err(err).
			Str("file_id", f.ID).
			Int("attempt", attempt+1).
			Msg("object store put failed")
	}
	return lastErr
}
