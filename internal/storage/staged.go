package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/clinigate/clinigate/internal/metrics"
)

// ErrInsufficientStorage is returned when admission control refuses new data.
// Front-ends surface this as a distinct outcome, never a generic failure.
var ErrInsufficientStorage = errors.New("insufficient local storage")

// Status is the upload lifecycle state of a staged file.
type Status string

// Staged file statuses.
const (
	StatusPending  Status = "pending"
	StatusUploaded Status = "uploaded"
	StatusFailed   Status = "failed"
)

// StagedFile is one physically-staged item: raw content on the local staging
// volume plus an optional structured-metadata side-file, awaiting durable
// upload. A StagedFile is referenced by exactly one payload and independently
// owned by the upload queue until it reaches a terminal status.
type StagedFile struct {
	ID            string
	GroupKey      string
	CorrelationID string
	Source        string // origin tag (sending system)
	Destination   string // receiving endpoint tag
	Kind          string // data type directory: "hl7", "dicom", "fhir"
	ContentType   string
	Workflows     []string // workflows designated for the file, bypassing routing
	Size          int64
	Received      time.Time

	LocalPath  string // absolute path of raw content
	UploadPath string // destination object key

	// Optional structured-metadata side-file, uploaded before the raw file.
	MetaLocalPath  string
	MetaUploadPath string

	PayloadID string // set once queued with the assembler

	mu      sync.Mutex
	status  Status
	retries int
}

// Status returns the current upload status.
func (f *StagedFile) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// SetUploaded marks the file durably uploaded.
func (f *StagedFile) SetUploaded() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = StatusUploaded
}

// SetFailed marks the file terminally failed.
func (f *StagedFile) SetFailed() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = StatusFailed
}

// IsUploaded reports whether the file reached durable storage.
func (f *StagedFile) IsUploaded() bool {
	return f.Status() == StatusUploaded
}

// Retries returns the number of upload attempts recorded so far.
func (f *StagedFile) Retries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retries
}

// AddRetry records one more upload attempt.
func (f *StagedFile) AddRetry() {
	f.mu.Lock()
	f.retries++
	f.mu.Unlock()
}

// LocalPaths returns every local path owned by this file, side-file included.
func (f *StagedFile) LocalPaths() []string {
	paths := []string{f.LocalPath}
	if f.MetaLocalPath != "" {
		paths = append(paths, f.MetaLocalPath)
	}
	return paths
}

// Transform is the plug-in hook applied to a staged file after it is written
// and before it is enqueued. Engines may rewrite content or metadata in place.
type Transform func(ctx context.Context, f *StagedFile) error

// Stager writes decoded content into the local staging area and produces
// StagedFile descriptors for the pipeline.
type Stager struct {
	fs         afero.Fs
	root       string
	admission  *AdmissionControl
	transforms []Transform
	logger     zerolog.Logger
	metrics    *metrics.GatewayMetrics
}

// NewStager creates a staging writer rooted at the admission gate's staging
// directory.
func NewStager(fs afero.Fs, admission *AdmissionControl, transforms []Transform, logger zerolog.Logger, m *metrics.GatewayMetrics) *Stager {
	return &Stager{
		fs:         fs,
		root:       admission.StagingDir(),
		admission:  admission,
		transforms: transforms,
		logger:     logger,
		metrics:    m,
	}
}

// StageRequest describes one unit of content to stage.
type StageRequest struct {
	GroupKey      string
	CorrelationID string
	Source        string
	Destination   string
	Kind          string // data type directory
	Ext           string // file extension including dot
	ContentType   string
	Content       io.Reader
	Metadata      []byte // optional structured metadata side-file (JSON)
}

// Stage checks admission, writes the content (and metadata side-file, when
// present) under <root>/<groupKey>/<kind>/ and returns the descriptor. The
// upload path mirrors the layout without the group prefix.
func (s *Stager) Stage(ctx context.Context, req StageRequest) (*StagedFile, error) {
	if !s.admission.HasSpaceAvailable(PurposeStore) {
		return nil, ErrInsufficientStorage
	}

	id := uuid.New().String()
	f := &StagedFile{
		ID:            id,
		GroupKey:      req.GroupKey,
		CorrelationID: req.CorrelationID,
		Source:        req.Source,
		Destination:   req.Destination,
		Kind:          req.Kind,
		ContentType:   req.ContentType,
		Received:      time.Now().UTC(),
		LocalPath:     filepath.Join(s.root, req.GroupKey, req.Kind, id+req.Ext),
		UploadPath:    path.Join(req.Kind, id+req.Ext),
		status:        StatusPending,
	}

	size, err := s.writeFile(f.LocalPath, req.Content)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", f.ID, err)
	}
	f.Size = size

	if len(req.Metadata) > 0 {
		f.MetaLocalPath = filepath.Join(s.root, req.GroupKey, req.Kind, id+".json")
		f.MetaUploadPath = path.Join(req.Kind, id+".json")
		if _, err := s.writeFile(f.MetaLocalPath, bytes.NewReader(req.Metadata)); err != nil {
			return nil, fmt.Errorf("stage metadata for %s: %w", f.ID, err)
		}
	}

	for _, transform := range s.transforms {
		if err := transform(ctx, f); err != nil {
			return nil, fmt.Errorf("transform %s: %w", f.ID, err)
		}
	}

	if s.metrics != nil {
		s.metrics.FilesStaged.Inc()
		s.metrics.BytesStaged.Add(float64(size))
	}
	s.logger.Debug().
		Str("file_id", f.ID).
		Str("key", f.GroupKey).
		Str("path", f.LocalPath).
		Int64("size", size).
		Msg("staged file written")

	return f, nil
}

// writeFile creates parent directories and copies r to p, returning the
// number of bytes written.
func (s *Stager) writeFile(p string, r io.Reader) (int64, error) {
	if err := s.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return 0, err
	}
	out, err := s.fs.Create(p)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	if r == nil {
		return 0, nil
	}
	n, err := io.Copy(out, r)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Open returns a reader over a staged path for upload.
func (s *Stager) Open(p string) (afero.File, error) {
	return s.fs.Open(p)
}

// Fs exposes the staging filesystem for collaborating components.
func (s *Stager) Fs() afero.Fs {
	return s.fs
}
