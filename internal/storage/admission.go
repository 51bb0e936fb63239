// Package storage implements the local staging layer of the gateway:
// admission control against disk headroom, staged-file bookkeeping, the
// durable-upload pipeline and local-space reclamation.
package storage

import (
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/clinigate/clinigate/internal/metrics"
)

// Purpose identifies why headroom is being requested.
type Purpose string

// Admission purposes.
const (
	PurposeStore    Purpose = "store"
	PurposeRetrieve Purpose = "retrieve"
	PurposeExport   Purpose = "export"
)

// Snapshot is a point-in-time view of the staging volume used for an
// admission decision. It is recomputed per check and never persisted.
type Snapshot struct {
	TotalBytes     int64
	FreeBytes      int64
	ReservedBytes  int64
	WatermarkPct   int
	AvailableBytes int64 // FreeBytes - ReservedBytes, may be negative
}

// volumeStatFunc matches volumeStats; swapped in tests.
type volumeStatFunc func(path string) (total, available int64, err error)

// AdmissionControl gates acceptance of new data on staging-volume headroom.
// The reserve is the larger of an absolute floor and a percentage of total
// capacity. All methods fail closed: if the volume cannot be queried, no
// space is reported available.
type AdmissionControl struct {
	stagingDir   string
	watermarkPct int
	reserveFloor int64
	stats        volumeStatFunc
	logger       zerolog.Logger
	metrics      *metrics.GatewayMetrics

	mu       sync.Mutex
	lowSpace bool // last observed state, to log transitions once
}

// NewAdmissionControl creates the admission gate and ensures the staging
// directory exists.
func NewAdmissionControl(fs afero.Fs, stagingDir string, watermarkPct int, reserveFloor int64, logger zerolog.Logger, m *metrics.GatewayMetrics) (*AdmissionControl, error) {
	if err := fs.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir %s: %w", stagingDir, err)
	}

	a := &AdmissionControl{
		stagingDir:   stagingDir,
		watermarkPct: watermarkPct,
		reserveFloor: reserveFloor,
		stats:        volumeStats,
		logger:       logger,
		metrics:      m,
	}

	if snap, err := a.Snapshot(); err != nil {
		logger.Warn().Err(err).Str("staging_dir", stagingDir).
			Msg("staging volume not queryable yet, admission will refuse data")
	} else {
		logger.Info().
			Str("staging_dir", stagingDir).
			Str("total", humanize.IBytes(uint64(snap.TotalBytes))).
			Str("reserved", humanize.IBytes(uint64(snap.ReservedBytes))).
			Msg("staging volume initialized")
	}

	return a, nil
}

// Snapshot computes the current admission view of the staging volume.
func (a *AdmissionControl) Snapshot() (Snapshot, error) {
	total, free, err := a.stats(a.stagingDir)
	if err != nil {
		return Snapshot{}, fmt.Errorf("query staging volume: %w", err)
	}

	reserved := total * int64(a.watermarkPct) / 100
	if reserved < a.reserveFloor {
		reserved = a.reserveFloor
	}

	return Snapshot{
		TotalBytes:     total,
		FreeBytes:      free,
		ReservedBytes:  reserved,
		WatermarkPct:   a.watermarkPct,
		AvailableBytes: free - reserved,
	}, nil
}

// AvailableFreeSpace returns the headroom above the reserve, or zero if the
// volume cannot be queried or the reserve is already breached.
func (a *AdmissionControl) AvailableFreeSpace() int64 {
	snap, err := a.Snapshot()
	if err != nil {
		a.logger.Warn().Err(err).Msg("staging volume query failed, treating as full")
		return 0
	}
	if a.metrics != nil {
		a.metrics.AvailableSpace.Set(float64(snap.AvailableBytes))
	}
	if snap.AvailableBytes < 0 {
		return 0
	}
	return snap.AvailableBytes
}

// HasSpaceAvailable reports whether new work may be admitted for the given
// purpose. Fails closed on volume query errors.
func (a *AdmissionControl) HasSpaceAvailable(purpose Purpose) bool {
	snap, err := a.Snapshot()
	if err != nil {
		a.logger.Warn().Err(err).Str("purpose", string(purpose)).
			Msg("staging volume query failed, refusing admission")
		return false
	}
	if a.metrics != nil {
		a.metrics.AvailableSpace.Set(float64(snap.AvailableBytes))
	}

	admitted := snap.AvailableBytes > 0
	a.noteState(!admitted, snap, purpose)
	return admitted
}

// noteState logs low-space transitions once rather than on every check.
func (a *AdmissionControl) noteState(low bool, snap Snapshot, purpose Purpose) {
	a.mu.Lock()
	changed := low != a.lowSpace
	a.lowSpace = low
	a.mu.Unlock()

	if !changed {
		return
	}
	if low {
		a.logger.Warn().
			Str("purpose", string(purpose)).
			Str("free", humanize.IBytes(uint64(snap.FreeBytes))).
			Str("reserved", humanize.IBytes(uint64(snap.ReservedBytes))).
			Msg("staging volume below reserve, refusing new data")
	} else {
		a.logger.Info().
			Str("free", humanize.IBytes(uint64(snap.FreeBytes))).
			Msg("staging volume headroom restored")
	}
}

// StagingDir returns the root of the local staging area.
func (a *AdmissionControl) StagingDir() string {
	return a.stagingDir
}
