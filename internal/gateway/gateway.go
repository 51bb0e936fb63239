// Package gateway assembles the ingestion pipeline: listeners in front,
// staging and payload grouping in the middle, object storage and
// notification behind.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/clinigate/clinigate/internal/assembler"
	"github.com/clinigate/clinigate/internal/config"
	"github.com/clinigate/clinigate/internal/httpingest"
	"github.com/clinigate/clinigate/internal/metrics"
	"github.com/clinigate/clinigate/internal/mllp"
	"github.com/clinigate/clinigate/internal/notify"
	"github.com/clinigate/clinigate/internal/objectstore"
	"github.com/clinigate/clinigate/internal/storage"
)

// hl7ContentType is the media type staged HL7 messages carry downstream.
const hl7ContentType = "x-application/hl7-v2+er7"

// Gateway owns every long-running component and their shared wiring.
type Gateway struct {
	cfg    *config.Config
	logger zerolog.Logger

	admission *storage.AdmissionControl
	stager    *storage.Stager
	queue     *storage.UploadQueue
	uploader  *storage.Uploader
	reclaimer *storage.Reclaimer
	asm       *assembler.Assembler
	mllpSrv   *mllp.Server
	httpSvc   *httpingest.Service
	metrics   *metrics.GatewayMetrics
}

// New builds the pipeline from configuration. The object store and the
// notification broker are dialed here; listeners bind in Run.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Gateway, error) {
	m := metrics.New()
	fs := afero.NewOsFs()

	admission, err := storage.NewAdmissionControl(fs, cfg.Storage.StagingDir, cfg.Storage.Watermark, cfg.Storage.ReserveSpace.Bytes(), logger, m)
	if err != nil {
		return nil, fmt.Errorf("staging volume: %w", err)
	}

	store, err := objectstore.NewS3Store(ctx, objectstore.S3Config{
		Endpoint:  cfg.ObjectStore.Endpoint,
		Region:    cfg.ObjectStore.Region,
		AccessKey: cfg.ObjectStore.AccessKey,
		SecretKey: cfg.ObjectStore.SecretKey,
		PathStyle: cfg.ObjectStore.PathStyle,
	})
	if err != nil {
		return nil, fmt.Errorf("object store: %w", err)
	}

	notifier := notify.NewRedisNotifier(cfg.Notify.RedisAddr, cfg.Notify.Stream, logger)

	g := &Gateway{
		cfg:       cfg,
		logger:    logger,
		admission: admission,
		metrics:   m,
	}

	g.stager = storage.NewStager(fs, admission, nil, logger, m)
	g.queue = storage.NewUploadQueue(m)
	g.reclaimer = storage.NewReclaimer(fs, cfg.Storage.StagingDir, logger, m)
	g.asm = assembler.New(notifier, cfg.ObjectStore.Bucket,
		cfg.Payload.ReaperInterval.Std(),
		config.RetryDelaysFor(cfg.Payload.NotifyRetryDelays),
		logger, m)
	g.uploader = storage.NewUploader(g.queue, store, g.stager, cfg.ObjectStore.Bucket,
		cfg.Storage.ConcurrentUploads,
		config.RetryDelaysFor(cfg.Storage.RetryDelays),
		g.fileDone, logger, m)

	g.mllpSrv = mllp.NewServer(cfg.MLLP, admission, g.handleMessage, g.sessionClosed, logger, m)
	g.httpSvc = httpingest.NewService(cfg.HTTP, g.stager, g.queue, g.asm, admission, cfg.QuietPeriodFor, logger, m)

	return g, nil
}

// Run starts every component and blocks until the context is cancelled and
// the pipeline has drained.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.mllpSrv.Listen(); err != nil {
		return fmt.Errorf("mllp listener: %w", err)
	}

	g.logger.Info().
		Str("staging_dir", g.cfg.Storage.StagingDir).
		Str("free_space", humanize.IBytes(uint64(g.admission.AvailableFreeSpace()))).
		Str("bucket", g.cfg.ObjectStore.Bucket).
		Msg("gateway starting")

	g.uploader.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		g.asm.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		g.reclaimer.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		g.mllpSrv.Serve(ctx)
	}()

	err := g.httpSvc.Run(ctx)

	wg.Wait()
	g.uploader.Wait()
	g.logger.Info().Msg("gateway stopped")
	return err
}

// fileDone routes terminal upload statuses: uploaded files are reclaimed
// from staging, failed ones are left in place for resubmission.
func (g *Gateway) fileDone(f *storage.StagedFile) {
	if f.IsUploaded() {
		g.reclaimer.Enqueue(f)
	}
}

// handleMessage vets one decoded message while the connection is live, so
// senders get a negative acknowledgment when staging cannot take it. The
// message itself is committed at disconnect.
func (g *Gateway) handleMessage(_ context.Context, _ *mllp.Session, _ *mllp.Message) error {
	if !g.admission.HasSpaceAvailable(storage.PurposeStore) {
		return storage.ErrInsufficientStorage
	}
	return nil
}

// sessionClosed drains a finished connection: every successfully decoded
// message is staged under the session's payload and queued for upload, in
// arrival order, regardless of how the connection ended.
func (g *Gateway) sessionClosed(s *mllp.Session, msgs []*mllp.Message, err error) {
	evt := g.logger.Info()
	if err != nil {
		evt = g.logger.Warn().Err(err)
	}
	evt.Str("session_id", s.ID()).
		Int("messages", len(msgs)).
		Msg("client session ended")

	ctx := context.Background()
	for _, msg := range msgs {
		if serr := g.stageMessage(ctx, s, msg); serr != nil {
			g.logger.Error().Err(serr).
				Str("session_id", s.ID()).
				Str("control_id", msg.ControlID()).
				Msg("message not staged")
		}
	}
}

// stageMessage writes one message to local staging with its parsed header as
// a metadata side-file, then hands it to the assembler and the upload queue.
func (g *Gateway) stageMessage(ctx context.Context, s *mllp.Session, msg *mllp.Message) error {
	meta, err := json.Marshal(map[string]string{
		"message_type":        msg.MessageType(),
		"control_id":          msg.ControlID(),
		"sending_application": msg.SendingApplication(),
		"sending_facility":    msg.SendingFacility(),
		"remote_addr":         s.RemoteAddr(),
	})
	if err != nil {
		return fmt.Errorf("encode message metadata: %w", err)
	}

	f, err := g.stager.Stage(ctx, storage.StageRequest{
		GroupKey:      s.ID(),
		CorrelationID: s.ID(),
		Source:        msg.SendingApplication(),
		Kind:          "hl7",
		Ext:           ".txt",
		ContentType:   hl7ContentType,
		Content:       strings.NewReader(msg.Raw()),
		Metadata:      meta,
	})
	if err != nil {
		return err
	}

	g.asm.Queue(s.ID(), f, g.cfg.QuietPeriodFor("hl7"))
	g.queue.Enqueue(f)
	return nil
}

// WaitIdle blocks until the upload queue and open payloads drain, bounded by
// the timeout. Used by tests and graceful shutdown probes.
func (g *Gateway) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if g.queue.Len() == 0 && g.asm.OpenCount() == 0 {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}
