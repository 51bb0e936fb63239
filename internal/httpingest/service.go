package httpingest

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/clinigate/clinigate/internal/assembler"
	"github.com/clinigate/clinigate/internal/config"
	"github.com/clinigate/clinigate/internal/metrics"
	"github.com/clinigate/clinigate/internal/storage"
)

// Service is the HTTP front-end: bulk ingestion plus health and metrics.
type Service struct {
	cfg       config.HTTPConfig
	stager    *storage.Stager
	queue     *storage.UploadQueue
	asm       *assembler.Assembler
	admission *storage.AdmissionControl
	quietFor  func(source string) time.Duration
	logger    zerolog.Logger
	metrics   *metrics.GatewayMetrics

	engine *gin.Engine
}

// NewService wires the ingest routes.
func NewService(cfg config.HTTPConfig, stager *storage.Stager, queue *storage.UploadQueue, asm *assembler.Assembler, admission *storage.AdmissionControl, quietFor func(string) time.Duration, logger zerolog.Logger, m *metrics.GatewayMetrics) *Service {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Service{
		cfg:       cfg,
		stager:    stager,
		queue:     queue,
		asm:       asm,
		admission: admission,
		quietFor:  quietFor,
		logger:    logger,
		metrics:   m,
		engine:    engine,
	}

	engine.POST("/ingest", s.handleIngest)
	engine.POST("/ingest/:group", s.handleIngest)
	engine.GET("/health", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))
	return s
}

// Handler exposes the router, primarily for tests.
func (s *Service) Handler() http.Handler {
	return s.engine
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Service) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Listen).Msg("http listener started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.logger.Info().Msg("http listener stopped")
	return err
}

func (s *Service) handleHealth(c *gin.Context) {
	free := s.admission.AvailableFreeSpace()
	status := "ok"
	code := http.StatusOK
	if free == 0 {
		status = "insufficient-storage"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":          status,
		"available_space": humanize.IBytes(uint64(free)),
		"open_payloads":   s.asm.OpenCount(),
	})
}

// handleIngest stages every item of the request and folds the per-item
// outcomes into one status code.
func (s *Service) handleIngest(c *gin.Context) {
	correlationID := uuid.New().String()
	logger := s.logger.With().Str("correlation_id", correlationID).Logger()

	items, err := readItems(c.Request, int64(s.cfg.MaxUploadSize))
	if err != nil {
		if s.metrics != nil {
			s.metrics.HTTPItemErrors.Inc()
		}
		logger.Warn().Err(err).Msg("unreadable ingest request")
		c.JSON(http.StatusBadRequest, gin.H{"correlation_id": correlationID, "error": err.Error()})
		return
	}
	if len(items) == 0 {
		c.Status(http.StatusNoContent)
		return
	}

	key := c.Param("group")
	if key == "" {
		key = correlationID
	}

	result := &BatchResult{CorrelationID: correlationID}
	for _, item := range items {
		result.add(s.ingestItem(c.Request.Context(), item, key, correlationID, result))
	}

	logger.Info().
		Str("key", key).
		Int("accepted", result.Accepted).
		Int("failed", result.Failed).
		Msg("ingest request processed")

	c.JSON(result.StatusCode(), result)
}

// ingestItem stages one item and reports its outcome.
func (s *Service) ingestItem(ctx context.Context, item Item, key, correlationID string, result *BatchResult) ItemResult {
	res := ItemResult{Index: item.Index, ContentType: item.ContentType}

	kind := kindFor(item.ContentType)
	if kind == "" {
		if s.metrics != nil {
			s.metrics.HTTPItemErrors.Inc()
		}
		res.Outcome = OutcomeFailed
		res.Error = "unsupported content type"
		return res
	}
	if err := validateContent(kind, item.ContentType, item.Content); err != nil {
		if s.metrics != nil {
			s.metrics.HTTPItemErrors.Inc()
		}
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
		return res
	}

	f, err := s.stager.Stage(ctx, storage.StageRequest{
		GroupKey:      key,
		CorrelationID: correlationID,
		Source:        "http",
		Kind:          kind,
		Ext:           extFor(item.ContentType),
		ContentType:   item.ContentType,
		Content:       bytes.NewReader(item.Content),
	})
	if err != nil {
		if s.metrics != nil {
			s.metrics.HTTPItemErrors.Inc()
		}
		if errors.Is(err, storage.ErrInsufficientStorage) {
			res.Outcome = OutcomeRefused
			res.Error = err.Error()
		} else {
			res.Outcome = OutcomeFailed
			res.Error = err.Error()
		}
		return res
	}

	p := s.asm.Queue(key, f, s.quietFor("http"))
	result.PayloadID = p.ID
	s.queue.Enqueue(f)

	if s.metrics != nil {
		s.metrics.HTTPItemsReceived.Inc()
	}
	res.Outcome = OutcomeAccepted
	res.FileID = f.ID
	return res
}
