package mllp

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinigate/clinigate/internal/config"
	"github.com/clinigate/clinigate/internal/metrics"
	"github.com/clinigate/clinigate/internal/storage"
)

// connLimitPollInterval is how often the accept loop re-checks the session
// count once the connection cap is reached.
const connLimitPollInterval = 100 * time.Millisecond

// connLimitLogEvery throttles the at-capacity log line.
const connLimitLogEvery = 5 * time.Second

// Server accepts framed TCP connections and runs one Session per client.
// When local staging has no admissible space, connections are accepted and
// immediately closed so clients see a clean refusal instead of a SYN
// backlog timeout.
type Server struct {
	cfg          config.MLLPConfig
	admission    *storage.AdmissionControl
	handler      Handler
	onDisconnect DisconnectFunc
	logger       zerolog.Logger
	metrics      *metrics.GatewayMetrics

	listener net.Listener
	active   atomic.Int64
	wg       sync.WaitGroup
}

// NewServer creates the listener front-end. Call Listen before Serve.
func NewServer(cfg config.MLLPConfig, admission *storage.AdmissionControl, handler Handler, onDisconnect DisconnectFunc, logger zerolog.Logger, m *metrics.GatewayMetrics) *Server {
	return &Server{
		cfg:          cfg,
		admission:    admission,
		handler:      handler,
		onDisconnect: onDisconnect,
		logger:       logger,
		metrics:      m,
	}
}

// Listen binds the configured address.
func (srv *Server) Listen() error {
	ln, err := net.Listen("tcp", srv.cfg.Listen)
	if err != nil {
		return err
	}
	srv.listener = ln
	srv.logger.Info().Str("addr", ln.Addr().String()).Msg("mllp listener started")
	return nil
}

// Addr returns the bound address. Valid after Listen.
func (srv *Server) Addr() net.Addr {
	return srv.listener.Addr()
}

// ActiveSessions returns the number of connections currently being served.
func (srv *Server) ActiveSessions() int {
	return int(srv.active.Load())
}

// Serve accepts connections until the context is cancelled, then closes the
// listener and waits for every session to finish.
func (srv *Server) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		srv.listener.Close()
	}()

	var lastLimitLog time.Time
	for {
		if !srv.waitForSlot(ctx, &lastLimitLog) {
			break
		}

		conn, err := srv.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			srv.logger.Warn().Err(err).Msg("accept failed")
			continue
		}

		if !srv.admission.HasSpaceAvailable(storage.PurposeStore) {
			if srv.metrics != nil {
				srv.metrics.SessionsRejected.Inc()
			}
			srv.logger.Error().
				Str("remote", conn.RemoteAddr().String()).
				Msg("insufficient staging space, refusing connection")
			conn.Close()
			continue
		}

		if srv.metrics != nil {
			srv.metrics.SessionsAccepted.Inc()
		}
		srv.startSession(ctx, conn)
	}

	srv.wg.Wait()
	srv.logger.Info().Msg("mllp listener stopped")
}

// waitForSlot blocks while the connection cap is reached. Returns false on
// shutdown.
func (srv *Server) waitForSlot(ctx context.Context, lastLog *time.Time) bool {
	for srv.active.Load() >= int64(srv.cfg.MaxConnections) {
		if time.Since(*lastLog) >= connLimitLogEvery {
			srv.logger.Warn().
				Int("max_connections", srv.cfg.MaxConnections).
				Msg("connection limit reached, deferring accept")
			*lastLog = time.Now()
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(connLimitPollInterval):
		}
	}
	return ctx.Err() == nil
}

func (srv *Server) startSession(ctx context.Context, conn net.Conn) {
	srv.active.Add(1)
	if srv.metrics != nil {
		srv.metrics.ActiveSessions.Set(float64(srv.active.Load()))
	}

	session := NewSession(conn, srv.cfg, srv.handler, func(s *Session, msgs []*Message, err error) {
		srv.active.Add(-1)
		if srv.metrics != nil {
			srv.metrics.ActiveSessions.Set(float64(srv.active.Load()))
		}
		if srv.onDisconnect != nil {
			srv.onDisconnect(s, msgs, err)
		}
	}, srv.logger, srv.metrics)

	srv.logger.Info().
		Str("session_id", session.ID()).
		Str("remote", conn.RemoteAddr().String()).
		Msg("client connected")

	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		session.Run(ctx)
	}()
}
