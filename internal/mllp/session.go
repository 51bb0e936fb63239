package mllp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinigate/clinigate/internal/config"
	"github.com/clinigate/clinigate/internal/metrics"
)

// Handler processes one decoded message. The returned error decides between
// accept and error acknowledgment.
type Handler func(ctx context.Context, s *Session, msg *Message) error

// DisconnectFunc observes the end of a session: the decoded messages in
// arrival order and the aggregate of every error the session accumulated.
// Called exactly once per session. The caller decides message-level fate,
// such as committing the messages to staging.
type DisconnectFunc func(s *Session, messages []*Message, err error)

// Session serves one client connection: it extracts frames from the byte
// stream, decodes them and acknowledges per the sender's MSH-15 policy. A
// frame that fails to decode aborts the whole session; acknowledgment write
// failures are recorded but do not.
type Session struct {
	id           string
	conn         net.Conn
	cfg          config.MLLPConfig
	handler      Handler
	onDisconnect DisconnectFunc
	logger       zerolog.Logger
	metrics      *metrics.GatewayMetrics

	msgs []*Message
	errs []error
	once sync.Once
}

// NewSession wraps an accepted connection.
func NewSession(conn net.Conn, cfg config.MLLPConfig, handler Handler, onDisconnect DisconnectFunc, logger zerolog.Logger, m *metrics.GatewayMetrics) *Session {
	id := uuid.New().String()
	return &Session{
		id:           id,
		conn:         conn,
		cfg:          cfg,
		handler:      handler,
		onDisconnect: onDisconnect,
		logger:       logger.With().Str("session_id", id).Logger(),
		metrics:      m,
	}
}

// ID returns the session identifier, used as the payload grouping key for
// every message received on this connection.
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the client address.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// Run reads the connection until the client disconnects, the deadline
// passes, or a frame fails to decode. It always closes the connection and
// fires the disconnect callback before returning.
func (s *Session) Run(ctx context.Context) {
	defer s.finish()

	buf := make([]byte, s.cfg.BufferSize)
	var acc []byte

	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.ClientTimeout.Std())); err != nil {
			s.errs = append(s.errs, fmt.Errorf("set read deadline: %w", err))
			return
		}

		n, err := s.conn.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
			var frames [][]byte
			frames, acc = extractFrames(acc, s.cfg.StartMarker, s.cfg.EndMarker)
			for _, frame := range frames {
				if !s.handleFrame(ctx, frame) {
					return
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					s.logger.Debug().Msg("client idle past timeout, disconnecting")
				} else {
					s.errs = append(s.errs, fmt.Errorf("read: %w", err))
				}
			}
			return
		}
	}
}

// handleFrame decodes and dispatches one frame. Returns false when the
// session must abort.
func (s *Session) handleFrame(ctx context.Context, frame []byte) bool {
	msg, err := ParseMessage(string(frame))
	if err != nil {
		if s.metrics != nil {
			s.metrics.MessageErrors.Inc()
		}
		s.errs = append(s.errs, fmt.Errorf("decode message: %w", err))
		s.logger.Warn().Err(err).Int("bytes", len(frame)).Msg("undecodable frame, aborting session")
		return false
	}

	s.msgs = append(s.msgs, msg)
	if s.metrics != nil {
		s.metrics.MessagesReceived.Inc()
	}
	s.logger.Debug().
		Str("message_type", msg.MessageType()).
		Str("control_id", msg.ControlID()).
		Msg("message received")

	herr := s.handler(ctx, s, msg)
	if herr != nil {
		if s.metrics != nil {
			s.metrics.MessageErrors.Inc()
		}
		s.errs = append(s.errs, fmt.Errorf("message %s: %w", msg.ControlID(), herr))
	}

	s.acknowledge(msg, herr == nil)
	return true
}

// acknowledge writes the ACK or NACK the sender's policy asks for. A failed
// write is recorded but the session keeps serving.
func (s *Session) acknowledge(msg *Message, accepted bool) {
	if s.cfg.DisableAck {
		return
	}
	switch msg.AckPolicy() {
	case AckNever:
		return
	case AckOnError:
		if accepted {
			return
		}
	case AckOnSuccess:
		if !accepted {
			return
		}
	}

	ack := msg.ACK()
	if !accepted {
		ack = msg.NACK()
	}

	// The reply goes on the wire as a frame of the same shape as the
	// request, so the sender can delimit it.
	framed := make([]byte, 0, len(ack)+3)
	framed = append(framed, s.cfg.StartMarker)
	framed = append(framed, ack...)
	framed = append(framed, s.cfg.EndMarker, '\r')

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.ClientTimeout.Std())); err != nil {
		s.errs = append(s.errs, fmt.Errorf("set write deadline: %w", err))
		return
	}
	if _, err := s.conn.Write(framed); err != nil {
		s.errs = append(s.errs, fmt.Errorf("write acknowledgment for %s: %w", msg.ControlID(), err))
		s.logger.Warn().Err(err).Str("control_id", msg.ControlID()).Msg("acknowledgment not delivered")
	}
}

func (s *Session) finish() {
	s.once.Do(func() {
		s.conn.Close()
		s.logger.Debug().
			Int("messages", len(s.msgs)).
			Int("errors", len(s.errs)).
			Msg("session closed")
		if s.onDisconnect != nil {
			s.onDisconnect(s, s.msgs, errors.Join(s.errs...))
		}
	})
}

// extractFrames pulls every complete frame out of buf. Bytes outside the
// start marker are discarded; an incomplete trailing frame is returned as the
// remainder for the next read.
func extractFrames(buf []byte, start, end byte) ([][]byte, []byte) {
	var frames [][]byte
	for {
		si := bytes.IndexByte(buf, start)
		if si < 0 {
			return frames, nil
		}
		ei := bytes.IndexByte(buf[si+1:], end)
		if ei < 0 {
			return frames, buf[si:]
		}
		ei += si + 1

		frame := make([]byte, ei-si-1)
		copy(frame, buf[si+1:ei])
		frames = append(frames, frame)

		buf = buf[ei+1:]
		// The end block is customarily followed by a carriage return.
		if len(buf) > 0 && buf[0] == '\r' {
			buf = buf[1:]
		}
	}
}
