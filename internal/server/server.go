// ABOUTME: Connection supervisor multiplexing client connections onto one backend.
// ABOUTME: Accept loop, per-connection request/response loops, and decode-failure policy.

package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/keywarden/internal/backend"
	"github.com/2389/keywarden/internal/dispatch"
	"github.com/2389/keywarden/internal/proto"
	"github.com/2389/keywarden/internal/wire"
)

// DecodePolicy selects how a connection reacts to a malformed frame when
// the stream itself is still synchronized.
type DecodePolicy int

const (
	// PolicyReply answers with a generic failure frame and keeps reading.
	// The default: a misbehaving client keeps a usable connection.
	PolicyReply DecodePolicy = iota
	// PolicyClose drops the connection on any decode failure.
	PolicyClose
)

// Config configures a Server. Backend is required; everything else has a
// usable zero-value default.
type Config struct {
	Backend backend.Backend
	Logger  *slog.Logger

	// MaxFrameSize bounds a single frame's declared length.
	// Defaults to wire.DefaultMaxFrameSize.
	MaxFrameSize uint32

	// DecodePolicy applies to recoverable decode failures. A frame length
	// over MaxFrameSize always closes the connection regardless of policy,
	// because the stream position is lost.
	DecodePolicy DecodePolicy
}

// Server accepts transport connections and runs one request/response loop
// per connection against a shared backend. Within a connection requests are
// strictly sequential; across connections no ordering is guaranteed.
type Server struct {
	backend    backend.Backend
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
	maxFrame   uint32
	policy     DecodePolicy

	// backendMu serializes backend calls unless the backend advertises
	// concurrency safety. Mutual exclusion is the default-safe choice for
	// shared lock/key state.
	backendMu sync.Mutex
	serialize bool

	wg sync.WaitGroup
}

// New creates a Server from cfg.
func New(cfg Config) (*Server, error) {
	if cfg.Backend == nil {
		return nil, errors.New("server: backend is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxFrame := cfg.MaxFrameSize
	if maxFrame == 0 {
		maxFrame = wire.DefaultMaxFrameSize
	}

	serialize := true
	if cs, ok := cfg.Backend.(backend.ConcurrencySafe); ok && cs.ConcurrencySafe() {
		serialize = false
	}

	return &Server{
		backend:    cfg.Backend,
		dispatcher: dispatch.New(logger.With("component", "dispatcher")),
		logger:     logger.With("component", "server"),
		maxFrame:   maxFrame,
		policy:     cfg.DecodePolicy,
		serialize:  serialize,
	}, nil
}

// Serve accepts connections from ln until ctx is canceled, spawning one
// goroutine per connection. It blocks until the listener closes and every
// connection loop has finished.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	// Closing the listener is what unblocks Accept on cancellation.
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	s.logger.Info("agent listening", "addr", ln.Addr().String())

	var acceptErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			acceptErr = fmt.Errorf("accepting connection: %w", err)
			break
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(ctx, conn)
		}()
	}

	s.wg.Wait()
	if acceptErr != nil {
		return acceptErr
	}
	s.logger.Info("agent stopped")
	return nil
}

// ServeConn runs the request/response loop for a single connection and
// closes it on return. Exported so hosts can drive their own accept loop
// or serve a pre-connected stream.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	connID := uuid.New().String()
	logger := s.logger.With("conn_id", connID)
	logger.Debug("connection accepted", "remote", conn.RemoteAddr().String())
	defer func() {
		_ = conn.Close()
		logger.Debug("connection closed")
	}()

	// Connection teardown must not cancel an in-flight backend call, so the
	// context is not tied to the connection's lifetime. Closing the conn
	// unblocks the next read or write instead.
	done := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer done()

	reader := bufio.NewReader(conn)
	for {
		payload, err := wire.ReadFrame(reader, s.maxFrame)
		if err != nil {
			if s.handleReadError(logger, conn, err) {
				continue
			}
			return
		}

		req, err := proto.DecodeRequest(payload)
		if err != nil {
			if s.handleDecodeError(logger, conn, err) {
				continue
			}
			return
		}

		resp := s.dispatch(ctx, req)

		if err := wire.WriteFrame(conn, proto.EncodeResponse(resp)); err != nil {
			logger.Warn("writing response failed", "error", err)
			return
		}
	}
}

// dispatch invokes the dispatcher, serializing backend access unless the
// backend opted out.
func (s *Server) dispatch(ctx context.Context, req proto.Request) proto.Response {
	if s.serialize {
		s.backendMu.Lock()
		defer s.backendMu.Unlock()
	}
	return s.dispatcher.Handle(ctx, req, s.backend)
}

// handleReadError decides the fate of a connection after a frame read
// failure. Returns true if the loop should continue reading.
func (s *Server) handleReadError(logger *slog.Logger, conn net.Conn, err error) bool {
	if errors.Is(err, io.EOF) {
		return false
	}

	var decodeErr *wire.DecodeError
	if errors.As(err, &decodeErr) {
		// An oversized length prefix desynchronizes the stream: the frame
		// body cannot be skipped, so the connection always closes.
		if decodeErr.Kind == wire.FieldTooLarge {
			logger.Warn("frame exceeds maximum size, closing connection")
			return false
		}
		return s.applyDecodePolicy(logger, conn, decodeErr)
	}

	logger.Warn("reading frame failed", "error", err)
	return false
}

// handleDecodeError applies the configured policy to a malformed but
// correctly framed payload. Returns true if the loop should continue.
func (s *Server) handleDecodeError(logger *slog.Logger, conn net.Conn, err error) bool {
	var decodeErr *wire.DecodeError
	if errors.As(err, &decodeErr) {
		return s.applyDecodePolicy(logger, conn, decodeErr)
	}
	logger.Warn("decoding request failed", "error", err)
	return false
}

// applyDecodePolicy answers a recoverable decode failure per policy: reply
// with a failure frame and continue, or close. The stream is synchronized
// either way, so the choice is consistent per error kind.
func (s *Server) applyDecodePolicy(logger *slog.Logger, conn net.Conn, decodeErr *wire.DecodeError) bool {
	logger.Warn("malformed request", "kind", decodeErr.Kind.String(), "field", decodeErr.Field)

	if s.policy == PolicyClose {
		return false
	}
	if err := wire.WriteFrame(conn, proto.EncodeResponse(proto.Failure{})); err != nil {
		logger.Warn("writing failure response failed", "error", err)
		return false
	}
	return true
}
