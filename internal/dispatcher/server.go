package dispatcher

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"oms/internal/core"
	apperrors "oms/pkg/errors"
)

// Server speaks the line-delimited JSON RPC protocol over TCP: one JSON
// object per line in each direction. Connections are reusable after success;
// clients discard them on any transport error.
type Server struct {
	dispatcher *Dispatcher
	logger     core.ILogger

	maxFrame  int
	rateLimit int

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	listener net.Listener
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

// NewServer wires the RPC server around a dispatcher.
func NewServer(d *Dispatcher, logger core.ILogger) *Server {
	maxFrame := d.cfg.Server.RPCMaxFrameSize
	if maxFrame <= 0 {
		maxFrame = 8 << 20
	}
	return &Server{
		dispatcher: d,
		logger:     logger.WithField("component", "rpc_server"),
		maxFrame:   maxFrame,
		rateLimit:  d.cfg.Server.RPCRateLimit,
		limiters:   make(map[string]*rate.Limiter),
	}
}

// Start listens on addr and serves connections until Stop.
func (s *Server) Start(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = listener
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
				s.logger.Warn("Accept failed", "error", err)
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serveConn(ctx, conn)
			}()
		}
	}()
	s.logger.Info("RPC server listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and waits for in-flight connections.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), s.maxFrame)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		response := s.process(ctx, line)
		if err := encoder.Encode(response); err != nil {
			s.logger.Debug("Failed to write response", "error", err)
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("Connection read ended", "error", err)
	}
}

func (s *Server) process(ctx context.Context, line []byte) map[string]any {
	var envelope struct {
		XAPIKey string `json:"x_api_key"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		return errorEnvelope(apperrors.NewCodef(apperrors.CodeDispatcherInvalidJSON, "%v", err))
	}

	if err := s.throttle(ctx, envelope.XAPIKey); err != nil {
		return errorEnvelope(err)
	}

	result, err := s.dispatcher.Handle(ctx, line)
	if err != nil {
		return errorEnvelope(err)
	}
	if result == nil {
		result = map[string]any{}
	}
	return map[string]any{"ok": true, "result": result}
}

// throttle applies the per-api-key rate limit. Unknown or missing keys share
// one bucket, so floods of unauthenticated traffic stay bounded too.
func (s *Server) throttle(ctx context.Context, apiKey string) error {
	if s.rateLimit <= 0 {
		return nil
	}

	s.limMu.Lock()
	limiter, ok := s.limiters[apiKey]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(s.rateLimit), s.rateLimit)
		s.limiters[apiKey] = limiter
	}
	s.limMu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := limiter.Wait(waitCtx); err != nil {
		return apperrors.NewCodef(apperrors.CodeDispatcherUnavailable, "rate limit exceeded")
	}
	return nil
}

func errorEnvelope(err error) map[string]any {
	return map[string]any{
		"ok": false,
		"error": map[string]any{
			"code":    apperrors.CodeOf(err),
			"message": err.Error(),
		},
	}
}
