// Package server implements an in-memory block cache node that speaks the
// cache wire protocol. It is the test double for the client and backs the
// `dvbctl memserver` command; it does not cache anything on behalf of a
// backend and never evicts.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (reads frames sequentially)
//	  → Middleware Chain → action handler (store operation) → response frame
//
// Every connection is served until the peer closes it; the client normally
// sends exactly one request per connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dvbcache/codec"
	"dvbcache/message"
	"dvbcache/middleware"
	"dvbcache/protocol"
	"dvbcache/registry"
)

const registerTTL = 10 // seconds, KeepAlive renews automatically

// Server is an in-memory cache node.
type Server struct {
	store         *Store
	mu            sync.RWMutex
	handlers      map[protocol.Action]middleware.HandlerFunc // action → handler, see service.go
	listener      net.Listener
	wg            sync.WaitGroup          // Tracks open connections for graceful shutdown
	shutdown      atomic.Bool             // Set during shutdown to suppress Accept errors
	middlewares   []middleware.Middleware // Applied in order around every handler
	handler       middleware.HandlerFunc  // Chain(middlewares...)(dispatch), built in Serve
	registry      registry.Registry       // nil if not using discovery
	service       string
	advertiseAddr string // Address published in etcd; differs from ":port" listen addresses
	logger        *zap.Logger
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithServiceName sets the etcd service name nodes are registered under.
func WithServiceName(name string) Option {
	return func(s *Server) { s.service = name }
}

// NewServer creates a server with an empty store and the default handler for
// every request action.
func NewServer(opts ...Option) *Server {
	s := &Server{
		store:   NewStore(),
		service: "dvbcache",
		logger:  zap.NewNop(),
	}
	s.handlers = s.defaultHandlers()
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the in-memory file store served by s.
func (s *Server) Store() *Store {
	return s.store
}

// Handle replaces the handler for a request action. Used to inject faults
// (wrong response action, odd status codes, stalls) in tests.
func (s *Server) Handle(action protocol.Action, fn middleware.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[action] = fn
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Listen binds the listening socket. network is "tcp" or "unix".
func (s *Server) Listen(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	s.listener = listener
	return nil
}

// Addr returns the bound address, nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve optionally registers advertiseAddr with reg and runs the Accept loop
// on the socket bound by Listen. It returns nil after Shutdown.
func (s *Server) Serve(advertiseAddr string, reg registry.Registry) error {
	if s.listener == nil {
		return errors.New("server: Serve called before Listen")
	}

	// Chain(A, B, C)(handler) → A(B(C(handler)))
	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)

	s.mu.Lock()
	s.advertiseAddr = advertiseAddr
	s.registry = reg
	s.mu.Unlock()
	if reg != nil {
		err := reg.Register(s.service, registry.ServiceInstance{Addr: advertiseAddr, Weight: 1}, registerTTL)
		if err != nil {
			return fmt.Errorf("register %s: %w", advertiseAddr, err)
		}
	}

	s.logger.Info("serving", zap.Stringer("addr", s.listener.Addr()), zap.String("advertise", advertiseAddr))
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			// listener.Close() during shutdown makes Accept fail
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// ListenAndServe is Listen followed by Serve.
func (s *Server) ListenAndServe(network, address, advertiseAddr string, reg registry.Registry) error {
	if err := s.Listen(network, address); err != nil {
		return err
	}
	return s.Serve(advertiseAddr, reg)
}

// handleConn answers frames in order until the peer closes the stream or
// sends something that is not a valid frame.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	for {
		action, payload, err := protocol.Decode(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("read frame", zap.String("remote", remote), zap.Error(err))
			}
			return
		}

		resp, ok := s.handleRequest(remote, action, payload)
		if !ok {
			s.logger.Warn("unknown action, closing connection", zap.String("remote", remote), zap.Stringer("action", action))
			return
		}
		if err := protocol.Encode(conn, resp.Action, resp.Payload); err != nil {
			s.logger.Warn("write response", zap.String("remote", remote), zap.Error(err))
			return
		}
	}
}

// handleRequest runs one request through the middleware chain. A handler or
// middleware error becomes a StatusFailed response carrying the error text.
func (s *Server) handleRequest(remote string, action protocol.Action, payload []byte) (*message.Response, bool) {
	respAction, ok := protocol.ResponseOf(action)
	if !ok {
		return nil, false
	}

	req := &message.Request{
		Op:      action.String(),
		Path:    peekPath(action, payload),
		Addr:    remote,
		Action:  action,
		Payload: payload,
	}
	resp, err := s.handler(context.Background(), req)
	if err != nil {
		s.logger.Warn("handler failed", zap.Stringer("action", action), zap.String("path", req.Path), zap.Error(err))
		return reply(respAction, message.StatusOf(err), []byte(err.Error())), true
	}
	if resp == nil {
		return reply(respAction, message.StatusFailed, []byte(message.FailedInvalidResponse)), true
	}
	return resp, true
}

// dispatch is the innermost handler: it looks up the action handler.
func (s *Server) dispatch(ctx context.Context, req *message.Request) (*message.Response, error) {
	s.mu.RLock()
	fn, ok := s.handlers[req.Action]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no handler for action %s", req.Action)
	}
	return fn(ctx, req)
}

// peekPath extracts the leading path field for logging. Admin requests carry
// no path.
func peekPath(action protocol.Action, payload []byte) string {
	if action == protocol.ActionAdmin {
		return ""
	}
	return codec.NewReader(payload).ReadString("")
}

// Shutdown performs graceful shutdown:
//  1. Deregister from etcd (clients stop routing to this node)
//  2. Set shutdown flag (so the Accept error is recognized as intentional)
//  3. Close the listener (stop accepting new connections)
//  4. Wait for open connections to finish (with timeout)
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.RLock()
	reg, addr := s.registry, s.advertiseAddr
	s.mu.RUnlock()
	if reg != nil {
		if err := reg.Deregister(s.service, addr); err != nil {
			s.logger.Warn("deregister", zap.Error(err))
		}
	}

	s.shutdown.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for open connections to finish")
	}
}
