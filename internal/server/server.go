package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"

	"pltd/internal/counter"
	"pltd/internal/logging"
	"pltd/internal/store"
	"pltd/internal/table"
	"pltd/pkg/proto"
)

var srvlog = logging.For("server")

// SocketMode is the permission of the listening socket.
const SocketMode os.FileMode = 0600

type call struct {
	req     *proto.Request
	reply   chan *proto.Response
	written chan struct{}
}

// Server exposes a table and its counters on a unix socket. Connections are
// read concurrently but every request is executed by a single dispatch
// goroutine, one at a time, in arrival order.
type Server struct {
	path     string
	tbl      store.Table
	counters *counter.Service
	calls    chan call
	limiter  *rateLimiter

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	fatalErr error
	wg       sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithRateLimit caps each connection at perSec requests per second, with
// bursts of twice that. Zero means unlimited.
func WithRateLimit(perSec float64) Option {
	return func(s *Server) { s.limiter = newRateLimiter(perSec) }
}

// New creates a server for tbl. counters may be nil, in which case counter
// operations are rejected as bad requests.
func New(socketPath string, tbl store.Table, counters *counter.Service, opts ...Option) *Server {
	s := &Server{
		path:     socketPath,
		tbl:      tbl,
		counters: counters,
		calls:    make(chan call),
		limiter:  newRateLimiter(0),
		conns:    make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen binds the unix socket, replacing a stale socket file left by a
// previous run.
func (s *Server) Listen() error {
	if fi, err := os.Lstat(s.path); err == nil && fi.Mode()&os.ModeSocket != 0 {
		if err := os.Remove(s.path); err != nil {
			return fmt.Errorf("removing stale socket %s: %w", s.path, err)
		}
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, SocketMode); err != nil {
		_ = ln.Close()
		return fmt.Errorf("securing socket %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the socket path once listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve accepts connections until ctx is cancelled or Stop is called. If a
// request hits a fatal table error, the server shuts down and Serve returns
// that error. Call Listen first.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("Serve called before Listen")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fatal := make(chan error, 1)
	go s.dispatch(ctx, fatal)
	go func() {
		select {
		case <-ctx.Done():
		case err := <-fatal:
			s.mu.Lock()
			s.fatalErr = err
			s.mu.Unlock()
			cancel()
		}
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				cancel()
				s.closeConns()
				s.wg.Wait()
				s.mu.Lock()
				defer s.mu.Unlock()
				return s.fatalErr
			}
			srvlog.Warn("accept error", "err", err)
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

// Start is a convenience that calls Listen + Serve.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Stop closes the listener and all active connections.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.mu.Unlock()
	s.closeConns()
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	connID := uuid.NewString()
	defer s.wg.Done()
	defer s.limiter.forget(connID)
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		req, err := proto.ReadRequest(conn)
		switch {
		case errors.Is(err, proto.ErrMalformed):
			err = proto.WriteResponse(conn, &proto.Response{Status: proto.StatusBadRequest, Error: err.Error()})
		case err != nil:
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				srvlog.Debug("connection closed", "err", err)
			}
			return
		default:
			if req.ID == "" {
				req.ID = uuid.NewString()
			}
			if !s.limiter.allow(connID) {
				srvlog.Debug("request rate limited", "conn", connID, "id", req.ID)
				err = proto.WriteResponse(conn, &proto.Response{ID: req.ID, Status: proto.StatusRateLimited, Error: "too many requests"})
				break
			}
			c := call{
				req:     req,
				reply:   make(chan *proto.Response, 1),
				written: make(chan struct{}),
			}
			select {
			case s.calls <- c:
			case <-ctx.Done():
				return
			}
			// Once accepted, a call is always answered.
			err = proto.WriteResponse(conn, <-c.reply)
			close(c.written)
		}
		if err != nil {
			srvlog.Warn("writing response", "err", err)
			return
		}
	}
}

// dispatch executes calls one at a time until ctx is done or a call fails
// fatally.
func (s *Server) dispatch(ctx context.Context, fatal chan<- error) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-s.calls:
			resp, err := s.handle(c.req)
			resp.ID = c.req.ID
			c.reply <- resp
			if resp.Status == proto.StatusFatal {
				srvlog.Error("fatal table error, shutting down", "id", c.req.ID, "op", c.req.Op.String(), "err", err)
				<-c.written
				fatal <- err
				return
			}
		}
	}
}

func (s *Server) handle(req *proto.Request) (*proto.Response, error) {
	resp := &proto.Response{}
	var err error

	switch req.Op {
	case proto.OpGet:
		resp.Value, err = s.tbl.GetValue(req.Key)
	case proto.OpStore:
		err = s.tbl.StoreValue(req.Key, req.Value)
	case proto.OpRemove:
		err = s.tbl.RemoveKey(req.Key)
	case proto.OpExists:
		resp.Exists = s.tbl.KeyExists(req.Key)
	case proto.OpList:
		resp.Keys, err = s.tbl.GetUsedKeys()
	case proto.OpCounterCreate, proto.OpCounterIncrement, proto.OpCounterRead,
		proto.OpCounterRemove, proto.OpCounterList:
		if s.counters == nil {
			return &proto.Response{Status: proto.StatusBadRequest, Error: "counters are not enabled"}, nil
		}
		err = s.handleCounter(req, resp)
	default:
		return &proto.Response{Status: proto.StatusBadRequest, Error: "unknown operation " + req.Op.String()}, nil
	}

	resp.Status = statusOf(err)
	switch resp.Status {
	case proto.StatusOK:
		srvlog.Debug("request served", "id", req.ID, "op", req.Op.String(), logging.Key(req.Key))
	case proto.StatusKeyNotFound:
	default:
		resp.Error = err.Error()
		srvlog.Warn("request failed", "id", req.ID, "op", req.Op.String(), logging.Key(req.Key),
			"status", resp.Status.String(), "err", err)
	}
	return resp, err
}

func (s *Server) handleCounter(req *proto.Request, resp *proto.Response) error {
	var err error
	switch req.Op {
	case proto.OpCounterCreate:
		resp.Counter, err = s.counters.Create(req.Key)
	case proto.OpCounterIncrement:
		resp.Counter, err = s.counters.Increment(req.Key)
	case proto.OpCounterRead:
		resp.Counter, err = s.counters.Read(req.Key)
	case proto.OpCounterRemove:
		err = s.counters.Remove(req.Key)
	case proto.OpCounterList:
		resp.Keys, err = s.counters.List()
	}
	return err
}

func statusOf(err error) proto.Status {
	switch {
	case err == nil:
		return proto.StatusOK
	case errors.Is(err, counter.ErrExists):
		return proto.StatusExists
	case errors.Is(err, counter.ErrTampered):
		return proto.StatusTampered
	case errors.Is(err, counter.ErrExhausted):
		return proto.StatusExhausted
	default:
		return proto.Status(table.StatusOf(err))
	}
}
