package uds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/msageha/zonekeeper/internal/logging"
)

const (
	defaultConnTimeout = 30 * time.Second
	maxInFlight        = 64

	// Accept failures such as EMFILE are retried with doubling delays.
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// HandlerFunc serves one command. ctx ends when the server stops or the
// connection deadline passes.
type HandlerFunc func(ctx context.Context, req *Request) *Response

// Server accepts one request per connection on a unix socket and dispatches
// it by command name. At most maxInFlight connections are served at once;
// further clients wait in the listen backlog.
type Server struct {
	path    string
	log     *logging.Logger
	timeout time.Duration

	routesMu sync.RWMutex
	routes   map[string]HandlerFunc

	ln       net.Listener
	inFlight *semaphore.Weighted
	wg       sync.WaitGroup
	ctx      context.Context
	stop     context.CancelFunc
}

func NewServer(socketPath string, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Server{
		path:     socketPath,
		log:      logger,
		timeout:  defaultConnTimeout,
		routes:   make(map[string]HandlerFunc),
		inFlight: semaphore.NewWeighted(maxInFlight),
		ctx:      ctx,
		stop:     stop,
	}
}

// SetConnTimeout bounds how long a single connection may take end to end.
func (s *Server) SetConnTimeout(d time.Duration) { s.timeout = d }

func (s *Server) Handle(command string, h HandlerFunc) {
	s.routesMu.Lock()
	s.routes[command] = h
	s.routesMu.Unlock()
}

// Commands lists the registered command names.
func (s *Server) Commands() []string {
	s.routesMu.RLock()
	defer s.routesMu.RUnlock()
	names := make([]string, 0, len(s.routes))
	for name := range s.routes {
		names = append(names, name)
	}
	return names
}

func (s *Server) lookup(command string) (HandlerFunc, bool) {
	s.routesMu.RLock()
	defer s.routesMu.RUnlock()
	h, ok := s.routes[command]
	return h, ok
}

// Start binds the socket with owner-only permissions and begins serving.
// A leftover socket file from a crashed daemon is replaced.
func (s *Server) Start() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("restrict socket permissions: %w", err)
	}
	s.ln = ln
	s.wg.Add(1)
	go s.serve()
	return nil
}

// Stop closes the listener, waits for in-flight requests and removes the
// socket file.
func (s *Server) Stop() error {
	s.stop()
	if s.ln != nil {
		s.ln.Close()
	}
	s.wg.Wait()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Server) serve() {
	defer s.wg.Done()
	var backoff time.Duration
	for {
		if err := s.inFlight.Acquire(s.ctx, 1); err != nil {
			return
		}
		conn, err := s.ln.Accept()
		if err != nil {
			s.inFlight.Release(1)
			if s.ctx.Err() != nil {
				return
			}
			backoff = min(max(2*backoff, minAcceptBackoff), maxAcceptBackoff)
			s.log.Warnf("uds accept: %v; retrying in %v", err, backoff)
			select {
			case <-time.After(backoff):
			case <-s.ctx.Done():
				return
			}
			continue
		}
		backoff = 0
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.inFlight.Release(1)
			s.serveConn(conn)
		}()
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	deadline := time.Now().Add(s.timeout)
	conn.SetDeadline(deadline)
	ctx, cancel := context.WithDeadline(s.ctx, deadline)
	defer cancel()

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.log.Warnf("uds read request: %v", err)
		return
	}
	if err := WriteFrame(conn, s.dispatch(ctx, &req)); err != nil {
		s.log.Warnf("uds write response for %q: %v", req.Command, err)
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) (resp *Response) {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("client speaks protocol %d, daemon speaks %d", req.ProtocolVersion, ProtocolVersion))
	}
	h, ok := s.lookup(req.Command)
	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command %q", req.Command))
	}
	defer func() {
		if p := recover(); p != nil {
			s.log.Errorf("uds handler %q panicked: %v\n%s", req.Command, p, debug.Stack())
			resp = ErrorResponse(ErrCodeInternal, fmt.Sprintf("command %q failed", req.Command))
		}
	}()
	return h(ctx, req)
}
