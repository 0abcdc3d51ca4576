package uds

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrSocketInUse is returned by Start when another daemon already answers
// on the socket path.
var ErrSocketInUse = errors.New("control socket in use")

// HandlerFunc answers one control command.
type HandlerFunc func(req *Request) *Response

// Identity names the daemon behind a socket; it is what ping reports.
type Identity struct {
	Kind string
	PID  int
}

// PingReply is the payload of a successful ping.
type PingReply struct {
	Kind     string `json:"kind"`
	PID      int    `json:"pid"`
	Draining bool   `json:"draining"`
}

// Commands still answered while a daemon drains.
var drainSafe = map[string]bool{
	CommandPing:   true,
	CommandStatus: true,
}

// Server is a daemon's control endpoint. ping is answered by the server
// itself; status and tick are registered by the daemon. After Drain, any
// command other than ping and status gets SHUTTING_DOWN.
type Server struct {
	path     string
	ident    Identity
	logger   *zap.Logger
	deadline time.Duration

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	draining bool

	ln    net.Listener
	quit  chan struct{}
	stop  sync.Once
	conns sync.WaitGroup
}

// NewServer returns a control server for the daemon ident at socketPath.
// A nil logger discards.
func NewServer(socketPath string, ident Identity, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		path:     socketPath,
		ident:    ident,
		logger:   logger.Named("control").With(zap.String("kind", ident.Kind)),
		deadline: 30 * time.Second,
		handlers: make(map[string]HandlerFunc),
		quit:     make(chan struct{}),
	}
}

// SetConnTimeout bounds how long one connection may stay open.
func (s *Server) SetConnTimeout(d time.Duration) {
	s.deadline = d
}

func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
}

// Drain makes the server refuse work-starting commands from now on.
func (s *Server) Drain() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	s.logger.Debug("control draining")
}

func (s *Server) Draining() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.draining
}

// Start binds the socket (mode 0600) and serves until Stop. A leftover
// socket file is replaced unless something still answers on it.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.clearStale(); err != nil {
		return err
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.ln = ln

	s.conns.Add(1)
	go s.serve()
	s.logger.Debug("control listening", zap.String("socket", s.path))
	return nil
}

func (s *Server) clearStale() error {
	if _, err := os.Lstat(s.path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if conn, err := net.DialTimeout("unix", s.path, 200*time.Millisecond); err == nil {
		_ = conn.Close()
		return fmt.Errorf("%s: %w", s.path, ErrSocketInUse)
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	s.logger.Info("removed stale control socket", zap.String("socket", s.path))
	return nil
}

// Stop drains, closes the listener, waits for open connections and removes
// the socket file. Safe to call more than once.
func (s *Server) Stop() error {
	s.stop.Do(func() {
		s.Drain()
		close(s.quit)
		if s.ln != nil {
			_ = s.ln.Close()
		}
		s.conns.Wait()
		if s.ln != nil {
			_ = os.Remove(s.path)
		}
	})
	return nil
}

func (s *Server) serve() {
	defer s.conns.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", zap.Error(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}
		s.conns.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.conns.Done()
	defer func() { _ = conn.Close() }()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("control handler panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	_ = conn.SetDeadline(time.Now().Add(s.deadline))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.logger.Debug("read request failed", zap.Error(err))
		return
	}
	began := time.Now()
	resp := s.dispatch(&req)
	if err := WriteFrame(conn, resp); err != nil {
		s.logger.Debug("write response failed", zap.String("command", req.Command), zap.Error(err))
		return
	}
	s.logger.Debug("control request",
		zap.String("command", req.Command),
		zap.Bool("ok", resp.Success),
		zap.Duration("took", time.Since(began)))
}

func (s *Server) dispatch(req *Request) *Response {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion))
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	draining := s.draining
	s.mu.RUnlock()

	if req.Command == CommandPing {
		return SuccessResponse(PingReply{Kind: s.ident.Kind, PID: s.ident.PID, Draining: draining})
	}
	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}
	if draining && !drainSafe[req.Command] {
		return ErrorResponse(ErrCodeShuttingDown, fmt.Sprintf("%s daemon is shutting down", s.ident.Kind))
	}
	return handler(req)
}
