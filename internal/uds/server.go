package uds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/msageha/taskvault/internal/logging"
)

const (
	DefaultConnTimeout = 30 * time.Second
	DefaultMaxConns    = 16
)

// HandlerFunc serves one command. ctx is cancelled when the server stops.
type HandlerFunc func(ctx context.Context, req *Request) *Response

// ServerStats counts requests per command since Start.
type ServerStats struct {
	Requests map[string]int64 `json:"requests"`
	Rejected int64            `json:"rejected"`
	Active   int              `json:"active_conns"`
}

// Server accepts connections on a Unix socket. A connection may carry any
// number of request frames; the idle timeout restarts after each response.
type Server struct {
	socketPath  string
	connTimeout time.Duration
	maxConns    int64
	logger      *log.Logger
	logLevel    logging.Level

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc

	listener net.Listener
	slots    *semaphore.Weighted
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	statsMu sync.Mutex
	stats   ServerStats
}

func NewServer(socketPath string, logger *log.Logger, logLevel logging.Level) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath:  socketPath,
		connTimeout: DefaultConnTimeout,
		maxConns:    DefaultMaxConns,
		logger:      logger,
		logLevel:    logLevel,
		handlers:    make(map[string]HandlerFunc),
		ctx:         ctx,
		cancel:      cancel,
		stats:       ServerStats{Requests: make(map[string]int64)},
	}
}

func (s *Server) SocketPath() string { return s.socketPath }

// SetConnTimeout sets the idle timeout of a connection. Call before Start.
func (s *Server) SetConnTimeout(d time.Duration) { s.connTimeout = d }

// SetMaxConns bounds concurrently served connections; excess connections
// are answered with BUSY. Call before Start.
func (s *Server) SetMaxConns(n int) {
	if n > 0 {
		s.maxConns = int64(n)
	}
}

func (s *Server) Handle(command string, handler HandlerFunc) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[command] = handler
}

// Start replaces any stale socket file, listens with 0600 permissions and
// serves in the background.
func (s *Server) Start() error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = ln
	s.slots = semaphore.NewWeighted(s.maxConns)

	s.wg.Add(1)
	go s.accept()
	s.log(logging.LevelInfo, "listening socket=%s max_conns=%d", s.socketPath, s.maxConns)
	return nil
}

// Stop closes the listener, waits for in-flight connections and removes the socket.
func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Stats returns a snapshot of the request counters.
func (s *Server) Stats() ServerStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	out := s.stats
	out.Requests = make(map[string]int64, len(s.stats.Requests))
	for k, v := range s.stats.Requests {
		out.Requests[k] = v
	}
	return out
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log(logging.LevelWarn, "accept error=%v", err)
			continue
		}

		s.wg.Add(1)
		if !s.slots.TryAcquire(1) {
			go s.reject(conn)
			continue
		}
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer s.slots.Release(1)
	defer func() { _ = conn.Close() }()

	s.updateStats(func(st *ServerStats) { st.Active++ })
	defer s.updateStats(func(st *ServerStats) { st.Active-- })

	// Unblock an idle read on Stop; a response being written still goes out.
	stop := context.AfterFunc(s.ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		_ = conn.SetDeadline(time.Now().Add(s.connTimeout))
		if s.ctx.Err() != nil {
			return
		}

		var req Request
		if err := ReadFrame(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) {
				s.log(logging.LevelDebug, "read request error=%v", err)
			}
			return
		}

		resp := s.dispatch(&req)
		resp.RequestID = req.ID
		if err := WriteFrame(conn, resp); err != nil {
			s.log(logging.LevelWarn, "write response command=%s error=%v", req.Command, err)
			return
		}
	}
}

// reject reads the pending request so the client sees a response rather
// than a broken pipe, then answers BUSY.
func (s *Server) reject(conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()

	s.updateStats(func(st *ServerStats) { st.Rejected++ })
	_ = conn.SetDeadline(time.Now().Add(time.Second))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		return
	}
	resp := ErrorResponse(ErrCodeBusy, fmt.Sprintf("daemon is serving %d connections", s.maxConns))
	resp.RequestID = req.ID
	_ = WriteFrame(conn, resp)
	s.log(logging.LevelWarn, "rejected command=%s reason=busy", req.Command)
}

func (s *Server) dispatch(req *Request) (resp *Response) {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion))
	}

	s.handlersMu.RLock()
	handler, ok := s.handlers[req.Command]
	s.handlersMu.RUnlock()
	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}

	s.updateStats(func(st *ServerStats) { st.Requests[req.Command]++ })
	defer func() {
		if r := recover(); r != nil {
			s.log(logging.LevelError, "handler panic command=%s panic=%v\n%s", req.Command, r, debug.Stack())
			resp = ErrorResponse(ErrCodeInternal, fmt.Sprintf("handler panic: %v", r))
		}
	}()

	s.log(logging.LevelDebug, "request command=%s id=%s", req.Command, req.ID)
	resp = handler(s.ctx, req)
	if resp == nil {
		resp = ErrorResponse(ErrCodeInternal, "handler returned no response")
	}
	return resp
}

func (s *Server) updateStats(fn func(*ServerStats)) {
	s.statsMu.Lock()
	fn(&s.stats)
	s.statsMu.Unlock()
}

func (s *Server) log(level logging.Level, format string, args ...any) {
	logging.Logf(s.logger, s.logLevel, level, "uds", format, args...)
}
