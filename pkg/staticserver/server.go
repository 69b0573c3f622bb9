package staticserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
)

const (
	DefaultHost = "localhost"
	DefaultPort = 8000
)

type State int32

const (
	StateStopped State = iota
	StateServing
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateServing:
		return "serving"
	default:
		return "unknown"
	}
}

type Options struct {
	Host string
	Port int
	// Root is the served directory.
	Root   string
	Logger *slog.Logger
}

// Server serves the files below Options.Root on a single TCP listener.
// Listen and Serve are split so that callers can report a bind failure
// before anything else happens.
type Server struct {
	opts    Options
	logger  *slog.Logger
	handler http.Handler

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	// closed は Listen 後に Shutdown されたことを表す
	closed bool
	state  atomic.Int32
}

func New(opts Options) *Server {
	if opts.Host == "" {
		opts.Host = DefaultHost
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		opts:    opts,
		logger:  logger,
		handler: NewHandler(opts.Root, logger),
	}
}

// NewHandler builds the full middleware chain for root. CORS is outermost so
// responses produced by the router itself also carry the headers.
func NewHandler(root string, logger *slog.Logger) http.Handler {
	return CORS(AccessLog(logger, newRouter(newFileHandler(root))))
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) State() State {
	return State(s.state.Load())
}

// Listen binds the TCP listener. An address conflict is reported as a
// *BindError matching ErrPortInUse; there is no retry and no fallback port.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return ErrAlreadyListening
	}

	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &BindError{Addr: addr, Err: err}
	}

	s.listener = ln
	s.closed = false
	s.server = &http.Server{
		Handler:  s.handler,
		ErrorLog: slog.NewLogLogger(s.logger.Handler(), slog.LevelError),
	}
	s.state.Store(int32(StateServing))

	s.logger.Debug("listener bound", slog.String("addr", ln.Addr().String()))

	return nil
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// URL returns the address users should open. It keeps the configured host
// name and substitutes the bound port, which matters when Port is 0.
func (s *Server) URL() string {
	port := s.opts.Port
	if tcp, ok := s.Addr().(*net.TCPAddr); ok {
		port = tcp.Port
	}

	return fmt.Sprintf("http://%s", net.JoinHostPort(s.opts.Host, strconv.Itoa(port)))
}

// Serve blocks until Shutdown is called or the listener fails. A shutdown
// returns nil.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln, srv, closed := s.listener, s.server, s.closed
	s.mu.Unlock()

	if ln == nil {
		if closed {
			return nil
		}
		return ErrNotListening
	}

	err := srv.Serve(ln)
	s.state.Store(int32(StateStopped))

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections, waits for in-flight requests until
// ctx is done and releases the port. The Server may Listen again afterwards.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln, srv := s.listener, s.server
	s.listener, s.server = nil, nil
	if srv != nil {
		s.closed = true
	}
	s.mu.Unlock()

	defer s.state.Store(int32(StateStopped))

	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	// Serve が呼ばれていない場合 srv はリスナーを管理していない
	_ = ln.Close()

	if err != nil {
		_ = srv.Close()
		return fmt.Errorf("shutdown: %w", err)
	}

	return nil
}
