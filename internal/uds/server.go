package uds

import (
	"fmt"
	"log"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Handlers binds the four control commands a running orchestrator answers.
// A nil handler reports UNKNOWN_COMMAND, so a partially wired server is a
// configuration error surfaced to the client, not a panic.
type Handlers struct {
	Ping     func() *Response
	Scan     func() *Response
	Status   func() *Response
	Shutdown func() *Response
}

// Server answers control requests on the vault socket, one frame pair per
// connection.
type Server struct {
	socketPath  string
	handlers    Handlers
	connTimeout time.Duration

	listener net.Listener
	closing  atomic.Bool
	wg       sync.WaitGroup
}

func NewServer(socketPath string, h Handlers) *Server {
	return &Server{
		socketPath:  socketPath,
		handlers:    h,
		connTimeout: 30 * time.Second,
	}
}

func (s *Server) SetConnTimeout(d time.Duration) {
	s.connTimeout = d
}

// Start listens on the socket and serves until Stop. A stale socket file
// from a crashed orchestrator is replaced; the live file is mode 0600 so
// only the vault owner can drive the daemon.
func (s *Server) Start() error {
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.accept()
	return nil
}

// Stop closes the listener, waits for in-flight connections, and removes
// the socket file.
func (s *Server) Stop() error {
	s.closing.Store(true)
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
	return nil
}

func (s *Server) accept() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closing.Load() {
				return
			}
			log.Printf("control socket accept error: %v", err)
			continue
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

// serveConn reads one request frame and writes one response frame. The
// deadline bounds clients that connect and stall; a handler panic is
// contained to the connection.
func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("control handler panic: %v\n%s", r, debug.Stack())
		}
	}()

	_ = conn.SetDeadline(time.Now().Add(s.connTimeout))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		log.Printf("control socket read error: %v", err)
		return
	}
	if err := WriteFrame(conn, s.dispatch(&req)); err != nil {
		log.Printf("control socket write error: %v", err)
	}
}

func (s *Server) dispatch(req *Request) *Response {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version %d, this orchestrator speaks %d", req.ProtocolVersion, ProtocolVersion))
	}

	var h func() *Response
	switch req.Command {
	case CommandPing:
		h = s.handlers.Ping
	case CommandScan:
		h = s.handlers.Scan
	case CommandStatus:
		h = s.handlers.Status
	case CommandShutdown:
		h = s.handlers.Shutdown
	}
	if h == nil {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command %q", req.Command))
	}
	return h()
}
