// Package relay implements the loopback-only action executor service and
// the client the orchestrator dispatches through. The server is the only
// component that performs outbound side effects; it is idempotent per
// document id so a re-dispatched action after a crash executes once.
package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ami4u87/Autonomous-Digital-FTE/internal/config"
)

// IdempotencyHeader carries the per-document execution key.
const IdempotencyHeader = "X-Idempotency-Key"

// routeForAction maps an action type to its endpoint path.
var routeForAction = map[string]string{
	"send_email":    "/send-email",
	"post_linkedin": "/post-linkedin",
	"post_twitter":  "/post-twitter",
}

// requiredParams lists the request fields each endpoint refuses to run without.
var requiredParams = map[string][]string{
	"/send-email":    {"to", "subject", "body"},
	"/post-linkedin": {"text"},
	"/post-twitter":  {"text"},
}

type response struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Server is the loopback executor. Actual delivery is delegated to a
// SendFunc so the transport (SMTP relay, social API, …) stays pluggable;
// the default send records and confirms.
type Server struct {
	addr   string
	logger *log.Logger
	level  config.LogLevel
	send   SendFunc

	httpServer *http.Server
	listener   net.Listener

	mu        sync.Mutex
	confirmed map[string]string // idempotency key → messageId
	journal   *os.File
	sends     int
}

type journalEntry struct {
	Key       string `json:"key"`
	MessageID string `json:"messageId"`
}

// SendFunc performs one outbound action and returns a confirmation id.
type SendFunc func(path string, params map[string]string) (string, error)

// NewServer creates an executor bound to 127.0.0.1:port. Port 0 picks a
// free port (tests).
func NewServer(port int, logger *log.Logger, level config.LogLevel) *Server {
	s := &Server{
		addr:      fmt.Sprintf("127.0.0.1:%d", port),
		logger:    logger,
		level:     level,
		confirmed: make(map[string]string),
	}
	s.send = s.defaultSend
	return s
}

// SetSendFunc overrides outbound delivery (tests, alternative transports).
func (s *Server) SetSendFunc(f SendFunc) { s.send = f }

// SetJournal persists confirmations at path so a restart still replays
// keys already executed instead of acting twice. Existing entries are
// loaded into memory; each new confirmation is appended and fsynced before
// the response goes out. Call before Start.
func (s *Server) SetJournal(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open confirmation journal: %w", err)
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e journalEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil || e.Key == "" {
			continue
		}
		s.confirmed[e.Key] = e.MessageID
	}
	if err := scanner.Err(); err != nil {
		f.Close()
		return fmt.Errorf("read confirmation journal: %w", err)
	}

	s.journal = f
	return nil
}

// recordConfirmation is called with s.mu held. The delivery already
// happened, so a journal write failure is reported but cannot be undone.
func (s *Server) recordConfirmation(key, id string) {
	s.confirmed[key] = id
	if s.journal == nil {
		return
	}
	data, err := json.Marshal(journalEntry{Key: key, MessageID: id})
	if err == nil {
		_, err = s.journal.Write(append(data, '\n'))
	}
	if err == nil {
		err = s.journal.Sync()
	}
	if err != nil {
		s.log(config.LogLevelError, "journal_write_failed key=%s error=%v", key, err)
	}
}

func (s *Server) defaultSend(path string, params map[string]string) (string, error) {
	id := "msg_" + uuid.NewString()
	s.log(config.LogLevelInfo, "action_sent path=%s messageId=%s", path, id)
	return id, nil
}

// Start binds the listener and begins serving.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	for _, path := range routeForAction {
		mux.HandleFunc(path, s.handleAction)
	}

	s.httpServer = &http.Server{
		Handler:           s.recoverWrap(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log(config.LogLevelError, "serve error=%v", err)
		}
	}()
	return nil
}

// Addr returns the bound address (useful with port 0).
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop shuts the server down gracefully and closes the journal.
func (s *Server) Stop(ctx context.Context) error {
	if s.journal != nil {
		_ = s.journal.Close()
		s.journal = nil
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// SendCount returns the number of actual deliveries (idempotent replays
// excluded).
func (s *Server) SendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sends
}

func (s *Server) recoverWrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log(config.LogLevelError, "panic in handler: %v\n%s", rec, debug.Stack())
				writeJSON(w, http.StatusInternalServerError, response{Error: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		writeJSON(w, http.StatusForbidden, response{Error: "loopback callers only"})
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true})
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		s.log(config.LogLevelWarn, "rejected_caller remote=%s path=%s", r.RemoteAddr, r.URL.Path)
		writeJSON(w, http.StatusForbidden, response{Error: "loopback callers only"})
		return
	}
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, response{Error: "POST required"})
		return
	}

	var params map[string]string
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Error: fmt.Sprintf("invalid request body: %v", err)})
		return
	}

	var missing []string
	for _, key := range requiredParams[r.URL.Path] {
		if strings.TrimSpace(params[key]) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		writeJSON(w, http.StatusBadRequest, response{
			Error: fmt.Sprintf("missing required parameters: %s", strings.Join(missing, ", ")),
		})
		return
	}

	key := r.Header.Get(IdempotencyHeader)

	s.mu.Lock()
	if key != "" {
		if id, ok := s.confirmed[key]; ok {
			s.mu.Unlock()
			s.log(config.LogLevelInfo, "idempotent_replay key=%s messageId=%s", key, id)
			writeJSON(w, http.StatusOK, response{Success: true, MessageID: id})
			return
		}
	}
	s.mu.Unlock()

	id, err := s.send(r.URL.Path, params)
	if err != nil {
		s.log(config.LogLevelError, "send_failed path=%s error=%v", r.URL.Path, err)
		writeJSON(w, http.StatusBadGateway, response{Error: err.Error()})
		return
	}

	s.mu.Lock()
	s.sends++
	if key != "" {
		s.recordConfirmation(key, id)
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, response{Success: true, MessageID: id})
}

func writeJSON(w http.ResponseWriter, status int, resp response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// isLoopback checks the peer address, not the Host header.
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) log(level config.LogLevel, format string, args ...any) {
	if s.logger == nil || level < s.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	s.logger.Printf("%s %s relay: %s", time.Now().Format(time.RFC3339), level, msg)
}
