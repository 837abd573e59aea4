// Package server exposes the control channel: a websocket endpoint speaking
// the streaming JSON protocol, one message in, zero or more messages out.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
)

// sendTimeout bounds a single response write so one stuck client cannot
// wedge the dispatcher.
const sendTimeout = 10 * time.Second

// wsConn adapts a websocket connection to the dispatcher's Sender.
// Writes are serialized; websocket connections do not allow concurrent
// writers.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConn) Send(ctx context.Context, v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling response: %w", err)
	}
	return w.conn.Write(ctx, websocket.MessageText, data)
}

// Server runs the websocket listener and feeds messages to the dispatcher.
type Server struct {
	addr       string
	dispatcher *Dispatcher
	logger     *slog.Logger

	httpServer *http.Server

	stopOnce sync.Once
	stopped  chan struct{}
}

// New creates a server bound to host:port. The dispatcher is created by the
// caller with this server's Shutdown as its shutdown hook.
func New(host string, port int, logger *slog.Logger) *Server {
	return &Server{
		addr:    net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		logger:  logger,
		stopped: make(chan struct{}),
	}
}

// SetDispatcher installs the message dispatcher. Must be called before Run.
func (s *Server) SetDispatcher(d *Dispatcher) { s.dispatcher = d }

// Shutdown stops the listener. Safe to call multiple times and from
// handlers.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

// Run serves until ctx is cancelled or Shutdown is called.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)

	s.httpServer = &http.Server{
		Addr:        s.addr,
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("control channel listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving control channel: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-s.stopped:
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The service binds to loopback; clients are local processes
		// without browser origins.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(16 << 20)

	s.logger.Info("client connected", "remote", r.RemoteAddr)
	sender := &wsConn{conn: conn}
	ctx := r.Context()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			// Closed connections end the session without ending the
			// server; other clients may still connect.
			s.logger.Info("connection closed on recv", "error", err)
			return
		}
		s.dispatcher.HandleMessage(ctx, sender, data)
	}
}
