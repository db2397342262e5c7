// Package server exposes the engine over a websocket (one JSON message per
// step) and a plain POST endpoint, plus health and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/semaphore"

	"github.com/Ali-Raza-H/SLM-VisualModel/protocol"
)

// MaxMessageBytes caps one inbound request, websocket or HTTP.
const MaxMessageBytes = 2 << 20

var ErrBusy = errors.New("another client is already connected")

type Server struct {
	engine   *Engine
	metrics  *Metrics
	gatherer prometheus.Gatherer
	logger   *log.Logger

	clients  *semaphore.Weighted
	upgrader websocket.Upgrader
}

func New(engine *Engine, m *Metrics, g prometheus.Gatherer, maxClients int, logger *log.Logger) *Server {
	if maxClients <= 0 {
		maxClients = 1
	}
	return &Server{
		engine:   engine,
		metrics:  m,
		gatherer: g,
		logger:   logger,
		clients:  semaphore.NewWeighted(int64(maxClients)),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 64 << 10,
			// bound to localhost; any local page may connect
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("POST /step", s.handleStep)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "ok\n")
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Printf("listening on ws://%s/ws", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("upgrade: %v", err)
		return
	}
	defer conn.Close()

	// browsers cannot read a refused handshake, so refuse in-band
	if !s.clients.TryAcquire(1) {
		s.logger.Printf("rejecting %s: client limit reached", r.RemoteAddr)
		conn.WriteMessage(websocket.TextMessage, protocol.EncodeError(ErrBusy))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ErrBusy.Error()),
			time.Now().Add(time.Second))
		return
	}
	defer s.clients.Release(1)
	conn.SetReadLimit(MaxMessageBytes)

	s.metrics.Connections.Inc()
	defer s.metrics.Connections.Dec()
	s.logger.Printf("client connected: %s", r.RemoteAddr)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Printf("read: %v", err)
			}
			s.logger.Printf("client disconnected: %s", r.RemoteAddr)
			return
		}
		out, err := s.engine.Do(r.Context(), data)
		if err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
			s.logger.Printf("write: %v", err)
			return
		}
	}
}

func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxMessageBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, protocol.EncodeError(err))
		return
	}
	out, err := s.engine.Do(r.Context(), data)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, protocol.EncodeError(err))
		return
	}
	status := http.StatusOK
	if _, failed := protocol.IsError(out); failed {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, out)
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
