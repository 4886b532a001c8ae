// Package server owns the TCP surface of the broker: the listener, the
// connection limit, one goroutine per client and the metrics/health
// sidecar listener. Protocol framing lives in internal/protocol,
// routing in internal/broker; this package wires them to sockets.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/bosky101/kraken/internal/broker"
	"github.com/bosky101/kraken/internal/config"
	"github.com/bosky101/kraken/internal/monitoring"
	"github.com/bosky101/kraken/internal/protocol"
)

// rejectWriteTimeout bounds the courtesy SERVER_ERROR write to clients
// refused at the connection limit.
const rejectWriteTimeout = time.Second

// Server accepts client connections and runs one conn per client. A
// slot semaphore enforces the connection limit at accept time, before
// any per-client state is allocated.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger
	router *broker.Router

	listener net.Listener
	slots    chan struct{}
	conns    sync.Map // *conn -> struct{}{}
	wg       sync.WaitGroup

	currentConns atomic.Int64
	shuttingDown atomic.Bool
	startedAt    time.Time

	metricsServer *http.Server
	monitor       *monitoring.SystemMonitor
}

// New builds a server around an already-constructed router. Nothing
// starts listening until Start.
func New(cfg *config.Config, router *broker.Router, logger zerolog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger.With().Str("component", "server").Logger(),
		router: router,
		slots:  make(chan struct{}, cfg.MaxTCPClients),
	}
}

// Start binds the client listener, the metrics listener and the system
// monitor. It returns once everything is accepting; the accept loop
// runs on its own goroutine.
func (s *Server) Start() error {
	if s.listener != nil {
		return errors.New("server already started")
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr())
	if err != nil {
		return err
	}
	s.listener = ln
	s.startedAt = time.Now()
	monitoring.SetMaxConnections(s.cfg.MaxTCPClients)

	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Int("max_clients", s.cfg.MaxTCPClients).
		Dur("idle_timeout", s.cfg.ClientIdleTimeout).
		Msg("Broker listening")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer monitoring.RecoverPanic(s.logger, "accept-loop", nil)
		s.acceptLoop()
	}()

	if s.cfg.MetricsAddr != "" {
		s.startMetricsServer()
	}

	s.monitor = monitoring.NewSystemMonitor(monitoring.SystemMonitorConfig{
		Interval: s.cfg.MetricsInterval,
		Snapshot: func() monitoring.BrokerSnapshot {
			st := s.router.Stats()
			return monitoring.BrokerSnapshot{
				Topics:        st.Topics,
				Subscriptions: st.Subscriptions,
			}
		},
	}, s.logger)
	s.monitor.Start()

	return nil
}

// Addr returns the client listener's address. Useful when the
// configured port is 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if s.shuttingDown.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			s.logger.Error().Err(err).Msg("Accept failed")
			return
		}

		if s.shuttingDown.Load() {
			_ = nc.Close()
			continue
		}

		// Admission check before any per-client state exists. A
		// rejected client gets the canned SERVER_ERROR and no queue.
		select {
		case s.slots <- struct{}{}:
		default:
			s.reject(nc)
			continue
		}

		s.wg.Add(1)
		go s.handleConn(nc)
	}
}

func (s *Server) reject(nc net.Conn) {
	monitoring.RecordConnectionRejected()
	s.logger.Debug().
		Str("remote_addr", nc.RemoteAddr().String()).
		Int("max_clients", s.cfg.MaxTCPClients).
		Msg("Connection rejected, client limit reached")

	_ = nc.SetWriteDeadline(time.Now().Add(rejectWriteTimeout))
	_, _ = nc.Write(protocol.RespTooManyClients)
	_ = nc.Close()
}

// handleConn runs one client from accept to teardown. Teardown is
// unconditional: whatever ends the session, including a panic in the
// handler itself, the queue is stopped and torn out of the router so no
// shard keeps a dead client reachable.
func (s *Server) handleConn(nc net.Conn) {
	defer s.wg.Done()
	defer func() { <-s.slots }()

	q := s.router.NewQueue()
	c := newConn(s, nc, q)
	s.conns.Store(c, struct{}{})
	s.currentConns.Add(1)
	monitoring.RecordConnectionAccepted()

	c.logger.Info().
		Int64("current_connections", s.currentConns.Load()).
		Msg("Client connected")

	reason := monitoring.DisconnectReasonPanic
	defer monitoring.RecoverPanic(c.logger, "connection", map[string]any{
		"client": q.Name(),
	})
	defer func() { s.finishConn(c, reason) }()

	reason = c.serve()
}

// finishConn centralizes teardown so every disconnect path produces the
// same metrics, logs and routing cleanup.
func (s *Server) finishConn(c *conn, reason string) {
	c.q.Stop()
	s.router.DropQueue(c.q)

	s.conns.Delete(c)
	c.close()
	current := s.currentConns.Add(-1)
	monitoring.RecordDisconnect(reason)

	c.logger.Info().
		Str("reason", reason).
		Dur("connection_duration", time.Since(c.connectedAt)).
		Int64("entries_enqueued", c.q.Enqueued()).
		Int64("current_connections", current).
		Msg("Client disconnected")
}

func (s *Server) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)

	s.metricsServer = &http.Server{
		Addr:              s.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info().
		Str("addr", s.cfg.MetricsAddr).
		Msg("Metrics listener starting")

	go func() {
		defer monitoring.RecoverPanic(s.logger, "metrics-server", nil)
		if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Metrics listener failed")
		}
	}()
}

// handleHealth reports broker liveness plus enough routing and resource
// detail to eyeball an instance without scraping Prometheus.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.router.Stats()

	var system monitoring.SystemMetrics
	if s.monitor != nil {
		system = s.monitor.Snapshot()
	}

	resp := map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"connections": map[string]any{
			"current": s.currentConns.Load(),
			"max":     s.cfg.MaxTCPClients,
		},
		"router":     st,
		"system":     system,
		"goroutines": runtime.NumGoroutine(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Debug().Err(err).Msg("Health response write failed")
	}
}

// Shutdown stops accepting, closes every client socket, waits for the
// handlers to tear down and then stops the sidecars. Safe to call once.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("Initiating graceful shutdown")
	s.shuttingDown.Store(true)

	if s.listener != nil {
		_ = s.listener.Close()
	}

	closed := 0
	s.conns.Range(func(key, _ any) bool {
		key.(*conn).close()
		closed++
		return true
	})
	if closed > 0 {
		s.logger.Info().
			Int("connections_closed", closed).
			Msg("Client sockets closed")
	}

	s.wg.Wait()

	if s.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Metrics listener shutdown failed")
		}
	}
	if s.monitor != nil {
		s.monitor.Stop()
	}

	s.logger.Info().Msg("Shutdown complete")
	return nil
}
