// Package core implements the TCP server: the acceptor that hands
// connections to per-connection protocol engines, the shared server
// state, and the shutdown coordinator that quiesces connections and
// in-flight work.
package core

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/searchktools/hive-server/config"
	"github.com/searchktools/hive-server/core/http11"
	"github.com/searchktools/hive-server/core/observability"
	"github.com/searchktools/hive-server/core/pools"
	"github.com/searchktools/hive-server/core/state"
)

// Lifecycle log event names.
const (
	logServerStarted     = "HIVE_SERVER_STARTED"
	logSignalReceived    = "HIVE_SERVER_SIGNAL_RECEIVED"
	logShutdownGraceful  = "HIVE_SERVER_SHUTDOWN_GRACEFUL"
	logShutdownForceful  = "HIVE_SERVER_SHUTDOWN_FORCEFUL"
	logShutdownWait      = "HIVE_SERVER_SHUTDOWN_WAIT_FOR_NO_REQUESTS"
	logShutdownCompleted = "HIVE_SERVER_SHUTDOWN_COMPLETED"
)

// How often the shutdown coordinator re-checks its conditions.
const (
	quiescencePollInterval = 500 * time.Millisecond
	drainPollInterval      = 100 * time.Millisecond
)

// Server is one TCP server instance: it binds the listening socket,
// accepts connections into protocol engines, and coordinates graceful
// and forceful shutdown.
type Server struct {
	cfg     *config.Config
	log     *logrus.Logger
	state   *state.ServerState
	metrics *observability.RequestMonitor
	opts    http11.Options

	graceful *Latch
	forceful *Latch
	ready    *Latch

	listener net.Listener
}

// NewServer creates a server for the given configuration. A nil
// logger selects the logrus standard logger.
func NewServer(cfg *config.Config, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	metrics := observability.NewRequestMonitor()
	return &Server{
		cfg:     cfg,
		log:     log,
		state:   state.NewServerState(),
		metrics: metrics,
		opts: http11.Options{
			App:                    cfg.App,
			RootPath:               cfg.RootPath,
			ASGIVersion:            cfg.ASGIVersion,
			MaxIncompleteEventSize: cfg.MaxIncompleteEventSize,
			KeepAliveTimeout:       cfg.KeepAliveTimeout(),
			LimitConcurrency:       cfg.LimitConcurrency,
			WSProtocol:             cfg.WSProtocol,
			Logger:                 log,
			Metrics:                metrics,
		},
		graceful: NewLatch(),
		forceful: NewLatch(),
		ready:    NewLatch(),
	}
}

// State exposes the shared server state.
func (s *Server) State() *state.ServerState { return s.state }

// Metrics exposes the request monitor.
func (s *Server) Metrics() *observability.RequestMonitor { return s.metrics }

// Ready returns a channel closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready.Chan()
}

// Addr reports the bound listener address, nil before startup
// completes.
func (s *Server) Addr() net.Addr {
	if !s.ready.IsSet() {
		return nil
	}
	return s.listener.Addr()
}

// Serve binds the listener, accepts connections until a shutdown
// signal latches, then drains and tears down. A bind failure is
// returned to the caller, which is expected to exit nonzero.
func (s *Server) Serve() error {
	stop := BindSignals(s)
	defer stop()

	if err := s.startup(); err != nil {
		return err
	}

	g := new(errgroup.Group)
	g.Go(s.acceptLoop)

	// Wait for either shutdown latch.
	select {
	case <-s.graceful.Chan():
	case <-s.forceful.Chan():
	}

	s.shutdown()
	return g.Wait()
}

// OnShutdownSignal latches the shutdown mode for the serving loop.
func (s *Server) OnShutdownSignal(graceful bool, sig os.Signal) {
	s.log.WithField("signal", sig).Info(logSignalReceived)

	if graceful {
		s.log.Info(logShutdownGraceful)
		s.graceful.Set()
		return
	}

	s.log.Info(logShutdownForceful)
	s.forceful.Set()
}

func (s *Server) startup() error {
	ln, err := listenTCP(s.cfg.Addr(), s.cfg.Backlog)
	if err != nil {
		s.log.WithError(err).Errorf("failed to bind %s", s.cfg.Addr())
		return fmt.Errorf("bind %s: %w", s.cfg.Addr(), err)
	}

	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}
	s.listener = ln

	s.ready.Set()
	s.log.WithFields(logrus.Fields{
		"host": s.cfg.Host,
		"port": s.cfg.Port,
	}).Info(logServerStarted)
	return nil
}

func (s *Server) acceptLoop() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.WithError(err).Warn("accept error")
			time.Sleep(5 * time.Millisecond)
			continue
		}

		tuneConn(conn)

		engine := http11.NewEngine(s.opts, s.state)
		transport := http11.NewTransport(conn, pools.Shared())
		transport.Start(engine)
	}
}

// shutdown drains the server: wait out the quiescence window, let
// in-flight cycles finish (unless forceful), then tear everything
// down.
func (s *Server) shutdown() {
	threshold := s.cfg.ShutdownThreshold()

	for s.state.SinceLastRequest() < threshold && !s.forceful.IsSet() {
		s.log.Info(logShutdownWait)
		time.Sleep(quiescencePollInterval)
	}

	if !s.forceful.IsSet() {
		s.state.Tasks().Wait()
	}

	s.cleanup()
	s.log.Info(logShutdownCompleted)
}

func (s *Server) cleanup() {
	s.state.Tasks().CancelAll()
	s.state.Tasks().Wait()

	s.listener.Close()

	for _, conn := range s.state.Connections() {
		conn.Shutdown()
	}

	time.Sleep(drainPollInterval)

	for s.state.ConnectionCount() > 0 && !s.forceful.IsSet() {
		time.Sleep(drainPollInterval)
	}
}

// tuneConn applies per-connection socket options. Best effort: wrapped
// listeners may hide the raw connection.
func tuneConn(conn net.Conn) {
	sc, ok := conn.(interface {
		SyscallConn() (syscall.RawConn, error)
	})
	if !ok {
		return
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	})
}
