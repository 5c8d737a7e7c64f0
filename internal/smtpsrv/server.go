// Package smtpsrv implements the SMTP connection engine: the command
// registry's ConnectionLoop (conn.go) and the Listener that binds a socket,
// accepts connections, enforces admission control, and shuts down
// gracefully (this file).
package smtpsrv

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/smtpd/internal/collab"
	"blitiri.com.ar/go/smtpd/internal/commands"
	"blitiri.com.ar/go/smtpd/internal/maillog"
)

var (
	// ErrAlreadyStarted is returned by Start if the server is already
	// running.
	ErrAlreadyStarted = errors.New("smtpsrv: server already started")

	// ErrStopped is returned by Start if the server was previously
	// stopped.
	ErrStopped = errors.New("smtpsrv: server already stopped")
)

// counterSessionIDFactory is the default collab.SessionIDFactory used when
// a caller doesn't supply one: a process-lifetime monotonic counter
// combined with the start time, which is unique per connection and cheap
// to generate under load.
type counterSessionIDFactory struct {
	start time.Time
	next  uint64
}

func (f *counterSessionIDFactory) Next() string {
	n := atomic.AddUint64(&f.next, 1)
	return fmt.Sprintf("%d.%d", f.start.UnixNano(), n)
}

// Server binds one or more listeners and serves SMTP connections on them
// until Stop is called. It implements the Listener component of spec.md
// section 4.8: one dedicated accept loop per bound address, one goroutine
// per accepted connection, an admission counter shared across them, and a
// bounded graceful shutdown.
type Server struct {
	opts    Options
	collab  Collaborators
	tlsConf *tls.Config

	registry *commands.Registry
	metrics  *metrics
	sidFac   collab.SessionIDFactory

	mu        sync.Mutex
	started   bool
	stopped   bool
	listeners []net.Listener
	port      int

	active  int32
	wg      sync.WaitGroup
	closeCh chan struct{}
}

// NewServer builds a Server from opts and its collaborators. opts should
// already have been passed through WithDefaults.
func NewServer(opts Options, c Collaborators) *Server {
	s := &Server{
		opts:     opts,
		collab:   c,
		registry: commands.NewRegistry(commands.DefaultHandlers()...),
		metrics:  newMetrics(opts.MetricsRegisterer),
		sidFac:   c.SessionIDFactory,
		closeCh:  make(chan struct{}),
	}
	if s.sidFac == nil {
		s.sidFac = &counterSessionIDFactory{start: time.Now()}
	}
	return s
}

// SetTLSConfig installs the *tls.Config used by the default TLSWrapper
// helper, WrapTLS. Callers supplying their own Collaborators.TLSWrapper
// don't need this.
func (s *Server) SetTLSConfig(cfg *tls.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tlsConf = cfg
}

// Start binds the configured address and begins accepting connections. It
// returns once the listener is bound; its accept loop runs in the
// background until Stop is called. Pre-opened listeners are added with
// Serve instead.
//
// Start is single-shot: calling it twice, or calling it after Stop, is an
// error.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return ErrAlreadyStarted
	}

	addr := net.JoinHostPort(s.opts.BindAddress, strconv.Itoa(s.opts.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.listeners = append(s.listeners, ln)
	s.port = ln.Addr().(*net.TCPAddr).Port
	s.started = true

	s.wg.Add(1)
	go s.acceptLoop(ln)

	s.opts.Logger.Infof("smtpd: listening on %s", ln.Addr())
	maillog.Listening(ln.Addr().String())

	return nil
}

// Serve adds extra pre-opened listeners (e.g. from systemd socket
// activation) to an already-started or not-yet-started Server, each served
// by its own accept loop. It is typically called before Start when an
// embedding binary wants to listen on systemd sockets in addition to, or
// instead of, a bound address.
func (s *Server) Serve(ln net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listeners = append(s.listeners, ln)
	s.wg.Add(1)
	go s.acceptLoop(ln)

	s.opts.Logger.Infof("smtpd: listening on %s (externally supplied)", ln.Addr())
	maillog.Listening(ln.Addr().String())
}

// IsRunning reports whether Start has succeeded and Stop has not yet been
// called.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped
}

// AllocatedPort returns the actual port bound by Start, which matters when
// Options.Port was 0.
func (s *Server) AllocatedPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for {
		rawConn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.closeCh:
				return
			default:
				s.opts.Logger.Errorf("smtpd: accept error: %v", err)
				return
			}
		}

		atomic.AddInt32(&s.active, 1)
		s.metrics.connectionAccepted()
		s.wg.Add(1)

		go func() {
			defer s.wg.Done()
			c := &conn{srv: s, rawConn: rawConn}
			c.handle()
		}()
	}
}

// tooManyConnections reports whether the connection that just incremented
// the admission counter pushed it over Options.MaxConnections.
func (s *Server) tooManyConnections() bool {
	if s.opts.MaxConnections <= 0 {
		return false
	}
	return int(atomic.LoadInt32(&s.active)) > s.opts.MaxConnections
}

// connectionEnded decrements the admission counter; called exactly once per
// accepted connection, from conn.finish.
func (s *Server) connectionEnded() {
	atomic.AddInt32(&s.active, -1)
	s.metrics.connectionClosed()
}

func (s *Server) nextSessionID() string {
	return s.sidFac.Next()
}

// Stop stops accepting new connections, closes every listening socket, and
// waits up to Options.ShutdownGrace for in-flight sessions to end before
// returning; sessions still running then are not closed. Calling Stop a
// second time is a no-op.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.closeCh)
	listeners := s.listeners
	s.mu.Unlock()

	for _, ln := range listeners {
		ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownGrace)
	defer cancel()

	select {
	case <-done:
	case <-ctx.Done():
		s.opts.Logger.Infof("smtpd: shutdown grace period elapsed, %d session(s) still active",
			atomic.LoadInt32(&s.active))
	}
}

// log is a small convenience so conn.go can reach the configured logger
// without a field on every conn.
func (s *Server) log() *log.Logger {
	return s.opts.Logger
}
