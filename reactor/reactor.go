/*
Package reactor delivers events of TCP connections to a single handler from a
single goroutine.

Every accepted connection is read by its own goroutine, but the bytes it
reads are not passed to the handler directly. Instead, open, data, error and
close events are put into one queue, which is drained by the Serve goroutine.
That is, the handler is never called concurrently and events of each
connection are delivered in the order they happened:

	m := wsgate.NewMediator(app)
	srv := reactor.NewServer(reactor.DefaultConfig(), m)
	err := srv.ListenAndServe(ctx)
*/
package reactor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/gobwas/pool/pbytes"
	"github.com/rs/zerolog"

	"github.com/gobwas/wsgate"
)

// EventHandler receives transport events. *wsgate.Mediator implements it.
//
// Bytes passed to OnMessage are valid only until the call returns.
type EventHandler interface {
	OnOpen(c wsgate.Conn) error
	OnMessage(c wsgate.Conn, p []byte) error
	OnClose(c wsgate.Conn) error
	OnError(c wsgate.Conn, err error) error
}

// Config contains transport options.
type Config struct {
	// Addr is a TCP address to listen on.
	Addr string

	// ReadBufferSize is the size of buffer used for a single read from a
	// connection.
	ReadBufferSize int

	// WriteTimeout limits time of a single write to a connection. Zero means
	// no limit.
	WriteTimeout time.Duration
}

// DefaultConfig returns default transport options.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		ReadBufferSize: 4096,
		WriteTimeout:   10 * time.Second,
	}
}

type eventKind uint8

const (
	eventOpen eventKind = iota
	eventData
	eventError
	eventClose
)

func (k eventKind) String() string {
	switch k {
	case eventOpen:
		return "open"
	case eventData:
		return "data"
	case eventError:
		return "error"
	case eventClose:
		return "close"
	}
	return "unknown"
}

type event struct {
	kind eventKind
	conn *conn
	data []byte
	err  error
}

// Server accepts connections and delivers their events to Handler.
type Server struct {
	Config  Config
	Handler EventHandler
	Logger  zerolog.Logger

	mu      sync.Mutex
	events  *queue.Queue
	notify  chan struct{}
	conns   map[*conn]struct{}
	closing bool
	lastID  uint64
}

// NewServer creates a Server with given config and handler.
func NewServer(cfg Config, h EventHandler) *Server {
	return &Server{
		Config:  cfg,
		Handler: h,
		Logger:  zerolog.Nop(),
	}
}

// ListenAndServe listens on Config.Addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Config.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.Config.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln and runs the event loop until ctx is
// canceled. On cancellation it closes ln and all connections and returns
// after close events of all of them are delivered.
//
// If Handler returns a lifecycle error (see wsgate.IsLifecycleError), Serve
// closes everything and returns that error immediately.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.events = queue.New()
	s.notify = make(chan struct{}, 1)
	s.conns = make(map[*conn]struct{})
	s.closing = false
	s.mu.Unlock()

	s.Logger.Info().Str("addr", ln.Addr().String()).Msg("serving")

	accepted := make(chan error, 1)
	go func() {
		accepted <- s.accept(ln)
	}()

	var (
		done     = ctx.Done()
		stopping bool
		result   error
	)
	stop := func() {
		stopping = true
		ln.Close()
		s.shutdown()
	}
	for {
		select {
		case <-s.notify:
		case <-done:
			done = nil
			if !stopping {
				stop()
			}
		case err := <-accepted:
			accepted = nil
			if !stopping {
				result = err
				stop()
			}
		}
		for {
			ev, ok := s.next()
			if !ok {
				break
			}
			if err := s.handle(ev); err != nil {
				if wsgate.IsLifecycleError(err) {
					s.Logger.Error().Err(err).Msg("broken connection lifecycle")
					if !stopping {
						stop()
					}
					return err
				}
				s.Logger.Warn().
					Err(err).
					Str("conn", ev.conn.String()).
					Stringer("event", ev.kind).
					Msg("event handler failed")
			}
		}
		if stopping && accepted == nil && s.live() == 0 {
			s.Logger.Info().Msg("stopped")
			return result
		}
	}
}

func (s *Server) accept(ln net.Listener) error {
	var delay time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else if delay *= 2; delay > time.Second {
					delay = time.Second
				}
				s.Logger.Warn().Err(err).Dur("retry", delay).Msg("accept error")
				time.Sleep(delay)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		delay = 0

		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			nc.Close()
			continue
		}
		s.lastID++
		c := &conn{
			id:           s.lastID,
			nc:           nc,
			writeTimeout: s.Config.WriteTimeout,
		}
		s.conns[c] = struct{}{}
		s.events.Add(event{kind: eventOpen, conn: c})
		s.mu.Unlock()
		s.wakeup()

		go s.read(c)
	}
}

func (s *Server) read(c *conn) {
	size := s.Config.ReadBufferSize
	if size <= 0 {
		size = DefaultConfig().ReadBufferSize
	}
	for {
		buf := pbytes.GetLen(size)
		n, err := c.nc.Read(buf)
		if n > 0 {
			s.post(event{kind: eventData, conn: c, data: buf[:n]})
		} else {
			pbytes.Put(buf)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.post(event{kind: eventError, conn: c, err: err})
			}
			s.post(event{kind: eventClose, conn: c})
			return
		}
	}
}

func (s *Server) handle(ev event) error {
	switch ev.kind {
	case eventOpen:
		s.Logger.Debug().Str("conn", ev.conn.String()).Msg("open")
		return s.Handler.OnOpen(ev.conn)

	case eventData:
		defer pbytes.Put(ev.data)
		return s.Handler.OnMessage(ev.conn, ev.data)

	case eventError:
		return s.Handler.OnError(ev.conn, ev.err)

	case eventClose:
		s.mu.Lock()
		delete(s.conns, ev.conn)
		s.mu.Unlock()
		// Reader is done, but the connection could be still open if the
		// peer has half-closed it.
		ev.conn.Close()

		s.Logger.Debug().Str("conn", ev.conn.String()).Msg("close")
		return s.Handler.OnClose(ev.conn)
	}
	return nil
}

func (s *Server) post(ev event) {
	s.mu.Lock()
	s.events.Add(ev)
	s.mu.Unlock()
	s.wakeup()
}

func (s *Server) wakeup() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Server) next() (ev event, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events.Length() == 0 {
		return ev, false
	}
	return s.events.Remove().(event), true
}

func (s *Server) live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
	for c := range s.conns {
		c.Close()
	}
}
