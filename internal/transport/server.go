// Package transport runs the gnet event loops that own frontend
// connections. Each accepted connection is bound to exactly one protocol
// session; the loop feeds received bytes into that session in arrival order
// and tears it down when either side goes away.
package transport

import (
	"context"
	"time"

	"github.com/panjf2000/gnet/v2"
	"go.uber.org/zap"

	"github.com/iwanaga/nghttp2/internal/lifecycle"
	"github.com/iwanaga/nghttp2/internal/metrics"
	"github.com/iwanaga/nghttp2/internal/proto"
	"github.com/iwanaga/nghttp2/internal/session"
)

// frontend is what the loop needs from any protocol session.
type frontend interface {
	session.Frontend
	Receive(data []byte) error
	Drain()
	Close(cause error)
	Closed() bool
	IdleSince() time.Time
}

// Config tunes the server.
type Config struct {
	Addr         string
	Multicore    bool
	NumEventLoop int
	ReusePort    bool

	// Negotiate maps a connection to its protocol, typically from the TLS
	// ALPN result of the terminating collaborator. When nil the protocol
	// is sniffed from the first bytes.
	Negotiate func(c gnet.Conn) (proto.Variant, bool)

	// IdleTimeout closes connections with no frame activity.
	IdleTimeout time.Duration

	// OnReady runs once the engine accepts connections, before any traffic.
	OnReady func()

	Session session.Options
}

// Server implements gnet.EventHandler and owns the frontend sessions.
type Server struct {
	gnet.BuiltinEventEngine

	cfg        Config
	dispatcher session.Dispatcher
	control    *lifecycle.Controller
	logger     *zap.Logger
	engine     gnet.Engine
}

// NewServer creates the frontend server.
func NewServer(cfg Config, d session.Dispatcher, control *lifecycle.Controller, logger *zap.Logger) *Server {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 120 * time.Second
	}
	return &Server{cfg: cfg, dispatcher: d, control: control, logger: logger}
}

// Run starts the event loops and blocks until the engine stops.
func (s *Server) Run() error {
	options := []gnet.Option{
		gnet.WithMulticore(s.cfg.Multicore),
		gnet.WithReusePort(s.cfg.ReusePort),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		gnet.WithTicker(true),
	}
	if s.cfg.NumEventLoop > 0 {
		options = append(options, gnet.WithNumEventLoop(s.cfg.NumEventLoop))
	}
	return gnet.Run(s, "tcp://"+s.cfg.Addr, options...)
}

// Stop shuts the engine down.
func (s *Server) Stop(ctx context.Context) error {
	return s.engine.Stop(ctx)
}

// connState is the per-connection context. The session is created lazily
// when the protocol is known.
type connState struct {
	variant proto.Variant
	decided bool
	sess    frontend
}

// OnBoot captures the engine for Stop.
func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.engine = eng
	s.logger.Info("frontend listening",
		zap.String("addr", s.cfg.Addr),
		zap.Bool("multicore", s.cfg.Multicore))
	if s.cfg.OnReady != nil {
		s.cfg.OnReady()
	}
	return gnet.None
}

// OnOpen refuses connections during drain and otherwise prepares the
// per-connection state. Protocol selection waits for negotiation or the
// first bytes.
func (s *Server) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	if !s.control.Ready() {
		return nil, gnet.Close
	}
	st := &connState{}
	if s.cfg.Negotiate != nil {
		if v, ok := s.cfg.Negotiate(c); ok {
			st.variant = v
			st.decided = true
		}
	}
	c.SetContext(st)
	return nil, gnet.None
}

// OnTraffic feeds received bytes into the connection's session, creating it
// on the first bytes when the protocol had to be sniffed.
func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	st, ok := c.Context().(*connState)
	if !ok {
		return gnet.Close
	}

	if st.sess == nil {
		if !st.decided {
			// Peek keeps the prefix buffered while it is still too short to
			// classify; Next here would drop bytes a later read needs.
			head, err := c.Peek(-1)
			if err != nil {
				return gnet.Close
			}
			v, ok := sniff(head)
			if !ok {
				if len(head) >= proto.SniffLen {
					return gnet.Close
				}
				return gnet.None
			}
			st.variant = v
			st.decided = true
		}
		sess, err := s.newSession(st.variant, c)
		if err != nil {
			s.logger.Warn("session setup failed", zap.Error(err))
			return gnet.Close
		}
		if err := s.control.Register(sess); err != nil {
			sess.Close(err)
			return gnet.Close
		}
		st.sess = sess
		metrics.FrontendConnections.WithLabelValues(st.variant.String()).Inc()
	}

	buf, err := c.Next(-1)
	if err != nil {
		return gnet.Close
	}
	if err := st.sess.Receive(buf); err != nil {
		return gnet.Close
	}
	return gnet.None
}

// OnClose tears the session down and reports it to the controller.
func (s *Server) OnClose(c gnet.Conn, err error) gnet.Action {
	st, ok := c.Context().(*connState)
	if !ok || st.sess == nil {
		return gnet.None
	}
	cause := err
	if cause == nil {
		cause = errPeerGone
	}
	st.sess.Close(cause)
	s.control.Unregister(st.sess.ID())
	return gnet.None
}

// OnTick sweeps sessions with no frame activity past the idle timeout.
func (s *Server) OnTick() (time.Duration, gnet.Action) {
	cutoff := time.Now().Add(-s.cfg.IdleTimeout)
	s.control.ForEach(func(sess lifecycle.Session) {
		if !sess.Closed() && sess.IdleSince().Before(cutoff) {
			sess.Close(proto.ErrTimeout)
		}
	})
	return 10 * time.Second, gnet.None
}

var errPeerGone = proto.Framingf("peer closed connection")

func (s *Server) newSession(v proto.Variant, c gnet.Conn) (frontend, error) {
	tr := &gnetTransport{c: c}
	switch v {
	case proto.VariantHTTP2:
		return session.NewH2(tr, s.dispatcher, s.logger, s.cfg.Session), nil
	case proto.VariantSPDY31:
		return session.NewSPDY(tr, s.dispatcher, s.logger, s.cfg.Session)
	default:
		return session.NewH1(tr, s.dispatcher, s.logger, s.cfg.Session), nil
	}
}

// sniff decides the protocol from the first received bytes when no ALPN
// result is available: the HTTP/2 preface prefix, a SPDY control frame's
// version word, or plain HTTP/1.1 otherwise.
func sniff(buf []byte) (proto.Variant, bool) {
	if len(buf) == 0 {
		return 0, false
	}
	if buf[0] == 0x80 {
		return proto.VariantSPDY31, true
	}
	if buf[0] == 'P' {
		if len(buf) < proto.SniffLen {
			return 0, false
		}
		if string(buf[:proto.SniffLen]) == "PRI " {
			return proto.VariantHTTP2, true
		}
	}
	return proto.VariantHTTP1, true
}

// gnetTransport adapts gnet.Conn to the session transport surface.
// AsyncWrite is safe off the event loop, which bridge pumps rely on.
type gnetTransport struct {
	c gnet.Conn
}

func (t *gnetTransport) Write(data []byte) (int, error) {
	// The caller may reuse the buffer after Write returns; the async path
	// needs its own copy.
	out := make([]byte, len(data))
	copy(out, data)
	if err := t.c.AsyncWrite(out, nil); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (t *gnetTransport) Close() error {
	return t.c.Close()
}

func (t *gnetTransport) RemoteAddr() string {
	if addr := t.c.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
