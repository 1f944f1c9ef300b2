package nghttpx

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/iwanaga/nghttp2/internal/bridge"
	"github.com/iwanaga/nghttp2/internal/date"
	"github.com/iwanaga/nghttp2/internal/lifecycle"
	"github.com/iwanaga/nghttp2/internal/logging"
	"github.com/iwanaga/nghttp2/internal/pool"
	"github.com/iwanaga/nghttp2/internal/session"
	"github.com/iwanaga/nghttp2/internal/transport"
)

// Proxy is a running reverse proxy instance.
type Proxy struct {
	cfg     Config
	logger  *zap.Logger
	control *lifecycle.Controller
	pool    *pool.Pool
	coord   *bridge.Coordinator
	server  *transport.Server

	stopDate func()
}

// New wires a proxy from the configuration.
func New(cfg Config) (*Proxy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Config{
		Level:       cfg.LogLevel,
		Development: cfg.LogDevelopment,
		File:        cfg.LogFile,
	})
	if err != nil {
		return nil, err
	}

	control := lifecycle.New(logger)
	backendPool := pool.New(pool.Config{
		MaxPerTarget:     cfg.BackendMaxPerTarget,
		MaxIdlePerTarget: cfg.BackendMaxIdle,
		IdleTimeout:      cfg.BackendIdleTimeout,
		MaxLifetime:      cfg.BackendMaxLifetime,
		DialTimeout:      cfg.DialTimeout,
	}, logger)

	coord, err := bridge.New(bridge.Config{
		Backends:       cfg.Backends,
		ViaToken:       cfg.ViaToken,
		Workers:        cfg.Workers,
		BackendTimeout: cfg.BackendTimeout,
	}, backendPool, logger)
	if err != nil {
		backendPool.Close()
		return nil, err
	}

	server := transport.NewServer(transport.Config{
		Addr:         cfg.FrontendAddr,
		Multicore:    cfg.Multicore,
		NumEventLoop: cfg.NumEventLoop,
		ReusePort:    cfg.ReusePort,
		IdleTimeout:  cfg.IdleTimeout,
		OnReady:      lifecycle.SignalReady,
		Session: session.Options{
			MaxFrameSize:   cfg.MaxFrameSize,
			InitialWindow:  cfg.InitialWindowSize,
			MaxStreams:     cfg.MaxConcurrentStreams,
			PrefaceTimeout: cfg.PrefaceTimeout,
			IdleTimeout:    cfg.IdleTimeout,
		},
	}, coord, control, logger)

	return &Proxy{
		cfg:     cfg,
		logger:  logger,
		control: control,
		pool:    backendPool,
		coord:   coord,
		server:  server,
	}, nil
}

// Run starts the proxy and blocks until the transport engine stops.
func (p *Proxy) Run() error {
	p.stopDate = date.StartTicker()
	p.logger.Info("starting proxy",
		zap.String("frontend", p.cfg.FrontendAddr),
		zap.Strings("backends", p.cfg.Backends))
	return p.server.Run()
}

// Drain finishes in-flight streams and refuses new sessions. The process
// terminates once the last session closed.
func (p *Proxy) Drain() {
	p.control.Drain()
}

// Ready reports whether the proxy accepts new connections.
func (p *Proxy) Ready() bool {
	return p.control.Ready()
}

// Terminated returns a channel closed once draining completed.
func (p *Proxy) Terminated() <-chan struct{} {
	return p.control.Terminated()
}

// LogReopen forwards a log-rotation signal to the logging sinks.
func (p *Proxy) LogReopen() {
	p.control.LogReopen()
}

// HotSwap launches a successor process sharing the frontend port, waits
// for it to accept connections, then drains this instance.
func (p *Proxy) HotSwap() error {
	binary, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	return p.control.HotSwap(binary, os.Args[1:])
}

// Stop force-closes everything and stops the transport engine.
func (p *Proxy) Stop(ctx context.Context) error {
	p.control.Shutdown()
	p.coord.Close()
	p.pool.Close()
	if p.stopDate != nil {
		p.stopDate()
	}
	err := p.server.Stop(ctx)
	_ = p.logger.Sync()
	return err
}
