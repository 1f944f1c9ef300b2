// Command nghttpx runs the multiplexing reverse proxy: HTTP/2, SPDY/3.1,
// and HTTP/1.1 on the frontend, HTTP/1.1 to the backends.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/iwanaga/nghttp2/pkg/nghttpx"
)

func main() {
	cfg := nghttpx.DefaultConfig()

	var backends string
	flag.StringVar(&cfg.FrontendAddr, "frontend", cfg.FrontendAddr, "frontend listen address")
	flag.StringVar(&backends, "backend", "127.0.0.1:8080", "comma-separated backend host:port addresses")
	flag.BoolVar(&cfg.Multicore, "multicore", cfg.Multicore, "use one event loop per core")
	flag.IntVar(&cfg.NumEventLoop, "event-loops", cfg.NumEventLoop, "number of event loops (0 for auto)")
	flag.IntVar(&cfg.Workers, "workers", cfg.Workers, "maximum concurrently bridged exchanges")
	flag.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "frontend idle timeout")
	flag.DurationVar(&cfg.BackendTimeout, "backend-timeout", cfg.BackendTimeout, "backend read/write timeout")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "rotated log file (stderr when empty, SIGUSR1 rotates)")
	flag.Parse()

	cfg.Backends = strings.Split(backends, ",")

	proxy, err := nghttpx.New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "nghttpx:", err)
		os.Exit(1)
	}

	go handleSignals(proxy)

	if err := proxy.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "nghttpx:", err)
		os.Exit(1)
	}
}

// handleSignals maps process signals to life-cycle transitions: SIGQUIT
// drains, SIGUSR2 hands the port to a fresh process and drains, SIGUSR1
// forwards a log-rotation request, SIGINT/SIGTERM stop immediately.
func handleSignals(proxy *nghttpx.Proxy) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGUSR1, syscall.SIGUSR2)

	for sig := range sigs {
		switch sig {
		case syscall.SIGQUIT:
			proxy.Drain()
			go stopWhenTerminated(proxy)
		case syscall.SIGUSR2:
			// The successor binds the same port via SO_REUSEPORT; once it
			// signals readiness this process serves out its streams and
			// exits. A failed launch leaves this process serving.
			if err := proxy.HotSwap(); err != nil {
				fmt.Fprintln(os.Stderr, "nghttpx: hot swap:", err)
				continue
			}
			go stopWhenTerminated(proxy)
		case syscall.SIGUSR1:
			proxy.LogReopen()
		default:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = proxy.Stop(ctx)
			cancel()
			os.Exit(0)
		}
	}
}

func stopWhenTerminated(proxy *nghttpx.Proxy) {
	<-proxy.Terminated()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = proxy.Stop(ctx)
	os.Exit(0)
}
