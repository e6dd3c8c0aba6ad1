// Command dlpproxy is the local DLP reverse proxy.
//
// It sits between coding-agent clients and LLM provider APIs: the client
// points its base URL at this proxy under a backend-specific path prefix
// (e.g. http://localhost:8008/claude/v1/messages), the proxy redacts
// sensitive strings from the request body before forwarding it upstream,
// and restores them in the streamed response so the client never sees the
// substitution.
//
// Upstream proxy chaining (e.g. a corporate proxy) is automatic: Go's
// net/http reads HTTP_PROXY / HTTPS_PROXY / NO_PROXY from the environment.
//
// Usage:
//
//	./dlpproxy
//	PROXY_PORT=9000 MANAGEMENT_TOKEN=secret ./dlpproxy
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.etcd.io/bbolt"

	"dlp-proxy/internal/backends"
	"dlp-proxy/internal/config"
	"dlp-proxy/internal/control"
	"dlp-proxy/internal/logger"
	"dlp-proxy/internal/metrics"
	"dlp-proxy/internal/patterns"
	"dlp-proxy/internal/proxy"
	"dlp-proxy/internal/reqlog"
)

func main() {
	cfg := config.Load()
	log := logger.New("PROXY", cfg.LogLevel)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("startup", "create data dir %s: %v", cfg.DataDir, err)
	}

	// Pattern Store and Backend Registry share one bbolt handle: bbolt holds
	// an exclusive file lock per process, so both stores persisting to the
	// same file must be handed the same *bbolt.DB rather than each opening
	// their own.
	storeDB, err := bbolt.Open(filepath.Join(cfg.DataDir, "dlp-proxy.bolt"), 0o600, nil)
	if err != nil {
		log.Fatalf("startup", "open pattern/backend store: %v", err)
	}
	defer storeDB.Close() //nolint:errcheck

	patternStore, err := patterns.NewStore(storeDB, logger.New("PATTERNS", cfg.LogLevel))
	if err != nil {
		log.Fatalf("startup", "init pattern store: %v", err)
	}
	defer patternStore.Close() //nolint:errcheck

	backendRegistry, err := backends.NewRegistry(storeDB, logger.New("BACKENDS", cfg.LogLevel))
	if err != nil {
		log.Fatalf("startup", "init backend registry: %v", err)
	}

	reqLogStore, err := reqlog.Open(
		filepath.Join(cfg.DataDir, "dlp-proxy-requests.db"),
		cfg.RetentionDays,
		logger.New("REQLOG", cfg.LogLevel),
	)
	if err != nil {
		log.Fatalf("startup", "open request log: %v", err)
	}
	defer reqLogStore.Close() //nolint:errcheck

	stopSweep := make(chan struct{})
	defer close(stopSweep)
	reqLogStore.RunSweeper(time.Duration(cfg.SweepIntervalMinutes)*time.Minute, stopSweep)

	m := metrics.New()

	if port, ok, err := backendRegistry.GetPort(); err != nil {
		log.Warnf("startup", "could not load persisted port setting: %v", err)
	} else if ok {
		cfg.ProxyPort = port
	}

	supervisor := newProxySupervisor(cfg, patternStore, backendRegistry, reqLogStore, m, logger.New("PROXY", cfg.LogLevel))
	if err := supervisor.start(); err != nil {
		log.Fatalf("startup", "start proxy listener: %v", err)
	}
	defer supervisor.shutdown()

	ctrl := control.New(cfg, patternStore, backendRegistry, reqLogStore, m, logger.New("CONTROL", cfg.LogLevel), supervisor.restart)
	controlAddr := fmt.Sprintf("127.0.0.1:%d", cfg.ProxyPort+1)
	go func() {
		if err := ctrl.ListenAndServe(controlAddr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("control", "fatal: %v", err)
		}
	}()

	printBanner(cfg, controlAddr, backendRegistry, patternStore, log)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutdown", "signal received, shutting down")
}

// proxySupervisor owns the currently-bound proxy listener and knows how to
// tear it down and rebind it on a new port for restart_proxy.
type proxySupervisor struct {
	cfg      *config.Config
	ps       *patterns.Store
	br       *backends.Registry
	rl       *reqlog.Store
	m        *metrics.Metrics
	log      *logger.Logger

	mu  sync.Mutex
	srv *http.Server
}

func newProxySupervisor(cfg *config.Config, ps *patterns.Store, br *backends.Registry, rl *reqlog.Store, m *metrics.Metrics, log *logger.Logger) *proxySupervisor {
	return &proxySupervisor{cfg: cfg, ps: ps, br: br, rl: rl, m: m, log: log}
}

func (p *proxySupervisor) start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bindLocked(p.cfg.ProxyPort)
}

func (p *proxySupervisor) bindLocked(port int) error {
	handler := proxy.New(p.cfg, p.ps, p.br, p.rl, p.m, p.log)
	addr := fmt.Sprintf("%s:%d", p.cfg.BindAddress, port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	p.srv = srv
	p.cfg.ProxyPort = port
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			p.log.Errorf("listen", "proxy listener failed: %v", err)
		}
	}()
	p.log.Infof("listen", "proxy listening on %s", addr)
	return nil
}

// restart drains the current listener (5s deadline) and rebinds, optionally
// on a new port.
func (p *proxySupervisor) restart(newPort int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.srv.Shutdown(ctx); err != nil {
			p.log.Warnf("restart", "graceful shutdown timed out: %v", err)
		}
	}
	if err := p.br.SavePort(newPort); err != nil {
		p.log.Warnf("restart", "could not persist new port: %v", err)
	}
	return p.bindLocked(newPort)
}

func (p *proxySupervisor) shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := p.srv.Shutdown(ctx); err != nil {
		p.log.Errorf("shutdown", "proxy shutdown error: %v", err)
	}
}

func printBanner(cfg *config.Config, controlAddr string, br *backends.Registry, ps *patterns.Store, log *logger.Logger) {
	upstreamProxy := os.Getenv("HTTPS_PROXY")
	if upstreamProxy == "" {
		upstreamProxy = os.Getenv("HTTP_PROXY")
	}
	if upstreamProxy == "" {
		upstreamProxy = "(direct — set HTTP_PROXY or HTTPS_PROXY to chain upstream)"
	}

	activeBackends := 0
	if all, err := br.List(); err != nil {
		log.Warnf("startup", "could not count backends for banner: %v", err)
	} else {
		for _, b := range all {
			if b.Enabled {
				activeBackends++
			}
		}
	}

	patternCount := 0
	if all, err := ps.List(false); err != nil {
		log.Warnf("startup", "could not count DLP patterns for banner: %v", err)
	} else {
		patternCount = len(all)
	}

	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║              DLP Proxy                                ║
╚══════════════════════════════════════════════════════╝
  Proxy port      : %d
  Control surface : %s
  Upstream proxy  : %s
  Data dir        : %s
  Active backends : %d
  DLP patterns    : %d

  Point clients here:
    claude: http://%s:%d/claude/v1/messages
    codex:  http://%s:%d/codex/...

  Check status:
    curl http://%s/api/status
`, cfg.ProxyPort, controlAddr, upstreamProxy, cfg.DataDir, activeBackends, patternCount,
		cfg.BindAddress, cfg.ProxyPort, cfg.BindAddress, cfg.ProxyPort, controlAddr)
}
