// Command orchestratord is the Session Orchestrator process: it owns the
// state store, reconciles session/container/browser lifecycle, serves the
// control-plane HTTP API and channel bus, and fronts routed session traffic
// through the Subdomain Proxy Router.
package main

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"

	"github.com/labrun/orchestrator/browserorch"
	"github.com/labrun/orchestrator/browserorch/daemon"
	browserserver "github.com/labrun/orchestrator/browserorch/daemon/server"
	"github.com/labrun/orchestrator/bus"
	"github.com/labrun/orchestrator/config"
	"github.com/labrun/orchestrator/containermon"
	"github.com/labrun/orchestrator/eventexport"
	"github.com/labrun/orchestrator/httpapi"
	"github.com/labrun/orchestrator/logger"
	"github.com/labrun/orchestrator/portalloc"
	"github.com/labrun/orchestrator/proxy"
	"github.com/labrun/orchestrator/sandbox"
	"github.com/labrun/orchestrator/services/shutdown"
	"github.com/labrun/orchestrator/sessionorch"
	"github.com/labrun/orchestrator/store"
)

// CLI is parsed with kong. Its flag has no environment-variable form; every
// other setting comes from config.Load (embedded defaults overlaid by
// environment variables), which runs regardless of these flags.
var CLI struct {
	EmbedBrowserDaemon bool `help:"Run the Playwright browser-daemon HTTP server in this process instead of expecting an external one at BROWSER_API_URL." default:"true"`
}

func main() {
	kong.Parse(&CLI)

	cfg, err := config.Load()
	if err != nil {
		panic("load config: " + err.Error())
	}
	logger.InitLogger(cfg.Log.Level, cfg.Log.Format)
	defer logger.Logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coordinator := shutdown.NewCoordinator(time.Duration(cfg.ShutdownTimeoutMs) * time.Millisecond)

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("open state store", zap.Error(err))
	}
	coordinator.RegisterHandler("state store", shutdown.CreateDatabaseShutdown(st))

	ports, err := portalloc.New(ctx, st, cfg.StreamPortLo, cfg.StreamPortHi)
	if err != nil {
		logger.Fatal("construct port allocator", zap.Error(err))
	}

	provider, err := sandbox.NewDockerProvider()
	if err != nil {
		logger.Fatal("construct sandbox provider", zap.Error(err))
	}
	coordinator.RegisterHandler("sandbox provider", shutdown.CreateSandboxProviderShutdown(provider))

	var exporter *eventexport.Exporter
	if cfg.KafkaBrokers != "" {
		brokers := strings.Split(cfg.KafkaBrokers, ",")
		exporter = eventexport.New(brokers, "session-events")
		logger.Info("kafka event export enabled", zap.Strings("brokers", brokers))
	}
	coordinator.RegisterHandler("event exporter", shutdown.CreateEventExporterShutdown(exporter))

	router := proxy.New(cfg.ProxyBaseDomain, 30*time.Second)

	if CLI.EmbedBrowserDaemon {
		browserSrv, err := browserserver.New(cfg.StreamPortLo)
		if err != nil {
			logger.Fatal("start embedded browser daemon", zap.Error(err))
		}
		daemonHTTP := &http.Server{Addr: daemonListenAddr(cfg.BrowserAPIURL), Handler: browserSrv.Router()}
		go func() {
			if err := daemonHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("embedded browser daemon listener failed", zap.Error(err))
			}
		}()
		coordinator.RegisterHandler("browser daemon listener", shutdown.CreateHTTPServerShutdown(daemonHTTP))
		coordinator.RegisterHandler("browser daemon", shutdown.CreateStopFuncShutdown("browser daemon", browserSrv.Close))
	}

	daemonController := daemon.New(cfg.BrowserAPIURL)
	browserOrch := browserorch.New(st, daemonController, ports, time.Duration(cfg.BrowserCleanupDelayMs)*time.Millisecond, cfg.MaxDaemonRetries)
	stopReconciler := browserOrch.Run(ctx, time.Duration(cfg.ReconcileIntervalMs)*time.Millisecond)
	coordinator.RegisterHandler("browser reconciler", shutdown.CreateStopFuncShutdown("browser reconciler", stopReconciler))

	channelBus := bus.New()

	sessionOrch := sessionorch.New(st, provider, router, browserOrch, channelBus)

	monitor := containermon.New(provider, st, channelBus, exporter)
	monitorCtx, stopMonitor := context.WithCancel(ctx)
	go monitor.Run(monitorCtx)
	coordinator.RegisterHandler("container monitor", shutdown.CreateStopFuncShutdown("container monitor", stopMonitor))

	bus.RegisterChannels(channelBus, bus.RegisterDeps{Store: st, Browser: browserOrch})

	apiServer := httpapi.New(cfg, st, sessionOrch, router, channelBus)
	apiCtx, stopAPI := context.WithCancel(ctx)
	apiStopped := make(chan struct{})
	apiListenErrs := make(chan error, 1)
	go func() {
		defer close(apiStopped)
		if err := apiServer.Listen(apiCtx, addr(cfg.APIPort)); err != nil {
			apiListenErrs <- err
		}
	}()
	// Registered after the resources it depends on so it stops before them
	// (LIFO): reject new requests before those resources start tearing down.
	coordinator.RegisterHandler("http api", shutdown.CreateStopFuncShutdown("http api", func() {
		stopAPI()
		<-apiStopped
	}))

	proxyHTTP := &http.Server{Addr: addr(cfg.ProxyPort), Handler: router}
	go func() {
		if err := proxyHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("proxy listener failed", zap.Error(err))
		}
	}()
	coordinator.RegisterHandler("proxy listener", shutdown.CreateHTTPServerShutdown(proxyHTTP))

	coordinator.Start()
	logger.Info("orchestratord started",
		zap.Int("api_port", cfg.APIPort),
		zap.Int("proxy_port", cfg.ProxyPort),
		zap.String("proxy_base_domain", cfg.ProxyBaseDomain))

	select {
	case err := <-apiListenErrs:
		logger.Error("http api listener failed", zap.Error(err))
		coordinator.Shutdown()
	case <-coordinator.Done():
	}

	cancel()
	coordinator.WaitForShutdown()
	logger.Info("orchestratord stopped")
}

func addr(port int) string {
	return ":" + strconv.Itoa(port)
}

// daemonListenAddr derives a bind address from the configured browser-daemon
// URL's port, falling back to :9400 if it can't be parsed.
func daemonListenAddr(browserAPIURL string) string {
	u, err := url.Parse(browserAPIURL)
	if err != nil || u.Port() == "" {
		return ":9400"
	}
	return ":" + u.Port()
}
