package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/projectdiscovery/goflags"
	"github.com/projectdiscovery/gologger"
	"github.com/projectdiscovery/gologger/levels"

	"github.com/hitushen/netpresence/internal/auth"
	"github.com/hitushen/netpresence/internal/config"
	"github.com/hitushen/netpresence/internal/discovery"
	"github.com/hitushen/netpresence/internal/discovery/command"
	"github.com/hitushen/netpresence/internal/discovery/hostname"
	"github.com/hitushen/netpresence/internal/discovery/neighbor"
	"github.com/hitushen/netpresence/internal/discovery/probe"
	"github.com/hitushen/netpresence/internal/metrics"
	"github.com/hitushen/netpresence/internal/models"
	"github.com/hitushen/netpresence/internal/monitor"
	"github.com/hitushen/netpresence/internal/netdetect"
	"github.com/hitushen/netpresence/internal/realtime"
	"github.com/hitushen/netpresence/internal/scanner"
	"github.com/hitushen/netpresence/internal/server"
	"github.com/hitushen/netpresence/internal/store"
)

type options struct {
	Addr     string
	Networks string
	Monitors string
	DBPath   string
	Detect   bool
	Verbose  bool
	Debug    bool
}

func parseOptions(cfg *config.Config) *options {
	opts := &options{}
	flagSet := goflags.NewFlagSet()
	flagSet.SetDescription(`netpresence discovers devices on local networks and serves the results over HTTP`)
	flagSet.CreateGroup("server", "Server",
		flagSet.StringVarP(&opts.Addr, "addr", "a", cfg.Addr, "http listen address"),
		flagSet.StringVar(&opts.DBPath, "db", cfg.DBPath, "sqlite database path"),
	)
	flagSet.CreateGroup("input", "Input",
		flagSet.StringVarP(&opts.Networks, "networks", "n", cfg.NetworksFile, "yaml file listing networks to scan"),
		flagSet.StringVarP(&opts.Monitors, "monitors", "m", cfg.MonitorsFile, "yaml file listing hosts to ping"),
		flagSet.BoolVar(&opts.Detect, "autodetect", cfg.AutoDetect, "scan detected local networks when none are configured"),
	)
	flagSet.CreateGroup("debug", "Debug",
		flagSet.BoolVarP(&opts.Verbose, "verbose", "v", false, "show verbose output"),
		flagSet.BoolVar(&opts.Debug, "debug", false, "show debug output"),
	)
	if err := flagSet.Parse(); err != nil {
		gologger.Fatal().Msgf("could not parse flags: %s", err)
	}
	return opts
}

func configureLogging(opts *options) {
	switch {
	case opts.Debug:
		gologger.DefaultLogger.SetMaxLevel(levels.LevelDebug)
	case opts.Verbose:
		gologger.DefaultLogger.SetMaxLevel(levels.LevelVerbose)
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		gologger.Fatal().Msgf("config: %v", err)
	}
	opts := parseOptions(cfg)
	configureLogging(opts)
	cfg.Addr = opts.Addr
	cfg.DBPath = opts.DBPath
	cfg.NetworksFile = opts.Networks
	cfg.MonitorsFile = opts.Monitors
	cfg.AutoDetect = opts.Detect

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			gologger.Fatal().Msgf("create data dir: %v", err)
		}
	}
	st, err := store.New(cfg.DBPath)
	if err != nil {
		gologger.Fatal().Msgf("store: %v", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := st.EnsureAdmin(ctx, cfg.AdminUser, cfg.AdminPassword); err != nil {
		gologger.Fatal().Msgf("ensure admin: %v", err)
	}

	runner := command.Exec{}
	prober := probe.NewDefault(cfg.ProbeTimeout)
	resolver, err := hostname.New(hostname.Options{
		Order:     cfg.Resolvers,
		Timeout:   cfg.ResolveTimeout,
		CacheTTL:  cfg.ResolveCacheTTL,
		DNSServer: cfg.DNSServer,
		Runner:    runner,
	})
	if err != nil {
		gologger.Fatal().Msgf("hostname resolver: %v", err)
	}
	engine := discovery.New(prober, neighbor.NewReader(runner), resolver, discovery.Options{
		Concurrency: cfg.ScanConcurrency,
		MaxHosts:    cfg.MaxHosts,
		ResolveAll:  cfg.ResolveAll,
	})

	source := config.NetworkFile{Path: cfg.NetworksFile}
	if cfg.AutoDetect {
		source.Detect = netdetect.New(runner).Networks
	}
	networks, err := source.Networks()
	if err != nil {
		gologger.Warning().Msgf("load networks: %v", err)
	}
	logNetworks(cfg.NetworksFile, networks)

	broker := realtime.NewBroker()
	sched := scanner.NewManager(engine, source, st, broker, cfg.NetworkParallelism)
	defer sched.Close()
	sched.Start()
	sched.StartTicker(cfg.RefreshInterval)

	checker := monitor.NewChecker(prober, config.MonitorFile{Path: cfg.MonitorsFile}, st, broker)
	defer checker.Close()
	checker.StartTicker(cfg.MonitorInterval)

	collector := metrics.NewHostCollector(st, cfg.MetricsInterval)
	defer collector.Close()
	collector.Start()

	srv, err := server.New(server.Options{
		CSRFKey:   cfg.CSRFKey,
		Store:     st,
		Auth:      auth.NewManager(st, cfg.SessionKey),
		Scheduler: sched,
		Scanner:   engine,
		Monitors:  checker,
		Broker:    broker,
	})
	if err != nil {
		gologger.Fatal().Msgf("server init: %v", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		gologger.Info().Msgf("netpresence listening on %s resolvers=%v", cfg.Addr, resolver.Providers())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			gologger.Fatal().Msgf("http server: %v", err)
		}
	}()

	// 优雅地关闭服务
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	gologger.Info().Msgf("shutting down...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		gologger.Warning().Msgf("shutdown error: %v", err)
	}
}

func logNetworks(path string, networks []models.NetworkTarget) {
	if len(networks) == 0 {
		gologger.Warning().Msgf("no networks configured file=%s", path)
		return
	}
	for _, n := range networks {
		gologger.Info().Msgf("network name=%s cidr=%s", n.Name, n.CIDR)
	}
}
