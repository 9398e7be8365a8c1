package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"time"

	"github.com/projectdiscovery/goflags"
	"github.com/projectdiscovery/gologger"
	"github.com/projectdiscovery/gologger/levels"

	"github.com/hitushen/netpresence/internal/config"
	"github.com/hitushen/netpresence/internal/discovery"
	"github.com/hitushen/netpresence/internal/discovery/command"
	"github.com/hitushen/netpresence/internal/discovery/hostname"
	"github.com/hitushen/netpresence/internal/discovery/neighbor"
	"github.com/hitushen/netpresence/internal/discovery/probe"
	"github.com/hitushen/netpresence/internal/models"
	"github.com/hitushen/netpresence/internal/netdetect"
)

type options struct {
	CIDRs       goflags.StringSlice
	Networks    string
	Detect      bool
	Resolvers   goflags.StringSlice
	DNSServer   string
	Timeout     time.Duration
	Concurrency int
	ResolveAll  bool
	Verbose     bool
}

func parseOptions() *options {
	opts := &options{}
	flagSet := goflags.NewFlagSet()
	flagSet.SetDescription(`netscan runs a single discovery pass and prints the devices as json`)
	flagSet.CreateGroup("input", "Input",
		flagSet.StringSliceVarP(&opts.CIDRs, "cidr", "c", nil, "networks to scan (comma separated)", goflags.CommaSeparatedStringSliceOptions),
		flagSet.StringVarP(&opts.Networks, "networks", "n", "", "yaml file listing networks to scan"),
		flagSet.BoolVar(&opts.Detect, "autodetect", false, "scan detected local networks"),
	)
	flagSet.CreateGroup("discovery", "Discovery",
		flagSet.StringSliceVarP(&opts.Resolvers, "resolvers", "r", hostname.DefaultOrder, "hostname resolvers in order (system,dig,avahi,dns,mdns)", goflags.CommaSeparatedStringSliceOptions),
		flagSet.StringVar(&opts.DNSServer, "dns-server", "", "server used by the dns resolver"),
		flagSet.DurationVarP(&opts.Timeout, "timeout", "t", time.Second, "per-host probe timeout"),
		flagSet.IntVar(&opts.Concurrency, "concurrency", discovery.DefaultConcurrency, "maximum concurrent probes"),
		flagSet.BoolVar(&opts.ResolveAll, "resolve-all", false, "resolve hostnames of unreachable addresses too"),
	)
	flagSet.CreateGroup("debug", "Debug",
		flagSet.BoolVarP(&opts.Verbose, "verbose", "v", false, "show verbose output"),
	)
	if err := flagSet.Parse(); err != nil {
		gologger.Fatal().Msgf("could not parse flags: %s", err)
	}
	return opts
}

func main() {
	opts := parseOptions()
	if opts.Verbose {
		gologger.DefaultLogger.SetMaxLevel(levels.LevelVerbose)
	}

	runner := command.Exec{}
	targets, err := collectTargets(opts, runner)
	if err != nil {
		gologger.Fatal().Msgf("load networks: %v", err)
	}
	if len(targets) == 0 {
		gologger.Fatal().Msgf("no networks to scan, use -cidr, -networks or -autodetect")
	}

	resolver, err := hostname.New(hostname.Options{
		Order:     opts.Resolvers,
		DNSServer: opts.DNSServer,
		Runner:    runner,
	})
	if err != nil {
		gologger.Fatal().Msgf("hostname resolver: %v", err)
	}
	engine := discovery.New(probe.NewDefault(opts.Timeout), neighbor.NewReader(runner), resolver, discovery.Options{
		Concurrency: opts.Concurrency,
		ResolveAll:  opts.ResolveAll,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	results := make([]models.ScanResult, 0, len(targets))
	for _, target := range targets {
		start := time.Now()
		devices, err := engine.Scan(ctx, target.CIDR)
		if err != nil {
			gologger.Error().Msgf("scan failed cidr=%s err=%v", target.CIDR, err)
			continue
		}
		gologger.Info().Msgf("scanned cidr=%s devices=%d duration=%s", target.CIDR, len(devices), time.Since(start).Truncate(time.Millisecond))
		results = append(results, models.ScanResult{Target: target, Devices: devices})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		gologger.Fatal().Msgf("write output: %v", err)
	}
}

func collectTargets(opts *options, runner command.Runner) ([]models.NetworkTarget, error) {
	var targets []models.NetworkTarget
	for _, cidr := range opts.CIDRs {
		targets = append(targets, models.NetworkTarget{Name: cidr, CIDR: cidr})
	}
	if opts.Networks != "" {
		fromFile, err := config.LoadNetworks(opts.Networks)
		if err != nil {
			return nil, err
		}
		targets = append(targets, fromFile...)
	}
	if len(targets) == 0 && opts.Detect {
		return netdetect.New(runner).Networks()
	}
	return targets, nil
}
