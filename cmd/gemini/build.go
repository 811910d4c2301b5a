package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zhaozhiyuan0256/GeminiEmulator/internal/config"
	"github.com/zhaozhiyuan0256/GeminiEmulator/internal/controlplane"
	"github.com/zhaozhiyuan0256/GeminiEmulator/internal/ephemeris"
	"github.com/zhaozhiyuan0256/GeminiEmulator/internal/router"
	"github.com/zhaozhiyuan0256/GeminiEmulator/internal/tle"
	"github.com/zhaozhiyuan0256/GeminiEmulator/internal/topology"
)

// emulation is the topology and router built from the static inputs.
type emulation struct {
	graph  *topology.Graph
	router *router.Router
}

// buildEmulation loads the element set, facilities and ISLs and builds the
// graph at the configured reference time.
func buildEmulation(ctx context.Context, cfg config.Config, logger *slog.Logger) (*emulation, error) {
	ds, err := tle.Load(ctx, tle.Source{
		File:     cfg.TLEFile,
		URL:      cfg.TLEURL,
		CacheDir: cfg.TLECacheDir,
		MaxFiles: cfg.TLECacheFiles,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("loading TLE set: %w", err)
	}
	logger.Info("loaded TLE set",
		"source", ds.Source,
		"satellites", len(ds.Satellites),
		"max_epoch_age_hours", int(ds.MaxEpochAge(cfg.ReferenceTime).Hours()),
	)

	provider, err := ephemeris.NewSGP4Provider(ds.Satellites, logger)
	if err != nil {
		return nil, &topology.ConfigurationError{Source: ds.Source, Msg: err.Error()}
	}

	facilities, err := topology.LoadFacilities(cfg.FacilitiesFile)
	if err != nil {
		return nil, err
	}
	links, err := topology.LoadISLs(cfg.ISLsFile)
	if err != nil {
		return nil, err
	}

	satellites := make([]string, len(ds.Satellites))
	for i, e := range ds.Satellites {
		satellites[i] = e.Name
	}

	g, err := topology.New(ctx, satellites, facilities, links, provider, logger,
		topology.WithMinElevation(cfg.MinElevationDeg),
		topology.WithReferenceTime(cfg.ReferenceTime),
		topology.WithWorkers(cfg.VisibilityWorkers),
	)
	if err != nil {
		return nil, err
	}

	r, err := router.New(g.List(), g.Matrix(), router.WithWorkers(cfg.RouterWorkers))
	if err != nil {
		return nil, err
	}

	logger.Info("emulation built",
		"satellites", g.SatelliteCount(),
		"facilities", g.NodeCount()-g.SatelliteCount(),
		"static_links", len(links),
	)
	return &emulation{graph: g, router: r}, nil
}

// buildControlPlane loads the host inventory and returns the cluster that
// drives it, over SSH or in dry-run mode.
func buildControlPlane(cfg config.Config, nodes []topology.Node, logger *slog.Logger) (*controlplane.Cluster, error) {
	var hosts []controlplane.Host
	if cfg.HostsFile != "" {
		var err error
		hosts, err = controlplane.LoadHosts(cfg.HostsFile)
		if err != nil {
			return nil, err
		}
		if err := controlplane.CheckNodes(hosts, nodes); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("no hosts_file configured, nothing will be emulated on hosts")
	}

	var dial controlplane.DialFunc = controlplane.DialSSH
	if cfg.DryRun {
		dial = controlplane.DryRunDialer(logger)
		logger.Info("dry run: host commands are logged, not executed")
	}

	return controlplane.NewCluster(hosts, dial, logger,
		controlplane.WithTimeout(cfg.HostTimeout),
		controlplane.WithConcurrency(cfg.DispatchConcurrency),
	), nil
}
