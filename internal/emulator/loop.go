// Package emulator drives the control loop: each tick refreshes the topology
// at the current time, recomputes routes and pushes both to the control
// plane, then sleeps out the rest of the update interval.
package emulator

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zhaozhiyuan0256/GeminiEmulator/internal/metrics"
	"github.com/zhaozhiyuan0256/GeminiEmulator/internal/router"
	"github.com/zhaozhiyuan0256/GeminiEmulator/internal/topology"
)

// DefaultInterval is the update interval when none is configured.
const DefaultInterval = 100 * time.Second

const defaultCleanupTimeout = 30 * time.Second

// ControlPlane receives every tick's result.
type ControlPlane interface {
	// Prepare baselines the testbed before the first tick.
	Prepare(ctx context.Context) error
	// Apply installs one tick's delays and routes.
	Apply(ctx context.Context, neighbors topology.NeighborSnapshot, routes router.RouteSnapshot) error
	// Cleanup baselines the testbed again and releases sessions.
	Cleanup(ctx context.Context) error
}

// OverrunWarning reports a tick that took at least the update interval.
// The next tick starts immediately; nothing is skipped or compensated.
type OverrunWarning struct {
	Tick     int64
	Elapsed  time.Duration
	Interval time.Duration
}

func (w *OverrunWarning) Error() string {
	return fmt.Sprintf("tick %d took %s, update interval is %s: running behind schedule", w.Tick, w.Elapsed, w.Interval)
}

// Result is one tick's output. It is never modified after publication.
type Result struct {
	Tick      int64
	Time      time.Time
	Neighbors topology.NeighborSnapshot
	Routes    router.RouteSnapshot
	Report    topology.RefreshReport
	Duration  time.Duration
}

// Option configures a Loop.
type Option func(*Loop)

// WithInterval sets the update interval.
func WithInterval(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.interval = d
		}
	}
}

// WithClock sets the source of topology time.
func WithClock(c Clock) Option {
	return func(l *Loop) { l.clock = c }
}

// WithCleanupTimeout bounds the shutdown cleanup pass.
func WithCleanupTimeout(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.cleanupTimeout = d
		}
	}
}

// Loop owns the graph and router for the run. Only Run mutates them.
type Loop struct {
	graph          *topology.Graph
	router         *router.Router
	plane          ControlPlane
	interval       time.Duration
	clock          Clock
	cleanupTimeout time.Duration
	logger         *slog.Logger

	ticks  int64
	latest atomic.Pointer[Result]
}

// New creates a loop. The router must have been built over the graph's node
// set.
func New(graph *topology.Graph, r *router.Router, plane ControlPlane, logger *slog.Logger, opts ...Option) *Loop {
	l := &Loop{
		graph:          graph,
		router:         r,
		plane:          plane,
		interval:       DefaultInterval,
		clock:          WallClock,
		cleanupTimeout: defaultCleanupTimeout,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Latest returns the most recent tick's result, nil before the first tick.
func (l *Loop) Latest() *Result { return l.latest.Load() }

// Ready reports whether at least one tick has completed.
func (l *Loop) Ready() bool { return l.latest.Load() != nil }

// Run prepares the control plane and ticks until ctx is cancelled, then runs
// the cleanup pass. It returns an error only for failures that make the run
// invalid; per-host and per-tick conditions are logged and counted.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("control loop starting", "interval", l.interval)
	if err := l.plane.Prepare(ctx); err != nil {
		l.logger.Warn("control plane prepare incomplete", "error", err)
	}

	err := l.loop(ctx)

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cleanupTimeout)
	defer cancel()
	l.logger.Info("control loop stopping, cleaning up", "ticks", l.ticks)
	if cerr := l.plane.Cleanup(cleanupCtx); cerr != nil {
		l.logger.Warn("cleanup incomplete", "error", cerr)
	}
	return err
}

func (l *Loop) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		start := time.Now()
		if _, err := l.Tick(ctx, l.clock()); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		elapsed := time.Since(start)
		if elapsed >= l.interval {
			w := &OverrunWarning{Tick: l.ticks, Elapsed: elapsed, Interval: l.interval}
			metrics.TickOverrun()
			l.logger.Warn("tick overrun", "tick", w.Tick, "elapsed_ms", elapsed.Milliseconds(), "error", w)
			continue
		}
		if !sleep(ctx, l.interval-elapsed) {
			return nil
		}
	}
}

// sleep waits for d or until ctx is done. It reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Tick runs one refresh → recompute → apply pass at t and publishes the
// result. Control plane failures are logged, not returned.
func (l *Loop) Tick(ctx context.Context, t time.Time) (*Result, error) {
	start := time.Now()

	report, err := l.graph.Refresh(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("refresh topology: %w", err)
	}
	metrics.ObserveStage(metrics.StageRefresh, report.Elapsed)
	metrics.VisibilityGaps(len(report.Gaps))
	metrics.EphemerisFailures(report.Failures)

	routeStart := time.Now()
	list := l.graph.List()
	if err := l.router.ReplaceGraph(list, l.graph.Matrix()); err != nil {
		return nil, fmt.Errorf("replace router graph: %w", err)
	}
	l.router.Recompute()
	routes, err := l.router.Snapshot(l.graph.Names())
	if err != nil {
		return nil, fmt.Errorf("route snapshot: %w", err)
	}
	metrics.ObserveStage(metrics.StageRoute, time.Since(routeStart))

	neighbors := l.graph.NeighborSnapshot()
	l.ticks++
	res := &Result{
		Tick:      l.ticks,
		Time:      t,
		Neighbors: neighbors,
		Routes:    routes,
		Report:    report,
	}
	l.recordTopology(list, routes)

	dispatchStart := time.Now()
	if err := l.plane.Apply(ctx, neighbors, routes); err != nil {
		l.logger.Warn("control plane update incomplete", "tick", l.ticks, "error", err)
	}
	metrics.ObserveStage(metrics.StageDispatch, time.Since(dispatchStart))

	res.Duration = time.Since(start)
	l.latest.Store(res)
	metrics.ObserveStage(metrics.StageTotal, res.Duration)
	metrics.TickCompleted()

	l.logger.Info("tick complete",
		"tick", res.Tick,
		"time", t,
		"duration_ms", res.Duration.Milliseconds(),
		"visibility_gaps", len(report.Gaps),
	)
	return res, nil
}

func (l *Loop) recordTopology(list [][]int, routes router.RouteSnapshot) {
	n := l.graph.NodeCount()
	degree := 0
	for _, row := range list {
		degree += len(row)
	}
	reachable := 0
	for _, dsts := range routes.Paths {
		reachable += len(dsts)
	}
	sats := l.graph.SatelliteCount()
	metrics.SetTopology(sats, n-sats, degree/2, n*n-reachable)
}
