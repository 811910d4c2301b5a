// Package controlplane pushes each tick's topology onto the testbed: netem
// delays and u32 filters with tc on every VM, and forwarding flows with Open
// vSwitch on every physical host.
package controlplane

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zhaozhiyuan0256/GeminiEmulator/internal/metrics"
	"github.com/zhaozhiyuan0256/GeminiEmulator/internal/router"
	"github.com/zhaozhiyuan0256/GeminiEmulator/internal/topology"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultConcurrency = 16
)

// Option configures a Cluster.
type Option func(*Cluster)

// WithTimeout bounds each per-host operation, including the dial.
func WithTimeout(d time.Duration) Option {
	return func(c *Cluster) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithConcurrency bounds how many hosts are updated at once.
func WithConcurrency(n int) Option {
	return func(c *Cluster) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// Cluster is the set of testbed hosts. Prepare, Apply and Cleanup must not
// run concurrently with each other.
type Cluster struct {
	hosts       []*Host
	byName      map[string]*Host
	children    map[string][]*Host // physical host → its VMs, by name
	dial        DialFunc
	timeout     time.Duration
	concurrency int
	logger      *slog.Logger

	mu       sync.Mutex
	sessions map[string]Session
	applied  map[string]string // last script that succeeded, per host
}

// NewCluster creates a cluster over hosts. Sessions are opened lazily with
// dial and reopened after a host becomes unreachable.
func NewCluster(hosts []Host, dial DialFunc, logger *slog.Logger, opts ...Option) *Cluster {
	c := &Cluster{
		byName:      make(map[string]*Host, len(hosts)),
		children:    make(map[string][]*Host),
		dial:        dial,
		timeout:     defaultTimeout,
		concurrency: defaultConcurrency,
		logger:      logger,
		sessions:    make(map[string]Session),
		applied:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}

	for i := range hosts {
		h := hosts[i]
		c.hosts = append(c.hosts, &h)
		c.byName[h.Name] = &h
	}
	slices.SortFunc(c.hosts, func(a, b *Host) int { return strings.Compare(a.Name, b.Name) })
	for _, h := range c.hosts {
		if h.Type.IsVM() && h.Parent != "" {
			c.children[h.Parent] = append(c.children[h.Parent], h)
		}
	}
	return c
}

// Hosts returns the hosts sorted by name.
func (c *Cluster) Hosts() []Host {
	out := make([]Host, len(c.hosts))
	for i, h := range c.hosts {
		out[i] = *h
	}
	return out
}

// job is the command list for one host in one dispatch.
type job struct {
	host     *Host
	commands []string
	script   string
}

// Prepare baselines every host: physical hosts get their flows reset and
// management SSH let through to their VMs; VMs get a fresh HTB root with one
// zero-delay netem queue per link role.
func (c *Cluster) Prepare(ctx context.Context) error {
	c.mu.Lock()
	clear(c.applied)
	c.mu.Unlock()

	jobs := make([]job, 0, len(c.hosts))
	for _, h := range c.hosts {
		var cmds []string
		switch {
		case h.Type == HostPhysical:
			cmds = append(cmds, resetOVS())
			for _, vm := range c.children[h.Name] {
				cmds = append(cmds, allowSSH(h.UplinkPort, vm.IP, vm.OVSPort))
			}
		case h.Type.IsVM():
			cmds = append(cmds, cleanTC(h.NIC))
			cmds = append(cmds, initTC(h.NIC)...)
			for _, q := range vmQueues(h) {
				cmds = append(cmds, addQueue(h.NIC, q, 0)...)
			}
		}
		jobs = append(jobs, job{host: h, commands: cmds})
	}

	err := c.dispatch(ctx, jobs, false)
	c.logger.Info("cluster prepared", "hosts", len(jobs), "failed", countErrors(err))
	return err
}

func vmQueues(h *Host) []int {
	if h.Type == HostSatellite {
		qs := make([]int, 0, len(topology.Roles)+1)
		for _, r := range topology.Roles {
			qs = append(qs, RoleQueue(r))
		}
		return append(qs, QueueGround)
	}
	return []int{QueueSat}
}

// Apply installs one tick's delays and routes. Hosts whose commands are the
// same as the last successful update are skipped. Per-host failures do not
// stop other hosts; they are returned joined.
func (c *Cluster) Apply(ctx context.Context, neighbors topology.NeighborSnapshot, routes router.RouteSnapshot) error {
	jobs := make([]job, 0, len(c.hosts))
	skipped := 0
	for _, h := range c.hosts {
		var cmds []string
		switch {
		case h.Type == HostPhysical:
			cmds = c.planPhysical(h, routes)
		case h.Type.IsVM():
			nb, ok := neighbors[h.Name]
			if !ok {
				c.logger.Warn("no topology node for host", "host", h.Name)
				continue
			}
			cmds = c.planVM(h, nb, routes)
		}

		s := strings.Join(cmds, "\n")
		c.mu.Lock()
		last, ok := c.applied[h.Name]
		c.mu.Unlock()
		if ok && last == s {
			skipped++
			metrics.HostSkipped()
			continue
		}
		jobs = append(jobs, job{host: h, commands: cmds, script: s})
	}

	err := c.dispatch(ctx, jobs, true)
	c.logger.Debug("cluster updated", "hosts", len(jobs), "unchanged", skipped, "failed", countErrors(err))
	return err
}

// planVM sets each queue's delay from the neighbor descriptor and steers
// every routed destination into the queue toward its next hop.
func (c *Cluster) planVM(h *Host, nb topology.Neighbors, routes router.RouteSnapshot) []string {
	var cmds []string
	queueFor := func(string) (int, bool) { return QueueSat, true }

	switch n := nb.(type) {
	case topology.SatelliteNeighbors:
		for _, r := range topology.Roles {
			delay := 0.0
			if l := n.Role(r); l != nil {
				delay = l.DelayMs
			}
			cmds = append(cmds, changeQueue(h.NIC, RoleQueue(r), delay))
		}
		// One ground queue serves every facility; it takes the slowest.
		ground := 0.0
		for _, f := range n.AccessedFacilities {
			ground = max(ground, f.DelayMs)
		}
		cmds = append(cmds, changeQueue(h.NIC, QueueGround, ground))
		queueFor = func(next string) (int, bool) { return satelliteQueue(n, next) }

	case topology.FacilityNeighbors:
		delay := 0.0
		if n.ServingSatellite != nil {
			delay = n.ServingSatellite.DelayMs
		}
		cmds = append(cmds, changeQueue(h.NIC, QueueSat, delay))
	}

	cmds = append(cmds, clearFilters(h.NIC))
	for _, dst := range destinations(routes, h.Name) {
		next, _ := routes.NextHop(h.Name, dst)
		dstHost, ok := c.byName[dst]
		if !ok {
			continue
		}
		q, ok := queueFor(next)
		if !ok {
			c.logger.Debug("next hop has no queue", "host", h.Name, "next_hop", next, "dst", dst)
			continue
		}
		cmds = append(cmds, addFilter(h.NIC, dstHost.IP, q))
	}
	return cmds
}

// satelliteQueue finds the queue toward a next hop. A link declared only by
// the other satellite has no role here and therefore no queue.
func satelliteQueue(n topology.SatelliteNeighbors, next string) (int, bool) {
	for _, r := range topology.Roles {
		if l := n.Role(r); l != nil && l.Name == next {
			return RoleQueue(r), true
		}
	}
	for _, f := range n.AccessedFacilities {
		if f.Name == next {
			return QueueGround, true
		}
	}
	return 0, false
}

// planPhysical forwards traffic leaving each local VM toward its next hop:
// directly to the next hop's port when it lives on this host, otherwise out
// the uplink with the next hop's MAC.
func (c *Cluster) planPhysical(h *Host, routes router.RouteSnapshot) []string {
	var cmds []string
	for _, vm := range c.children[h.Name] {
		cmds = append(cmds, clearFlows(vm.OVSPort))
		for _, dst := range destinations(routes, vm.Name) {
			next, _ := routes.NextHop(vm.Name, dst)
			nextHost, ok := c.byName[next]
			if !ok {
				continue
			}
			dstHost, ok := c.byName[dst]
			if !ok {
				continue
			}
			if nextHost.Parent == h.Name {
				cmds = append(cmds, forwardFlow(vm.OVSPort, vm.IP, dstHost.IP, nextHost.OVSPort, ""))
			} else {
				cmds = append(cmds, forwardFlow(vm.OVSPort, vm.IP, dstHost.IP, h.UplinkPort, nextHost.MAC))
			}
		}
	}
	return cmds
}

// destinations lists the nodes reachable from src, excluding src, sorted.
func destinations(routes router.RouteSnapshot, src string) []string {
	paths := routes.Paths[src]
	dsts := make([]string, 0, len(paths))
	for dst := range paths {
		if dst != src {
			dsts = append(dsts, dst)
		}
	}
	slices.Sort(dsts)
	return dsts
}

// Cleanup baselines every host again and closes all sessions. Failures are
// logged and returned, never retried.
func (c *Cluster) Cleanup(ctx context.Context) error {
	jobs := make([]job, 0, len(c.hosts))
	for _, h := range c.hosts {
		switch {
		case h.Type == HostPhysical:
			jobs = append(jobs, job{host: h, commands: []string{resetOVS()}})
		case h.Type.IsVM():
			jobs = append(jobs, job{host: h, commands: []string{cleanTC(h.NIC)}})
		}
	}
	err := c.dispatch(ctx, jobs, false)
	return errors.Join(err, c.Close())
}

// Close closes every open session.
func (c *Cluster) Close() error {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]Session)
	c.mu.Unlock()

	var errs []error
	for name, s := range sessions {
		if err := s.Close(); err != nil {
			c.logger.Warn("close session failed", "host", name, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// dispatch runs jobs concurrently, bounded by the configured concurrency.
// Every job runs to completion or timeout; failures are collected.
func (c *Cluster) dispatch(ctx context.Context, jobs []job, record bool) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for _, j := range jobs {
		g.Go(func() error {
			if err := c.run(ctx, j, record); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

func (c *Cluster) run(ctx context.Context, j job, record bool) error {
	if len(j.commands) == 0 {
		return nil
	}
	name := j.host.Name
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	sess, err := c.session(ctx, j.host)
	if err == nil {
		var out string
		out, err = sess.Run(ctx, j.commands)
		if err == nil {
			c.logger.Debug("host updated",
				"host", name,
				"commands", len(j.commands),
				"duration_ms", time.Since(start).Milliseconds(),
				"output", out,
			)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		if record {
			c.applied[name] = j.script
		}
		return nil
	}

	delete(c.applied, name)
	var unreachable *HostUnreachableError
	if errors.As(err, &unreachable) {
		metrics.HostError(metrics.HostUnreachable)
		if s, ok := c.sessions[name]; ok {
			if cerr := s.Close(); cerr != nil {
				c.logger.Debug("close unreachable session failed", "host", name, "error", cerr)
			}
			delete(c.sessions, name)
		}
	} else {
		metrics.HostError(metrics.HostCommand)
	}
	c.logger.Warn("host update failed", "host", name, "error", err)
	return err
}

// session returns the open session for h, dialing one if needed.
func (c *Cluster) session(ctx context.Context, h *Host) (Session, error) {
	c.mu.Lock()
	s, ok := c.sessions[h.Name]
	c.mu.Unlock()
	if ok {
		return s, nil
	}

	s, err := c.dial(ctx, *h)
	if err != nil {
		var unreachable *HostUnreachableError
		if !errors.As(err, &unreachable) {
			err = &HostUnreachableError{Host: h.Name, Err: err}
		}
		return nil, err
	}

	c.mu.Lock()
	c.sessions[h.Name] = s
	c.mu.Unlock()
	return s, nil
}

func countErrors(err error) int {
	if err == nil {
		return 0
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return len(j.Unwrap())
	}
	return 1
}
