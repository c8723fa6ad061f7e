// Package coordproxy is the coordinator's L4 connection-triggered
// wake path: a route table, one TCP listener per route, bidirectional
// byte copying to the woken gateway, an idle tracker, a health-check
// loop, and an idle-sweep loop. Grounded on the teacher's own
// internal/cluster/proxy.go for connection-dispatch shape (there an
// HTTP/gRPC forward, here a raw TCP copy since the spec's gateway
// protocol is opaque to the coordinator) and
// original_source/crates/mvm-coordinator/src/routing.rs for the route
// table model.
package coordproxy

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/mvm-project/mvm/internal/audit"
	"github.com/mvm-project/mvm/internal/domain"
	"github.com/mvm-project/mvm/internal/metrics"
	"github.com/mvm-project/mvm/internal/wake"
)

// Config bundles the timing knobs a coordinator.yaml supplies.
type Config struct {
	GlobalIdleTimeout time.Duration
	HealthInterval    time.Duration
	ReadinessDeadline time.Duration
}

// Proxy is the coordinator's per-node connection dispatcher.
type Proxy struct {
	routes  map[string]domain.Route // listen_addr -> route
	wake    *wake.Manager
	tracker *IdleTracker
	metrics *metrics.Metrics
	audit   *audit.Logger
	cfg     Config

	mu        sync.Mutex
	listeners []net.Listener

	// Cache is optional: when set, gateway state transitions are
	// published to a shared Redis key so a peer coordinator restart
	// doesn't force every tenant back through a cold wake.
	Cache *SharedStateCache
}

func New(rt domain.RoutingTable, wakeMgr *wake.Manager, m *metrics.Metrics, auditLogger *audit.Logger, cfg Config) *Proxy {
	routes := make(map[string]domain.Route, len(rt.Routes))
	for _, r := range rt.Routes {
		routes[r.ListenAddr] = r
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	if cfg.GlobalIdleTimeout <= 0 {
		cfg.GlobalIdleTimeout = 5 * time.Minute
	}
	return &Proxy{routes: routes, wake: wakeMgr, tracker: NewIdleTracker(), metrics: m, audit: auditLogger, cfg: cfg}
}

// Serve starts one listener per route plus the health-check and
// idle-sweep loops, and blocks until ctx is cancelled.
func (p *Proxy) Serve(ctx context.Context) error {
	for addr, route := range p.routes {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return domain.WrapError(domain.KindNetworkSetup, err, "listen %s", addr)
		}
		p.mu.Lock()
		p.listeners = append(p.listeners, ln)
		p.mu.Unlock()
		go p.acceptLoop(ctx, ln, route)
	}

	go p.healthCheckLoop(ctx)
	go p.idleSweepLoop(ctx)

	<-ctx.Done()
	p.mu.Lock()
	for _, ln := range p.listeners {
		_ = ln.Close()
	}
	p.mu.Unlock()
	return ctx.Err()
}

func (p *Proxy) acceptLoop(ctx context.Context, ln net.Listener, route domain.Route) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		go p.handleConn(ctx, conn, route)
	}
}

// handleConn implements the dispatcher's five numbered steps: track the
// connection, wake the gateway, dial it, copy bytes both ways, untrack.
func (p *Proxy) handleConn(ctx context.Context, conn net.Conn, route domain.Route) {
	defer conn.Close()

	p.tracker.ConnectionOpened(route.TenantID)
	defer p.tracker.ConnectionClosed(route.TenantID)

	if p.Cache != nil && p.wake.GatewayState(route.TenantID).Status == wake.StateIdle {
		if cached, err := p.Cache.Lookup(ctx, route.TenantID); err == nil && cached != "" {
			p.wake.MarkRunning(route.TenantID, cached)
		}
	}

	addr, err := p.wake.EnsureRunning(ctx, route.TenantID, route.PoolID)
	if err != nil {
		if p.metrics != nil {
			p.metrics.ConnectionsRejected.Inc()
		}
		return
	}
	if p.metrics != nil {
		p.metrics.ConnectionsAccepted.Inc()
	}
	if p.Cache != nil {
		_ = p.Cache.PublishRunning(ctx, route.TenantID, addr)
	}

	upstream, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return
	}
	defer upstream.Close()

	copyBidirectional(conn, upstream)
}

// copyBidirectional proxies bytes both ways until either side closes,
// half-closing the write side it's drained so the still-active
// direction can finish naturally.
func copyBidirectional(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(a, b)
		if tc, ok := a.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	}()
	go func() {
		defer wg.Done()
		io.Copy(b, a)
		if tc, ok := b.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	}()
	wg.Wait()
}

// healthCheckLoop probes every Running route's gateway address every
// HealthInterval; a failed connect flips that tenant's wake state back
// to Idle so the next connection triggers a fresh wake.
func (p *Proxy) healthCheckLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, route := range p.routes {
				state := p.wake.GatewayState(route.TenantID)
				if state.Status != wake.StateRunning {
					continue
				}
				conn, err := net.DialTimeout("tcp", state.Addr, 5*time.Second)
				if err != nil {
					p.wake.MarkIdle(route.TenantID)
					if p.Cache != nil {
						_ = p.Cache.PublishIdle(ctx, route.TenantID)
					}
					continue
				}
				conn.Close()
			}
		}
	}
}

// idleSweepLoop runs every min(GlobalIdleTimeout, 30s); any tenant whose
// idle tracker shows zero active connections for at least its effective
// idle timeout, and whose wake state is Running, is marked Idle. The
// agent's own sleep policy then handles the physical Warm->Sleep
// transition.
func (p *Proxy) idleSweepLoop(ctx context.Context) {
	interval := p.cfg.GlobalIdleTimeout
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, route := range p.routes {
				timeout := p.cfg.GlobalIdleTimeout
				if route.IdleTimeoutSeconds > 0 {
					timeout = time.Duration(route.IdleTimeoutSeconds) * time.Second
				}
				if !p.tracker.IsIdle(route.TenantID, timeout) {
					continue
				}
				if p.wake.GatewayState(route.TenantID).Status != wake.StateRunning {
					continue
				}
				p.wake.MarkIdle(route.TenantID)
				if p.Cache != nil {
					_ = p.Cache.PublishIdle(ctx, route.TenantID)
				}
				if p.audit != nil {
					_ = p.audit.Emit(audit.EventTenantIdle, route.TenantID, route.PoolID, "", nil)
				}
			}
		}
	}
}

// WaitReady polls addr at 200ms intervals until a TCP connect succeeds
// or deadline elapses. Used after a wake whose completion doesn't yet
// imply application readiness.
func WaitReady(ctx context.Context, addr string, deadline time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			conn.Close()
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
