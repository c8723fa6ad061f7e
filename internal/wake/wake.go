// Package wake coalesces concurrent on-demand gateway wake requests per
// tenant into a single in-flight operation. Grounded directly on
// original_source's mvm-coordinator WakeManager: the same three-state
// GatewayState machine (Running/Waking/Idle) and wait-or-initiate
// coalescing logic, translated from a tokio::sync::watch broadcast
// channel to the idiomatic Go analogue -- closing a channel wakes every
// blocked receiver at once.
package wake

import (
	"context"
	"sync"
	"time"

	"github.com/mvm-project/mvm/internal/domain"
)

// StateKind is the closed set of gateway lifecycle states a coordinator
// tracks for a tenant.
type StateKind string

const (
	StateRunning StateKind = "Running"
	StateWaking  StateKind = "Waking"
	StateIdle    StateKind = "Idle"
)

// GatewayState is a tenant's gateway lifecycle snapshot. Addr is only
// meaningful when Status is StateRunning.
type GatewayState struct {
	Status StateKind
	Addr   string
}

// Driver performs the actual wake sequence: find a wakeable instance for
// the tenant/pool, start or wake it, poll until Running, and return the
// address to proxy to. Implemented by internal/agentrpc's client against
// a live agent; kept as an interface here so this package has no
// transport dependency.
type Driver interface {
	Wake(ctx context.Context, tenantID, poolID string) (addr string, err error)
}

type wakeResult struct {
	addr string
	err  error
}

type tenantGateway struct {
	state  GatewayState
	ch     chan struct{} // closed when the in-flight wake (if any) completes
	result *wakeResult
}

// Manager coalesces concurrent EnsureRunning calls for the same tenant
// into a single Driver.Wake invocation; all callers receive the same
// result.
type Manager struct {
	mu      sync.Mutex
	tenants map[string]*tenantGateway
	driver  Driver
	timeout time.Duration
}

// New builds a Manager. timeout bounds how long EnsureRunning waits for a
// wake (in progress or newly initiated) before returning KindWakeTimeout.
func New(driver Driver, timeout time.Duration) *Manager {
	return &Manager{tenants: make(map[string]*tenantGateway), driver: driver, timeout: timeout}
}

// EnsureRunning returns the tenant's gateway address, waking it first if
// necessary. If a wake is already in progress for this tenant, the caller
// joins that wake instead of starting a second one.
func (m *Manager) EnsureRunning(ctx context.Context, tenantID, poolID string) (string, error) {
	m.mu.Lock()
	g, ok := m.tenants[tenantID]
	if !ok {
		g = &tenantGateway{state: GatewayState{Status: StateIdle}}
		m.tenants[tenantID] = g
	}

	switch g.state.Status {
	case StateRunning:
		addr := g.state.Addr
		m.mu.Unlock()
		return addr, nil
	case StateWaking:
		ch := g.ch
		m.mu.Unlock()
		return m.waitForWake(ctx, g, ch)
	default: // StateIdle
		g.state.Status = StateWaking
		ch := make(chan struct{})
		g.ch = ch
		g.result = nil
		m.mu.Unlock()

		go m.doWake(tenantID, poolID, g, ch)
		return m.waitForWake(ctx, g, ch)
	}
}

// doWake runs the driver's wake sequence and publishes the result by
// setting g.result then closing ch -- the close is the synchronization
// point every waiter blocks on.
func (m *Manager) doWake(tenantID, poolID string, g *tenantGateway, ch chan struct{}) {
	addr, err := m.driver.Wake(context.Background(), tenantID, poolID)

	m.mu.Lock()
	if err != nil {
		g.state = GatewayState{Status: StateIdle}
	} else {
		g.state = GatewayState{Status: StateRunning, Addr: addr}
	}
	g.result = &wakeResult{addr: addr, err: err}
	m.mu.Unlock()
	close(ch)
}

func (m *Manager) waitForWake(ctx context.Context, g *tenantGateway, ch chan struct{}) (string, error) {
	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case <-ch:
		m.mu.Lock()
		res := g.result
		m.mu.Unlock()
		if res == nil {
			return "", domain.NewError(domain.KindInternal, "wake channel closed unexpectedly")
		}
		return res.addr, res.err
	case <-timer.C:
		return "", domain.NewError(domain.KindWakeTimeout, "gateway wake timed out after %s", m.timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// MarkIdle marks a tenant's gateway idle, e.g. immediately after the
// gateway instance is put to sleep.
func (m *Manager) MarkIdle(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.tenants[tenantID]; ok {
		g.state = GatewayState{Status: StateIdle}
	}
}

// MarkRunning records a tenant's gateway as already running at addr,
// e.g. after reconcile observes it start through the normal desired-state
// path rather than an on-demand wake.
func (m *Manager) MarkRunning(tenantID, addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.tenants[tenantID]
	if !ok {
		g = &tenantGateway{}
		m.tenants[tenantID] = g
	}
	g.state = GatewayState{Status: StateRunning, Addr: addr}
}

// GatewayState returns a tenant's current gateway state, StateIdle if
// the tenant has never been observed.
func (m *Manager) GatewayState(tenantID string) GatewayState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.tenants[tenantID]; ok {
		return g.state
	}
	return GatewayState{Status: StateIdle}
}
