package main

import (
	"context"
	"crypto/tls"
	"sync"

	"github.com/mvm-project/mvm/internal/agentrpc"
	"github.com/mvm-project/mvm/internal/domain"
)

// routerDriver implements wake.Driver across a fleet of nodes: it looks
// up which node owns a tenant/pool from the routing table, then lazily
// dials (and caches) an agentrpc.RPCDriver for that node's RPC address.
// A single coordinator process fronts every node's gateway set, so
// unlike internal/wake.LocalDriver -- which answers for one node -- this
// type fans wake requests out across all of them.
type routerDriver struct {
	routes    domain.RoutingTable
	tlsConfig *tls.Config

	mu      sync.Mutex
	drivers map[string]*agentrpc.RPCDriver
}

func newRouterDriver(routes domain.RoutingTable, tlsConfig *tls.Config) *routerDriver {
	return &routerDriver{routes: routes, tlsConfig: tlsConfig, drivers: make(map[string]*agentrpc.RPCDriver)}
}

func (d *routerDriver) Wake(ctx context.Context, tenantID, poolID string) (string, error) {
	nodeAddr, err := d.nodeFor(tenantID, poolID)
	if err != nil {
		return "", err
	}
	driver, err := d.driverFor(ctx, nodeAddr)
	if err != nil {
		return "", err
	}
	return driver.Wake(ctx, tenantID, poolID)
}

func (d *routerDriver) nodeFor(tenantID, poolID string) (string, error) {
	for _, r := range d.routes.Routes {
		if r.TenantID == tenantID && r.PoolID == poolID {
			return r.NodeAddr, nil
		}
	}
	return "", domain.NewError(domain.KindInvalidID, "no route for tenant %s pool %s", tenantID, poolID)
}

func (d *routerDriver) driverFor(ctx context.Context, nodeAddr string) (*agentrpc.RPCDriver, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if driver, ok := d.drivers[nodeAddr]; ok {
		return driver, nil
	}
	client, err := agentrpc.Dial(ctx, nodeAddr, d.tlsConfig)
	if err != nil {
		return nil, err
	}
	driver := agentrpc.NewRPCDriver(client, 8080)
	d.drivers[nodeAddr] = driver
	return driver, nil
}
