package main

import (
	"context"
	"testing"

	"github.com/mvm-project/mvm/internal/agentrpc"
	"github.com/mvm-project/mvm/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRoutes() domain.RoutingTable {
	return domain.RoutingTable{Routes: []domain.Route{
		{ListenAddr: ":9001", TenantID: "acme", PoolID: "workers", NodeAddr: "node-a:7443"},
		{ListenAddr: ":9002", TenantID: "acme", PoolID: "builders", NodeAddr: "node-b:7443"},
		{ListenAddr: ":9003", TenantID: "globex", PoolID: "workers", NodeAddr: "node-b:7443"},
	}}
}

func TestRouterDriverNodeForResolvesTenantAndPool(t *testing.T) {
	d := newRouterDriver(testRoutes(), nil)

	addr, err := d.nodeFor("acme", "workers")
	require.NoError(t, err)
	assert.Equal(t, "node-a:7443", addr)

	addr, err = d.nodeFor("globex", "workers")
	require.NoError(t, err)
	assert.Equal(t, "node-b:7443", addr)
}

func TestRouterDriverNodeForRejectsUnknownRoute(t *testing.T) {
	d := newRouterDriver(testRoutes(), nil)

	_, err := d.nodeFor("acme", "gpu-pool")
	assert.Error(t, err)
}

func TestRouterDriverCachesDriverPerNodeAddr(t *testing.T) {
	d := newRouterDriver(testRoutes(), nil)
	assert.Empty(t, d.drivers)

	cached := &agentrpc.RPCDriver{}
	d.drivers["node-a:7443"] = cached
	got, err := d.driverFor(context.Background(), "node-a:7443")
	require.NoError(t, err)
	assert.Same(t, cached, got)
}
