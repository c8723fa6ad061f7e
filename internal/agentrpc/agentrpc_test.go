package agentrpc

import (
	"context"
	"testing"

	"github.com/mvm-project/mvm/internal/domain"
	"github.com/mvm-project/mvm/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorResponseMapsDomainErrorKind(t *testing.T) {
	err := domain.NewError(domain.KindQuotaExceeded, "tenant over quota")
	resp := ErrorResponse(err)
	assert.Equal(t, RespError, resp.Kind)
	assert.Equal(t, string(domain.KindQuotaExceeded), resp.Code)
	assert.Equal(t, "tenant over quota", resp.Message)
}

func TestErrorResponseWrapsPlainError(t *testing.T) {
	resp := ErrorResponse(assertErr{"boom"})
	assert.Equal(t, RespError, resp.Kind)
	assert.Equal(t, string(domain.KindInternal), resp.Code)
	assert.Equal(t, "boom", resp.Message)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }

func TestHandlerDispatchNodeInfo(t *testing.T) {
	h := &Handler{NodeID: "node-a"}
	resp := h.Dispatch(context.Background(), Request{Kind: ReqNodeInfo})
	assert.Equal(t, RespNodeInfo, resp.Kind)
	assert.Equal(t, "node-a", resp.NodeID)
}

func TestHandlerDispatchTenantList(t *testing.T) {
	st := store.New(t.TempDir())
	require.NoError(t, st.SaveTenant(&domain.Tenant{ID: "acme"}))
	h := &Handler{NodeID: "node-a", Store: st}

	resp := h.Dispatch(context.Background(), Request{Kind: ReqTenantList})
	require.Equal(t, RespTenantList, resp.Kind)
	assert.Equal(t, []string{"acme"}, resp.Tenants)
}

func TestHandlerDispatchInstanceListAggregatesAcrossPools(t *testing.T) {
	st := store.New(t.TempDir())
	require.NoError(t, st.SavePool(&domain.Pool{TenantID: "acme", ID: "workers"}))
	require.NoError(t, st.SaveInstance(&domain.Instance{TenantID: "acme", PoolID: "workers", ID: "i-1", Status: domain.StatusRunning, GuestIP: "10.0.0.2"}))
	h := &Handler{NodeID: "node-a", Store: st}

	resp := h.Dispatch(context.Background(), Request{Kind: ReqInstanceList, TenantID: "acme"})
	require.Equal(t, RespInstanceList, resp.Kind)
	require.Len(t, resp.Instances, 1)
	assert.Equal(t, "i-1", resp.Instances[0].InstanceID)
	assert.Equal(t, domain.StatusRunning, resp.Instances[0].Status)
}

func TestHandlerDispatchNodeStats(t *testing.T) {
	st := store.New(t.TempDir())
	require.NoError(t, st.SavePool(&domain.Pool{TenantID: "acme", ID: "workers"}))
	require.NoError(t, st.SaveInstance(&domain.Instance{TenantID: "acme", PoolID: "workers", ID: "i-1", Status: domain.StatusRunning}))
	require.NoError(t, st.SaveInstance(&domain.Instance{TenantID: "acme", PoolID: "workers", ID: "i-2", Status: domain.StatusWarm}))
	h := &Handler{NodeID: "node-a", Store: st}

	resp := h.Dispatch(context.Background(), Request{Kind: ReqNodeStats, TenantID: "acme"})
	require.Equal(t, RespNodeStats, resp.Kind)
	require.NotNil(t, resp.Stats)
	assert.Equal(t, 1, resp.Stats.RunningInstances)
	assert.Equal(t, 1, resp.Stats.WarmInstances)
}

func TestHandlerDispatchUnknownKind(t *testing.T) {
	h := &Handler{NodeID: "node-a"}
	resp := h.Dispatch(context.Background(), Request{Kind: RequestKind("Bogus")})
	assert.Equal(t, RespError, resp.Kind)
	assert.Equal(t, string(domain.KindInternal), resp.Code)
}
