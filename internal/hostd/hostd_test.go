package hostd

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mvm-project/mvm/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutePing(t *testing.T) {
	s := &Server{}
	resp := s.execute(context.Background(), Request{Kind: ReqPing})
	assert.Equal(t, RespPong, resp.Kind)
}

func TestExecuteInvalidTenantID(t *testing.T) {
	s := &Server{}
	resp := s.execute(context.Background(), Request{Kind: ReqStartInstance, TenantID: "INVALID!!", PoolID: "workers", InstanceID: "i-abc12345"})
	require.Equal(t, RespError, resp.Kind)
	assert.Contains(t, resp.Message, "id")
}

func TestExecuteInvalidPoolID(t *testing.T) {
	s := &Server{}
	resp := s.execute(context.Background(), Request{Kind: ReqStopInstance, TenantID: "acme", PoolID: "INVALID!!", InstanceID: "i-abc12345"})
	require.Equal(t, RespError, resp.Kind)
}

func TestExecuteSetupNetworkRequiresTenant(t *testing.T) {
	s := &Server{}
	resp := s.execute(context.Background(), Request{Kind: ReqSetupNetwork})
	require.Equal(t, RespError, resp.Kind)
}

func TestExecuteUnknownKind(t *testing.T) {
	s := &Server{}
	resp := s.execute(context.Background(), Request{Kind: RequestKind("Bogus")})
	assert.Equal(t, RespError, resp.Kind)
}

func TestValidateIDsAccepts(t *testing.T) {
	assert.NoError(t, validateIDs("acme", "workers", "i-abc12345"))
}

func TestValidateIDsRejectsBadTenant(t *testing.T) {
	assert.Error(t, validateIDs("INVALID!!", "workers", "i-abc12345"))
}

func TestServeClientPingRoundTrip(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "hostd.sock")
	s := &Server{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx, sockPath) }()

	require.Eventually(t, func() bool {
		return NewClient(sockPath).Ping() == nil
	}, 2*time.Second, 10*time.Millisecond)

	client := NewClient(sockPath)
	require.NoError(t, client.Ping())

	resp, err := client.Call(Request{Kind: ReqStartInstance, TenantID: "INVALID!!"})
	require.NoError(t, err)
	assert.Equal(t, RespError, resp.Kind)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestErrorResponseCarriesMessage(t *testing.T) {
	resp := errorResponse(domain.NewError(domain.KindInvalidID, "bad id %q", "x!"))
	assert.Equal(t, RespError, resp.Kind)
	assert.Contains(t, resp.Message, "bad id")
}
