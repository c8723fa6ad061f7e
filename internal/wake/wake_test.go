package wake

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	calls   int32
	delay   time.Duration
	addr    string
	err     error
}

func (f *fakeDriver) Wake(ctx context.Context, tenantID, poolID string) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.addr, f.err
}

func TestGatewayStateDefaultIsIdle(t *testing.T) {
	m := New(&fakeDriver{}, time.Second)
	assert.Equal(t, GatewayState{Status: StateIdle}, m.GatewayState("alice"))
}

func TestMarkRunningThenIdle(t *testing.T) {
	m := New(&fakeDriver{}, time.Second)
	m.MarkRunning("alice", "10.240.1.5:8080")
	assert.Equal(t, GatewayState{Status: StateRunning, Addr: "10.240.1.5:8080"}, m.GatewayState("alice"))

	m.MarkIdle("alice")
	assert.Equal(t, GatewayState{Status: StateIdle}, m.GatewayState("alice"))
}

func TestEnsureRunningFastPath(t *testing.T) {
	driver := &fakeDriver{}
	m := New(driver, time.Second)
	m.MarkRunning("alice", "10.240.1.5:8080")

	addr, err := m.EnsureRunning(context.Background(), "alice", "gateways")
	require.NoError(t, err)
	assert.Equal(t, "10.240.1.5:8080", addr)
	assert.Zero(t, driver.calls) // fast path never touches the driver
}

func TestEnsureRunningInitiatesWake(t *testing.T) {
	driver := &fakeDriver{addr: "10.240.1.6:8080", delay: 20 * time.Millisecond}
	m := New(driver, time.Second)

	addr, err := m.EnsureRunning(context.Background(), "bob", "gateways")
	require.NoError(t, err)
	assert.Equal(t, "10.240.1.6:8080", addr)
	assert.Equal(t, int32(1), driver.calls)
	assert.Equal(t, GatewayState{Status: StateRunning, Addr: addr}, m.GatewayState("bob"))
}

func TestEnsureRunningCoalescesConcurrentCallers(t *testing.T) {
	driver := &fakeDriver{addr: "10.240.1.7:8080", delay: 50 * time.Millisecond}
	m := New(driver, time.Second)

	var wg sync.WaitGroup
	results := make([]string, 8)
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			addr, err := m.EnsureRunning(context.Background(), "carol", "gateways")
			results[i] = addr
			errs[i] = err
		}()
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, "10.240.1.7:8080", results[i])
	}
	assert.Equal(t, int32(1), driver.calls) // coalesced into a single wake
}

func TestEnsureRunningWakeFailureResetsToIdle(t *testing.T) {
	boom := assertableError{"agent unreachable"}
	driver := &fakeDriver{err: boom}
	m := New(driver, time.Second)

	_, err := m.EnsureRunning(context.Background(), "dave", "gateways")
	require.Error(t, err)
	assert.Equal(t, GatewayState{Status: StateIdle}, m.GatewayState("dave"))
}

func TestEnsureRunningTimesOut(t *testing.T) {
	driver := &fakeDriver{delay: 200 * time.Millisecond, addr: "10.240.1.8:8080"}
	m := New(driver, 20*time.Millisecond)

	_, err := m.EnsureRunning(context.Background(), "erin", "gateways")
	require.Error(t, err)
}

type assertableError struct{ msg string }

func (e assertableError) Error() string { return e.msg }
