package agentrpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mvm-project/mvm/internal/domain"
	"github.com/mvm-project/mvm/internal/framing"
)

// NewClientTLSConfig mirrors NewServerTLSConfig from the client's side:
// the client presents its own node cert and verifies the server's cert
// against the same cluster CA.
func NewClientTLSConfig(certFile, keyFile, serverCAFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, err, "load client keypair")
	}
	caPEM, err := os.ReadFile(serverCAFile)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, err, "read server CA %s", serverCAFile)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, domain.NewError(domain.KindInternal, "no certificates parsed from %s", serverCAFile)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// Client is a single persistent connection to one agent's RPC listener.
// Calls are serialized: the wire protocol is one request per response,
// in order, on a shared stream, so concurrent callers queue behind a
// mutex rather than opening a connection each.
type Client struct {
	mu   sync.Mutex
	conn *tls.Conn
}

func Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (*Client, error) {
	d := tls.Dialer{Config: tlsConfig}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, domain.WrapError(domain.KindNetworkSetup, err, "dial agent %s", addr)
	}
	return &Client{conn: conn.(*tls.Conn)}, nil
}

func (c *Client) Call(req Request) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := framing.WriteFrame(c.conn, req); err != nil {
		return Response{}, domain.WrapError(domain.KindNetworkSetup, err, "write request frame")
	}
	var resp Response
	if err := framing.ReadFrame(c.conn, &resp); err != nil {
		return Response{}, domain.WrapError(domain.KindNetworkSetup, err, "read response frame")
	}
	return resp, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

// RPCDriver implements wake.Driver by issuing a StartInstance (Warm or
// Stopped target) or WakeInstance (Sleeping target) call to a remote
// agent node and polling InstanceList until the target instance
// reports Running, translating original_source's do_wake polling loop
// to a cross-node call instead of an in-process one.
type RPCDriver struct {
	Client       *Client
	ServicePort  int
	PollInterval time.Duration
}

func NewRPCDriver(client *Client, servicePort int) *RPCDriver {
	return &RPCDriver{Client: client, ServicePort: servicePort, PollInterval: 200 * time.Millisecond}
}

func (d *RPCDriver) Wake(ctx context.Context, tenantID, poolID string) (string, error) {
	target, err := d.selectWakeable(tenantID, poolID)
	if err != nil {
		return "", err
	}

	var kind RequestKind
	switch target.Status {
	case domain.StatusWarm, domain.StatusStopped:
		kind = ReqStartInstance
	case domain.StatusSleeping:
		kind = ReqWakeInstance
	default:
		return "", domain.NewError(domain.KindWakeRefused, "instance %s in unwakeable status %s", target.InstanceID, target.Status)
	}
	resp, err := d.Client.Call(Request{Kind: kind, TenantID: tenantID, PoolID: poolID, InstanceID: target.InstanceID})
	if err != nil {
		return "", err
	}
	if resp.Kind == RespError {
		return "", domain.NewError(domain.Kind(resp.Code), resp.Message)
	}

	interval := d.PollInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		resp, err := d.Client.Call(Request{Kind: ReqInstanceList, TenantID: tenantID, PoolID: poolID})
		if err == nil && resp.Kind == RespInstanceList {
			for _, inst := range resp.Instances {
				if inst.InstanceID == target.InstanceID && inst.Status == domain.StatusRunning {
					return fmt.Sprintf("%s:%d", inst.GuestIP, d.ServicePort), nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// selectWakeable mirrors LocalDriver.selectWakeable over RPC: first Warm
// or Sleeping instance, else the first Stopped one.
func (d *RPCDriver) selectWakeable(tenantID, poolID string) (*InstanceSummary, error) {
	resp, err := d.Client.Call(Request{Kind: ReqInstanceList, TenantID: tenantID, PoolID: poolID})
	if err != nil {
		return nil, err
	}
	if resp.Kind == RespError {
		return nil, domain.NewError(domain.Kind(resp.Code), resp.Message)
	}
	var stopped *InstanceSummary
	for i := range resp.Instances {
		inst := &resp.Instances[i]
		switch inst.Status {
		case domain.StatusWarm, domain.StatusSleeping:
			return inst, nil
		case domain.StatusStopped:
			if stopped == nil {
				stopped = inst
			}
		}
	}
	if stopped != nil {
		return stopped, nil
	}
	return nil, domain.NewError(domain.KindWakeRefused, "no wakeable instance for tenant %s pool %s", tenantID, poolID)
}
