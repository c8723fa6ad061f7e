package agentrpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"

	"github.com/mvm-project/mvm/internal/domain"
	"github.com/mvm-project/mvm/internal/framing"
	"github.com/mvm-project/mvm/internal/instance"
	"github.com/mvm-project/mvm/internal/reconcile"
	"github.com/mvm-project/mvm/internal/store"
	"github.com/mvm-project/mvm/internal/tracing"
)

// NewServerTLSConfig builds a mutually-authenticated TLS config: the
// server presents certFile/keyFile and requires + verifies every client
// certificate against clientCAFile, pinning that same CA (spec: "client
// presents a node cert signed by a cluster CA; server verifies; both
// sides pin the CA").
func NewServerTLSConfig(certFile, keyFile, clientCAFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, err, "load server keypair")
	}
	caPEM, err := os.ReadFile(clientCAFile)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, err, "read client CA %s", clientCAFile)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, domain.NewError(domain.KindInternal, "no certificates parsed from %s", clientCAFile)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// Handler dispatches one decoded Request against this node's local
// state, returning the Response to frame back to the caller.
type Handler struct {
	NodeID     string
	Store      *store.Store
	Instances  *instance.Manager
	Reconciler *reconcile.Reconciler
}

func (h *Handler) Dispatch(ctx context.Context, req Request) Response {
	ctx, span := tracing.StartSpan(ctx, "agentrpc.Dispatch "+string(req.Kind))
	defer span.End()

	switch req.Kind {
	case ReqNodeInfo:
		return Response{Kind: RespNodeInfo, NodeID: h.NodeID}

	case ReqNodeStats:
		return h.nodeStats(req.TenantID)

	case ReqTenantList:
		tids, err := h.Store.ListTenants()
		if err != nil {
			return ErrorResponse(err)
		}
		return Response{Kind: RespTenantList, Tenants: tids}

	case ReqInstanceList:
		summaries, err := h.instanceList(req.TenantID, req.PoolID)
		if err != nil {
			return ErrorResponse(err)
		}
		return Response{Kind: RespInstanceList, Instances: summaries}

	case ReqReconcile:
		if req.DesiredState == nil {
			return ErrorResponse(domain.NewError(domain.KindInternal, "reconcile request missing desired_state"))
		}
		res, err := h.Reconciler.Run(ctx, *req.DesiredState)
		if err != nil {
			return ErrorResponse(err)
		}
		failed := 0
		for _, a := range res.Actions {
			if a.Err != nil {
				failed++
			}
		}
		return Response{Kind: RespReconcileResult, Reconcile: &ReconcileSummary{
			ActionsDispatched: len(res.Actions), ActionsFailed: failed,
			Deferred: res.Deferred, Pruned: res.Pruned,
		}}

	case ReqWakeInstance:
		err := h.Instances.Wake(ctx, req.TenantID, req.PoolID, req.InstanceID)
		return Response{Kind: RespWakeResult, Success: err == nil}

	case ReqStartInstance:
		if err := h.Instances.Start(ctx, req.TenantID, req.PoolID, req.InstanceID); err != nil {
			return ErrorResponse(err)
		}
		return Response{Kind: RespOk}

	case ReqStopInstance:
		if err := h.Instances.Stop(ctx, req.TenantID, req.PoolID, req.InstanceID); err != nil {
			return ErrorResponse(err)
		}
		return Response{Kind: RespOk}

	case ReqWarmInstance:
		if err := h.Instances.Warm(ctx, req.TenantID, req.PoolID, req.InstanceID); err != nil {
			return ErrorResponse(err)
		}
		return Response{Kind: RespOk}

	case ReqSleepInstance:
		if err := h.Instances.Sleep(ctx, req.TenantID, req.PoolID, req.InstanceID, req.Force); err != nil {
			return ErrorResponse(err)
		}
		return Response{Kind: RespOk}

	case ReqDestroyInstance:
		if err := h.Instances.Destroy(ctx, req.TenantID, req.PoolID, req.InstanceID, req.WipeVolumes); err != nil {
			return ErrorResponse(err)
		}
		return Response{Kind: RespOk}

	default:
		return ErrorResponse(domain.NewError(domain.KindInternal, "unknown request kind %q", req.Kind))
	}
}

func (h *Handler) instanceList(tenantID, poolID string) ([]InstanceSummary, error) {
	var pids []string
	if poolID != "" {
		pids = []string{poolID}
	} else {
		p, err := h.Store.ListPools(tenantID)
		if err != nil {
			return nil, err
		}
		pids = p
	}
	var out []InstanceSummary
	for _, pid := range pids {
		iids, err := h.Store.ListInstances(tenantID, pid)
		if err != nil {
			continue
		}
		for _, iid := range iids {
			inst, err := h.Store.LoadInstance(tenantID, pid, iid)
			if err != nil {
				continue
			}
			out = append(out, InstanceSummary{
				InstanceID: inst.ID, PoolID: pid, TenantID: tenantID,
				Status: inst.Status, GuestIP: inst.GuestIP,
			})
		}
	}
	return out, nil
}

func (h *Handler) nodeStats(tenantID string) Response {
	var instances []*domain.Instance
	if tenantID != "" {
		var err error
		instances, err = h.Store.ListAllInstances(tenantID)
		if err != nil {
			return ErrorResponse(err)
		}
	} else {
		tids, err := h.Store.ListTenants()
		if err != nil {
			return ErrorResponse(err)
		}
		for _, tid := range tids {
			more, err := h.Store.ListAllInstances(tid)
			if err != nil {
				continue
			}
			instances = append(instances, more...)
		}
	}
	stats := &NodeStats{}
	for _, inst := range instances {
		switch inst.Status {
		case domain.StatusRunning:
			stats.RunningInstances++
		case domain.StatusWarm:
			stats.WarmInstances++
		case domain.StatusSleeping:
			stats.SleepingInstances++
		case domain.StatusStopped:
			stats.StoppedInstances++
		}
	}
	return Response{Kind: RespNodeStats, NodeID: h.NodeID, Stats: stats}
}

// Server accepts mTLS connections and serves Agent RPC requests on a
// persistent, streaming connection: each client may issue any number of
// request/response frame pairs before closing.
type Server struct {
	Handler   *Handler
	TLSConfig *tls.Config
}

func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := tls.Listen("tcp", addr, s.TLSConfig)
	if err != nil {
		return domain.WrapError(domain.KindNetworkSetup, err, "listen %s", addr)
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		var req Request
		if err := framing.ReadFrame(conn, &req); err != nil {
			return
		}
		resp := s.Handler.Dispatch(ctx, req)
		if err := framing.WriteFrame(conn, resp); err != nil {
			return
		}
	}
}
