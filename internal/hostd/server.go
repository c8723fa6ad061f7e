package hostd

import (
	"context"
	"net"
	"os"
	"path/filepath"

	"github.com/mvm-project/mvm/internal/domain"
	"github.com/mvm-project/mvm/internal/framing"
	"github.com/mvm-project/mvm/internal/instance"
	"github.com/mvm-project/mvm/internal/netfabric"
)

// Server is the privileged executor: every request is dispatched
// against instance.Manager/netfabric.Fabric, which themselves shell out
// to firecracker/jailer/ip as root.
type Server struct {
	Instances *instance.Manager
	Fabric    *netfabric.Fabric
}

// Serve binds a Unix domain socket at path (removing any stale socket
// first), sets it group-readable/writable (0660) per spec, and accepts
// connections until ctx is cancelled. Each connection is one request,
// one response.
func (s *Server) Serve(ctx context.Context, path string) error {
	_ = os.Remove(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return domain.WrapError(domain.KindInternal, err, "mkdir %s", filepath.Dir(path))
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return domain.WrapError(domain.KindInternal, err, "bind hostd socket %s", path)
	}
	if err := os.Chmod(path, 0o660); err != nil {
		_ = ln.Close()
		return domain.WrapError(domain.KindInternal, err, "chmod hostd socket %s", path)
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

// handleConn reads exactly one request frame, dispatches it, writes
// exactly one response frame, then closes -- mirroring the original's
// one-request-per-connection contract.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var req Request
	if err := framing.ReadFrame(conn, &req); err != nil {
		return
	}
	resp := s.execute(ctx, req)
	_ = framing.WriteFrame(conn, resp)
}

func (s *Server) execute(ctx context.Context, req Request) Response {
	switch req.Kind {
	case ReqStartInstance:
		if err := validateIDs(req.TenantID, req.PoolID, req.InstanceID); err != nil {
			return errorResponse(err)
		}
		if err := s.Instances.Start(ctx, req.TenantID, req.PoolID, req.InstanceID); err != nil {
			return errorResponse(err)
		}
		return Response{Kind: RespOk}

	case ReqStopInstance:
		if err := validateIDs(req.TenantID, req.PoolID, req.InstanceID); err != nil {
			return errorResponse(err)
		}
		if err := s.Instances.Stop(ctx, req.TenantID, req.PoolID, req.InstanceID); err != nil {
			return errorResponse(err)
		}
		return Response{Kind: RespOk}

	case ReqSleepInstance:
		if err := validateIDs(req.TenantID, req.PoolID, req.InstanceID); err != nil {
			return errorResponse(err)
		}
		if err := s.Instances.Sleep(ctx, req.TenantID, req.PoolID, req.InstanceID, req.Force); err != nil {
			return errorResponse(err)
		}
		return Response{Kind: RespOk}

	case ReqWakeInstance:
		if err := validateIDs(req.TenantID, req.PoolID, req.InstanceID); err != nil {
			return errorResponse(err)
		}
		if err := s.Instances.Wake(ctx, req.TenantID, req.PoolID, req.InstanceID); err != nil {
			return errorResponse(err)
		}
		return Response{Kind: RespOk}

	case ReqDestroyInstance:
		if err := validateIDs(req.TenantID, req.PoolID, req.InstanceID); err != nil {
			return errorResponse(err)
		}
		if err := s.Instances.Destroy(ctx, req.TenantID, req.PoolID, req.InstanceID, req.WipeVolumes); err != nil {
			return errorResponse(err)
		}
		return Response{Kind: RespOk}

	case ReqSetupNetwork:
		if req.Tenant == nil {
			return errorResponse(domain.NewError(domain.KindInvalidID, "SetupNetwork missing tenant"))
		}
		if err := domain.ValidateID(req.Tenant.ID); err != nil {
			return errorResponse(err)
		}
		if err := s.Fabric.EnsureTenantBridge(ctx, req.Tenant); err != nil {
			return errorResponse(err)
		}
		return Response{Kind: RespOk}

	case ReqTeardownNetwork:
		if err := domain.ValidateID(req.TenantID); err != nil {
			return errorResponse(err)
		}
		bridge := req.TenantID
		if req.Tenant != nil {
			bridge = req.Tenant.BridgeName
		}
		if err := s.Fabric.DestroyTenantBridge(ctx, bridge); err != nil {
			return errorResponse(err)
		}
		return Response{Kind: RespOk}

	case ReqPing:
		return Response{Kind: RespPong}

	default:
		return errorResponse(domain.NewError(domain.KindInternal, "unknown hostd request kind %q", req.Kind))
	}
}
