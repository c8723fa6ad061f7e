// Package hostd is the privileged, host-local executor: a Unix domain
// socket server that runs as the privileged user and accepts a single
// narrow set of operations from the unprivileged agent process over one
// request per connection. Grounded on
// original_source/src/hostd/server.rs (protocol enum, one-request-per-
// connection handling, validate-then-dispatch shape) translated from a
// root-privileged Rust binary to a Go daemon under cmd/hostd, reusing
// internal/framing for the wire codec instead of a bespoke length-prefix
// implementation.
package hostd

import "github.com/mvm-project/mvm/internal/domain"

const DefaultSocketPath = "/run/mvm/hostd.sock"

type RequestKind string

const (
	ReqStartInstance   RequestKind = "StartInstance"
	ReqStopInstance    RequestKind = "StopInstance"
	ReqSleepInstance   RequestKind = "SleepInstance"
	ReqWakeInstance    RequestKind = "WakeInstance"
	ReqDestroyInstance RequestKind = "DestroyInstance"
	ReqSetupNetwork    RequestKind = "SetupNetwork"
	ReqTeardownNetwork RequestKind = "TeardownNetwork"
	ReqPing            RequestKind = "Ping"
)

// Request is the single wire envelope hostd accepts; only the fields
// relevant to Kind are populated.
type Request struct {
	Kind        RequestKind    `json:"kind"`
	TenantID    string         `json:"tenant_id,omitempty"`
	PoolID      string         `json:"pool_id,omitempty"`
	InstanceID  string         `json:"instance_id,omitempty"`
	Force       bool           `json:"force,omitempty"`
	WipeVolumes bool           `json:"wipe_volumes,omitempty"`
	Tenant      *domain.Tenant `json:"tenant,omitempty"` // for SetupNetwork/TeardownNetwork
}

type ResponseKind string

const (
	RespOk    ResponseKind = "Ok"
	RespPong  ResponseKind = "Pong"
	RespError ResponseKind = "Error"
)

type Response struct {
	Kind    ResponseKind `json:"kind"`
	Message string       `json:"message,omitempty"`
}

func errorResponse(err error) Response {
	return Response{Kind: RespError, Message: err.Error()}
}

// validateIDs mirrors original_source's validate_ids: every privileged
// operation checks tenant/pool/instance IDs before touching anything.
func validateIDs(tenantID, poolID, instanceID string) error {
	if err := domain.ValidateID(tenantID); err != nil {
		return err
	}
	if poolID != "" {
		if err := domain.ValidateID(poolID); err != nil {
			return err
		}
	}
	if instanceID != "" {
		if err := domain.ValidateID(instanceID); err != nil {
			return err
		}
	}
	return nil
}
