// Package agentrpc is the coordinator<->agent RPC surface: request and
// response variants, mTLS transport, and length-prefixed JSON framing.
// Grounded on spec's own wire description; framing reuses
// internal/framing (itself grounded on the teacher's vsock protocol),
// and request/response dispatch follows the teacher's closed-union RPC
// style (api/proto/novapb in protobuf form there; a tagged JSON union
// here since the spec calls for 4-byte length-prefixed JSON, not gRPC).
package agentrpc

import (
	"errors"

	"github.com/mvm-project/mvm/internal/domain"
)

// RequestKind is the closed set of Agent RPC request variants.
type RequestKind string

const (
	ReqNodeInfo        RequestKind = "NodeInfo"
	ReqNodeStats       RequestKind = "NodeStats"
	ReqTenantList      RequestKind = "TenantList"
	ReqInstanceList    RequestKind = "InstanceList"
	ReqReconcile       RequestKind = "Reconcile"
	ReqWakeInstance    RequestKind = "WakeInstance"
	ReqStartInstance   RequestKind = "StartInstance"
	ReqStopInstance    RequestKind = "StopInstance"
	ReqWarmInstance    RequestKind = "WarmInstance"
	ReqSleepInstance   RequestKind = "SleepInstance"
	ReqDestroyInstance RequestKind = "DestroyInstance"
)

// Request is the single wire-format request envelope; only the fields
// relevant to Kind are populated.
type Request struct {
	Kind         RequestKind          `json:"kind"`
	TenantID     string               `json:"tenant_id,omitempty"`
	PoolID       string               `json:"pool_id,omitempty"`
	InstanceID   string               `json:"instance_id,omitempty"`
	Force        bool                 `json:"force,omitempty"`
	WipeVolumes  bool                 `json:"wipe_volumes,omitempty"`
	DesiredState *domain.DesiredState `json:"desired_state,omitempty"`
	Signature    string               `json:"signature,omitempty"`
}

// ResponseKind is the closed set of Agent RPC response variants.
type ResponseKind string

const (
	RespOk              ResponseKind = "Ok"
	RespError           ResponseKind = "Error"
	RespNodeInfo        ResponseKind = "NodeInfo"
	RespNodeStats       ResponseKind = "NodeStats"
	RespTenantList      ResponseKind = "TenantList"
	RespInstanceList    ResponseKind = "InstanceList"
	RespWakeResult      ResponseKind = "WakeResult"
	RespReconcileResult ResponseKind = "ReconcileResult"
)

// InstanceSummary is the subset of instance state exposed over RPC --
// enough for the wake driver's instance-selection policy and for the
// coordinator's dashboards, without leaking host-local paths.
type InstanceSummary struct {
	InstanceID string                `json:"instance_id"`
	PoolID     string                `json:"pool_id"`
	TenantID   string                `json:"tenant_id"`
	Status     domain.InstanceStatus `json:"status"`
	GuestIP    string                `json:"guest_ip"`
}

// NodeStats is the summary count a NodeStats request returns.
type NodeStats struct {
	RunningInstances  int `json:"running_instances"`
	WarmInstances     int `json:"warm_instances"`
	SleepingInstances int `json:"sleeping_instances"`
	StoppedInstances  int `json:"stopped_instances"`
}

// ReconcileSummary is what a Reconcile request returns instead of the
// full internal reconcile.Result (which carries function closures-free
// data only, but we keep the wire shape independent of that package).
type ReconcileSummary struct {
	ActionsDispatched int      `json:"actions_dispatched"`
	ActionsFailed     int      `json:"actions_failed"`
	Deferred          []string `json:"deferred"`
	Pruned            []string `json:"pruned"`
}

// Response is the single wire-format response envelope; only the fields
// relevant to Kind are populated.
type Response struct {
	Kind      ResponseKind      `json:"kind"`
	Code      string            `json:"code,omitempty"`
	Message   string            `json:"message,omitempty"`
	Success   bool              `json:"success,omitempty"`
	NodeID    string            `json:"node_id,omitempty"`
	Tenants   []string          `json:"tenants,omitempty"`
	Instances []InstanceSummary `json:"instances,omitempty"`
	Stats     *NodeStats        `json:"stats,omitempty"`
	Reconcile *ReconcileSummary `json:"reconcile,omitempty"`
}

// ErrorResponse maps a domain.Error to the wire Error variant, preserving
// its taxonomy Kind as the wire Code so remote callers can branch the
// same way a local caller would via errors.As.
func ErrorResponse(err error) Response {
	var derr *domain.Error
	if errors.As(err, &derr) {
		return Response{Kind: RespError, Code: string(derr.Kind), Message: derr.Message}
	}
	return Response{Kind: RespError, Code: string(domain.KindInternal), Message: err.Error()}
}
