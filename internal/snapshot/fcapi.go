// Package snapshot implements base (pool-level, full) and delta
// (instance-level, diff) snapshot create/restore against the
// Firecracker HTTP API exposed over a Unix domain socket. Grounded
// directly on the teacher's internal/firecracker/vm.go CreateSnapshot /
// apiLoadSnapshot / apiCall / httpClientForSocket.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/mvm-project/mvm/internal/domain"
)

// clientCache caches one HTTP client per socket path so repeated calls
// against the same instance reuse its connection pool, the same pattern
// the teacher uses for its Firecracker API clients.
var (
	clientCacheMu sync.Mutex
	clientCache   = map[string]*http.Client{}
)

func clientForSocket(socketPath string) *http.Client {
	clientCacheMu.Lock()
	defer clientCacheMu.Unlock()
	if c, ok := clientCache[socketPath]; ok {
		return c
	}
	c := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				d := net.Dialer{}
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
	clientCache[socketPath] = c
	return c
}

// RemoveSocketClient evicts the cached client for a socket, called once
// an instance's socket is torn down.
func RemoveSocketClient(socketPath string) {
	clientCacheMu.Lock()
	defer clientCacheMu.Unlock()
	delete(clientCache, socketPath)
}

// apiCall issues one Firecracker API request over the instance's Unix
// socket, reusing a cached client per socket path.
func apiCall(ctx context.Context, socketPath, method, path string, body any) error {
	client := clientForSocket(socketPath)
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return domain.WrapError(domain.KindInternal, err, "marshal request body for %s", path)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://unix"+path, reader)
	if err != nil {
		return domain.WrapError(domain.KindInternal, err, "build request %s %s", method, path)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return domain.WrapError(domain.KindHypervisorAPI, err, "call %s %s", method, path)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return domain.NewError(domain.KindHypervisorAPI, "%s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}
	return nil
}

type snapshotCreateRequest struct {
	SnapshotType   string `json:"snapshot_type"`
	SnapshotPath   string `json:"snapshot_path"`
	MemFilePath    string `json:"mem_file_path"`
}

type memBackend struct {
	BackendType string `json:"backend_type"`
	BackendPath string `json:"backend_path"`
}

type snapshotLoadRequest struct {
	SnapshotPath        string      `json:"snapshot_path"`
	MemBackend          memBackend  `json:"mem_backend"`
	EnableDiffSnapshots bool        `json:"enable_diff_snapshots"`
	ResumeVM            bool        `json:"resume_vm"`
	NetworkOverrides    []netOverride `json:"network_overrides,omitempty"`
}

type netOverride struct {
	IfaceID    string `json:"iface_id"`
	HostDevName string `json:"host_dev_name"`
}

type vmStateRequest struct {
	State string `json:"state"`
}

// Pause issues a PATCH /vm {state: Paused}, used before creating either
// snapshot type.
func Pause(ctx context.Context, socketPath string) error {
	return apiCall(ctx, socketPath, http.MethodPatch, "/vm", vmStateRequest{State: "Paused"})
}

// Resume issues a PATCH /vm {state: Resumed}.
func Resume(ctx context.Context, socketPath string) error {
	return apiCall(ctx, socketPath, http.MethodPatch, "/vm", vmStateRequest{State: "Resumed"})
}

func createSnapshot(ctx context.Context, socketPath, snapshotType, vmstatePath, memPath string) error {
	return apiCall(ctx, socketPath, http.MethodPut, "/snapshot/create", snapshotCreateRequest{
		SnapshotType: snapshotType,
		SnapshotPath: vmstatePath,
		MemFilePath:  memPath,
	})
}

func loadSnapshot(ctx context.Context, socketPath, vmstatePath, memPath string, override *netOverride) error {
	req := snapshotLoadRequest{
		SnapshotPath: vmstatePath,
		MemBackend:   memBackend{BackendType: "File", BackendPath: memPath},
		EnableDiffSnapshots: true,
		ResumeVM:     true,
	}
	if override != nil {
		req.NetworkOverrides = []netOverride{*override}
	}
	return apiCall(ctx, socketPath, http.MethodPut, "/snapshot/load", req)
}
