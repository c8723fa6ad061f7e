package snapshot

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mvm-project/mvm/internal/domain"
)

// Meta is the metadata JSON recorded alongside every snapshot (base or
// delta): type, revision hash, compression, creation time, file sizes.
type Meta struct {
	Type        string             `json:"type"` // "base" or "delta"
	Revision    string             `json:"revision"`
	Compression domain.Compression `json:"compression"`
	CreatedAt   time.Time          `json:"created_at"`
	VMStateBytes int64             `json:"vmstate_bytes"`
	MemBytes     int64             `json:"mem_bytes"`
}

// CreateBase creates a pool-level full snapshot of a paused (Warm)
// instance. Directory permissions are forced to 0700. If compression is
// configured, both files are compressed in place afterward.
func CreateBase(ctx context.Context, socketPath, dir string, revision string, compression domain.Compression) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return domain.WrapError(domain.KindSnapshotIO, err, "mkdir %s", dir)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		return domain.WrapError(domain.KindSnapshotIO, err, "chmod %s", dir)
	}
	vmstate := filepath.Join(dir, "vmstate.bin")
	mem := filepath.Join(dir, "mem.bin")
	if err := createSnapshot(ctx, socketPath, "Full", vmstate, mem); err != nil {
		return domain.WrapError(domain.KindSnapshotIO, err, "create base snapshot")
	}
	if compression != domain.CompressionNone {
		if err := compressInPlace(vmstate); err != nil {
			return err
		}
		if err := compressInPlace(mem); err != nil {
			return err
		}
	}
	return writeMeta(dir, Meta{Type: "base", Revision: revision, Compression: compression, CreatedAt: time.Now(), VMStateBytes: fileSize(vmstate), MemBytes: fileSize(mem)})
}

// CreateDelta creates an instance-level diff snapshot immediately before
// sleep.
func CreateDelta(ctx context.Context, socketPath, dir string, revision string, compression domain.Compression) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return domain.WrapError(domain.KindSnapshotIO, err, "mkdir %s", dir)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		return domain.WrapError(domain.KindSnapshotIO, err, "chmod %s", dir)
	}
	vmstate := filepath.Join(dir, "vmstate.delta.bin")
	mem := filepath.Join(dir, "mem.delta.bin")
	if err := createSnapshot(ctx, socketPath, "Diff", vmstate, mem); err != nil {
		return domain.WrapError(domain.KindSnapshotIO, err, "create delta snapshot")
	}
	if compression != domain.CompressionNone {
		if err := compressInPlace(vmstate); err != nil {
			return err
		}
		if err := compressInPlace(mem); err != nil {
			return err
		}
	}
	return writeMeta(dir, Meta{Type: "delta", Revision: revision, Compression: compression, CreatedAt: time.Now(), VMStateBytes: fileSize(vmstate), MemBytes: fileSize(mem)})
}

// RestoreInput names the base and (optional) delta snapshot directories
// and the destination runtime directory snapshot files are staged into
// before being handed to the hypervisor's snapshot/load API.
type RestoreInput struct {
	DataRoot   string // DATA_ROOT
	TenantID   string
	BaseDir    string
	DeltaDir   string // empty if no delta exists
	RuntimeDir string
	SocketPath string
	NetworkOverride *struct {
		IfaceID     string
		HostDevName string
	}
}

// CanonicalizeUnderTenant validates that path, once resolved
// (symlinks included), falls under DATA_ROOT/tenants/<tid>/. This
// defends instance restore against path traversal via a malicious or
// corrupted symlink.
func CanonicalizeUnderTenant(dataRoot, tenantID, path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		// Path may not exist yet (e.g. destination); fall back to lexical
		// cleaning so callers creating new files still get a check.
		resolved = filepath.Clean(path)
	}
	prefix := filepath.Clean(filepath.Join(dataRoot, "tenants", tenantID)) + string(filepath.Separator)
	if !strings.HasPrefix(resolved+string(filepath.Separator), prefix) {
		return "", domain.NewError(domain.KindSnapshotIO, "path %s resolves outside tenant %s", path, tenantID)
	}
	return resolved, nil
}

// Restore copies base (and delta, if present) snapshot files into the
// instance's runtime directory, decompressing as needed, then invokes
// snapshot/load. If no base snapshot exists, returns NoSnapshot so the
// caller can fall back to a fresh boot.
func Restore(ctx context.Context, in RestoreInput) error {
	if _, err := CanonicalizeUnderTenant(in.DataRoot, in.TenantID, in.BaseDir); err != nil {
		return err
	}

	var baseMeta Meta
	if err := readMeta(in.BaseDir, &baseMeta); err != nil {
		return domain.NewError(domain.KindNoSnapshot, "no base snapshot for tenant %s", in.TenantID)
	}

	vmstatePath, err := stageSnapshotFile(in.BaseDir, "vmstate.bin", in.RuntimeDir, baseMeta.Compression)
	if err != nil {
		return err
	}
	memPath, err := stageSnapshotFile(in.BaseDir, "mem.bin", in.RuntimeDir, baseMeta.Compression)
	if err != nil {
		return err
	}

	if in.DeltaDir != "" {
		if _, err := CanonicalizeUnderTenant(in.DataRoot, in.TenantID, in.DeltaDir); err != nil {
			return err
		}
		var deltaMeta Meta
		if err := readMeta(in.DeltaDir, &deltaMeta); err == nil {
			vmstatePath, err = stageSnapshotFile(in.DeltaDir, "vmstate.delta.bin", in.RuntimeDir, deltaMeta.Compression)
			if err != nil {
				return err
			}
			memPath, err = stageSnapshotFile(in.DeltaDir, "mem.delta.bin", in.RuntimeDir, deltaMeta.Compression)
			if err != nil {
				return err
			}
		}
	}

	var override *netOverride
	if in.NetworkOverride != nil {
		override = &netOverride{IfaceID: in.NetworkOverride.IfaceID, HostDevName: in.NetworkOverride.HostDevName}
	}
	if err := loadSnapshot(ctx, in.SocketPath, vmstatePath, memPath, override); err != nil {
		return domain.WrapError(domain.KindSnapshotIO, err, "snapshot/load")
	}
	return nil
}

func stageSnapshotFile(srcDir, name, dstDir string, compression domain.Compression) (string, error) {
	src := filepath.Join(srcDir, name)
	dst := filepath.Join(dstDir, name)
	if err := os.MkdirAll(dstDir, 0o700); err != nil {
		return "", domain.WrapError(domain.KindSnapshotIO, err, "mkdir %s", dstDir)
	}
	if compression == domain.CompressionNone {
		if err := copyFile(src, dst); err != nil {
			return "", domain.WrapError(domain.KindSnapshotIO, err, "copy %s", src)
		}
		return dst, nil
	}
	if err := decompressFile(src+".gz", dst); err != nil {
		return "", domain.WrapError(domain.KindSnapshotIO, err, "decompress %s", src)
	}
	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// compressInPlace gzip-compresses src to src+".gz" and removes src. gzip
// is used here (not lz4/zstd) because no lz4/zstd binding exists anywhere
// in the retrieval pack -- recorded in DESIGN.md as a required
// stdlib-only concern.
func compressInPlace(src string) error {
	in, err := os.Open(src)
	if err != nil {
		return domain.WrapError(domain.KindSnapshotIO, err, "open %s", src)
	}
	defer in.Close()
	out, err := os.Create(src + ".gz")
	if err != nil {
		return domain.WrapError(domain.KindSnapshotIO, err, "create %s.gz", src)
	}
	gw := gzip.NewWriter(out)
	if _, err := io.Copy(gw, in); err != nil {
		gw.Close()
		out.Close()
		return domain.WrapError(domain.KindSnapshotIO, err, "compress %s", src)
	}
	if err := gw.Close(); err != nil {
		out.Close()
		return domain.WrapError(domain.KindSnapshotIO, err, "close gzip writer for %s", src)
	}
	if err := out.Close(); err != nil {
		return domain.WrapError(domain.KindSnapshotIO, err, "close %s.gz", src)
	}
	return os.Remove(src)
}

func decompressFile(gzPath, dst string) error {
	in, err := os.Open(gzPath)
	if err != nil {
		return err
	}
	defer in.Close()
	gr, err := gzip.NewReader(in)
	if err != nil {
		return err
	}
	defer gr.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, gr)
	return err
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

func writeMeta(dir string, m Meta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return domain.WrapError(domain.KindInternal, err, "marshal snapshot meta")
	}
	return os.WriteFile(filepath.Join(dir, "meta.json"), data, 0o600)
}

func readMeta(dir string, m *Meta) error {
	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, m)
}

// BaseValid reports whether the pool's current revision matches the
// recorded revision of its base snapshot.
func BaseValid(baseDir, currentRevision string) bool {
	var m Meta
	if err := readMeta(baseDir, &m); err != nil {
		return false
	}
	return m.Revision == currentRevision
}

// InvalidateBase clears a pool's base snapshot directory. instance.Manager.Warm
// calls it when the recorded revision differs from the pool's current one,
// then lays down a fresh base.
func InvalidateBase(baseDir string) error {
	if err := os.RemoveAll(baseDir); err != nil {
		return domain.WrapError(domain.KindSnapshotIO, err, "invalidate base snapshot %s", baseDir)
	}
	return nil
}
