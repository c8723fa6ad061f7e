// Package diskprov provisions per-instance disks: a persistent ext4 data
// volume (optionally LUKS2-encrypted), and ephemeral tmpfs-backed secrets
// and config drives recreated on every start/wake. Grounded on the
// teacher's internal/firecracker/vm.go buildCodeDrive/createTemplateDrive
// (truncate + mkfs.ext4 + debugfs -w content injection).
package diskprov

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mvm-project/mvm/internal/domain"
	"github.com/mvm-project/mvm/internal/shell"
)

// Provisioner creates and tears down instance disk images via a Runner,
// so ext4/cryptsetup/debugfs invocations can be faked in tests.
type Provisioner struct {
	runner shell.Runner
}

func New(runner shell.Runner) *Provisioner {
	return &Provisioner{runner: runner}
}

// EnsureDataVolume creates path as a sparse sizeMiB ext4 image if it does
// not already exist. Persists across restarts; never recreated once
// present.
func (p *Provisioner) EnsureDataVolume(ctx context.Context, path string, sizeMiB uint32) error {
	if _, err := os.Stat(path); err == nil {
		return nil // already provisioned
	}
	return p.formatExt4(ctx, path, sizeMiB)
}

func (p *Provisioner) formatExt4(ctx context.Context, path string, sizeMiB uint32) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return domain.WrapError(domain.KindInternal, err, "mkdir for %s", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return domain.WrapError(domain.KindInternal, err, "create %s", path)
	}
	if err := f.Truncate(int64(sizeMiB) * 1024 * 1024); err != nil {
		f.Close()
		return domain.WrapError(domain.KindInternal, err, "truncate %s", path)
	}
	f.Close()
	if _, err := p.runner.Run(ctx, nil, "mkfs.ext4", "-q", "-F", path); err != nil {
		return domain.WrapError(domain.KindInternal, err, "mkfs.ext4 %s", path)
	}
	return nil
}

// OpenLUKS formats path as a LUKS2 AES-XTS-256 volume (if not already a
// LUKS container) and opens it as mapperName, feeding the key over stdin
// -- never on argv. Returns the mapper device path.
func (p *Provisioner) OpenLUKS(ctx context.Context, path, mapperName string, key []byte) (string, error) {
	if _, err := p.runner.Run(ctx, nil, "cryptsetup", "isLuks", path); err != nil {
		if _, err := p.runner.Run(ctx, key, "cryptsetup", "luksFormat", "--type", "luks2", "--cipher", "aes-xts-plain64", "--key-size", "512", path, "-"); err != nil {
			return "", domain.WrapError(domain.KindInternal, err, "luksFormat %s", path)
		}
	}
	if _, err := p.runner.Run(ctx, key, "cryptsetup", "luksOpen", path, mapperName, "--key-file", "-"); err != nil {
		return "", domain.WrapError(domain.KindInternal, err, "luksOpen %s", path)
	}
	return "/dev/mapper/" + mapperName, nil
}

// CloseLUKS closes an open mapper device, ignoring absence.
func (p *Provisioner) CloseLUKS(ctx context.Context, mapperName string) error {
	_, _ = p.runner.Run(ctx, nil, "cryptsetup", "luksClose", mapperName)
	return nil
}

// MapperName derives the deterministic LUKS mapper device name for an
// instance's data volume.
func MapperName(tid, iid string) string {
	return fmt.Sprintf("mvm-%s-%s", tid, iid)
}

const (
	secretsDriveSizeMiB = 16
	configDriveSizeMiB  = 4
)

// CreateSecretsDrive builds a 16 MiB ext4 image at destPath containing
// secrets.json (mode 0400) copied from the tenant's secrets record. Built
// in a tmpfs staging directory, formatted, populated via debugfs, then
// moved into place -- mirroring the teacher's template-drive content
// injection.
func (p *Provisioner) CreateSecretsDrive(ctx context.Context, destPath string, secrets any) error {
	return p.buildEphemeralDrive(ctx, destPath, secretsDriveSizeMiB, "secrets.json", secrets, 0o400)
}

// CreateConfigDrive builds a 4 MiB ext4 image at destPath containing a
// single config.json (mode 0444), read-only at guest mount.
func (p *Provisioner) CreateConfigDrive(ctx context.Context, destPath string, config any) error {
	return p.buildEphemeralDrive(ctx, destPath, configDriveSizeMiB, "config.json", config, 0o444)
}

func (p *Provisioner) buildEphemeralDrive(ctx context.Context, destPath string, sizeMiB uint32, filename string, content any, mode os.FileMode) error {
	data, err := json.Marshal(content)
	if err != nil {
		return domain.WrapError(domain.KindInternal, err, "marshal %s", filename)
	}

	stagingDir, err := os.MkdirTemp("", "mvm-drive-*")
	if err != nil {
		return domain.WrapError(domain.KindInternal, err, "mkdtemp for %s staging", filename)
	}
	defer os.RemoveAll(stagingDir)

	if _, err := p.runner.Run(ctx, nil, "mount", "-t", "tmpfs", "-o", fmt.Sprintf("size=%dm", sizeMiB+1), "tmpfs", stagingDir); err != nil {
		return domain.WrapError(domain.KindInternal, err, "mount tmpfs staging for %s", filename)
	}
	defer func() { _, _ = p.runner.Run(ctx, nil, "umount", stagingDir) }()

	imgPath := filepath.Join(stagingDir, filename+".img")
	f, err := os.Create(imgPath)
	if err != nil {
		return domain.WrapError(domain.KindInternal, err, "create %s", imgPath)
	}
	if err := f.Truncate(int64(sizeMiB) * 1024 * 1024); err != nil {
		f.Close()
		return domain.WrapError(domain.KindInternal, err, "truncate %s", imgPath)
	}
	f.Close()
	if _, err := p.runner.Run(ctx, nil, "mkfs.ext4", "-q", "-F", imgPath); err != nil {
		return domain.WrapError(domain.KindInternal, err, "mkfs.ext4 %s", imgPath)
	}

	contentPath := filepath.Join(stagingDir, filename)
	if err := os.WriteFile(contentPath, data, mode); err != nil {
		return domain.WrapError(domain.KindInternal, err, "write %s", contentPath)
	}
	if _, err := p.runner.Run(ctx, nil, "debugfs", "-w", "-R", fmt.Sprintf("write %s %s", contentPath, filename), imgPath); err != nil {
		return domain.WrapError(domain.KindInternal, err, "inject %s into %s", filename, imgPath)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o750); err != nil {
		return domain.WrapError(domain.KindInternal, err, "mkdir for %s", destPath)
	}
	if err := os.Rename(imgPath, destPath); err != nil {
		return domain.WrapError(domain.KindInternal, err, "move %s -> %s", imgPath, destPath)
	}
	return os.Chmod(destPath, 0o600)
}

// RemoveEphemeralDrive deletes an ephemeral secrets/config drive at stop,
// ignoring absence.
func RemoveEphemeralDrive(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return domain.WrapError(domain.KindInternal, err, "remove %s", path)
	}
	return nil
}
