// Package store implements the persistence layer: atomic JSON read/write
// of tenant, pool, and instance records under a single DATA_ROOT, plus
// directory discipline and forward-compatible loading. Grounded on the
// teacher's atomic config-write idiom (internal/config, internal/firecracker
// buildCodeDrive) -- write to a sibling temp file, fsync, rename.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/mvm-project/mvm/internal/domain"
)

// Store reads and writes entities under a DATA_ROOT. JSON is the sole
// format; unknown fields are ignored by encoding/json's default decode
// behavior (forward compatibility); missing optional fields keep their
// Go zero value, which callers define as the entity's default.
type Store struct {
	Layout Layout
}

// New returns a Store rooted at root (typically /var/lib/mvm).
func New(root string) *Store {
	return &Store{Layout: Layout{Root: root}}
}

// WriteJSON atomically replaces path's contents: write to a sibling temp
// file in the same directory, fsync it, then rename over the destination.
// The sibling-file approach guarantees the rename is on the same
// filesystem and therefore atomic.
func WriteJSON(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return domain.WrapError(domain.KindInternal, err, "mkdir %s", dir)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return domain.WrapError(domain.KindInternal, err, "marshal %s", path)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return domain.WrapError(domain.KindInternal, err, "create temp file in %s", dir)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return domain.WrapError(domain.KindInternal, err, "write %s", tmpName)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return domain.WrapError(domain.KindInternal, err, "fsync %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		return domain.WrapError(domain.KindInternal, err, "close %s", tmpName)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return domain.WrapError(domain.KindInternal, err, "rename %s -> %s", tmpName, path)
	}
	return nil
}

// ReadJSON loads and decodes path into v. Callers that need structural
// validation beyond JSON shape call v.Validate() themselves (LoadTenant
// does) -- ReadJSON itself stays format-only.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.NewError(domain.KindNotFound, "%s", path)
		}
		return domain.WrapError(domain.KindInternal, err, "read %s", path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return domain.WrapError(domain.KindInternal, err, "parse %s", path)
	}
	return nil
}

func (s *Store) SaveTenant(t *domain.Tenant) error {
	return WriteJSON(s.Layout.TenantFile(t.ID), t)
}

func (s *Store) LoadTenant(tid string) (*domain.Tenant, error) {
	var t domain.Tenant
	if err := ReadJSON(s.Layout.TenantFile(tid), &t); err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) ListTenants() ([]string, error) {
	return listDirNames(filepath.Join(s.Layout.Root, "tenants"))
}

func (s *Store) SavePool(p *domain.Pool) error {
	return WriteJSON(s.Layout.PoolFile(p.TenantID, p.ID), p)
}

func (s *Store) LoadPool(tid, pid string) (*domain.Pool, error) {
	var p domain.Pool
	if err := ReadJSON(s.Layout.PoolFile(tid, pid), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListPools(tid string) ([]string, error) {
	return listDirNames(filepath.Join(s.Layout.TenantDir(tid), "pools"))
}

func (s *Store) SaveInstance(i *domain.Instance) error {
	return WriteJSON(s.Layout.InstanceFile(i.TenantID, i.PoolID, i.ID), i)
}

func (s *Store) LoadInstance(tid, pid, iid string) (*domain.Instance, error) {
	var i domain.Instance
	if err := ReadJSON(s.Layout.InstanceFile(tid, pid, iid), &i); err != nil {
		return nil, err
	}
	return &i, nil
}

func (s *Store) ListInstances(tid, pid string) ([]string, error) {
	return listDirNames(filepath.Join(s.Layout.PoolDir(tid, pid), "instances"))
}

// ListAllInstances loads every instance persisted for a tenant, across
// all of its pools. Used by the quota gate to recompute tenant usage.
func (s *Store) ListAllInstances(tid string) ([]*domain.Instance, error) {
	pids, err := s.ListPools(tid)
	if err != nil {
		if e, ok := err.(*domain.Error); ok && e.Kind == domain.KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	var out []*domain.Instance
	for _, pid := range pids {
		iids, err := s.ListInstances(tid, pid)
		if err != nil {
			continue
		}
		for _, iid := range iids {
			inst, err := s.LoadInstance(tid, pid, iid)
			if err != nil {
				continue
			}
			out = append(out, inst)
		}
	}
	return out, nil
}

func listDirNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.NewError(domain.KindNotFound, "%s", dir)
		}
		return nil, domain.WrapError(domain.KindInternal, err, "readdir %s", dir)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
