package wake

import (
	"context"
	"fmt"
	"time"

	"github.com/mvm-project/mvm/internal/domain"
	"github.com/mvm-project/mvm/internal/instance"
	"github.com/mvm-project/mvm/internal/store"
)

// LocalDriver implements Driver for a single-node deployment: the
// coordinator and agent share one process, so waking a gateway is a
// direct call into instance.Manager rather than an RPC round-trip.
// Grounded on original_source's do_wake: pick a Warm/Sleeping instance
// (falling back to Stopped), wake it, then poll the store at 200ms
// intervals until it reports Running.
type LocalDriver struct {
	Store        *store.Store
	Instances    *instance.Manager
	ServicePort  int
	PollInterval time.Duration
}

func NewLocalDriver(st *store.Store, instances *instance.Manager, servicePort int) *LocalDriver {
	return &LocalDriver{Store: st, Instances: instances, ServicePort: servicePort, PollInterval: 200 * time.Millisecond}
}

func (d *LocalDriver) Wake(ctx context.Context, tenantID, poolID string) (string, error) {
	target, err := d.selectWakeable(tenantID, poolID)
	if err != nil {
		return "", err
	}

	switch target.Status {
	case domain.StatusWarm:
		if err := d.Instances.Start(ctx, tenantID, poolID, target.ID); err != nil {
			return "", err
		}
	case domain.StatusSleeping:
		if err := d.Instances.Wake(ctx, tenantID, poolID, target.ID); err != nil {
			return "", err
		}
	case domain.StatusStopped:
		if err := d.Instances.Start(ctx, tenantID, poolID, target.ID); err != nil {
			return "", err
		}
	}

	interval := d.PollInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		inst, err := d.Store.LoadInstance(tenantID, poolID, target.ID)
		if err == nil && inst.Status == domain.StatusRunning {
			return fmt.Sprintf("%s:%d", inst.GuestIP, d.ServicePort), nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// selectWakeable picks the first Warm or Sleeping instance, falling back
// to Stopped, matching the original's preference order.
func (d *LocalDriver) selectWakeable(tenantID, poolID string) (*domain.Instance, error) {
	iids, err := d.Store.ListInstances(tenantID, poolID)
	if err != nil {
		return nil, domain.WrapError(domain.KindWakeRefused, err, "list instances for %s/%s", tenantID, poolID)
	}
	var stoppedFallback *domain.Instance
	for _, iid := range iids {
		inst, err := d.Store.LoadInstance(tenantID, poolID, iid)
		if err != nil {
			continue
		}
		switch inst.Status {
		case domain.StatusWarm, domain.StatusSleeping:
			return inst, nil
		case domain.StatusStopped:
			if stoppedFallback == nil {
				stoppedFallback = inst
			}
		}
	}
	if stoppedFallback != nil {
		return stoppedFallback, nil
	}
	return nil, domain.NewError(domain.KindWakeRefused, "no wakeable instance found for %s/%s", tenantID, poolID)
}
