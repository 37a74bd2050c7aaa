package task

import (
	"sync"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"

	"github.com/libragraph-com/vault/pkg/util/log"
)

// ResourceDirectory tracks which external resources are currently available
// to this worker and with what concurrency limit. Availability is driven by
// service lifecycle transitions: RUNNING advertises, FAILED or any stop
// retracts.
type ResourceDirectory struct {
	mu        sync.Mutex
	resources map[string]int // name -> max concurrency, 0 = unlimited
}

func NewResourceDirectory() *ResourceDirectory {
	return &ResourceDirectory{resources: map[string]int{}}
}

// Advertise makes a resource claimable. maxConcurrency of zero means
// unlimited.
func (d *ResourceDirectory) Advertise(name string, maxConcurrency int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resources[name] = maxConcurrency
}

// Retract removes a resource; tasks requiring it become unclaimable until it
// is advertised again.
func (d *ResourceDirectory) Retract(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.resources, name)
}

// Snapshot returns a copy of the advertised set.
func (d *ResourceDirectory) Snapshot() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int, len(d.resources))
	for name, limit := range d.resources {
		out[name] = limit
	}
	return out
}

// BindService ties a resource's availability to a managed service's state.
func (d *ResourceDirectory) BindService(name string, svc services.Service, maxConcurrency int) {
	svc.AddListener(services.NewListener(
		nil,
		func() {
			level.Info(log.Logger).Log("msg", "resource available", "resource", name)
			d.Advertise(name, maxConcurrency)
		},
		func(_ services.State) {
			level.Info(log.Logger).Log("msg", "resource stopping", "resource", name)
			d.Retract(name)
		},
		func(_ services.State) {
			d.Retract(name)
		},
		func(_ services.State, failure error) {
			level.Warn(log.Logger).Log("msg", "resource failed", "resource", name, "err", failure)
			d.Retract(name)
		},
	))
}
