// Copyright (C) 2025 Solarcloud Labs.
// See LICENSE for copying information.

// Package cluster tracks the hosts and instances known to the controller.
// The embedding process feeds lifecycle updates in; the transfer
// orchestrator and tree builder read a consistent view out.
package cluster

import (
	"sort"
	"sync"

	"github.com/zeebo/errs"

	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/messages"
)

// Error is the default error class for the cluster package.
var Error = errs.Class("cluster")

// ErrNotFound is returned when a host or instance cannot be resolved.
var ErrNotFound = errs.Class("cluster: not found")

// Host is one worker node.
type Host struct {
	HostID    int
	Name      string
	Connected bool
	Deleted   bool
}

// Instance is one managed game-server process. AssignedHost is nil while
// the instance is unassigned.
type Instance struct {
	InstanceID   int
	Name         string
	AssignedHost *int
	Status       string
	Connected    bool
	Deleted      bool
}

// State is the mutable registry of hosts and instances.
type State struct {
	mu        sync.RWMutex
	hosts     map[int]*Host
	instances map[int]*Instance
}

// NewState creates an empty registry.
func NewState() *State {
	return &State{
		hosts:     make(map[int]*Host),
		instances: make(map[int]*Instance),
	}
}

// UpsertHost inserts or replaces a host record.
func (state *State) UpsertHost(host Host) {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.hosts[host.HostID] = &host
}

// UpsertInstance inserts or replaces an instance record.
func (state *State) UpsertInstance(instance Instance) {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.instances[instance.InstanceID] = &instance
}

// Hosts returns all non-deleted hosts sorted by name.
func (state *State) Hosts() []Host {
	state.mu.RLock()
	defer state.mu.RUnlock()

	hosts := make([]Host, 0, len(state.hosts))
	for _, host := range state.hosts {
		if host.Deleted {
			continue
		}
		hosts = append(hosts, *host)
	}
	sort.Slice(hosts, func(i, k int) bool { return hosts[i].Name < hosts[k].Name })
	return hosts
}

// Instances returns all non-deleted instances sorted by name.
func (state *State) Instances() []Instance {
	state.mu.RLock()
	defer state.mu.RUnlock()

	instances := make([]Instance, 0, len(state.instances))
	for _, instance := range state.instances {
		if instance.Deleted {
			continue
		}
		instances = append(instances, *instance)
	}
	sort.Slice(instances, func(i, k int) bool { return instances[i].Name < instances[k].Name })
	return instances
}

// Host looks up a host by ID.
func (state *State) Host(hostID int) (Host, bool) {
	state.mu.RLock()
	defer state.mu.RUnlock()

	host, ok := state.hosts[hostID]
	if !ok || host.Deleted {
		return Host{}, false
	}
	return *host, true
}

// Instance looks up an instance by ID.
func (state *State) Instance(instanceID int) (Instance, bool) {
	state.mu.RLock()
	defer state.mu.RUnlock()

	instance, ok := state.instances[instanceID]
	if !ok || instance.Deleted {
		return Instance{}, false
	}
	return *instance, true
}

// ResolveInstance resolves an instance reference. Numeric references match
// an instance ID first and fall back to a host ID, picking that host's
// first connected instance by name. String references match instance
// names.
func (state *State) ResolveInstance(ref messages.InstanceRef) (Instance, error) {
	state.mu.RLock()
	defer state.mu.RUnlock()

	if ref.Numeric {
		if instance, ok := state.instances[ref.ID]; ok && !instance.Deleted {
			return *instance, nil
		}
		if host, ok := state.hosts[ref.ID]; ok && !host.Deleted {
			if instance, ok := state.firstConnectedOnHost(host.HostID); ok {
				return instance, nil
			}
		}
		return Instance{}, ErrNotFound.New("instance %d", ref.ID)
	}

	for _, instance := range state.instances {
		if !instance.Deleted && instance.Name == ref.Name {
			return *instance, nil
		}
	}
	return Instance{}, ErrNotFound.New("instance %q", ref.Name)
}

// firstConnectedOnHost picks the alphabetically first connected instance
// assigned to the host. Callers must hold at least a read lock.
func (state *State) firstConnectedOnHost(hostID int) (Instance, bool) {
	var best *Instance
	for _, instance := range state.instances {
		if instance.Deleted || !instance.Connected {
			continue
		}
		if instance.AssignedHost == nil || *instance.AssignedHost != hostID {
			continue
		}
		if best == nil || instance.Name < best.Name {
			best = instance
		}
	}
	if best == nil {
		return Instance{}, false
	}
	return *best, true
}
