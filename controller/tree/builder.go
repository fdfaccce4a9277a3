// Copyright (C) 2025 Solarcloud Labs.
// See LICENSE for copying information.

// Package tree assembles host/instance/platform snapshots for control
// clients by fanning platform queries out to every connected instance.
package tree

import (
	"context"
	"sort"
	"sync"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/bridge"
	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/cluster"
	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/messages"
)

// Error is the default error class for the tree package.
var Error = errs.Class("tree")

var mon = monkit.Package()

// TransferStatusNone marks a platform with no transfer touching it.
const TransferStatusNone = "none"

// PlatformState ties an in-flight transfer to the source platform it
// holds locked. A platform matches on index when the transfer knows one,
// or on name, so a rename mid-transfer does not lose the tag.
type PlatformState struct {
	InstanceID    int
	PlatformIndex int
	PlatformName  string
	TransferID    string
	Status        string
}

// ActiveStates exposes the orchestrator's in-flight transfers so the tree
// can tag platforms that are currently locked by one.
type ActiveStates interface {
	ActivePlatformStates() []PlatformState
}

// Builder builds platform-tree snapshots.
type Builder struct {
	log    *zap.Logger
	state  *cluster.State
	client bridge.InstanceClient

	mu     sync.Mutex
	active ActiveStates
}

// NewBuilder creates a tree builder over the cluster registry.
func NewBuilder(log *zap.Logger, state *cluster.State, client bridge.InstanceClient) *Builder {
	return &Builder{log: log, state: state, client: client}
}

// SetActiveStates wires the orchestrator's transfer overlay. Wired late
// because the orchestrator is constructed after the builder.
func (builder *Builder) SetActiveStates(active ActiveStates) {
	builder.mu.Lock()
	defer builder.mu.Unlock()
	builder.active = active
}

// Build queries every connected instance for its platforms and assembles
// the snapshot. Per-instance query failures land in that instance's
// platformError field and never fail the build. Revision and generation
// time are left for the subscription layer to stamp.
func (builder *Builder) Build(ctx context.Context, forceName string) (_ *messages.PlatformTree, err error) {
	defer mon.Task()(&ctx)(&err)

	instances := builder.state.Instances()
	nodes := make([]messages.InstanceNode, len(instances))

	var group errgroup.Group
	for i, instance := range instances {
		i, instance := i, instance
		nodes[i] = messages.InstanceNode{
			InstanceID: instance.InstanceID,
			Name:       instance.Name,
			HostID:     instance.AssignedHost,
			Status:     instance.Status,
			Connected:  instance.Connected,
			Platforms:  []messages.PlatformNode{},
		}
		if !instance.Connected {
			continue
		}
		group.Go(func() error {
			platforms, err := builder.client.ListPlatforms(ctx, instance.InstanceID,
				messages.InstanceListPlatformsRequest{ForceName: forceName})
			if err != nil {
				builder.log.Warn("platform query failed",
					zap.Int("instance", instance.InstanceID), zap.Error(err))
				nodes[i].PlatformError = err.Error()
				return nil
			}
			if platforms == nil {
				platforms = []messages.PlatformNode{}
			}
			nodes[i].Platforms = platforms
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, Error.Wrap(err)
	}

	builder.overlayTransfers(nodes)
	for i := range nodes {
		sortPlatforms(nodes[i].Platforms)
	}

	tree := &messages.PlatformTree{
		ForceName:           forceName,
		Hosts:               []messages.HostNode{},
		UnassignedInstances: []messages.InstanceNode{},
	}

	byHost := make(map[int][]messages.InstanceNode)
	for _, node := range nodes {
		if node.HostID == nil {
			tree.UnassignedInstances = append(tree.UnassignedInstances, node)
			continue
		}
		byHost[*node.HostID] = append(byHost[*node.HostID], node)
	}

	for _, host := range builder.state.Hosts() {
		assigned := byHost[host.HostID]
		if assigned == nil {
			assigned = []messages.InstanceNode{}
		}
		tree.Hosts = append(tree.Hosts, messages.HostNode{
			HostID:    host.HostID,
			Name:      host.Name,
			Connected: host.Connected,
			Instances: assigned,
		})
		delete(byHost, host.HostID)
	}

	// instances pointing at an unknown host are still shown
	for _, orphans := range byHost {
		tree.UnassignedInstances = append(tree.UnassignedInstances, orphans...)
	}
	sort.Slice(tree.UnassignedInstances, func(i, k int) bool {
		return tree.UnassignedInstances[i].Name < tree.UnassignedInstances[k].Name
	})

	return tree, nil
}

// overlayTransfers tags each platform with the transfer currently holding
// it, defaulting to "none".
func (builder *Builder) overlayTransfers(nodes []messages.InstanceNode) {
	builder.mu.Lock()
	active := builder.active
	builder.mu.Unlock()

	var states []PlatformState
	if active != nil {
		states = active.ActivePlatformStates()
	}

	for i := range nodes {
		for k := range nodes[i].Platforms {
			platform := &nodes[i].Platforms[k]
			platform.TransferStatus = TransferStatusNone
			for _, state := range states {
				if state.InstanceID != nodes[i].InstanceID {
					continue
				}
				if state.PlatformName != platform.Name &&
					!(state.PlatformIndex > 0 && state.PlatformIndex == platform.PlatformIndex) {
					continue
				}
				platform.TransferID = state.TransferID
				platform.TransferStatus = state.Status
				break
			}
		}
	}
}

func sortPlatforms(platforms []messages.PlatformNode) {
	sort.Slice(platforms, func(i, k int) bool {
		if platforms[i].Name != platforms[k].Name {
			return platforms[i].Name < platforms[k].Name
		}
		return platforms[i].PlatformIndex < platforms[k].PlatformIndex
	})
}
