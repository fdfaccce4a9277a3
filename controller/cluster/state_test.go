// Copyright (C) 2025 Solarcloud Labs.
// See LICENSE for copying information.

package cluster_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/cluster"
	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/messages"
)

func intptr(v int) *int { return &v }

func seeded() *cluster.State {
	state := cluster.NewState()
	state.UpsertHost(cluster.Host{HostID: 10, Name: "worker-b", Connected: true})
	state.UpsertHost(cluster.Host{HostID: 11, Name: "worker-a", Connected: true})
	state.UpsertHost(cluster.Host{HostID: 12, Name: "worker-gone", Deleted: true})

	state.UpsertInstance(cluster.Instance{InstanceID: 1, Name: "nauvis", AssignedHost: intptr(10), Status: "running", Connected: true})
	state.UpsertInstance(cluster.Instance{InstanceID: 2, Name: "gleba", AssignedHost: intptr(10), Status: "running", Connected: true})
	state.UpsertInstance(cluster.Instance{InstanceID: 3, Name: "vulcanus", AssignedHost: intptr(11), Status: "stopped", Connected: false})
	state.UpsertInstance(cluster.Instance{InstanceID: 4, Name: "orphan", Status: "running", Connected: true})
	state.UpsertInstance(cluster.Instance{InstanceID: 5, Name: "ghost", Deleted: true})
	return state
}

func TestState_Listings(t *testing.T) {
	t.Parallel()

	state := seeded()

	hosts := state.Hosts()
	require.Len(t, hosts, 2)
	require.Equal(t, "worker-a", hosts[0].Name)
	require.Equal(t, "worker-b", hosts[1].Name)

	instances := state.Instances()
	require.Len(t, instances, 4)
	require.Equal(t, "gleba", instances[0].Name)

	_, ok := state.Instance(5)
	require.False(t, ok, "deleted instances are invisible")
}

func TestState_ResolveInstance(t *testing.T) {
	t.Parallel()

	state := seeded()

	byID, err := state.ResolveInstance(messages.NumericRef(2))
	require.NoError(t, err)
	require.Equal(t, "gleba", byID.Name)

	byName, err := state.ResolveInstance(messages.NamedRef("vulcanus"))
	require.NoError(t, err)
	require.Equal(t, 3, byName.InstanceID)

	// host-ID fallback picks the first connected instance by name
	byHost, err := state.ResolveInstance(messages.NumericRef(10))
	require.NoError(t, err)
	require.Equal(t, "gleba", byHost.Name)

	_, err = state.ResolveInstance(messages.NumericRef(99))
	require.True(t, cluster.ErrNotFound.Has(err))

	_, err = state.ResolveInstance(messages.NamedRef("ghost"))
	require.True(t, cluster.ErrNotFound.Has(err))

	// host 11 exists but has no connected instances
	_, err = state.ResolveInstance(messages.NumericRef(11))
	require.True(t, cluster.ErrNotFound.Has(err))
}
