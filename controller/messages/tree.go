// Copyright (C) 2025 Solarcloud Labs.
// See LICENSE for copying information.

package messages

// PlatformTree is a point-in-time snapshot of the cluster: hosts, their
// instances, and the platforms each instance reports.
type PlatformTree struct {
	Revision            int64          `json:"revision"`
	GeneratedAt         int64          `json:"generatedAt"`
	ForceName           string         `json:"forceName,omitempty"`
	Hosts               []HostNode     `json:"hosts"`
	UnassignedInstances []InstanceNode `json:"unassignedInstances"`
}

// HostNode is one worker node and the instances assigned to it.
type HostNode struct {
	HostID    int            `json:"hostId"`
	Name      string         `json:"name"`
	Connected bool           `json:"connected"`
	Instances []InstanceNode `json:"instances"`
}

// InstanceNode is one game-server process and the platforms it reports.
// PlatformError is set when the platform query failed for this instance.
type InstanceNode struct {
	InstanceID    int            `json:"instanceId"`
	Name          string         `json:"name"`
	HostID        *int           `json:"hostId,omitempty"`
	Status        string         `json:"status"`
	Connected     bool           `json:"connected"`
	Platforms     []PlatformNode `json:"platforms"`
	PlatformError string         `json:"platformError,omitempty"`
}

// PlatformNode is one platform on an instance, tagged with the state of
// any in-flight transfer touching it.
type PlatformNode struct {
	PlatformIndex  int    `json:"platformIndex"`
	Name           string `json:"name"`
	ForceName      string `json:"forceName,omitempty"`
	TransferID     string `json:"transferId,omitempty"`
	TransferStatus string `json:"transferStatus"`
}

// TreeUpdateEvent pushes a full tree snapshot to tree subscribers.
type TreeUpdateEvent struct {
	Revision    int64         `json:"revision"`
	GeneratedAt int64         `json:"generatedAt"`
	ForceName   string        `json:"forceName,omitempty"`
	Tree        *PlatformTree `json:"tree"`
}

// TransferUpdateEvent pushes a short transfer summary to transfer
// subscribers on every state change.
type TransferUpdateEvent struct {
	Revision    int64       `json:"revision"`
	GeneratedAt int64       `json:"generatedAt"`
	Transfer    interface{} `json:"transfer"`
}

// LogUpdateEvent pushes a single transaction-log event, with transfer
// context, to log subscribers.
type LogUpdateEvent struct {
	Revision     int64       `json:"revision"`
	GeneratedAt  int64       `json:"generatedAt"`
	TransferID   string      `json:"transferId"`
	Event        interface{} `json:"event"`
	TransferInfo interface{} `json:"transferInfo"`
	Summary      interface{} `json:"summary"`
}
