package inventory

import "slices"

// ReplicaPredicate decides whether a dataset replica belongs to a partition.
type ReplicaPredicate func(inv *Inventory, r *DatasetReplica) bool

// Partition is a named subset of the replica graph.
type Partition struct {
	Name     string
	Contains ReplicaPredicate
}

// NewPartition binds name to pred.
func NewPartition(name string, pred ReplicaPredicate) Partition {
	return Partition{Name: name, Contains: pred}
}

// AllPartition contains every replica.
func AllPartition(name string) Partition {
	return Partition{Name: name, Contains: func(*Inventory, *DatasetReplica) bool { return true }}
}

// GroupPartition contains replicas owned by one of groups.
func GroupPartition(name string, groups ...string) Partition {
	return Partition{Name: name, Contains: func(inv *Inventory, r *DatasetReplica) bool {
		return slices.Contains(groups, inv.GroupName(r.Group))
	}}
}

// UnownedPartition contains replicas without an owning group.
func UnownedPartition(name string) Partition {
	return Partition{Name: name, Contains: func(_ *Inventory, r *DatasetReplica) bool {
		return r.Group == NoGroup
	}}
}

// StoragePartition contains every replica on sites of the given storage type.
func StoragePartition(name string, st StorageType) Partition {
	return Partition{Name: name, Contains: func(inv *Inventory, r *DatasetReplica) bool {
		return inv.Site(r.Site).StorageType == st
	}}
}
