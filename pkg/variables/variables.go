// Package variables defines the condition variables available to policies
// and replication rules for sites, dataset replicas and block replicas.
package variables

import (
	"math"

	"github.com/dynamo-dm/dynamo/pkg/condition"
	"github.com/dynamo-dm/dynamo/pkg/inventory"
)

const bytesPerTB = 1e12

// Site is a site seen through a partition.
type Site struct {
	View *inventory.View
	ID   inventory.SiteID
}

func (s Site) site() *inventory.Site { return s.View.Inventory().Site(s.ID) }

// Replica is a dataset replica.
type Replica struct {
	Inv *inventory.Inventory
	ID  inventory.ReplicaID
}

func (r Replica) replica() *inventory.DatasetReplica { return r.Inv.Replica(r.ID) }
func (r Replica) dataset() *inventory.Dataset        { return r.Inv.Dataset(r.replica().Dataset) }

// BlockReplica is a block replica.
type BlockReplica struct {
	Inv *inventory.Inventory
	ID  inventory.BlockReplicaID
}

func (b BlockReplica) blockReplica() *inventory.BlockReplica { return b.Inv.BlockReplica(b.ID) }
func (b BlockReplica) block() *inventory.Block               { return b.Inv.Block(b.blockReplica().Block) }

// Sites returns the site variable registry.
func Sites() *condition.Registry[Site] {
	return condition.NewRegistry[Site]("site").
		Register("site.name", condition.KindString, func(s Site) condition.Value {
			return condition.String(s.site().Name)
		}).
		Register("site.status", condition.KindString, func(s Site) condition.Value {
			return condition.String(string(s.site().Status))
		}).
		Register("site.storage_type", condition.KindString, func(s Site) condition.Value {
			return condition.String(string(s.site().StorageType))
		}).
		Register("site.capacity", condition.KindNumber, func(s Site) condition.Value {
			return condition.Number(s.site().Capacity)
		}).
		Register("site.quota", condition.KindNumber, func(s Site) condition.Value {
			return condition.Number(s.View.Quota(s.ID))
		}).
		Register("site.used", condition.KindNumber, func(s Site) condition.Value {
			return condition.Number(float64(s.View.Used(s.ID)) / bytesPerTB)
		}).
		Register("site.occupancy", condition.KindNumber, func(s Site) condition.Value {
			return condition.Number(occupancy(s))
		}).
		Register("site.replicas", condition.KindNumber, func(s Site) condition.Value {
			return condition.Int(int64(len(s.View.Replicas(s.ID))))
		})
}

// occupancy is partition usage over quota. A site with data but no quota is
// infinitely occupied.
func occupancy(s Site) float64 {
	used := float64(s.View.Used(s.ID)) / bytesPerTB
	quota := s.View.Quota(s.ID)
	if quota <= 0 {
		if used > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return used / quota
}

// Replicas returns the dataset replica variable registry.
func Replicas() *condition.Registry[Replica] {
	return condition.NewRegistry[Replica]("replica").
		Register("replica.owner", condition.KindString, func(r Replica) condition.Value {
			return condition.String(r.Inv.GroupName(r.replica().Group))
		}).
		Register("replica.site", condition.KindString, func(r Replica) condition.Value {
			return condition.String(r.Inv.Site(r.replica().Site).Name)
		}).
		Register("replica.is_complete", condition.KindBool, func(r Replica) condition.Value {
			return condition.Bool(r.replica().IsComplete)
		}).
		Register("replica.is_partial", condition.KindBool, func(r Replica) condition.Value {
			return condition.Bool(r.replica().IsPartial)
		}).
		Register("replica.is_custodial", condition.KindBool, func(r Replica) condition.Value {
			return condition.Bool(r.replica().IsCustodial)
		}).
		Register("replica.is_full", condition.KindBool, func(r Replica) condition.Value {
			return condition.Bool(r.replica().IsFull())
		}).
		Register("replica.size", condition.KindNumber, func(r Replica) condition.Value {
			return condition.Int(r.Inv.ReplicaSize(r.ID))
		}).
		Register("replica.num_blocks", condition.KindNumber, func(r Replica) condition.Value {
			return condition.Int(int64(len(r.replica().BlockReplicas)))
		}).
		Register("replica.last_update", condition.KindTime, func(r Replica) condition.Value {
			return condition.Time(r.replica().LastUpdate)
		}).
		Register("dataset.name", condition.KindString, func(r Replica) condition.Value {
			return condition.String(r.dataset().Name)
		}).
		Register("dataset.size", condition.KindNumber, func(r Replica) condition.Value {
			return condition.Int(r.dataset().Size)
		}).
		Register("dataset.num_files", condition.KindNumber, func(r Replica) condition.Value {
			return condition.Int(int64(r.dataset().NumFiles))
		}).
		Register("dataset.is_open", condition.KindBool, func(r Replica) condition.Value {
			return condition.Bool(r.dataset().IsOpen)
		}).
		Register("dataset.status", condition.KindString, func(r Replica) condition.Value {
			return condition.String(r.dataset().Status)
		}).
		Register("dataset.software_version", condition.KindString, func(r Replica) condition.Value {
			return condition.String(r.dataset().SoftwareVersion)
		}).
		Register("dataset.num_replicas", condition.KindNumber, func(r Replica) condition.Value {
			return condition.Int(int64(len(r.dataset().Replicas)))
		}).
		Register("dataset.num_full_replicas", condition.KindNumber, func(r Replica) condition.Value {
			return condition.Int(int64(r.Inv.NumFullReplicas(r.replica().Dataset)))
		}).
		Register("site.name", condition.KindString, func(r Replica) condition.Value {
			return condition.String(r.Inv.Site(r.replica().Site).Name)
		}).
		Register("site.status", condition.KindString, func(r Replica) condition.Value {
			return condition.String(string(r.Inv.Site(r.replica().Site).Status))
		}).
		Register("site.storage_type", condition.KindString, func(r Replica) condition.Value {
			return condition.String(string(r.Inv.Site(r.replica().Site).StorageType))
		})
}

// BlockReplicas returns the block replica variable registry.
func BlockReplicas() *condition.Registry[BlockReplica] {
	return condition.NewRegistry[BlockReplica]("blockreplica").
		Register("blockreplica.owner", condition.KindString, func(b BlockReplica) condition.Value {
			return condition.String(b.Inv.GroupName(b.blockReplica().Group))
		}).
		Register("blockreplica.is_complete", condition.KindBool, func(b BlockReplica) condition.Value {
			return condition.Bool(b.blockReplica().IsComplete)
		}).
		Register("blockreplica.is_custodial", condition.KindBool, func(b BlockReplica) condition.Value {
			return condition.Bool(b.blockReplica().IsCustodial)
		}).
		Register("blockreplica.size", condition.KindNumber, func(b BlockReplica) condition.Value {
			return condition.Int(b.blockReplica().Size)
		}).
		Register("blockreplica.created", condition.KindTime, func(b BlockReplica) condition.Value {
			return condition.Time(b.blockReplica().Created)
		}).
		Register("blockreplica.last_update", condition.KindTime, func(b BlockReplica) condition.Value {
			return condition.Time(b.blockReplica().LastUpdate)
		}).
		Register("block.name", condition.KindString, func(b BlockReplica) condition.Value {
			return condition.String(b.block().Name)
		}).
		Register("block.size", condition.KindNumber, func(b BlockReplica) condition.Value {
			return condition.Int(b.block().Size)
		}).
		Register("block.num_files", condition.KindNumber, func(b BlockReplica) condition.Value {
			return condition.Int(int64(b.block().NumFiles))
		}).
		Register("block.is_open", condition.KindBool, func(b BlockReplica) condition.Value {
			return condition.Bool(b.block().IsOpen)
		}).
		Register("dataset.name", condition.KindString, func(b BlockReplica) condition.Value {
			return condition.String(b.Inv.Dataset(b.block().Dataset).Name)
		}).
		Register("dataset.size", condition.KindNumber, func(b BlockReplica) condition.Value {
			return condition.Int(b.Inv.Dataset(b.block().Dataset).Size)
		}).
		Register("site.name", condition.KindString, func(b BlockReplica) condition.Value {
			return condition.String(b.Inv.Site(b.blockReplica().Site).Name)
		}).
		Register("site.status", condition.KindString, func(b BlockReplica) condition.Value {
			return condition.String(string(b.Inv.Site(b.blockReplica().Site).Status))
		})
}

// ReplicaPartition builds a partition from a replica condition, e.g.
// "replica.owner in [AnalysisOps, DataOps]".
func ReplicaPartition(name, text string) (inventory.Partition, error) {
	cond, err := condition.Compile(text, Replicas())
	if err != nil {
		return inventory.Partition{}, err
	}
	return inventory.NewPartition(name, func(inv *inventory.Inventory, r *inventory.DatasetReplica) bool {
		return cond.Match(Replica{Inv: inv, ID: r.ID})
	}), nil
}
