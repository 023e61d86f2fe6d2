package inventory

// View is the inventory seen through one partition. Membership is computed
// once at construction; the inventory must not change while the view is used.
type View struct {
	inv       *Inventory
	partition Partition

	member map[ReplicaID]bool
	bySite map[SiteID][]ReplicaID
	used   map[SiteID]int64
}

// View returns the partitioned view of inv.
func (inv *Inventory) View(p Partition) *View {
	v := &View{
		inv:       inv,
		partition: p,
		member:    make(map[ReplicaID]bool),
		bySite:    make(map[SiteID][]ReplicaID),
		used:      make(map[SiteID]int64),
	}
	for i := range inv.replicas {
		r := &inv.replicas[i]
		if p.Contains == nil || !p.Contains(inv, r) {
			continue
		}
		v.member[r.ID] = true
		v.bySite[r.Site] = append(v.bySite[r.Site], r.ID)
		v.used[r.Site] += inv.ReplicaSize(r.ID)
	}
	return v
}

func (v *View) Inventory() *Inventory { return v.inv }
func (v *View) Partition() Partition  { return v.partition }

// Sites returns every site ordered by name. Sites hosting no partition
// replicas are included so that their quota can be reported.
func (v *View) Sites() []SiteID { return v.inv.Sites() }

// Replicas returns the partition's replicas at site.
func (v *View) Replicas(site SiteID) []ReplicaID { return v.bySite[site] }

// Contains reports whether the replica is part of the partition.
func (v *View) Contains(r ReplicaID) bool { return v.member[r] }

// Quota returns the partition quota at site in TB.
func (v *View) Quota(site SiteID) float64 {
	return v.inv.sites[site].quotas[v.partition.Name]
}

// Used returns the partition bytes stored at site.
func (v *View) Used(site SiteID) int64 { return v.used[site] }

// DatasetReplicas returns the partition's replicas of ds.
func (v *View) DatasetReplicas(ds DatasetID) []ReplicaID {
	var out []ReplicaID
	for _, rid := range v.inv.datasets[ds].Replicas {
		if v.member[rid] {
			out = append(out, rid)
		}
	}
	return out
}

// NumReplicas counts partition replicas.
func (v *View) NumReplicas() int { return len(v.member) }
