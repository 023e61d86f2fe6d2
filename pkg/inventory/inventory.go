// Package inventory holds the in-memory graph of sites, groups, datasets,
// blocks and their replicas.
//
// Entities live in per-kind arenas and reference each other by integer
// handles, so the graph has no pointer cycles and can be shared read-only by
// the decision engines for the duration of a pass.
package inventory

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dynamo-dm/dynamo/internal/logger"
)

var (
	ErrDuplicate = errors.New("duplicate entity")
	ErrNotFound  = errors.New("entity not found")
)

type (
	SiteID         int
	GroupID        int
	DatasetID      int
	BlockID        int
	ReplicaID      int
	BlockReplicaID int
)

// NoGroup marks a replica without an owning group.
const NoGroup GroupID = -1

type StorageType string

const (
	StorageDisk StorageType = "disk"
	StorageMSS  StorageType = "mss"
)

type SiteStatus string

const (
	SiteReady    SiteStatus = "ready"
	SiteWaitroom SiteStatus = "waitroom"
	SiteMorgue   SiteStatus = "morgue"
	SiteUnknown  SiteStatus = "unknown"
)

// Site is a storage endpoint. Capacity is in TB.
type Site struct {
	ID          SiteID
	Name        string
	StorageType StorageType
	Status      SiteStatus
	Capacity    float64

	quotas map[string]float64 // partition name -> TB
}

// Group is an ownership/accounting entity.
type Group struct {
	ID   GroupID
	Name string
}

// Dataset is a named collection of blocks. Size and NumFiles are the sums
// over its blocks.
type Dataset struct {
	ID              DatasetID
	Name            string
	Size            int64
	NumFiles        int
	IsOpen          bool
	Status          string
	SoftwareVersion string

	Blocks   []BlockID
	Replicas []ReplicaID
}

type Block struct {
	ID       BlockID
	Name     string
	Dataset  DatasetID
	Size     int64
	NumFiles int
	IsOpen   bool
}

// DatasetReplica is the presence of a dataset at a site.
type DatasetReplica struct {
	ID          ReplicaID
	Dataset     DatasetID
	Site        SiteID
	Group       GroupID
	IsComplete  bool
	IsPartial   bool
	IsCustodial bool
	LastUpdate  time.Time

	BlockReplicas []BlockReplicaID
}

// IsFull reports whether the replica holds every block, completely.
func (r *DatasetReplica) IsFull() bool {
	return r.IsComplete && !r.IsPartial
}

// BlockReplica is the presence of a block at a site. Size is the number of
// bytes actually present.
type BlockReplica struct {
	ID          BlockReplicaID
	Block       BlockID
	Site        SiteID
	Group       GroupID
	Replica     ReplicaID // owning dataset replica, -1 when orphaned
	IsComplete  bool
	IsCustodial bool
	Size        int64
	Created     time.Time
	LastUpdate  time.Time
}

type replicaKey struct {
	dataset DatasetID
	site    SiteID
}

// Inventory is the arena owning every entity. It is not safe for concurrent
// mutation; once built it may be read from any number of goroutines.
type Inventory struct {
	sites         []Site
	groups        []Group
	datasets      []Dataset
	blocks        []Block
	replicas      []DatasetReplica
	blockReplicas []BlockReplica

	siteByName    map[string]SiteID
	groupByName   map[string]GroupID
	datasetByName map[string]DatasetID
	blockByName   map[DatasetID]map[string]BlockID
	replicaAt     map[replicaKey]ReplicaID
	siteReplicas  map[SiteID][]ReplicaID
	orphans       []BlockReplicaID
}

// New returns an empty inventory.
func New() *Inventory {
	return &Inventory{
		siteByName:    make(map[string]SiteID),
		groupByName:   make(map[string]GroupID),
		datasetByName: make(map[string]DatasetID),
		blockByName:   make(map[DatasetID]map[string]BlockID),
		replicaAt:     make(map[replicaKey]ReplicaID),
		siteReplicas:  make(map[SiteID][]ReplicaID),
	}
}

// AddSite registers a site. Name must be unique.
func (inv *Inventory) AddSite(s Site) (SiteID, error) {
	if _, ok := inv.siteByName[s.Name]; ok {
		return 0, fmt.Errorf("site %q: %w", s.Name, ErrDuplicate)
	}
	if s.StorageType == "" {
		s.StorageType = StorageDisk
	}
	if s.Status == "" {
		s.Status = SiteUnknown
	}
	s.ID = SiteID(len(inv.sites))
	s.quotas = make(map[string]float64)
	inv.sites = append(inv.sites, s)
	inv.siteByName[s.Name] = s.ID
	return s.ID, nil
}

// AddGroup registers a group. Name must be unique.
func (inv *Inventory) AddGroup(name string) (GroupID, error) {
	if _, ok := inv.groupByName[name]; ok {
		return 0, fmt.Errorf("group %q: %w", name, ErrDuplicate)
	}
	id := GroupID(len(inv.groups))
	inv.groups = append(inv.groups, Group{ID: id, Name: name})
	inv.groupByName[name] = id
	return id, nil
}

// AddDataset registers a dataset with no blocks. Name must be unique.
func (inv *Inventory) AddDataset(d Dataset) (DatasetID, error) {
	if _, ok := inv.datasetByName[d.Name]; ok {
		return 0, fmt.Errorf("dataset %q: %w", d.Name, ErrDuplicate)
	}
	d.ID = DatasetID(len(inv.datasets))
	d.Size, d.NumFiles = 0, 0
	d.Blocks, d.Replicas = nil, nil
	inv.datasets = append(inv.datasets, d)
	inv.datasetByName[d.Name] = d.ID
	inv.blockByName[d.ID] = make(map[string]BlockID)
	return d.ID, nil
}

// AddBlock appends a block to its dataset and updates the dataset totals.
func (inv *Inventory) AddBlock(b Block) (BlockID, error) {
	if !inv.validDataset(b.Dataset) {
		return 0, fmt.Errorf("dataset %d: %w", b.Dataset, ErrNotFound)
	}
	if _, ok := inv.blockByName[b.Dataset][b.Name]; ok {
		return 0, fmt.Errorf("block %q: %w", b.Name, ErrDuplicate)
	}
	b.ID = BlockID(len(inv.blocks))
	inv.blocks = append(inv.blocks, b)
	inv.blockByName[b.Dataset][b.Name] = b.ID

	ds := &inv.datasets[b.Dataset]
	ds.Blocks = append(ds.Blocks, b.ID)
	ds.Size += b.Size
	ds.NumFiles += b.NumFiles
	return b.ID, nil
}

// AddReplica records a dataset replica. At most one replica may exist per
// (dataset, site).
func (inv *Inventory) AddReplica(r DatasetReplica) (ReplicaID, error) {
	if !inv.validDataset(r.Dataset) {
		return 0, fmt.Errorf("dataset %d: %w", r.Dataset, ErrNotFound)
	}
	if !inv.validSite(r.Site) {
		return 0, fmt.Errorf("site %d: %w", r.Site, ErrNotFound)
	}
	key := replicaKey{r.Dataset, r.Site}
	if _, ok := inv.replicaAt[key]; ok {
		return 0, fmt.Errorf("replica of %q at %q: %w",
			inv.datasets[r.Dataset].Name, inv.sites[r.Site].Name, ErrDuplicate)
	}
	r.ID = ReplicaID(len(inv.replicas))
	r.BlockReplicas = nil
	inv.replicas = append(inv.replicas, r)
	inv.replicaAt[key] = r.ID
	inv.siteReplicas[r.Site] = append(inv.siteReplicas[r.Site], r.ID)
	ds := &inv.datasets[r.Dataset]
	ds.Replicas = append(ds.Replicas, r.ID)
	return r.ID, nil
}

// AddBlockReplica records a block replica and links it to the dataset
// replica at the same site. A missing dataset replica is logged and the block
// replica is kept as an orphan that no partition view will return.
func (inv *Inventory) AddBlockReplica(br BlockReplica) (BlockReplicaID, error) {
	if int(br.Block) < 0 || int(br.Block) >= len(inv.blocks) {
		return 0, fmt.Errorf("block %d: %w", br.Block, ErrNotFound)
	}
	if !inv.validSite(br.Site) {
		return 0, fmt.Errorf("site %d: %w", br.Site, ErrNotFound)
	}
	br.ID = BlockReplicaID(len(inv.blockReplicas))

	block := &inv.blocks[br.Block]
	rid, ok := inv.replicaAt[replicaKey{block.Dataset, br.Site}]
	if !ok {
		logger.Warn("block replica without dataset replica",
			logger.KeyBlock, block.Name,
			logger.KeyDataset, inv.datasets[block.Dataset].Name,
			logger.KeySite, inv.sites[br.Site].Name)
		br.Replica = -1
		inv.blockReplicas = append(inv.blockReplicas, br)
		inv.orphans = append(inv.orphans, br.ID)
		return br.ID, nil
	}

	br.Replica = rid
	inv.blockReplicas = append(inv.blockReplicas, br)
	r := &inv.replicas[rid]
	r.BlockReplicas = append(r.BlockReplicas, br.ID)
	return br.ID, nil
}

// SetQuota sets the quota of site for partition, in TB.
func (inv *Inventory) SetQuota(site SiteID, partition string, tb float64) error {
	if !inv.validSite(site) {
		return fmt.Errorf("site %d: %w", site, ErrNotFound)
	}
	inv.sites[site].quotas[partition] = tb
	return nil
}

func (inv *Inventory) validSite(id SiteID) bool {
	return int(id) >= 0 && int(id) < len(inv.sites)
}

func (inv *Inventory) validDataset(id DatasetID) bool {
	return int(id) >= 0 && int(id) < len(inv.datasets)
}

func (inv *Inventory) Site(id SiteID) *Site                         { return &inv.sites[id] }
func (inv *Inventory) Dataset(id DatasetID) *Dataset                { return &inv.datasets[id] }
func (inv *Inventory) Block(id BlockID) *Block                      { return &inv.blocks[id] }
func (inv *Inventory) Replica(id ReplicaID) *DatasetReplica         { return &inv.replicas[id] }
func (inv *Inventory) BlockReplica(id BlockReplicaID) *BlockReplica { return &inv.blockReplicas[id] }

// Group returns the group for id, or nil for NoGroup.
func (inv *Inventory) Group(id GroupID) *Group {
	if id == NoGroup || int(id) < 0 || int(id) >= len(inv.groups) {
		return nil
	}
	return &inv.groups[id]
}

// GroupName returns the owning group name, or "" for NoGroup.
func (inv *Inventory) GroupName(id GroupID) string {
	if g := inv.Group(id); g != nil {
		return g.Name
	}
	return ""
}

func (inv *Inventory) SiteByName(name string) (SiteID, bool) {
	id, ok := inv.siteByName[name]
	return id, ok
}

func (inv *Inventory) GroupByName(name string) (GroupID, bool) {
	id, ok := inv.groupByName[name]
	return id, ok
}

func (inv *Inventory) DatasetByName(name string) (DatasetID, bool) {
	id, ok := inv.datasetByName[name]
	return id, ok
}

// BlockByName looks a block up within its dataset.
func (inv *Inventory) BlockByName(ds DatasetID, name string) (BlockID, bool) {
	id, ok := inv.blockByName[ds][name]
	return id, ok
}

// ReplicaAt returns the replica of ds at site, if any.
func (inv *Inventory) ReplicaAt(ds DatasetID, site SiteID) (ReplicaID, bool) {
	id, ok := inv.replicaAt[replicaKey{ds, site}]
	return id, ok
}

// Sites returns all site ids ordered by name.
func (inv *Inventory) Sites() []SiteID {
	ids := make([]SiteID, len(inv.sites))
	for i := range inv.sites {
		ids[i] = SiteID(i)
	}
	sort.Slice(ids, func(i, j int) bool { return inv.sites[ids[i]].Name < inv.sites[ids[j]].Name })
	return ids
}

// ReplicasAt returns every dataset replica at site in insertion order.
func (inv *Inventory) ReplicasAt(site SiteID) []ReplicaID {
	return inv.siteReplicas[site]
}

// Orphans returns block replicas recorded without a dataset replica.
func (inv *Inventory) Orphans() []BlockReplicaID {
	return inv.orphans
}

// ReplicaSize returns the bytes present at the replica's site.
func (inv *Inventory) ReplicaSize(id ReplicaID) int64 {
	var size int64
	for _, brid := range inv.replicas[id].BlockReplicas {
		size += inv.blockReplicas[brid].Size
	}
	return size
}

// NumFullReplicas counts the full replicas of ds across all sites.
func (inv *Inventory) NumFullReplicas(ds DatasetID) int {
	n := 0
	for _, rid := range inv.datasets[ds].Replicas {
		if inv.replicas[rid].IsFull() {
			n++
		}
	}
	return n
}

// Counts reports entity totals, for logging.
func (inv *Inventory) Counts() (sites, datasets, replicas, blockReplicas int) {
	return len(inv.sites), len(inv.datasets), len(inv.replicas), len(inv.blockReplicas)
}
