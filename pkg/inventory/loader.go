package inventory

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Document is the YAML form of an inventory snapshot.
type Document struct {
	Groups   []string     `yaml:"groups"`
	Sites    []SiteDoc    `yaml:"sites"`
	Datasets []DatasetDoc `yaml:"datasets"`
}

type SiteDoc struct {
	Name        string             `yaml:"name"`
	StorageType StorageType        `yaml:"storage_type"`
	Status      SiteStatus         `yaml:"status"`
	Capacity    float64            `yaml:"capacity"`
	Quotas      map[string]float64 `yaml:"quotas"`
}

type DatasetDoc struct {
	Name            string       `yaml:"name"`
	Status          string       `yaml:"status"`
	SoftwareVersion string       `yaml:"software_version"`
	Open            bool         `yaml:"open"`
	Blocks          []BlockDoc   `yaml:"blocks"`
	Replicas        []ReplicaDoc `yaml:"replicas"`
}

type BlockDoc struct {
	Name  string `yaml:"name"`
	Size  int64  `yaml:"size"`
	Files int    `yaml:"files"`
	Open  bool   `yaml:"open"`
}

// ReplicaDoc describes a dataset replica. When Blocks is empty the replica
// holds every block of the dataset.
type ReplicaDoc struct {
	Site       string            `yaml:"site"`
	Group      string            `yaml:"group"`
	Complete   *bool             `yaml:"complete"`
	Partial    bool              `yaml:"partial"`
	Custodial  bool              `yaml:"custodial"`
	LastUpdate time.Time         `yaml:"last_update"`
	Blocks     []BlockReplicaDoc `yaml:"blocks"`
}

type BlockReplicaDoc struct {
	Name       string    `yaml:"name"`
	Size       *int64    `yaml:"size"`
	Incomplete bool      `yaml:"incomplete"`
	Group      string    `yaml:"group"`
	Created    time.Time `yaml:"created"`
	LastUpdate time.Time `yaml:"last_update"`
}

// LoadFile reads a YAML inventory document from path.
func LoadFile(path string) (*Inventory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open inventory: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load decodes a YAML inventory document.
func Load(r io.Reader) (*Inventory, error) {
	var doc Document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode inventory: %w", err)
	}
	return doc.Build()
}

// Build materializes the document into an Inventory.
func (doc *Document) Build() (*Inventory, error) {
	inv := New()

	for _, g := range doc.Groups {
		if _, err := inv.AddGroup(g); err != nil {
			return nil, err
		}
	}

	for _, s := range doc.Sites {
		id, err := inv.AddSite(Site{Name: s.Name, StorageType: s.StorageType, Status: s.Status, Capacity: s.Capacity})
		if err != nil {
			return nil, err
		}
		for partition, tb := range s.Quotas {
			if err := inv.SetQuota(id, partition, tb); err != nil {
				return nil, err
			}
		}
	}

	for _, d := range doc.Datasets {
		if err := buildDataset(inv, d); err != nil {
			return nil, fmt.Errorf("dataset %q: %w", d.Name, err)
		}
	}
	return inv, nil
}

func buildDataset(inv *Inventory, d DatasetDoc) error {
	ds, err := inv.AddDataset(Dataset{Name: d.Name, Status: d.Status, SoftwareVersion: d.SoftwareVersion, IsOpen: d.Open})
	if err != nil {
		return err
	}
	for _, b := range d.Blocks {
		if _, err := inv.AddBlock(Block{Name: b.Name, Dataset: ds, Size: b.Size, NumFiles: b.Files, IsOpen: b.Open}); err != nil {
			return err
		}
	}

	for _, rd := range d.Replicas {
		site, ok := inv.SiteByName(rd.Site)
		if !ok {
			return fmt.Errorf("site %q: %w", rd.Site, ErrNotFound)
		}
		group, err := lookupGroup(inv, rd.Group)
		if err != nil {
			return err
		}

		complete := rd.Complete == nil || *rd.Complete
		if _, err := inv.AddReplica(DatasetReplica{
			Dataset:     ds,
			Site:        site,
			Group:       group,
			IsComplete:  complete,
			IsPartial:   rd.Partial || (len(rd.Blocks) > 0 && len(rd.Blocks) < len(d.Blocks)),
			IsCustodial: rd.Custodial,
			LastUpdate:  rd.LastUpdate,
		}); err != nil {
			return err
		}

		blocks := rd.Blocks
		if len(blocks) == 0 {
			for _, b := range d.Blocks {
				blocks = append(blocks, BlockReplicaDoc{Name: b.Name, Incomplete: !complete})
			}
		}
		for _, bd := range blocks {
			if err := addBlockReplica(inv, ds, site, group, rd, bd); err != nil {
				return err
			}
		}
	}
	return nil
}

func addBlockReplica(inv *Inventory, ds DatasetID, site SiteID, group GroupID, rd ReplicaDoc, bd BlockReplicaDoc) error {
	bid, ok := inv.BlockByName(ds, bd.Name)
	if !ok {
		return fmt.Errorf("block %q: %w", bd.Name, ErrNotFound)
	}
	if bd.Group != "" {
		g, err := lookupGroup(inv, bd.Group)
		if err != nil {
			return err
		}
		group = g
	}

	size := inv.Block(bid).Size
	if bd.Size != nil {
		size = *bd.Size
	}
	created, updated := bd.Created, bd.LastUpdate
	if updated.IsZero() {
		updated = rd.LastUpdate
	}
	if created.IsZero() {
		created = updated
	}

	_, err := inv.AddBlockReplica(BlockReplica{
		Block:       bid,
		Site:        site,
		Group:       group,
		IsComplete:  !bd.Incomplete,
		IsCustodial: rd.Custodial,
		Size:        size,
		Created:     created,
		LastUpdate:  updated,
	})
	return err
}

func lookupGroup(inv *Inventory, name string) (GroupID, error) {
	if name == "" {
		return NoGroup, nil
	}
	g, ok := inv.GroupByName(name)
	if !ok {
		return NoGroup, fmt.Errorf("group %q: %w", name, ErrNotFound)
	}
	return g, nil
}
