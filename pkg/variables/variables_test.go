package variables

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynamo-dm/dynamo/pkg/condition"
	"github.com/dynamo-dm/dynamo/pkg/inventory"
)

const doc = `
groups: [AnalysisOps]
sites:
  - {name: T2_A, status: ready, capacity: 500, quotas: {AnalysisOps: 2}}
  - {name: T2_B, status: morgue, storage_type: disk}
datasets:
  - name: /D/R/MINIAOD
    status: valid
    software_version: CMSSW_10_6
    blocks:
      - {name: "#1", size: 1000000000000, files: 3}
      - {name: "#2", size: 2000000000000, files: 4}
    replicas:
      - site: T2_A
        group: AnalysisOps
        last_update: 2024-01-01T00:00:00Z
      - site: T2_B
        blocks: [{name: "#2", incomplete: true, size: 100}]
`

func load(t *testing.T) *inventory.Inventory {
	t.Helper()
	inv, err := inventory.Load(strings.NewReader(doc))
	require.NoError(t, err)
	return inv
}

func match[T any](t *testing.T, reg *condition.Registry[T], text string, e T) bool {
	t.Helper()
	c, err := condition.Compile(text, reg)
	require.NoError(t, err)
	return c.Match(e)
}

func TestSiteVariables(t *testing.T) {
	inv := load(t)
	view := inv.View(inventory.GroupPartition("AnalysisOps", "AnalysisOps"))
	a, _ := inv.SiteByName("T2_A")
	b, _ := inv.SiteByName("T2_B")

	reg := Sites()
	sa := Site{View: view, ID: a}
	sb := Site{View: view, ID: b}

	assert.True(t, match(t, reg, "site.name == T2_* and site.status == ready", sa))
	assert.True(t, match(t, reg, "site.quota == 2 and site.used == 3", sa))
	assert.True(t, match(t, reg, "site.occupancy > 1.4", sa))
	assert.True(t, match(t, reg, "site.replicas == 1 and site.capacity == 500", sa))
	assert.True(t, match(t, reg, "site.storage_type == disk", sb))
	assert.False(t, match(t, reg, "site.status in [ready, waitroom]", sb))

	assert.Equal(t, 1.5, occupancy(sa))
	assert.Equal(t, 0.0, occupancy(sb))
}

func TestOccupancyWithoutQuota(t *testing.T) {
	inv := load(t)
	view := inv.View(inventory.AllPartition("Physics"))
	a, _ := inv.SiteByName("T2_A")
	assert.True(t, math.IsInf(occupancy(Site{View: view, ID: a}), 1))
}

func TestReplicaVariables(t *testing.T) {
	inv := load(t)
	ds, _ := inv.DatasetByName("/D/R/MINIAOD")
	a, _ := inv.SiteByName("T2_A")
	b, _ := inv.SiteByName("T2_B")
	ra, _ := inv.ReplicaAt(ds, a)
	rb, _ := inv.ReplicaAt(ds, b)

	reg := Replicas().WithNow(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	full := Replica{Inv: inv, ID: ra}
	partial := Replica{Inv: inv, ID: rb}

	assert.True(t, match(t, reg, "replica.owner == AnalysisOps and replica.is_full", full))
	assert.True(t, match(t, reg, "replica.size == 3 TB and replica.num_blocks == 2", full))
	assert.True(t, match(t, reg, "replica.last_update older_than 30 days ago", full))
	assert.True(t, match(t, reg, "dataset.name == /*/*/MINIAOD and dataset.status == valid", full))
	assert.True(t, match(t, reg, "dataset.software_version == CMSSW_10_* and dataset.num_files == 7", full))
	assert.True(t, match(t, reg, "dataset.num_replicas == 2 and dataset.num_full_replicas == 1", full))
	assert.True(t, match(t, reg, "site.name == T2_A and replica.site == T2_A", full))

	assert.True(t, match(t, reg, "replica.owner == '' and replica.is_partial", partial))
	assert.True(t, match(t, reg, "not replica.is_full and replica.size == 100", partial))
	assert.True(t, match(t, reg, "site.status == morgue and not dataset.is_open", partial))
}

func TestBlockReplicaVariables(t *testing.T) {
	inv := load(t)
	ds, _ := inv.DatasetByName("/D/R/MINIAOD")
	b, _ := inv.SiteByName("T2_B")
	rb, _ := inv.ReplicaAt(ds, b)
	brid := inv.Replica(rb).BlockReplicas[0]

	reg := BlockReplicas()
	br := BlockReplica{Inv: inv, ID: brid}
	assert.True(t, match(t, reg, "block.name == '#2' and not blockreplica.is_complete", br))
	assert.True(t, match(t, reg, "blockreplica.size == 100 and block.size == 2 TB", br))
	assert.True(t, match(t, reg, "blockreplica.owner == '' and site.name == T2_B", br))
	assert.True(t, match(t, reg, "dataset.name == /D/R/MINIAOD and block.num_files == 4", br))
}

func TestReplicaPartition(t *testing.T) {
	inv := load(t)

	p, err := ReplicaPartition("Owned", "replica.owner != ''")
	require.NoError(t, err)
	assert.Equal(t, 1, inv.View(p).NumReplicas())

	_, err = ReplicaPartition("Bad", "replica.colour == red")
	var se *condition.SyntaxError
	assert.ErrorAs(t, err, &se)
}
