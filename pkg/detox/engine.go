package detox

import (
	"github.com/dynamo-dm/dynamo/pkg/inventory"
	"github.com/dynamo-dm/dynamo/pkg/variables"
)

// tbPerByte converts bytes to TB.
const tbPerByte = 1e-12

// TB converts a size in bytes to TB.
func TB(size int64) float64 { return float64(size) * tbPerByte }

// Volumes holds per-decision volumes in TB.
type Volumes struct {
	Protect float64 `json:"protect"`
	Delete  float64 `json:"delete"`
	Keep    float64 `json:"keep"`
}

// Add accumulates tb under decision d.
func (v *Volumes) Add(d Decision, tb float64) {
	switch d {
	case Protect:
		v.Protect += tb
	case Delete:
		v.Delete += tb
	case Keep:
		v.Keep += tb
	}
}

// Of returns the volume of decision d.
func (v Volumes) Of(d Decision) float64 {
	switch d {
	case Protect:
		return v.Protect
	case Delete:
		return v.Delete
	default:
		return v.Keep
	}
}

// Row is the decision on a replica, or on the part of it decided by one
// policy line when block lines split the replica.
type Row struct {
	Replica     inventory.ReplicaID
	Site        inventory.SiteID
	Dataset     inventory.DatasetID
	Size        int64
	Decision    Decision
	Line        int
	ConditionID int64
}

// SiteState is the per-site state recorded with a cycle. Status and quota
// are copied from the inventory at evaluation time.
type SiteState struct {
	Site    inventory.SiteID
	Name    string
	Status  inventory.SiteStatus
	Quota   float64
	Volumes Volumes
}

// Result is the outcome of one evaluation.
type Result struct {
	Partition  string
	Rows       []Row
	Sites      []SiteState
	Candidates int
}

// Evaluate classifies every candidate replica in view. Lines are tried in
// order and the first match decides. A replica left undecided fails the
// whole evaluation with *NoMatchingRuleError; no partial result is returned.
func Evaluate(view *inventory.View, p *Policy) (*Result, error) {
	inv := view.Inventory()
	res := &Result{Partition: p.Partition}

	for _, sid := range view.Sites() {
		site := inv.Site(sid)
		state := SiteState{
			Site:   sid,
			Name:   site.Name,
			Status: site.Status,
			Quota:  view.Quota(sid),
		}

		if p.Target == nil || p.Target.Match(variables.Site{View: view, ID: sid}) {
			for _, rid := range view.Replicas(sid) {
				rows, err := evaluateReplica(inv, p, rid)
				if err != nil {
					return nil, err
				}
				for _, row := range rows {
					state.Volumes.Add(row.Decision, TB(row.Size))
				}
				res.Rows = append(res.Rows, rows...)
				res.Candidates++
			}
		}
		res.Sites = append(res.Sites, state)
	}
	return res, nil
}

func evaluateReplica(inv *inventory.Inventory, p *Policy, rid inventory.ReplicaID) ([]Row, error) {
	r := inv.Replica(rid)
	pending := append([]inventory.BlockReplicaID(nil), r.BlockReplicas...)

	var (
		rows   []Row
		byLine = map[int]int{} // line index -> position in rows
		whole  bool
	)
	decide := func(line *PolicyLine, size int64) {
		if i, ok := byLine[line.Index]; ok {
			rows[i].Size += size
			return
		}
		byLine[line.Index] = len(rows)
		rows = append(rows, Row{
			Replica:     rid,
			Site:        r.Site,
			Dataset:     r.Dataset,
			Size:        size,
			Decision:    line.Decision,
			Line:        line.Index,
			ConditionID: line.ConditionID,
		})
	}

	for _, line := range p.Lines {
		if !line.Block {
			if line.replica.Match(variables.Replica{Inv: inv, ID: rid}) {
				var size int64
				for _, brid := range pending {
					size += inv.BlockReplica(brid).Size
				}
				decide(line, size)
				whole = true
				break
			}
			continue
		}

		rest := pending[:0]
		for _, brid := range pending {
			if line.block.Match(variables.BlockReplica{Inv: inv, ID: brid}) {
				decide(line, inv.BlockReplica(brid).Size)
			} else {
				rest = append(rest, brid)
			}
		}
		pending = rest
		if len(pending) == 0 && len(rows) > 0 {
			break
		}
	}

	if whole || (len(pending) == 0 && len(rows) > 0) {
		return rows, nil
	}

	err := &NoMatchingRuleError{
		Partition: p.Partition,
		Site:      inv.Site(r.Site).Name,
		Dataset:   inv.Dataset(r.Dataset).Name,
	}
	if len(rows) > 0 {
		err.Block = inv.Block(inv.BlockReplica(pending[0]).Block).Name
	}
	return nil, err
}
