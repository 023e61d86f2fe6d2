package history

import "time"

// Operation is the kind of a cycle.
type Operation string

const (
	OpDeletion     Operation = "deletion"
	OpDeletionTest Operation = "deletion_test"
	OpCopy         Operation = "copy"
	OpCopyTest     Operation = "copy_test"
)

// DeletionOperation returns the deletion operation for test or production.
func DeletionOperation(test bool) Operation {
	if test {
		return OpDeletionTest
	}
	return OpDeletion
}

// CopyOperation returns the copy operation for test or production.
func CopyOperation(test bool) Operation {
	if test {
		return OpCopyTest
	}
	return OpCopy
}

// Family returns the operations that share the open-cycle slot of op in a
// partition: a test run and a production run of the same process never
// overlap.
func (op Operation) Family() []Operation {
	switch op {
	case OpDeletion, OpDeletionTest:
		return []Operation{OpDeletion, OpDeletionTest}
	case OpCopy, OpCopyTest:
		return []Operation{OpCopy, OpCopyTest}
	}
	return []Operation{op}
}

// Partition is a named partition.
type Partition struct {
	ID   int64  `gorm:"primaryKey" json:"id"`
	Name string `gorm:"uniqueIndex;not null;size:64" json:"name"`
}

// Cycle is one run of the deletion or copy process. TimeEnd is nil while
// the cycle is open.
type Cycle struct {
	ID          int64      `gorm:"primaryKey" json:"id"`
	PartitionID int64      `gorm:"index:idx_cycles_partition_op;not null" json:"partition_id"`
	Operation   Operation  `gorm:"index:idx_cycles_partition_op;not null;size:16" json:"operation"`
	PolicyID    *int64     `json:"policy_id,omitempty"`
	Comment     string     `gorm:"type:text" json:"comment"`
	TimeStart   time.Time  `gorm:"not null" json:"time_start"`
	TimeEnd     *time.Time `json:"time_end,omitempty"`
}

// IsOpen reports whether the cycle still accepts writes.
func (c *Cycle) IsOpen() bool {
	return c.TimeEnd == nil
}

// Policy is the full text of a deletion policy, stored once per distinct
// text.
type Policy struct {
	ID   int64  `gorm:"primaryKey"`
	Hash string `gorm:"uniqueIndex:idx_policies_hash_key;not null;size:64"`
	Text string `gorm:"type:text;not null"`
}

// PolicyCondition is a normalized condition text referenced by decisions.
type PolicyCondition struct {
	ID   int64  `gorm:"primaryKey" json:"id"`
	Hash string `gorm:"uniqueIndex:idx_policy_conditions_hash_key;not null;size:64" json:"-"`
	Text string `gorm:"type:text;not null" json:"text"`
}

// Site maps a site name to the id used in snapshots.
type Site struct {
	ID   int64  `gorm:"primaryKey"`
	Name string `gorm:"uniqueIndex;not null;size:64"`
}

// Dataset maps a dataset name to the id used in snapshots.
type Dataset struct {
	ID   int64  `gorm:"primaryKey"`
	Name string `gorm:"uniqueIndex;not null;size:512"`
}

// CopyRequest is one request emitted by a copy cycle.
type CopyRequest struct {
	ID        int64  `gorm:"primaryKey"`
	CycleID   int64  `gorm:"index;not null"`
	DatasetID int64  `gorm:"not null"`
	SiteID    int64  `gorm:"not null"`
	Rule      string `gorm:"size:64;not null"`
}

// PartitionLock marks the writer currently allowed to modify a partition.
type PartitionLock struct {
	PartitionID int64     `gorm:"primaryKey;autoIncrement:false"`
	Owner       string    `gorm:"size:36;not null"`
	Host        string    `gorm:"size:255"`
	PID         int       `gorm:"column:pid"`
	AcquiredAt  time.Time `gorm:"not null"`
}

// AllModels returns all GORM models for auto-migration.
func AllModels() []any {
	return []any{
		&Partition{},
		&Policy{},
		&PolicyCondition{},
		&Cycle{},
		&Site{},
		&Dataset{},
		&CopyRequest{},
		&PartitionLock{},
	}
}
