package listcache

import "github.com/unkn0wn-root/listcache/identity"

// MutationKind classifies a canonical write.
type MutationKind uint8

const (
	MutationCreate MutationKind = iota + 1
	MutationUpdate
	MutationDelete
)

func (k MutationKind) String() string {
	switch k {
	case MutationCreate:
		return "create"
	case MutationUpdate:
		return "update"
	case MutationDelete:
		return "delete"
	}
	return "unknown"
}

// Mutation describes one canonical write for planning purposes. It carries no
// payload; the policy decides from shape alone.
type Mutation struct {
	Kind       MutationKind
	EntityKind string      // cache namespace, e.g. "order"
	ID         identity.ID // zero for a Create until a provisional id is minted
	Fields     []string    // field names an Update touches
}

// ActionKind names one cache effect a mutation requires.
type ActionKind uint8

const (
	// ActionPrepend inserts the new entity at the head of matching first
	// Browsing pages.
	ActionPrepend ActionKind = iota + 1
	// ActionPatch rewrites the entity in place on Browsing pages.
	ActionPatch
	// ActionRemove deletes the entity from Browsing pages.
	ActionRemove
	// ActionInvalidatePartition orphans every page of one partition.
	ActionInvalidatePartition
)

func (k ActionKind) String() string {
	switch k {
	case ActionPrepend:
		return "prepend"
	case ActionPatch:
		return "patch"
	case ActionRemove:
		return "remove"
	case ActionInvalidatePartition:
		return "invalidate_partition"
	}
	return "unknown"
}

// Action is one planned cache effect. Partition is set only for
// ActionInvalidatePartition.
type Action struct {
	Kind      ActionKind
	Partition Partition
}

// Policy plans the cache effects of a mutation. Plan must be pure: same
// mutation in, same actions out, no I/O.
type Policy interface {
	Plan(m Mutation) []Action
}

// DefaultPolicy is the standard consistency table.
//
// Creates surgically insert into Browsing and invalidate Search, because a
// server-ranked result list cannot be patched client-side. Updates patch
// Browsing in place and invalidate Search. Deletes remove from Browsing and
// invalidate Search.
type DefaultPolicy struct {
	// CanPrepend reports whether a membership test exists. Without one no
	// Browsing page can be proven to want a new entity, so Creates degrade
	// to invalidating Browsing as well.
	CanPrepend bool
}

var _ Policy = DefaultPolicy{}

func (p DefaultPolicy) Plan(m Mutation) []Action {
	switch m.Kind {
	case MutationCreate:
		if p.CanPrepend {
			return []Action{
				{Kind: ActionPrepend},
				{Kind: ActionInvalidatePartition, Partition: PartitionSearch},
			}
		}
		return []Action{
			{Kind: ActionInvalidatePartition, Partition: PartitionBrowsing},
			{Kind: ActionInvalidatePartition, Partition: PartitionSearch},
		}
	case MutationUpdate:
		return []Action{
			{Kind: ActionPatch},
			{Kind: ActionInvalidatePartition, Partition: PartitionSearch},
		}
	case MutationDelete:
		return []Action{
			{Kind: ActionRemove},
			{Kind: ActionInvalidatePartition, Partition: PartitionSearch},
		}
	}
	return nil
}

// planHas reports whether the plan contains an action of the given kind.
func planHas(plan []Action, kind ActionKind) bool {
	for _, a := range plan {
		if a.Kind == kind {
			return true
		}
	}
	return false
}

// planPartitions returns the partitions the plan wants invalidated.
func planPartitions(plan []Action) []Partition {
	var out []Partition
	for _, a := range plan {
		if a.Kind == ActionInvalidatePartition {
			out = append(out, a.Partition)
		}
	}
	return out
}
