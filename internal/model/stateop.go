package model

import "time"

// OpKind enumerates the mutation verbs of spec.md §4.4.
type OpKind string

const (
	OpSet    OpKind = "set"
	OpMerge  OpKind = "merge"
	OpDelete OpKind = "delete"
	OpInc    OpKind = "inc"
	OpDec    OpKind = "dec"
	OpPush   OpKind = "push"
	OpPop    OpKind = "pop"
	OpSplice OpKind = "splice"
)

// StateOperation is an atomic mutation descriptor, spec.md §3.
type StateOperation struct {
	OpID           string `json:"op_id"`
	ComponentID    string `json:"component_id"`
	Op             OpKind `json:"op"`
	Path           string `json:"path"`
	Value          any    `json:"value,omitempty"`
	PrevValue      any    `json:"prev_value,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	OriginClientID string `json:"origin_client_id"`
	Version        uint64 `json:"version,omitempty"`
	Optimistic     bool   `json:"optimistic"`
}

// ConflictSeverity, spec.md §3 Conflict.
type ConflictSeverity string

const (
	SeverityLow      ConflictSeverity = "low"
	SeverityMedium   ConflictSeverity = "medium"
	SeverityHigh     ConflictSeverity = "high"
	SeverityCritical ConflictSeverity = "critical"
)

// ConflictStatus tracks a Conflict record's lifecycle.
type ConflictStatus string

const (
	ConflictPending  ConflictStatus = "pending"
	ConflictResolved ConflictStatus = "resolved"
	ConflictFailed   ConflictStatus = "failed"
	ConflictIgnored  ConflictStatus = "ignored"
)

// ConflictStrategy names a resolution policy, spec.md §4.4.
type ConflictStrategy string

const (
	StrategyLocalWins     ConflictStrategy = "local_wins"
	StrategyGlobalWins    ConflictStrategy = "global_wins"
	StrategyLastWriteWins ConflictStrategy = "last_write_wins"
	StrategyMerge         ConflictStrategy = "merge"
	StrategyMergePriority ConflictStrategy = "merge_priority"
	StrategyManual        ConflictStrategy = "manual"
	StrategyCustom        ConflictStrategy = "custom"
)

// Conflict is recorded when a local and remote mutation touch
// overlapping paths within the tolerance window, spec.md §3.
type Conflict struct {
	ConflictID       string
	ComponentID      string
	LocalOp          StateOperation
	RemoteOp         StateOperation
	ConflictingPaths []string
	Severity         ConflictSeverity
	Status           ConflictStatus
	StrategyUsed     ConflictStrategy
	ResolvedAt       time.Time
}
