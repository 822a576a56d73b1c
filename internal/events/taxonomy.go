package events

import "strings"

// EntityType represents the canonical entity types the engine can cache and sync.
type EntityType string

// OperationKind represents the canonical mutation kinds for outbox operations.
type OperationKind string

// OpStatus represents the lifecycle state of a queued operation.
type OpStatus string

// Canonical entity types
const (
	EntityVisits           EntityType = "visits"
	EntityTasks            EntityType = "tasks"
	EntityObservations     EntityType = "observations"
	EntityReferenceRecords EntityType = "reference_records"
)

// Canonical operation kinds
const (
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
)

// Operation statuses. An operation is removed on confirmed remote
// application, so there is no terminal "applied" status to store.
const (
	StatusPending  OpStatus = "pending"
	StatusInFlight OpStatus = "in_flight"
	StatusFailed   OpStatus = "failed"
)

// AllEntityTypes returns all valid entity types.
func AllEntityTypes() map[EntityType]bool {
	return map[EntityType]bool{
		EntityVisits:           true,
		EntityTasks:            true,
		EntityObservations:     true,
		EntityReferenceRecords: true,
	}
}

// AllOperationKinds returns all valid operation kinds.
func AllOperationKinds() map[OperationKind]bool {
	return map[OperationKind]bool{
		OpCreate: true,
		OpUpdate: true,
		OpDelete: true,
	}
}

// ValidEntityType reports whether s is a canonical entity type.
func ValidEntityType(s string) bool {
	return AllEntityTypes()[EntityType(s)]
}

// ValidOperationKind reports whether s is a canonical operation kind.
func ValidOperationKind(s string) bool {
	return AllOperationKinds()[OperationKind(s)]
}

// NormalizeEntityType maps singular/plural aliases to canonical entity types.
// Returns false when the entity type is not supported by the engine.
func NormalizeEntityType(s string) (EntityType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "visit", "visits":
		return EntityVisits, true
	case "task", "tasks", "visit_task", "visit_tasks":
		return EntityTasks, true
	case "observation", "observations":
		return EntityObservations, true
	case "reference", "reference_record", "reference_records":
		return EntityReferenceRecords, true
	default:
		return "", false
	}
}
