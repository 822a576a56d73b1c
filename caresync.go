package caresync

import (
	"github.com/careloop/caresync/internal/connectivity"
	"github.com/careloop/caresync/internal/events"
	"github.com/careloop/caresync/internal/models"
	"github.com/careloop/caresync/internal/status"
	"github.com/careloop/caresync/internal/store"
)

// Domain payload shapes. Entity payloads are opaque JSON to the engine;
// these are the canonical document types apps marshal into them.
type (
	Visit           = models.Visit
	VisitTask       = models.VisitTask
	Observation     = models.Observation
	ReferenceRecord = models.ReferenceRecord

	VisitStatus     = models.VisitStatus
	TaskStatus      = models.TaskStatus
	ObservationKind = models.ObservationKind
	ReferenceKind   = models.ReferenceKind
)

// Visit lifecycle states.
const (
	VisitScheduled  = models.VisitScheduled
	VisitInProgress = models.VisitInProgress
	VisitCompleted  = models.VisitCompleted
	VisitCancelled  = models.VisitCancelled
	VisitMissed     = models.VisitMissed
)

// Task states.
const (
	TaskPending   = models.TaskPending
	TaskCompleted = models.TaskCompleted
	TaskSkipped   = models.TaskSkipped
)

// Entity is one cached record: the local copy of a remote care record, or a
// record created on this device that has not reached the server yet.
type Entity = store.CachedEntity

// Operation is one queued outbox mutation.
type Operation = store.PendingOperation

// Predicate filters cache queries.
type Predicate = store.Predicate

// Stats summarizes cache and outbox contents.
type Stats = store.CacheStats

// Conflict is one remote-wins overwrite kept for audit.
type Conflict = store.Conflict

// Status is a point-in-time snapshot of engine state.
type Status = status.Info

// StatusListener receives status snapshots.
type StatusListener = status.Listener

// ConnState describes device connectivity.
type ConnState = connectivity.State

// EntityType identifies a kind of care record.
type EntityType = events.EntityType

// OperationKind identifies a kind of queued mutation.
type OperationKind = events.OperationKind

// Entity types the engine caches and syncs.
const (
	EntityVisits           = events.EntityVisits
	EntityTasks            = events.EntityTasks
	EntityObservations     = events.EntityObservations
	EntityReferenceRecords = events.EntityReferenceRecords
)

// Outbox operation kinds.
const (
	OpCreate = events.OpCreate
	OpUpdate = events.OpUpdate
	OpDelete = events.OpDelete
)

// ErrNotFound is returned when a cache read misses.
var ErrNotFound = store.ErrNotFound
