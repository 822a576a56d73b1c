package models

import (
	"encoding/json"
	"time"
)

// VisitStatus represents the lifecycle state of a care visit
type VisitStatus string

const (
	VisitScheduled  VisitStatus = "scheduled"
	VisitInProgress VisitStatus = "in_progress"
	VisitCompleted  VisitStatus = "completed"
	VisitCancelled  VisitStatus = "cancelled"
	VisitMissed     VisitStatus = "missed"
)

// TaskStatus represents the state of a single task within a visit
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskCompleted TaskStatus = "completed"
	TaskSkipped   TaskStatus = "skipped"
)

// ObservationKind classifies an observation recorded during a visit
type ObservationKind string

const (
	ObservationVital      ObservationKind = "vital"
	ObservationIncident   ObservationKind = "incident"
	ObservationNote       ObservationKind = "note"
	ObservationMood       ObservationKind = "mood"
	ObservationMeal       ObservationKind = "meal"
	ObservationMedication ObservationKind = "medication"
)

// ReferenceKind classifies read-mostly reference data pulled for offline use
type ReferenceKind string

const (
	ReferenceElder        ReferenceKind = "elder"
	ReferenceCaregiver    ReferenceKind = "caregiver"
	ReferenceTaskTemplate ReferenceKind = "task_template"
	ReferenceCarePlan     ReferenceKind = "care_plan"
)

// Visit is a scheduled care visit between a caregiver and an elder.
type Visit struct {
	ID             string      `json:"id"`
	ElderID        string      `json:"elder_id"`
	CaregiverID    string      `json:"caregiver_id"`
	ScheduledStart time.Time   `json:"scheduled_start"`
	ScheduledEnd   time.Time   `json:"scheduled_end"`
	Status         VisitStatus `json:"status"`
	Notes          string      `json:"notes,omitempty"`
	Version        int64       `json:"version"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// VisitTask is one task on a visit's care plan checklist.
type VisitTask struct {
	ID          string     `json:"id"`
	VisitID     string     `json:"visit_id"`
	TemplateID  string     `json:"template_id,omitempty"`
	Title       string     `json:"title"`
	Status      TaskStatus `json:"status"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Note        string     `json:"note,omitempty"`
	Version     int64      `json:"version"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Observation is something the caregiver recorded during a visit:
// a vital reading, an incident, a meal, a free-form note.
type Observation struct {
	ID         string            `json:"id"`
	VisitID    string            `json:"visit_id"`
	ElderID    string            `json:"elder_id"`
	Kind       ObservationKind   `json:"kind"`
	Body       string            `json:"body,omitempty"`
	Recorded   map[string]string `json:"recorded,omitempty"`
	RecordedAt time.Time         `json:"recorded_at"`
	Version    int64             `json:"version"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// ReferenceRecord is an opaque reference data row (elder profile, caregiver
// profile, task template, care plan) cached for offline reads. The payload
// shape is owned by the server; the engine treats it as a document.
type ReferenceRecord struct {
	ID        string          `json:"id"`
	Kind      ReferenceKind   `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}
