package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InterventionStatus represents the current state of an intervention
type InterventionStatus string

const (
	InterventionStatusPending    InterventionStatus = "PENDING"
	InterventionStatusDispatched InterventionStatus = "DISPATCHED"
	InterventionStatusEnRoute    InterventionStatus = "EN_ROUTE"
	InterventionStatusOnSite     InterventionStatus = "ON_SITE"
	InterventionStatusInProgress InterventionStatus = "IN_PROGRESS"
	InterventionStatusCompleted  InterventionStatus = "COMPLETED"
	InterventionStatusCancelled  InterventionStatus = "CANCELLED"
)

// String returns the string representation
func (s InterventionStatus) String() string {
	return string(s)
}

// IsValid checks if the intervention status is valid
func (s InterventionStatus) IsValid() bool {
	switch s {
	case InterventionStatusPending,
		InterventionStatusDispatched,
		InterventionStatusEnRoute,
		InterventionStatusOnSite,
		InterventionStatusInProgress,
		InterventionStatusCompleted,
		InterventionStatusCancelled:
		return true
	}
	return false
}

// InterventionPriority represents the priority level of an intervention
type InterventionPriority string

const (
	InterventionPriorityCritical InterventionPriority = "critical"
	InterventionPriorityHigh     InterventionPriority = "high"
	InterventionPriorityMedium   InterventionPriority = "medium"
	InterventionPriorityLow      InterventionPriority = "low"
)

// IsValid checks if the intervention priority is valid
func (p InterventionPriority) IsValid() bool {
	switch p {
	case InterventionPriorityCritical,
		InterventionPriorityHigh,
		InterventionPriorityMedium,
		InterventionPriorityLow:
		return true
	}
	return false
}

// Location is a point an intervention is anchored to. Geocoding happens
// upstream; the core only carries the resolved values.
type Location struct {
	Address   string  `json:"address,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
}

// InterventionNote represents a note attached to an intervention
type InterventionNote struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"author_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// StatusChange records one accepted status transition
type StatusChange struct {
	From      InterventionStatus `json:"from"`
	To        InterventionStatus `json:"to"`
	ActorID   string             `json:"actor_id"`
	ChangedAt time.Time          `json:"changed_at"`
}

// Intervention represents an emergency incident tracked through a status lifecycle
type Intervention struct {
	ID            string               `json:"id"`
	Code          string               `json:"code"`
	Type          string               `json:"type" validate:"required"`
	Priority      InterventionPriority `json:"priority" validate:"required"`
	Status        InterventionStatus   `json:"status"`
	Location      Location             `json:"location"`
	Region        string               `json:"region,omitempty"`
	StationID     string               `json:"station_id,omitempty"`
	Description   string               `json:"description,omitempty" validate:"max=2000"`
	Notes         []InterventionNote   `json:"notes,omitempty"`
	StatusHistory []StatusChange       `json:"status_history,omitempty"`
	CreatedBy     string               `json:"created_by,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
	ClosedAt      *time.Time           `json:"closed_at,omitempty"`
}

// NewIntervention creates a new Intervention in PENDING state with a generated code
func NewIntervention(interventionType string, priority InterventionPriority, location Location, region, stationID, createdBy string) *Intervention {
	now := time.Now().UTC()
	return &Intervention{
		ID:            uuid.New().String(),
		Code:          generateInterventionCode(now),
		Type:          interventionType,
		Priority:      priority,
		Status:        InterventionStatusPending,
		Location:      location,
		Region:        region,
		StationID:     stationID,
		CreatedBy:     createdBy,
		CreatedAt:     now,
		UpdatedAt:     now,
		Notes:         []InterventionNote{},
		StatusHistory: []StatusChange{},
	}
}

// generateInterventionCode generates a unique code in format INT-YYYYMMDD-xxxx
func generateInterventionCode(timestamp time.Time) string {
	dateStr := timestamp.Format("20060102")
	shortUUID := uuid.New().String()[:4]
	return fmt.Sprintf("INT-%s-%s", dateStr, shortUUID)
}

// Validate performs validation on the intervention
func (i *Intervention) Validate() error {
	if i.Type == "" {
		return fmt.Errorf("%w: intervention type is required", ErrValidationFailed)
	}
	if !i.Priority.IsValid() {
		return fmt.Errorf("%w: invalid priority %q", ErrValidationFailed, i.Priority)
	}
	if !i.Status.IsValid() {
		return fmt.Errorf("%w: invalid status %q", ErrValidationFailed, i.Status)
	}
	if len(i.Description) > 2000 {
		return fmt.Errorf("%w: description too long (max 2000 characters)", ErrValidationFailed)
	}
	return nil
}

// AddNote appends a note. Terminal-state enforcement happens in the registry,
// not here; the entity only records.
func (i *Intervention) AddNote(authorID, content string) InterventionNote {
	note := InterventionNote{
		ID:        uuid.New().String(),
		AuthorID:  authorID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	i.Notes = append(i.Notes, note)
	return note
}
