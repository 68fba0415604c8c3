package core

import "time"

// ResourceKind represents the kind of an assignable resource
type ResourceKind string

const (
	ResourceKindVehicle   ResourceKind = "vehicle"
	ResourceKindEquipment ResourceKind = "equipment"
	ResourceKindPersonnel ResourceKind = "personnel"
)

// IsValid checks if the resource kind is valid
func (k ResourceKind) IsValid() bool {
	switch k {
	case ResourceKindVehicle, ResourceKindEquipment, ResourceKindPersonnel:
		return true
	}
	return false
}

// ResourceStatus represents the availability state of a resource
type ResourceStatus string

const (
	ResourceStatusAvailable    ResourceStatus = "available"
	ResourceStatusAssigned     ResourceStatus = "assigned"
	ResourceStatusMaintenance  ResourceStatus = "maintenance"
	ResourceStatusOutOfService ResourceStatus = "out_of_service"
)

// IsValid checks if the resource status is valid
func (s ResourceStatus) IsValid() bool {
	switch s {
	case ResourceStatusAvailable, ResourceStatusAssigned,
		ResourceStatusMaintenance, ResourceStatusOutOfService:
		return true
	}
	return false
}

// Resource is an assignable unit: a vehicle, an equipment item, or a person.
// Invariant: a resource has at most one unreleased ledger entry at any time.
type Resource struct {
	ID     string         `json:"id"`
	Kind   ResourceKind   `json:"kind" validate:"required"`
	Status ResourceStatus `json:"status"`

	// MaintenanceRequested marks an assigned resource for maintenance. The
	// next Release lands it in maintenance instead of available.
	MaintenanceRequested bool `json:"maintenance_requested,omitempty"`

	StationID string    `json:"station_id,omitempty"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Assignable reports whether the resource can take a new assignment based on
// its status alone. The ledger's active-entry check is the authority; this is
// a plain computed predicate, never cached.
func (r *Resource) Assignable() bool {
	return r.Status == ResourceStatusAvailable
}

// AssigneeType identifies what kind of holder a ledger entry points at
type AssigneeType string

const (
	AssigneeTypeIntervention AssigneeType = "intervention"
	AssigneeTypeTeam         AssigneeType = "team"
)

// IsValid checks if the assignee type is valid
func (a AssigneeType) IsValid() bool {
	return a == AssigneeTypeIntervention || a == AssigneeTypeTeam
}

// LedgerEntry pairs a resource with whichever intervention or team currently
// holds it. Entries are append-only; the active entry for a resource is the
// one with ReleasedAt == nil.
type LedgerEntry struct {
	ID           string       `json:"id"`
	ResourceID   string       `json:"resource_id"`
	AssigneeType AssigneeType `json:"assignee_type"`
	AssigneeID   string       `json:"assignee_id"`
	AssignedAt   time.Time    `json:"assigned_at"`
	ReleasedAt   *time.Time   `json:"released_at,omitempty"`
}

// Active reports whether the entry is still unreleased
func (e *LedgerEntry) Active() bool {
	return e.ReleasedAt == nil
}
