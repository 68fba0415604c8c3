package core

import "time"

// TeamStatus represents the operational state of a team
type TeamStatus string

const (
	TeamStatusActive   TeamStatus = "active"
	TeamStatusStandby  TeamStatus = "standby"
	TeamStatusOffDuty  TeamStatus = "off_duty"
	TeamStatusDeployed TeamStatus = "deployed"
)

// IsValid checks if the team status is valid
func (s TeamStatus) IsValid() bool {
	switch s {
	case TeamStatusActive, TeamStatusStandby, TeamStatusOffDuty, TeamStatusDeployed:
		return true
	}
	return false
}

// TeamMember is one entry in a team's ordered member list
type TeamMember struct {
	UserID   string `json:"user_id"`
	Role     string `json:"role"`
	IsLeader bool   `json:"is_leader"`
}

// Team represents a response team. Invariant: if Members is non-empty, at
// most one member has IsLeader set, and exactly one immediately after a
// successful SetLeader. Removing the leader leaves the team leaderless until
// SetLeader is called again.
type Team struct {
	ID             string       `json:"id"`
	Name           string       `json:"name,omitempty"`
	Type           string       `json:"type,omitempty"`
	Status         TeamStatus   `json:"status"`
	Members        []TeamMember `json:"members"`
	VehicleID      string       `json:"vehicle_id,omitempty"`
	InterventionID string       `json:"intervention_id,omitempty"`
	StationID      string       `json:"station_id,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// LeaderCount returns the number of members flagged as leader. Computed on
// demand from the member list, never cached.
func (t *Team) LeaderCount() int {
	count := 0
	for _, m := range t.Members {
		if m.IsLeader {
			count++
		}
	}
	return count
}

// Leader returns the current leader, or nil if the team is leaderless.
func (t *Team) Leader() *TeamMember {
	for i := range t.Members {
		if t.Members[i].IsLeader {
			return &t.Members[i]
		}
	}
	return nil
}

// Size returns the member count. Plain computed value.
func (t *Team) Size() int {
	return len(t.Members)
}

// HasMember reports whether the user is on the team.
func (t *Team) HasMember(userID string) bool {
	for _, m := range t.Members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

// BundleResourceIDs returns the resource IDs a bundle assignment covers: the
// team's current vehicle plus every member treated as a personnel resource.
func (t *Team) BundleResourceIDs() []string {
	ids := make([]string, 0, len(t.Members)+1)
	if t.VehicleID != "" {
		ids = append(ids, t.VehicleID)
	}
	for _, m := range t.Members {
		ids = append(ids, m.UserID)
	}
	return ids
}
