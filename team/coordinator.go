// Package team implements the Team Coordinator: membership, the
// single-leader rule and all-or-nothing intervention assignment. The
// coordinator composes the ledger's bundle operations and never mutates
// ledger entries directly, so resource exclusivity has exactly one enforcer.
package team

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"brigade/core"
	"brigade/fanout"
	"brigade/ledger"
	"brigade/metrics"
	"brigade/storage"
)

// teamTypeByInterventionType maps an intervention type to the team type
// dispatch policy prefers for it. Unknown types fall through to DEFAULT.
var teamTypeByInterventionType = map[string]string{
	"fire":    "fire_suppression",
	"medical": "medical_response",
	"rescue":  "technical_rescue",
	"hazmat":  "hazmat",
	"flood":   "water_rescue",
	"traffic": "road_intervention",
	"DEFAULT": "general_response",
}

// MapInterventionTypeToTeamType returns the preferred team type for an
// intervention type. Pure lookup, no side effects.
func MapInterventionTypeToTeamType(interventionType string) string {
	if teamType, ok := teamTypeByInterventionType[strings.ToLower(interventionType)]; ok {
		return teamType
	}
	return teamTypeByInterventionType["DEFAULT"]
}

// Coordinator owns team records and drives bundle assignment through the
// ledger.
type Coordinator struct {
	teams  storage.TeamStore
	ledger *ledger.Ledger
	locks  *core.LockManager
	hub    *fanout.Hub
	logger *zap.SugaredLogger
}

// NewCoordinator creates a Coordinator. All dependencies are required.
func NewCoordinator(
	teams storage.TeamStore,
	ldg *ledger.Ledger,
	locks *core.LockManager,
	hub *fanout.Hub,
	logger *zap.SugaredLogger,
) *Coordinator {
	if teams == nil {
		panic("team store is required")
	}
	if ldg == nil {
		panic("ledger is required")
	}
	if locks == nil {
		panic("lock manager is required")
	}
	if hub == nil {
		panic("fanout hub is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Coordinator{
		teams:  teams,
		ledger: ldg,
		locks:  locks,
		hub:    hub,
		logger: logger,
	}
}

// CreateTeam registers a team. New teams start on standby unless a valid
// status is given.
func (c *Coordinator) CreateTeam(ctx context.Context, team *core.Team) (*core.Team, error) {
	err := c.createTeam(ctx, team)
	metrics.RecordCommand("team", "create_team", err)
	if err != nil {
		return nil, err
	}
	c.publishUpdated(team)
	return team, nil
}

func (c *Coordinator) createTeam(ctx context.Context, team *core.Team) error {
	if team.Name == "" {
		return fmt.Errorf("%w: team name is required", core.ErrValidationFailed)
	}
	if team.ID == "" {
		team.ID = uuid.New().String()
	}
	if team.Status == "" {
		team.Status = core.TeamStatusStandby
	}
	if !team.Status.IsValid() {
		return fmt.Errorf("%w: invalid team status %q", core.ErrValidationFailed, team.Status)
	}
	if team.LeaderCount() > 1 {
		return fmt.Errorf("%w: team has %d leaders", core.ErrValidationFailed, team.LeaderCount())
	}
	now := time.Now().UTC()
	team.CreatedAt = now
	team.UpdatedAt = now
	return c.teams.Put(ctx, team)
}

// Get returns the current team record.
func (c *Coordinator) Get(ctx context.Context, teamID string) (*core.Team, error) {
	return c.teams.Get(ctx, teamID)
}

// AddMember appends a member to the team. The member joins as a regular
// member; leadership is only ever granted through SetLeader.
func (c *Coordinator) AddMember(ctx context.Context, teamID, userID, role string) (*core.Team, error) {
	team, err := c.mutate(ctx, teamID, "add_member", func(team *core.Team) error {
		if userID == "" {
			return fmt.Errorf("%w: user id is required", core.ErrValidationFailed)
		}
		if team.HasMember(userID) {
			return fmt.Errorf("%w: user %s is already on team %s", core.ErrValidationFailed, userID, teamID)
		}
		team.Members = append(team.Members, core.TeamMember{UserID: userID, Role: role})
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.publishUpdated(team)
	return team, nil
}

// RemoveMember removes a member. Removing the leader leaves the team
// leaderless; no successor is picked automatically.
func (c *Coordinator) RemoveMember(ctx context.Context, teamID, userID string) (*core.Team, error) {
	team, err := c.mutate(ctx, teamID, "remove_member", func(team *core.Team) error {
		for i, m := range team.Members {
			if m.UserID == userID {
				team.Members = append(team.Members[:i], team.Members[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("%w: user %s is not on team %s", core.ErrNotFound, userID, teamID)
	})
	if err != nil {
		return nil, err
	}
	c.publishUpdated(team)
	return team, nil
}

// SetLeader promotes a member to leader and demotes any current leader in
// the same mutation. The team is never observable with two leaders.
func (c *Coordinator) SetLeader(ctx context.Context, teamID, userID string) (*core.Team, error) {
	team, err := c.mutate(ctx, teamID, "set_leader", func(team *core.Team) error {
		if !team.HasMember(userID) {
			return fmt.Errorf("%w: user %s is not on team %s", core.ErrNotFound, userID, teamID)
		}
		for i := range team.Members {
			team.Members[i].IsLeader = team.Members[i].UserID == userID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.publishUpdated(team)
	return team, nil
}

// SetVehicle attaches or detaches the team's vehicle. The vehicle is only a
// catalog reference here; it enters the ledger when the team is assigned.
func (c *Coordinator) SetVehicle(ctx context.Context, teamID, vehicleID string) (*core.Team, error) {
	team, err := c.mutate(ctx, teamID, "set_vehicle", func(team *core.Team) error {
		if team.InterventionID != "" {
			return fmt.Errorf("%w: team %s is deployed on intervention %s", core.ErrResourceUnavailable, teamID, team.InterventionID)
		}
		team.VehicleID = vehicleID
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.publishUpdated(team)
	return team, nil
}

// AssignIntervention assigns the whole team bundle (vehicle plus member
// personnel) to an intervention through the ledger, all-or-nothing. A
// conflict on any bundle member fails the call naming that resource and
// leaves nothing assigned.
func (c *Coordinator) AssignIntervention(ctx context.Context, teamID, interventionID string) (*core.Team, error) {
	team, err := c.assignIntervention(ctx, teamID, interventionID)
	metrics.RecordCommand("team", "assign_intervention", err)
	if err != nil {
		return nil, err
	}
	c.publishUpdated(team)
	return team, nil
}

func (c *Coordinator) assignIntervention(ctx context.Context, teamID, interventionID string) (*core.Team, error) {
	if interventionID == "" {
		return nil, fmt.Errorf("%w: intervention id is required", core.ErrValidationFailed)
	}

	release, err := c.lock(ctx, teamID)
	if err != nil {
		return nil, err
	}
	defer release()

	team, err := c.teams.Get(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if team.InterventionID != "" {
		return nil, fmt.Errorf("%w: team %s is already on intervention %s",
			core.ErrResourceUnavailable, teamID, team.InterventionID)
	}
	bundle := team.BundleResourceIDs()
	if len(bundle) == 0 {
		return nil, fmt.Errorf("%w: team %s has no vehicle and no members", core.ErrValidationFailed, teamID)
	}

	if _, err := c.ledger.AssignBundle(ctx, bundle, core.AssigneeTypeTeam, teamID); err != nil {
		return nil, err
	}

	team.InterventionID = interventionID
	team.Status = core.TeamStatusDeployed
	team.UpdatedAt = time.Now().UTC()
	if err := c.teams.Update(ctx, team); err != nil {
		// The bundle is held but the team record failed to persist; hand the
		// resources back so they are not orphaned on a team we cannot save.
		if _, relErr := c.ledger.ReleaseBundle(ctx, bundle, core.AssigneeTypeTeam, teamID); relErr != nil {
			c.logger.Errorw("failed to release bundle after team update failure",
				"team_id", teamID,
				"error", relErr)
		}
		return nil, err
	}

	c.logger.Infow("team assigned to intervention",
		"team_id", teamID,
		"intervention_id", interventionID,
		"bundle_size", len(bundle))
	return team, nil
}

// RemoveIntervention releases the team's bundle and returns it to active
// status. The caller names the intervention it believes it is releasing;
// a mismatch with the team's current deployment fails NotFound. Symmetric
// to AssignIntervention; bundle members held by someone else are left
// untouched.
func (c *Coordinator) RemoveIntervention(ctx context.Context, teamID, interventionID string) (*core.Team, error) {
	team, err := c.removeIntervention(ctx, teamID, interventionID)
	metrics.RecordCommand("team", "remove_intervention", err)
	if err != nil {
		return nil, err
	}
	c.publishUpdated(team)
	return team, nil
}

func (c *Coordinator) removeIntervention(ctx context.Context, teamID, interventionID string) (*core.Team, error) {
	if interventionID == "" {
		return nil, fmt.Errorf("%w: intervention id is required", core.ErrValidationFailed)
	}

	release, err := c.lock(ctx, teamID)
	if err != nil {
		return nil, err
	}
	defer release()

	team, err := c.teams.Get(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if team.InterventionID == "" {
		return nil, fmt.Errorf("%w: team %s has no intervention", core.ErrNotFound, teamID)
	}
	if team.InterventionID != interventionID {
		return nil, fmt.Errorf("%w: team %s is on intervention %s, not %s",
			core.ErrNotFound, teamID, team.InterventionID, interventionID)
	}

	if _, err := c.ledger.ReleaseBundle(ctx, team.BundleResourceIDs(), core.AssigneeTypeTeam, teamID); err != nil {
		return nil, err
	}

	previous := team.InterventionID
	team.InterventionID = ""
	team.Status = core.TeamStatusActive
	team.UpdatedAt = time.Now().UTC()
	if err := c.teams.Update(ctx, team); err != nil {
		return nil, err
	}

	c.logger.Infow("team released from intervention",
		"team_id", teamID,
		"intervention_id", previous)
	return team, nil
}

// mutate runs fn on the team under its lock, stamps UpdatedAt and persists.
// The caller publishes afterwards.
func (c *Coordinator) mutate(ctx context.Context, teamID, operation string, fn func(*core.Team) error) (*core.Team, error) {
	team, err := c.mutateLocked(ctx, teamID, fn)
	metrics.RecordCommand("team", operation, err)
	return team, err
}

func (c *Coordinator) mutateLocked(ctx context.Context, teamID string, fn func(*core.Team) error) (*core.Team, error) {
	release, err := c.lock(ctx, teamID)
	if err != nil {
		return nil, err
	}
	defer release()

	team, err := c.teams.Get(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if err := fn(team); err != nil {
		return nil, err
	}
	team.UpdatedAt = time.Now().UTC()
	if err := c.teams.Update(ctx, team); err != nil {
		return nil, err
	}
	return team, nil
}

func (c *Coordinator) lock(ctx context.Context, teamID string) (func(), error) {
	release, err := c.locks.Acquire(ctx, "team:"+teamID)
	if err != nil {
		metrics.LockTimeouts.Inc()
		return nil, err
	}
	return release, nil
}

// Team events are scoped to the team's own topic; the event name carries the
// team id so consumers on aggregated streams can still route.
func (c *Coordinator) publishUpdated(team *core.Team) {
	c.hub.Publish("team:"+team.ID, fmt.Sprintf("team:%s:updated", team.ID), map[string]interface{}{
		"team": team,
	})
}
