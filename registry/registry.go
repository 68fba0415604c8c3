// Package registry implements the Incident Registry: the lifecycle owner of
// interventions. All mutations are serialized per intervention and published
// after commit, outside the lock.
package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"brigade/core"
	"brigade/fanout"
	"brigade/metrics"
	"brigade/storage"
)

// CreateParams carries the caller-supplied fields of a new intervention.
// Everything else (id, code, timestamps, initial status) is generated here.
type CreateParams struct {
	Type        string
	Priority    core.InterventionPriority
	Location    core.Location
	Region      string
	StationID   string
	Description string
	CreatedBy   string
}

// Registry owns intervention records and their status lifecycle.
type Registry struct {
	store  storage.InterventionStore
	locks  *core.LockManager
	hub    *fanout.Hub
	table  *core.TransitionTable
	logger *zap.SugaredLogger
}

// NewRegistry creates a Registry. A nil table means the default transition
// graph with no shortcuts.
func NewRegistry(
	store storage.InterventionStore,
	locks *core.LockManager,
	hub *fanout.Hub,
	table *core.TransitionTable,
	logger *zap.SugaredLogger,
) *Registry {
	if store == nil {
		panic("intervention store is required")
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
	if table == nil {
		table = core.DefaultTransitionTable()
	}
	return &Registry{
		store:  store,
		locks:  locks,
		hub:    hub,
		table:  table,
		logger: logger,
	}
}

// CreateIntervention registers a new intervention in PENDING state with a
// generated code and emits intervention:created.
func (r *Registry) CreateIntervention(ctx context.Context, params CreateParams) (*core.Intervention, error) {
	iv, err := r.createIntervention(ctx, params)
	metrics.RecordCommand("registry", "create_intervention", err)
	if err != nil {
		return nil, err
	}
	r.publish(iv, "intervention:created", map[string]interface{}{
		"intervention": iv,
	})
	return iv, nil
}

func (r *Registry) createIntervention(ctx context.Context, params CreateParams) (*core.Intervention, error) {
	iv := core.NewIntervention(
		strings.TrimSpace(params.Type),
		params.Priority,
		params.Location,
		params.Region,
		params.StationID,
		params.CreatedBy,
	)
	iv.Description = params.Description
	if err := iv.Validate(); err != nil {
		return nil, err
	}
	if err := r.store.Create(ctx, iv); err != nil {
		return nil, err
	}
	r.logger.Infow("intervention created",
		"intervention_id", iv.ID,
		"code", iv.Code,
		"type", iv.Type,
		"priority", iv.Priority)
	return iv, nil
}

// Get returns the current intervention record.
func (r *Registry) Get(ctx context.Context, interventionID string) (*core.Intervention, error) {
	return r.store.Get(ctx, interventionID)
}

// UpdateStatus transitions an intervention through the lifecycle graph,
// appending the change to the status history. Terminal interventions fail
// with TerminalState, illegal edges with InvalidTransition.
func (r *Registry) UpdateStatus(ctx context.Context, interventionID string, newStatus core.InterventionStatus, actorID string) (*core.Intervention, error) {
	iv, from, err := r.updateStatus(ctx, interventionID, newStatus, actorID)
	metrics.RecordCommand("registry", "update_status", err)
	if err != nil {
		return nil, err
	}
	r.publish(iv, "intervention:status_changed", map[string]interface{}{
		"intervention": iv,
		"from":         from,
		"to":           iv.Status,
		"actor_id":     actorID,
	})
	return iv, nil
}

func (r *Registry) updateStatus(ctx context.Context, interventionID string, newStatus core.InterventionStatus, actorID string) (*core.Intervention, core.InterventionStatus, error) {
	release, err := r.lock(ctx, interventionID)
	if err != nil {
		return nil, "", err
	}
	defer release()

	iv, err := r.store.Get(ctx, interventionID)
	if err != nil {
		return nil, "", err
	}
	from := iv.Status
	if err := iv.TransitionTo(r.table, newStatus, actorID); err != nil {
		return nil, "", err
	}
	if err := r.store.Update(ctx, iv); err != nil {
		return nil, "", err
	}
	r.logger.Infow("intervention status changed",
		"intervention_id", iv.ID,
		"from", from,
		"to", iv.Status,
		"actor_id", actorID)
	return iv, from, nil
}

// UpdateLocation rewrites the location of an open intervention. Closed
// interventions reject the update with TerminalState.
func (r *Registry) UpdateLocation(ctx context.Context, interventionID string, loc core.Location) (*core.Intervention, error) {
	iv, err := r.mutateOpen(ctx, interventionID, "update_location", func(iv *core.Intervention) error {
		iv.Location = loc
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.publish(iv, "intervention:updated", map[string]interface{}{
		"intervention": iv,
	})
	return iv, nil
}

// AddNote appends a note to an open intervention.
func (r *Registry) AddNote(ctx context.Context, interventionID, authorID, content string) (*core.Intervention, error) {
	if strings.TrimSpace(content) == "" {
		err := fmt.Errorf("%w: note content is required", core.ErrValidationFailed)
		metrics.RecordCommand("registry", "add_note", err)
		return nil, err
	}
	iv, err := r.mutateOpen(ctx, interventionID, "add_note", func(iv *core.Intervention) error {
		iv.AddNote(authorID, content)
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.publish(iv, "intervention:updated", map[string]interface{}{
		"intervention": iv,
	})
	return iv, nil
}

// mutateOpen runs fn on a non-terminal intervention under its lock, stamps
// UpdatedAt and persists. The caller publishes afterwards.
func (r *Registry) mutateOpen(ctx context.Context, interventionID, operation string, fn func(*core.Intervention) error) (*core.Intervention, error) {
	iv, err := r.mutateOpenLocked(ctx, interventionID, fn)
	metrics.RecordCommand("registry", operation, err)
	return iv, err
}

func (r *Registry) mutateOpenLocked(ctx context.Context, interventionID string, fn func(*core.Intervention) error) (*core.Intervention, error) {
	release, err := r.lock(ctx, interventionID)
	if err != nil {
		return nil, err
	}
	defer release()

	iv, err := r.store.Get(ctx, interventionID)
	if err != nil {
		return nil, err
	}
	if iv.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: intervention %s is %s", core.ErrTerminalState, iv.ID, iv.Status)
	}
	if err := fn(iv); err != nil {
		return nil, err
	}
	iv.UpdatedAt = time.Now().UTC()
	if err := r.store.Update(ctx, iv); err != nil {
		return nil, err
	}
	return iv, nil
}

func (r *Registry) lock(ctx context.Context, interventionID string) (func(), error) {
	release, err := r.locks.Acquire(ctx, "intervention:"+interventionID)
	if err != nil {
		metrics.LockTimeouts.Inc()
		return nil, err
	}
	return release, nil
}

// Events go to the intervention's region topic, and to its station topic
// when one is set. An intervention with neither lands on the global channel.
func (r *Registry) publish(iv *core.Intervention, eventName string, payload map[string]interface{}) {
	published := false
	if iv.Region != "" {
		r.hub.Publish("region:"+iv.Region, eventName, payload)
		published = true
	}
	if iv.StationID != "" {
		r.hub.Publish("station:"+iv.StationID, eventName, payload)
		published = true
	}
	if !published {
		r.hub.PublishGlobal(eventName, payload)
	}
}
