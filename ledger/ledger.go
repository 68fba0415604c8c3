// Package ledger implements the Resource Ledger: the single canonical owner
// of the assignment relation between resources and their holders
// (interventions or teams).
//
// Every mutation runs under a per-resource lock with bounded wait, commits
// to the journal and resource store, and only then publishes its events,
// never while a lock is held. The single-active-entry invariant is checked
// on every operation; a violation is a fatal programming error, logged
// distinctly and never worked around.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"brigade/core"
	"brigade/fanout"
	"brigade/metrics"
	"brigade/storage"
)

// Assignee names a holder in transfer calls.
type Assignee struct {
	Type core.AssigneeType `json:"type"`
	ID   string            `json:"id"`
}

// Ledger owns ledger entries and resource status. The Team Coordinator
// composes the bundle operations below; it never mutates entries directly.
type Ledger struct {
	resources storage.ResourceStore
	journal   storage.LedgerJournal
	locks     *core.LockManager
	hub       *fanout.Hub
	logger    *zap.SugaredLogger
}

// NewLedger creates a Ledger. All dependencies are required.
func NewLedger(
	resources storage.ResourceStore,
	journal storage.LedgerJournal,
	locks *core.LockManager,
	hub *fanout.Hub,
	logger *zap.SugaredLogger,
) *Ledger {
	if resources == nil {
		panic("resources store is required")
	}
	if journal == nil {
		panic("ledger journal is required")
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
	return &Ledger{
		resources: resources,
		journal:   journal,
		locks:     locks,
		hub:       hub,
		logger:    logger,
	}
}

// AddResource registers a resource with the ledger. New resources start
// available unless a valid status is set.
func (l *Ledger) AddResource(ctx context.Context, r *core.Resource) error {
	if r.ID == "" {
		return fmt.Errorf("%w: resource id is required", core.ErrValidationFailed)
	}
	if !r.Kind.IsValid() {
		return fmt.Errorf("%w: invalid resource kind %q", core.ErrValidationFailed, r.Kind)
	}
	if r.Status == "" {
		r.Status = core.ResourceStatusAvailable
	}
	if !r.Status.IsValid() {
		return fmt.Errorf("%w: invalid resource status %q", core.ErrValidationFailed, r.Status)
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	return l.resources.Put(ctx, r)
}

// GetResource returns the current resource record.
func (l *Ledger) GetResource(ctx context.Context, resourceID string) (*core.Resource, error) {
	return l.resources.Get(ctx, resourceID)
}

// History returns the full (append-only) ledger history for a resource.
func (l *Ledger) History(ctx context.Context, resourceID string) ([]core.LedgerEntry, error) {
	return l.journal.History(ctx, resourceID)
}

// activeEntry loads the single active entry for a resource. Zero entries
// returns (nil, nil); more than one halts with ErrInvariantViolation.
// Caller holds the resource lock.
func (l *Ledger) activeEntry(ctx context.Context, resourceID string) (*core.LedgerEntry, error) {
	active, err := l.journal.ActiveEntries(ctx, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load active entries for %s: %w", resourceID, err)
	}
	switch len(active) {
	case 0:
		return nil, nil
	case 1:
		return &active[0], nil
	default:
		// Corrupted state. Log loudly, halt the operation.
		l.logger.Errorw("LEDGER INVARIANT VIOLATION: multiple active entries",
			"resource_id", resourceID,
			"active_entries", len(active))
		return nil, fmt.Errorf("%w: resource %s has %d active ledger entries", core.ErrInvariantViolation, resourceID, len(active))
	}
}

// Assign commits a new active entry for the resource and marks it assigned.
// Fails ErrNotFound for unknown resources and ErrResourceUnavailable when an
// active entry already exists or the resource is not in an assignable state.
func (l *Ledger) Assign(ctx context.Context, resourceID string, assigneeType core.AssigneeType, assigneeID string) (*core.LedgerEntry, error) {
	entry, res, err := l.assign(ctx, resourceID, assigneeType, assigneeID)
	metrics.RecordCommand("ledger", "assign", err)
	if err != nil {
		return nil, err
	}
	l.publishAssigned(res, entry)
	return entry, nil
}

// assign does the locked portion; events are published by the caller after
// the lock is gone.
func (l *Ledger) assign(ctx context.Context, resourceID string, assigneeType core.AssigneeType, assigneeID string) (*core.LedgerEntry, *core.Resource, error) {
	if !assigneeType.IsValid() {
		return nil, nil, fmt.Errorf("%w: invalid assignee type %q", core.ErrValidationFailed, assigneeType)
	}
	if assigneeID == "" {
		return nil, nil, fmt.Errorf("%w: assignee id is required", core.ErrValidationFailed)
	}

	release, err := l.lock(ctx, resourceID)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	res, err := l.resources.Get(ctx, resourceID)
	if err != nil {
		return nil, nil, err
	}

	current, err := l.activeEntry(ctx, resourceID)
	if err != nil {
		return nil, nil, err
	}
	if current != nil {
		return nil, nil, fmt.Errorf("%w: resource %s is held by %s %s",
			core.ErrResourceUnavailable, resourceID, current.AssigneeType, current.AssigneeID)
	}
	if !res.Assignable() {
		return nil, nil, fmt.Errorf("%w: resource %s is %s", core.ErrResourceUnavailable, resourceID, res.Status)
	}

	entry := &core.LedgerEntry{
		ID:           uuid.New().String(),
		ResourceID:   resourceID,
		AssigneeType: assigneeType,
		AssigneeID:   assigneeID,
		AssignedAt:   time.Now().UTC(),
	}
	if err := l.journal.Append(ctx, entry); err != nil {
		return nil, nil, err
	}

	res.Status = core.ResourceStatusAssigned
	res.UpdatedAt = time.Now().UTC()
	if err := l.resources.Update(ctx, res); err != nil {
		return nil, nil, err
	}
	return entry, res, nil
}

// Release marks the active entry released and resets the resource to
// available, or to maintenance when the flag was set while assigned.
// Fails ErrNotFound when there is nothing to release.
func (l *Ledger) Release(ctx context.Context, resourceID string) (*core.Resource, error) {
	res, err := l.release(ctx, resourceID)
	metrics.RecordCommand("ledger", "release", err)
	if err != nil {
		return nil, err
	}
	l.publishStatusChanged(res)
	return res, nil
}

func (l *Ledger) release(ctx context.Context, resourceID string) (*core.Resource, error) {
	release, err := l.lock(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	defer release()

	res, err := l.resources.Get(ctx, resourceID)
	if err != nil {
		return nil, err
	}

	current, err := l.activeEntry(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("%w: resource %s has no active assignment", core.ErrNotFound, resourceID)
	}

	now := time.Now().UTC()
	if err := l.journal.Release(ctx, current.ID, now); err != nil {
		return nil, err
	}

	if res.MaintenanceRequested {
		res.Status = core.ResourceStatusMaintenance
		res.MaintenanceRequested = false
	} else {
		res.Status = core.ResourceStatusAvailable
	}
	res.UpdatedAt = now
	if err := l.resources.Update(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

// Transfer atomically moves the resource from one holder to another under a
// single lock hold. The ledger never exposes a state with zero or two active
// entries for the resource mid-operation.
func (l *Ledger) Transfer(ctx context.Context, resourceID string, from, to Assignee) (*core.LedgerEntry, error) {
	entry, res, err := l.transfer(ctx, resourceID, from, to)
	metrics.RecordCommand("ledger", "transfer", err)
	if err != nil {
		return nil, err
	}
	// Commit order: the old holder's release, then the new assignment.
	l.publishStatusChanged(res)
	l.publishAssigned(res, entry)
	return entry, nil
}

func (l *Ledger) transfer(ctx context.Context, resourceID string, from, to Assignee) (*core.LedgerEntry, *core.Resource, error) {
	if !to.Type.IsValid() || to.ID == "" {
		return nil, nil, fmt.Errorf("%w: invalid transfer target", core.ErrValidationFailed)
	}

	release, err := l.lock(ctx, resourceID)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	res, err := l.resources.Get(ctx, resourceID)
	if err != nil {
		return nil, nil, err
	}

	current, err := l.activeEntry(ctx, resourceID)
	if err != nil {
		return nil, nil, err
	}
	if current == nil {
		return nil, nil, fmt.Errorf("%w: resource %s has no active assignment", core.ErrNotFound, resourceID)
	}
	if current.AssigneeType != from.Type || current.AssigneeID != from.ID {
		return nil, nil, fmt.Errorf("%w: resource %s is held by %s %s, not %s %s",
			core.ErrNotFound, resourceID, current.AssigneeType, current.AssigneeID, from.Type, from.ID)
	}

	now := time.Now().UTC()
	entry := &core.LedgerEntry{
		ID:           uuid.New().String(),
		ResourceID:   resourceID,
		AssigneeType: to.Type,
		AssigneeID:   to.ID,
		AssignedAt:   now,
	}
	// Single journal call so readers outside the lock never see the
	// resource between entries.
	if err := l.journal.Transfer(ctx, current.ID, now, entry); err != nil {
		return nil, nil, err
	}

	res.Status = core.ResourceStatusAssigned
	res.UpdatedAt = now
	if err := l.resources.Update(ctx, res); err != nil {
		return nil, nil, err
	}
	return entry, res, nil
}

// SetMaintenance flags a resource for maintenance. An unassigned resource
// transitions immediately; an assigned one keeps its assignment and lands in
// maintenance on the next Release.
func (l *Ledger) SetMaintenance(ctx context.Context, resourceID string, requested bool) (*core.Resource, error) {
	res, err := l.setMaintenance(ctx, resourceID, requested)
	metrics.RecordCommand("ledger", "set_maintenance", err)
	if err != nil {
		return nil, err
	}
	l.publishStatusChanged(res)
	return res, nil
}

func (l *Ledger) setMaintenance(ctx context.Context, resourceID string, requested bool) (*core.Resource, error) {
	release, err := l.lock(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	defer release()

	res, err := l.resources.Get(ctx, resourceID)
	if err != nil {
		return nil, err
	}

	current, err := l.activeEntry(ctx, resourceID)
	if err != nil {
		return nil, err
	}

	if current != nil {
		res.MaintenanceRequested = requested
	} else if requested {
		res.Status = core.ResourceStatusMaintenance
		res.MaintenanceRequested = false
	} else if res.Status == core.ResourceStatusMaintenance {
		res.Status = core.ResourceStatusAvailable
	}
	res.UpdatedAt = time.Now().UTC()
	if err := l.resources.Update(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

// UpdateStatus sets the status of an unassigned resource (maintenance,
// out_of_service, available). An assigned resource cannot have its status
// rewritten underneath its holder; use SetMaintenance for the deferred path.
func (l *Ledger) UpdateStatus(ctx context.Context, resourceID string, status core.ResourceStatus) (*core.Resource, error) {
	res, err := l.updateStatus(ctx, resourceID, status)
	metrics.RecordCommand("ledger", "update_status", err)
	if err != nil {
		return nil, err
	}
	l.publishStatusChanged(res)
	return res, nil
}

func (l *Ledger) updateStatus(ctx context.Context, resourceID string, status core.ResourceStatus) (*core.Resource, error) {
	if !status.IsValid() || status == core.ResourceStatusAssigned {
		return nil, fmt.Errorf("%w: invalid target status %q", core.ErrValidationFailed, status)
	}

	release, err := l.lock(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	defer release()

	res, err := l.resources.Get(ctx, resourceID)
	if err != nil {
		return nil, err
	}

	current, err := l.activeEntry(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if current != nil {
		return nil, fmt.Errorf("%w: resource %s is held by %s %s",
			core.ErrResourceUnavailable, resourceID, current.AssigneeType, current.AssigneeID)
	}

	res.Status = status
	res.UpdatedAt = time.Now().UTC()
	if err := l.resources.Update(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (l *Ledger) lock(ctx context.Context, resourceID string) (func(), error) {
	release, err := l.locks.Acquire(ctx, "resource:"+resourceID)
	if err != nil {
		metrics.LockTimeouts.Inc()
		return nil, err
	}
	return release, nil
}

// Events go to the resource's station topic when it has one, otherwise to
// the global channel. Publishing happens strictly after commit, outside the
// resource lock.

func (l *Ledger) publishAssigned(res *core.Resource, entry *core.LedgerEntry) {
	l.publish(res, "resource:assigned", map[string]interface{}{
		"resource": res,
		"entry":    entry,
	})
}

func (l *Ledger) publishStatusChanged(res *core.Resource) {
	l.publish(res, "resource:status_changed", map[string]interface{}{
		"resource": res,
	})
}

func (l *Ledger) publish(res *core.Resource, eventName string, payload map[string]interface{}) {
	if res.StationID != "" {
		topic := "station:" + res.StationID
		l.hub.Publish(topic, eventName, payload)
		l.hub.Publish(topic, fmt.Sprintf("station:%s:update", res.StationID), payload)
		return
	}
	l.hub.PublishGlobal(eventName, payload)
}
