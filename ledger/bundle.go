package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"brigade/core"
	"brigade/metrics"
)

// AssignBundle assigns every resource in the bundle to one holder as an
// all-or-nothing operation. Locks are acquired on all resource IDs in fixed
// sorted order before anything is mutated; if any bundle member is
// unavailable the whole call fails, naming the first conflicting resource,
// and no partial assignment is left behind.
func (l *Ledger) AssignBundle(ctx context.Context, resourceIDs []string, assigneeType core.AssigneeType, assigneeID string) ([]*core.LedgerEntry, error) {
	entries, resources, err := l.assignBundle(ctx, resourceIDs, assigneeType, assigneeID)
	metrics.RecordCommand("ledger", "assign_bundle", err)
	if err != nil {
		return nil, err
	}
	for i, entry := range entries {
		l.publishAssigned(resources[i], entry)
	}
	return entries, nil
}

func (l *Ledger) assignBundle(ctx context.Context, resourceIDs []string, assigneeType core.AssigneeType, assigneeID string) ([]*core.LedgerEntry, []*core.Resource, error) {
	if len(resourceIDs) == 0 {
		return nil, nil, fmt.Errorf("%w: empty bundle", core.ErrValidationFailed)
	}
	if !assigneeType.IsValid() || assigneeID == "" {
		return nil, nil, fmt.Errorf("%w: invalid assignee", core.ErrValidationFailed)
	}

	keys := make([]string, len(resourceIDs))
	for i, id := range resourceIDs {
		keys[i] = "resource:" + id
	}
	release, err := l.locks.AcquireAll(ctx, keys)
	if err != nil {
		metrics.LockTimeouts.Inc()
		return nil, nil, err
	}
	defer release()

	// Check everything before mutating anything.
	resources := make([]*core.Resource, 0, len(resourceIDs))
	for _, id := range resourceIDs {
		res, err := l.resources.Get(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		current, err := l.activeEntry(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if current != nil {
			return nil, nil, fmt.Errorf("%w: resource %s is held by %s %s",
				core.ErrResourceUnavailable, id, current.AssigneeType, current.AssigneeID)
		}
		if !res.Assignable() {
			return nil, nil, fmt.Errorf("%w: resource %s is %s", core.ErrResourceUnavailable, id, res.Status)
		}
		resources = append(resources, res)
	}

	// Commit. A storage failure partway is compensated before returning so
	// no partial assignment survives the call.
	now := time.Now().UTC()
	entries := make([]*core.LedgerEntry, 0, len(resources))
	for _, res := range resources {
		entry := &core.LedgerEntry{
			ID:           uuid.New().String(),
			ResourceID:   res.ID,
			AssigneeType: assigneeType,
			AssigneeID:   assigneeID,
			AssignedAt:   now,
		}
		if err := l.journal.Append(ctx, entry); err != nil {
			l.compensate(ctx, entries, now)
			return nil, nil, fmt.Errorf("bundle assignment failed on %s: %w", res.ID, err)
		}
		entries = append(entries, entry)

		res.Status = core.ResourceStatusAssigned
		res.UpdatedAt = now
		if err := l.resources.Update(ctx, res); err != nil {
			l.compensate(ctx, entries, now)
			return nil, nil, fmt.Errorf("bundle assignment failed on %s: %w", res.ID, err)
		}
	}
	return entries, resources, nil
}

// compensate rolls back already-committed bundle members after a mid-commit
// storage failure. Best effort: failures here are logged, not returned, as
// the original error is the one the caller needs.
func (l *Ledger) compensate(ctx context.Context, entries []*core.LedgerEntry, now time.Time) {
	for _, entry := range entries {
		if err := l.journal.Release(ctx, entry.ID, now); err != nil {
			l.logger.Errorw("failed to compensate bundle entry",
				"entry_id", entry.ID,
				"resource_id", entry.ResourceID,
				"error", err)
			continue
		}
		res, err := l.resources.Get(ctx, entry.ResourceID)
		if err == nil {
			res.Status = core.ResourceStatusAvailable
			res.UpdatedAt = now
			if err := l.resources.Update(ctx, res); err != nil {
				l.logger.Errorw("failed to reset resource during compensation",
					"resource_id", entry.ResourceID,
					"error", err)
			}
		}
	}
}

// ReleaseBundle releases every bundle member currently held by the given
// assignee. Members held by someone else, or not held at all, are left
// untouched; the release is symmetric to AssignBundle for entries that
// actually belong to the assignee.
func (l *Ledger) ReleaseBundle(ctx context.Context, resourceIDs []string, assigneeType core.AssigneeType, assigneeID string) ([]*core.Resource, error) {
	released, err := l.releaseBundle(ctx, resourceIDs, assigneeType, assigneeID)
	metrics.RecordCommand("ledger", "release_bundle", err)
	if err != nil {
		return nil, err
	}
	for _, res := range released {
		l.publishStatusChanged(res)
	}
	return released, nil
}

func (l *Ledger) releaseBundle(ctx context.Context, resourceIDs []string, assigneeType core.AssigneeType, assigneeID string) ([]*core.Resource, error) {
	if len(resourceIDs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(resourceIDs))
	for i, id := range resourceIDs {
		keys[i] = "resource:" + id
	}
	release, err := l.locks.AcquireAll(ctx, keys)
	if err != nil {
		metrics.LockTimeouts.Inc()
		return nil, err
	}
	defer release()

	now := time.Now().UTC()
	var released []*core.Resource
	for _, id := range resourceIDs {
		current, err := l.activeEntry(ctx, id)
		if err != nil {
			return nil, err
		}
		if current == nil || current.AssigneeType != assigneeType || current.AssigneeID != assigneeID {
			continue
		}
		if err := l.journal.Release(ctx, current.ID, now); err != nil {
			return nil, err
		}
		res, err := l.resources.Get(ctx, id)
		if err != nil {
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
		released = append(released, res)
	}
	return released, nil
}
