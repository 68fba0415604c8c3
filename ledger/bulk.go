package ledger

import (
	"context"

	"brigade/core"
)

// Outcome is the per-item result of a bulk operation. One item's failure
// never blocks the others.
type Outcome struct {
	ResourceID string            `json:"resource_id"`
	Entry      *core.LedgerEntry `json:"entry,omitempty"`
	Resource   *core.Resource    `json:"resource,omitempty"`
	Err        error             `json:"-"`
	Error      string            `json:"error,omitempty"`
}

func outcome(resourceID string, entry *core.LedgerEntry, res *core.Resource, err error) Outcome {
	o := Outcome{ResourceID: resourceID, Entry: entry, Resource: res, Err: err}
	if err != nil {
		o.Error = err.Error()
	}
	return o
}

// AssignRequest is one item of AssignMany.
type AssignRequest struct {
	ResourceID   string            `json:"resource_id"`
	AssigneeType core.AssigneeType `json:"assignee_type"`
	AssigneeID   string            `json:"assignee_id"`
}

// AssignMany applies Assign per resource independently and returns one
// outcome per item, in input order.
func (l *Ledger) AssignMany(ctx context.Context, reqs []AssignRequest) []Outcome {
	outcomes := make([]Outcome, 0, len(reqs))
	for _, req := range reqs {
		entry, err := l.Assign(ctx, req.ResourceID, req.AssigneeType, req.AssigneeID)
		outcomes = append(outcomes, outcome(req.ResourceID, entry, nil, err))
	}
	return outcomes
}

// ReleaseMany applies Release per resource independently.
func (l *Ledger) ReleaseMany(ctx context.Context, resourceIDs []string) []Outcome {
	outcomes := make([]Outcome, 0, len(resourceIDs))
	for _, id := range resourceIDs {
		res, err := l.Release(ctx, id)
		outcomes = append(outcomes, outcome(id, nil, res, err))
	}
	return outcomes
}

// StatusRequest is one item of UpdateStatusMany.
type StatusRequest struct {
	ResourceID string              `json:"resource_id"`
	Status     core.ResourceStatus `json:"status"`
}

// UpdateStatusMany applies UpdateStatus per resource independently.
func (l *Ledger) UpdateStatusMany(ctx context.Context, reqs []StatusRequest) []Outcome {
	outcomes := make([]Outcome, 0, len(reqs))
	for _, req := range reqs {
		res, err := l.UpdateStatus(ctx, req.ResourceID, req.Status)
		outcomes = append(outcomes, outcome(req.ResourceID, nil, res, err))
	}
	return outcomes
}
