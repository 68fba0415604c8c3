// Package storage provides persistence for the dispatch core: an in-memory
// implementation used by tests and for catalog records, and a SQLite-backed
// implementation for interventions and the append-only ledger journal.
//
// All stores return core.ErrNotFound (wrapped) for unknown identifiers so
// services inspect a single error taxonomy with errors.Is.
package storage

import (
	"context"
	"time"

	"brigade/core"
)

// InterventionStore persists interventions.
type InterventionStore interface {
	Create(ctx context.Context, iv *core.Intervention) error
	Get(ctx context.Context, id string) (*core.Intervention, error)
	Update(ctx context.Context, iv *core.Intervention) error
}

// ResourceStore persists the resource catalog and status.
type ResourceStore interface {
	Put(ctx context.Context, r *core.Resource) error
	Get(ctx context.Context, id string) (*core.Resource, error)
	Update(ctx context.Context, r *core.Resource) error
}

// TeamStore persists teams and their membership.
type TeamStore interface {
	Put(ctx context.Context, t *core.Team) error
	Get(ctx context.Context, id string) (*core.Team, error)
	Update(ctx context.Context, t *core.Team) error
}

// LedgerJournal persists the append-only assignment ledger. Entries are
// never deleted; releasing sets ReleasedAt on the active entry.
type LedgerJournal interface {
	Append(ctx context.Context, entry *core.LedgerEntry) error

	// ActiveEntries returns every unreleased entry for the resource. The
	// ledger treats more than one as a fatal invariant violation.
	ActiveEntries(ctx context.Context, resourceID string) ([]core.LedgerEntry, error)

	// Release stamps ReleasedAt on the entry. Returns core.ErrNotFound for
	// unknown or already-released entries.
	Release(ctx context.Context, entryID string, releasedAt time.Time) error

	// Transfer releases one entry and appends its successor as a single
	// journal operation, so readers never observe the resource with zero
	// active entries in between. Returns core.ErrNotFound when the entry
	// to release is unknown or already released.
	Transfer(ctx context.Context, releaseEntryID string, releasedAt time.Time, next *core.LedgerEntry) error

	// History returns all entries for the resource, oldest first.
	History(ctx context.Context, resourceID string) ([]core.LedgerEntry, error)
}
