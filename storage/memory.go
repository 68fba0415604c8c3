package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"brigade/core"
)

// MemoryStore is an in-memory implementation of every store interface.
// Used by tests and as the default backend for catalog records, whose
// persistence lives outside this core.
type MemoryStore struct {
	mu            sync.RWMutex
	interventions map[string]*core.Intervention
	resources     map[string]*core.Resource
	teams         map[string]*core.Team
	entries       []*core.LedgerEntry
	entryByID     map[string]*core.LedgerEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		interventions: make(map[string]*core.Intervention),
		resources:     make(map[string]*core.Resource),
		teams:         make(map[string]*core.Team),
		entryByID:     make(map[string]*core.LedgerEntry),
	}
}

// Stored values are copied both ways so callers never share pointers with
// the store.

func cloneIntervention(iv *core.Intervention) *core.Intervention {
	cp := *iv
	cp.Notes = append([]core.InterventionNote(nil), iv.Notes...)
	cp.StatusHistory = append([]core.StatusChange(nil), iv.StatusHistory...)
	if iv.ClosedAt != nil {
		closed := *iv.ClosedAt
		cp.ClosedAt = &closed
	}
	return &cp
}

func cloneResource(r *core.Resource) *core.Resource {
	cp := *r
	return &cp
}

func cloneTeam(t *core.Team) *core.Team {
	cp := *t
	cp.Members = append([]core.TeamMember(nil), t.Members...)
	return &cp
}

func cloneEntry(e *core.LedgerEntry) *core.LedgerEntry {
	cp := *e
	if e.ReleasedAt != nil {
		released := *e.ReleasedAt
		cp.ReleasedAt = &released
	}
	return &cp
}

// --- InterventionStore ---

func (m *MemoryStore) Create(ctx context.Context, iv *core.Intervention) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.interventions[iv.ID]; exists {
		return fmt.Errorf("intervention %s already exists", iv.ID)
	}
	m.interventions[iv.ID] = cloneIntervention(iv)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*core.Intervention, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	iv, ok := m.interventions[id]
	if !ok {
		return nil, fmt.Errorf("intervention %s: %w", id, core.ErrNotFound)
	}
	return cloneIntervention(iv), nil
}

func (m *MemoryStore) Update(ctx context.Context, iv *core.Intervention) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.interventions[iv.ID]; !ok {
		return fmt.Errorf("intervention %s: %w", iv.ID, core.ErrNotFound)
	}
	m.interventions[iv.ID] = cloneIntervention(iv)
	return nil
}

// --- ResourceStore ---

func (m *MemoryStore) Put(ctx context.Context, r *core.Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[r.ID] = cloneResource(r)
	return nil
}

func (m *MemoryStore) GetResource(ctx context.Context, id string) (*core.Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.resources[id]
	if !ok {
		return nil, fmt.Errorf("resource %s: %w", id, core.ErrNotFound)
	}
	return cloneResource(r), nil
}

func (m *MemoryStore) UpdateResource(ctx context.Context, r *core.Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.resources[r.ID]; !ok {
		return fmt.Errorf("resource %s: %w", r.ID, core.ErrNotFound)
	}
	m.resources[r.ID] = cloneResource(r)
	return nil
}

// --- TeamStore ---

func (m *MemoryStore) PutTeam(ctx context.Context, t *core.Team) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teams[t.ID] = cloneTeam(t)
	return nil
}

func (m *MemoryStore) GetTeam(ctx context.Context, id string) (*core.Team, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.teams[id]
	if !ok {
		return nil, fmt.Errorf("team %s: %w", id, core.ErrNotFound)
	}
	return cloneTeam(t), nil
}

func (m *MemoryStore) UpdateTeam(ctx context.Context, t *core.Team) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.teams[t.ID]; !ok {
		return fmt.Errorf("team %s: %w", t.ID, core.ErrNotFound)
	}
	m.teams[t.ID] = cloneTeam(t)
	return nil
}

// --- LedgerJournal ---

func (m *MemoryStore) Append(ctx context.Context, entry *core.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entryByID[entry.ID]; exists {
		return fmt.Errorf("ledger entry %s already exists", entry.ID)
	}
	cp := cloneEntry(entry)
	m.entries = append(m.entries, cp)
	m.entryByID[cp.ID] = cp
	return nil
}

func (m *MemoryStore) ActiveEntries(ctx context.Context, resourceID string) ([]core.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var active []core.LedgerEntry
	for _, e := range m.entries {
		if e.ResourceID == resourceID && e.ReleasedAt == nil {
			active = append(active, *cloneEntry(e))
		}
	}
	return active, nil
}

func (m *MemoryStore) Release(ctx context.Context, entryID string, releasedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entryByID[entryID]
	if !ok || e.ReleasedAt != nil {
		return fmt.Errorf("ledger entry %s: %w", entryID, core.ErrNotFound)
	}
	released := releasedAt
	e.ReleasedAt = &released
	return nil
}

func (m *MemoryStore) Transfer(ctx context.Context, releaseEntryID string, releasedAt time.Time, next *core.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entryByID[releaseEntryID]
	if !ok || e.ReleasedAt != nil {
		return fmt.Errorf("ledger entry %s: %w", releaseEntryID, core.ErrNotFound)
	}
	if _, exists := m.entryByID[next.ID]; exists {
		return fmt.Errorf("ledger entry %s already exists", next.ID)
	}
	released := releasedAt
	e.ReleasedAt = &released
	cp := cloneEntry(next)
	m.entries = append(m.entries, cp)
	m.entryByID[cp.ID] = cp
	return nil
}

func (m *MemoryStore) History(ctx context.Context, resourceID string) ([]core.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var history []core.LedgerEntry
	for _, e := range m.entries {
		if e.ResourceID == resourceID {
			history = append(history, *cloneEntry(e))
		}
	}
	return history, nil
}

// resourceStoreAdapter exposes MemoryStore through the ResourceStore
// interface, whose method names collide with InterventionStore's.
type resourceStoreAdapter struct{ m *MemoryStore }

func (a resourceStoreAdapter) Put(ctx context.Context, r *core.Resource) error { return a.m.Put(ctx, r) }
func (a resourceStoreAdapter) Get(ctx context.Context, id string) (*core.Resource, error) {
	return a.m.GetResource(ctx, id)
}
func (a resourceStoreAdapter) Update(ctx context.Context, r *core.Resource) error {
	return a.m.UpdateResource(ctx, r)
}

// Resources returns the store viewed as a ResourceStore.
func (m *MemoryStore) Resources() ResourceStore { return resourceStoreAdapter{m} }

// teamStoreAdapter exposes MemoryStore through the TeamStore interface.
type teamStoreAdapter struct{ m *MemoryStore }

func (a teamStoreAdapter) Put(ctx context.Context, t *core.Team) error { return a.m.PutTeam(ctx, t) }
func (a teamStoreAdapter) Get(ctx context.Context, id string) (*core.Team, error) {
	return a.m.GetTeam(ctx, id)
}
func (a teamStoreAdapter) Update(ctx context.Context, t *core.Team) error {
	return a.m.UpdateTeam(ctx, t)
}

// Teams returns the store viewed as a TeamStore.
func (m *MemoryStore) Teams() TeamStore { return teamStoreAdapter{m} }
