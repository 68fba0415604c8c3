package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"brigade/core"
)

// Both backends must satisfy the same contract; every test below runs
// against each of them.

type backend struct {
	interventions InterventionStore
	journal       LedgerJournal
}

func backends(t *testing.T) map[string]backend {
	t.Helper()
	logger := zap.NewNop().Sugar()

	mem := NewMemoryStore()

	db, err := NewSQLite(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ivStore, err := NewSQLiteInterventionStore(db, logger)
	require.NoError(t, err)
	journal, err := NewSQLiteLedgerJournal(db, logger)
	require.NoError(t, err)

	return map[string]backend{
		"memory": {interventions: mem, journal: mem},
		"sqlite": {interventions: ivStore, journal: journal},
	}
}

func TestInterventionStore_RoundTrip(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			iv := core.NewIntervention("fire", core.InterventionPriorityHigh,
				core.Location{Address: "12 Main St", Latitude: 48.85, Longitude: 2.35},
				"region-01", "station-7", "dispatcher-1")
			iv.AddNote("dispatcher-1", "caller reports smoke")

			require.NoError(t, b.interventions.Create(ctx, iv))

			got, err := b.interventions.Get(ctx, iv.ID)
			require.NoError(t, err)
			assert.Equal(t, iv.Code, got.Code)
			assert.Equal(t, core.InterventionStatusPending, got.Status)
			assert.Equal(t, "region-01", got.Region)
			assert.Equal(t, iv.Location.Address, got.Location.Address)
			require.Len(t, got.Notes, 1)
			assert.Equal(t, "caller reports smoke", got.Notes[0].Content)
		})
	}
}

func TestInterventionStore_GetUnknown(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := b.interventions.Get(context.Background(), "ghost")
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrNotFound)
		})
	}
}

func TestInterventionStore_Update(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			iv := core.NewIntervention("flood", core.InterventionPriorityMedium, core.Location{}, "region-02", "", "d1")
			require.NoError(t, b.interventions.Create(ctx, iv))

			table := core.DefaultTransitionTable()
			require.NoError(t, iv.TransitionTo(table, core.InterventionStatusDispatched, "d1"))
			require.NoError(t, b.interventions.Update(ctx, iv))

			got, err := b.interventions.Get(ctx, iv.ID)
			require.NoError(t, err)
			assert.Equal(t, core.InterventionStatusDispatched, got.Status)
			require.Len(t, got.StatusHistory, 1)
			assert.Equal(t, core.InterventionStatusPending, got.StatusHistory[0].From)

			// Updating an unknown intervention is NotFound.
			ghost := core.NewIntervention("fire", core.InterventionPriorityLow, core.Location{}, "", "", "")
			err = b.interventions.Update(ctx, ghost)
			assert.ErrorIs(t, err, core.ErrNotFound)
		})
	}
}

func TestLedgerJournal_AppendAndRelease(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			entry := &core.LedgerEntry{
				ID:           "entry-1",
				ResourceID:   "veh-1",
				AssigneeType: core.AssigneeTypeIntervention,
				AssigneeID:   "int-1",
				AssignedAt:   time.Now().UTC(),
			}
			require.NoError(t, b.journal.Append(ctx, entry))

			active, err := b.journal.ActiveEntries(ctx, "veh-1")
			require.NoError(t, err)
			require.Len(t, active, 1)
			assert.True(t, active[0].Active())
			assert.Equal(t, "int-1", active[0].AssigneeID)

			require.NoError(t, b.journal.Release(ctx, "entry-1", time.Now().UTC()))

			active, err = b.journal.ActiveEntries(ctx, "veh-1")
			require.NoError(t, err)
			assert.Empty(t, active)

			// Releasing twice is NotFound, not a silent second mutation.
			err = b.journal.Release(ctx, "entry-1", time.Now().UTC())
			assert.ErrorIs(t, err, core.ErrNotFound)

			history, err := b.journal.History(ctx, "veh-1")
			require.NoError(t, err)
			require.Len(t, history, 1)
			assert.False(t, history[0].Active())
		})
	}
}

func TestLedgerJournal_Transfer(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first := &core.LedgerEntry{
				ID:           "t-entry-1",
				ResourceID:   "veh-3",
				AssigneeType: core.AssigneeTypeIntervention,
				AssigneeID:   "int-1",
				AssignedAt:   time.Now().UTC(),
			}
			require.NoError(t, b.journal.Append(ctx, first))

			second := &core.LedgerEntry{
				ID:           "t-entry-2",
				ResourceID:   "veh-3",
				AssigneeType: core.AssigneeTypeIntervention,
				AssigneeID:   "int-2",
				AssignedAt:   time.Now().UTC(),
			}
			require.NoError(t, b.journal.Transfer(ctx, first.ID, time.Now().UTC(), second))

			active, err := b.journal.ActiveEntries(ctx, "veh-3")
			require.NoError(t, err)
			require.Len(t, active, 1)
			assert.Equal(t, "int-2", active[0].AssigneeID)

			history, err := b.journal.History(ctx, "veh-3")
			require.NoError(t, err)
			assert.Len(t, history, 2)

			// Transferring off a released entry is NotFound and appends nothing.
			third := &core.LedgerEntry{
				ID:           "t-entry-3",
				ResourceID:   "veh-3",
				AssigneeType: core.AssigneeTypeIntervention,
				AssigneeID:   "int-3",
				AssignedAt:   time.Now().UTC(),
			}
			err = b.journal.Transfer(ctx, first.ID, time.Now().UTC(), third)
			assert.ErrorIs(t, err, core.ErrNotFound)

			history, err = b.journal.History(ctx, "veh-3")
			require.NoError(t, err)
			assert.Len(t, history, 2)
		})
	}
}

func TestLedgerJournal_HistoryAccumulates(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC()
			for i, id := range []string{"e1", "e2"} {
				entry := &core.LedgerEntry{
					ID:           id,
					ResourceID:   "veh-2",
					AssigneeType: core.AssigneeTypeTeam,
					AssigneeID:   "team-1",
					AssignedAt:   base.Add(time.Duration(i) * time.Minute),
				}
				require.NoError(t, b.journal.Append(ctx, entry))
				require.NoError(t, b.journal.Release(ctx, id, base.Add(time.Duration(i)*time.Minute+30*time.Second)))
			}

			history, err := b.journal.History(ctx, "veh-2")
			require.NoError(t, err)
			assert.Len(t, history, 2)
		})
	}
}

func TestMemoryStore_ResourceAndTeamAdapters(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()

	res := &core.Resource{ID: "veh-1", Kind: core.ResourceKindVehicle, Status: core.ResourceStatusAvailable}
	require.NoError(t, mem.Resources().Put(ctx, res))

	got, err := mem.Resources().Get(ctx, "veh-1")
	require.NoError(t, err)
	assert.True(t, got.Assignable())

	got.Status = core.ResourceStatusMaintenance
	require.NoError(t, mem.Resources().Update(ctx, got))

	// The store copies values; mutating the returned struct after Update
	// must not leak back in.
	got.Status = core.ResourceStatusOutOfService
	again, err := mem.Resources().Get(ctx, "veh-1")
	require.NoError(t, err)
	assert.Equal(t, core.ResourceStatusMaintenance, again.Status)

	_, err = mem.Resources().Get(ctx, "ghost")
	assert.ErrorIs(t, err, core.ErrNotFound)

	team := &core.Team{ID: "team-1", Status: core.TeamStatusActive, Members: []core.TeamMember{{UserID: "u1", IsLeader: true}}}
	require.NoError(t, mem.Teams().Put(ctx, team))
	gotTeam, err := mem.Teams().Get(ctx, "team-1")
	require.NoError(t, err)
	assert.Equal(t, 1, gotTeam.LeaderCount())

	err = mem.Teams().Update(ctx, &core.Team{ID: "ghost"})
	assert.ErrorIs(t, err, core.ErrNotFound)
}
