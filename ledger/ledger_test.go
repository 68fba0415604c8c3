package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"brigade/core"
	"brigade/fanout"
	"brigade/storage"
)

func newTestLedger(t *testing.T) (*Ledger, *storage.MemoryStore, *fanout.Hub) {
	t.Helper()
	logger := zap.NewNop().Sugar()
	mem := storage.NewMemoryStore()
	hub := fanout.NewHub(64, logger)
	l := NewLedger(mem.Resources(), mem, core.NewLockManager(200*time.Millisecond), hub, logger)
	return l, mem, hub
}

func addVehicle(t *testing.T, l *Ledger, id string) {
	t.Helper()
	require.NoError(t, l.AddResource(context.Background(), &core.Resource{
		ID:   id,
		Kind: core.ResourceKindVehicle,
	}))
}

func TestLedger_AssignReleaseCycle(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()
	addVehicle(t, l, "veh-1")

	// Assign to intervention I.
	entry, err := l.Assign(ctx, "veh-1", core.AssigneeTypeIntervention, "int-I")
	require.NoError(t, err)
	assert.True(t, entry.Active())

	res, err := l.GetResource(ctx, "veh-1")
	require.NoError(t, err)
	assert.Equal(t, core.ResourceStatusAssigned, res.Status)

	active, err := l.History(ctx, "veh-1")
	require.NoError(t, err)
	require.Len(t, active, 1)

	// Concurrent assignment to intervention J fails ResourceUnavailable.
	_, err = l.Assign(ctx, "veh-1", core.AssigneeTypeIntervention, "int-J")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrResourceUnavailable)

	// Release, then J succeeds.
	released, err := l.Release(ctx, "veh-1")
	require.NoError(t, err)
	assert.Equal(t, core.ResourceStatusAvailable, released.Status)

	_, err = l.Assign(ctx, "veh-1", core.AssigneeTypeIntervention, "int-J")
	require.NoError(t, err)
}

func TestLedger_SingleActiveEntryInvariant(t *testing.T) {
	l, mem, _ := newTestLedger(t)
	ctx := context.Background()
	addVehicle(t, l, "veh-1")

	_, err := l.Assign(ctx, "veh-1", core.AssigneeTypeIntervention, "int-1")
	require.NoError(t, err)

	history, err := mem.History(ctx, "veh-1")
	require.NoError(t, err)
	activeCount := 0
	for _, e := range history {
		if e.Active() {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount)
}

func TestLedger_DoubleReleaseFailsNotFound(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()
	addVehicle(t, l, "veh-1")

	_, err := l.Assign(ctx, "veh-1", core.AssigneeTypeTeam, "team-1")
	require.NoError(t, err)

	_, err = l.Release(ctx, "veh-1")
	require.NoError(t, err)

	// Second consecutive release fails NotFound instead of mutating again.
	_, err = l.Release(ctx, "veh-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestLedger_AssignUnknownResource(t *testing.T) {
	l, _, _ := newTestLedger(t)
	_, err := l.Assign(context.Background(), "ghost", core.AssigneeTypeIntervention, "int-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestLedger_Transfer(t *testing.T) {
	l, mem, _ := newTestLedger(t)
	ctx := context.Background()
	addVehicle(t, l, "veh-1")

	_, err := l.Assign(ctx, "veh-1", core.AssigneeTypeIntervention, "int-1")
	require.NoError(t, err)

	entry, err := l.Transfer(ctx, "veh-1",
		Assignee{Type: core.AssigneeTypeIntervention, ID: "int-1"},
		Assignee{Type: core.AssigneeTypeIntervention, ID: "int-2"})
	require.NoError(t, err)
	assert.Equal(t, "int-2", entry.AssigneeID)

	// Exactly one active entry after the transfer, pointing at int-2.
	active, err := mem.ActiveEntries(ctx, "veh-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "int-2", active[0].AssigneeID)

	res, err := l.GetResource(ctx, "veh-1")
	require.NoError(t, err)
	assert.Equal(t, core.ResourceStatusAssigned, res.Status)
}

func TestLedger_TransferWrongHolder(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()
	addVehicle(t, l, "veh-1")

	_, err := l.Assign(ctx, "veh-1", core.AssigneeTypeIntervention, "int-1")
	require.NoError(t, err)

	_, err = l.Transfer(ctx, "veh-1",
		Assignee{Type: core.AssigneeTypeIntervention, ID: "int-OTHER"},
		Assignee{Type: core.AssigneeTypeIntervention, ID: "int-2"})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestLedger_TransferNeverExposesZeroActive(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()
	addVehicle(t, l, "veh-1")

	_, err := l.Assign(ctx, "veh-1", core.AssigneeTypeIntervention, "int-0")
	require.NoError(t, err)

	// Readers go straight to the journal, not through the resource lock, so
	// they hit the transfer at arbitrary points. Every snapshot must hold
	// exactly one active entry.
	stop := make(chan struct{})
	done := make(chan struct{})
	var readErr error
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			history, err := l.History(ctx, "veh-1")
			if err != nil {
				readErr = err
				return
			}
			active := 0
			for _, e := range history {
				if e.Active() {
					active++
				}
			}
			if active != 1 {
				readErr = fmt.Errorf("observed %d active entries mid-transfer", active)
				return
			}
		}
	}()

	holders := []string{"int-0", "int-1"}
	for i := 0; i < 50; i++ {
		from := holders[i%2]
		to := holders[(i+1)%2]
		_, err := l.Transfer(ctx, "veh-1",
			Assignee{Type: core.AssigneeTypeIntervention, ID: from},
			Assignee{Type: core.AssigneeTypeIntervention, ID: to})
		require.NoError(t, err)
	}

	close(stop)
	<-done
	require.NoError(t, readErr)
}

func TestLedger_MaintenanceFlagDefersUntilRelease(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()
	addVehicle(t, l, "veh-1")

	_, err := l.Assign(ctx, "veh-1", core.AssigneeTypeIntervention, "int-1")
	require.NoError(t, err)

	// Flag while assigned: assignment survives, flag is recorded.
	res, err := l.SetMaintenance(ctx, "veh-1", true)
	require.NoError(t, err)
	assert.Equal(t, core.ResourceStatusAssigned, res.Status)
	assert.True(t, res.MaintenanceRequested)

	// Release lands the resource in maintenance, not available.
	released, err := l.Release(ctx, "veh-1")
	require.NoError(t, err)
	assert.Equal(t, core.ResourceStatusMaintenance, released.Status)
	assert.False(t, released.MaintenanceRequested)

	// And a maintenance resource is not assignable.
	_, err = l.Assign(ctx, "veh-1", core.AssigneeTypeIntervention, "int-2")
	assert.ErrorIs(t, err, core.ErrResourceUnavailable)
}

func TestLedger_UpdateStatus(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()
	addVehicle(t, l, "veh-1")

	res, err := l.UpdateStatus(ctx, "veh-1", core.ResourceStatusOutOfService)
	require.NoError(t, err)
	assert.Equal(t, core.ResourceStatusOutOfService, res.Status)

	// Cannot set "assigned" directly.
	_, err = l.UpdateStatus(ctx, "veh-1", core.ResourceStatusAssigned)
	assert.ErrorIs(t, err, core.ErrValidationFailed)

	// Cannot rewrite status under an active assignment.
	_, err = l.UpdateStatus(ctx, "veh-1", core.ResourceStatusAvailable)
	require.NoError(t, err)
	_, err = l.Assign(ctx, "veh-1", core.AssigneeTypeIntervention, "int-1")
	require.NoError(t, err)
	_, err = l.UpdateStatus(ctx, "veh-1", core.ResourceStatusOutOfService)
	assert.ErrorIs(t, err, core.ErrResourceUnavailable)
}

func TestLedger_ConcurrentAssign_OnlyOneWins(t *testing.T) {
	l, mem, _ := newTestLedger(t)
	ctx := context.Background()
	addVehicle(t, l, "veh-1")

	const callers = 16
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = l.Assign(ctx, "veh-1", core.AssigneeTypeIntervention, "int-1")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		// Losers see unavailability or a lock timeout, never corruption.
		assert.True(t,
			errors.Is(err, core.ErrResourceUnavailable) || errors.Is(err, core.ErrResourceBusy),
			"unexpected error: %v", err)
	}
	assert.Equal(t, 1, succeeded)

	active, err := mem.ActiveEntries(ctx, "veh-1")
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestLedger_AssignBundle_AllOrNothing(t *testing.T) {
	l, mem, _ := newTestLedger(t)
	ctx := context.Background()
	for _, id := range []string{"veh-1", "p-1", "p-2"} {
		addVehicle(t, l, id)
	}

	// Block one member.
	_, err := l.Assign(ctx, "p-2", core.AssigneeTypeIntervention, "int-OTHER")
	require.NoError(t, err)

	_, err = l.AssignBundle(ctx, []string{"veh-1", "p-1", "p-2"}, core.AssigneeTypeIntervention, "int-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrResourceUnavailable)
	assert.Contains(t, err.Error(), "p-2", "failure must name the conflicting resource")

	// No partial assignment left behind.
	for _, id := range []string{"veh-1", "p-1"} {
		active, err := mem.ActiveEntries(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, active, "resource %s must remain unassigned", id)
		res, err := l.GetResource(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, core.ResourceStatusAvailable, res.Status)
	}

	// After freeing the blocker the bundle goes through.
	_, err = l.Release(ctx, "p-2")
	require.NoError(t, err)
	entries, err := l.AssignBundle(ctx, []string{"veh-1", "p-1", "p-2"}, core.AssigneeTypeIntervention, "int-1")
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestLedger_ReleaseBundle_OnlyOwnEntries(t *testing.T) {
	l, mem, _ := newTestLedger(t)
	ctx := context.Background()
	for _, id := range []string{"veh-1", "p-1", "p-2"} {
		addVehicle(t, l, id)
	}

	_, err := l.AssignBundle(ctx, []string{"veh-1", "p-1"}, core.AssigneeTypeTeam, "team-1")
	require.NoError(t, err)
	// p-2 belongs to someone else.
	_, err = l.Assign(ctx, "p-2", core.AssigneeTypeTeam, "team-2")
	require.NoError(t, err)

	released, err := l.ReleaseBundle(ctx, []string{"veh-1", "p-1", "p-2"}, core.AssigneeTypeTeam, "team-1")
	require.NoError(t, err)
	assert.Len(t, released, 2)

	// team-2's holding is untouched.
	active, err := mem.ActiveEntries(ctx, "p-2")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "team-2", active[0].AssigneeID)
}

func TestLedger_BulkPartialFailure(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()
	addVehicle(t, l, "veh-1")
	addVehicle(t, l, "veh-2")

	// veh-2 is already taken; ghost doesn't exist.
	_, err := l.Assign(ctx, "veh-2", core.AssigneeTypeIntervention, "int-9")
	require.NoError(t, err)

	outcomes := l.AssignMany(ctx, []AssignRequest{
		{ResourceID: "veh-1", AssigneeType: core.AssigneeTypeIntervention, AssigneeID: "int-1"},
		{ResourceID: "veh-2", AssigneeType: core.AssigneeTypeIntervention, AssigneeID: "int-1"},
		{ResourceID: "ghost", AssigneeType: core.AssigneeTypeIntervention, AssigneeID: "int-1"},
	})
	require.Len(t, outcomes, 3)

	assert.NoError(t, outcomes[0].Err)
	assert.NotNil(t, outcomes[0].Entry)

	assert.ErrorIs(t, outcomes[1].Err, core.ErrResourceUnavailable)
	assert.ErrorIs(t, outcomes[2].Err, core.ErrNotFound)
	assert.NotEmpty(t, outcomes[2].Error)
}

func TestLedger_PublishesAfterCommit(t *testing.T) {
	l, _, hub := newTestLedger(t)
	ctx := context.Background()

	sub := hub.Register("console-1")
	require.NoError(t, l.AddResource(ctx, &core.Resource{
		ID:        "veh-1",
		Kind:      core.ResourceKindVehicle,
		StationID: "st-1",
	}))
	require.NoError(t, hub.Subscribe("console-1", "station:st-1"))

	_, err := l.Assign(ctx, "veh-1", core.AssigneeTypeIntervention, "int-1")
	require.NoError(t, err)

	select {
	case evt := <-sub.Events():
		assert.Equal(t, "resource:assigned", evt.Name)
		assert.Equal(t, "station:st-1", evt.Topic)
	case <-time.After(time.Second):
		t.Fatal("expected resource:assigned on station topic")
	}
}
